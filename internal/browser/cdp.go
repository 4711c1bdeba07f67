package browser

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// cdpRequest is an outbound DevTools command.
type cdpRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params,omitempty"`
}

// cdpMessage is the superset of responses and events the endpoint sends.
type cdpMessage struct {
	ID     int64           `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *cdpError       `json:"error,omitempty"`
}

type cdpError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *cdpError) Error() string {
	return fmt.Sprintf("browser: devtools error %d: %s", e.Code, e.Message)
}

// CDPSession is a Driver over a live DevTools websocket. A read loop
// dispatches responses to per-command channels keyed by request id; all
// writes go through a mutex.
type CDPSession struct {
	conn    *websocket.Conn
	logger  *log.Logger
	writeMu sync.Mutex

	idSeq   atomic.Int64
	pending sync.Map // request id → chan cdpMessage

	closeOnce sync.Once
	done      chan struct{}
}

// Dial attaches to a DevTools websocket endpoint and enables the Page and
// Runtime domains.
func Dial(ctx context.Context, wsURL string, logger *log.Logger) (*CDPSession, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("browser: dial %s: %w", wsURL, err)
	}
	s := &CDPSession{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go s.readLoop()

	for _, domain := range []string{"Page.enable", "Runtime.enable"} {
		if _, err := s.call(ctx, domain, nil); err != nil {
			s.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *CDPSession) readLoop() {
	defer func() {
		close(s.done)
		// Unblock every in-flight call.
		s.pending.Range(func(k, v any) bool {
			close(v.(chan cdpMessage))
			s.pending.Delete(k)
			return true
		})
	}()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg cdpMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.logger.Printf("[browser] bad devtools frame: %v", err)
			continue
		}
		if msg.ID == 0 {
			continue // event, not a command response
		}
		if ch, ok := s.pending.LoadAndDelete(msg.ID); ok {
			ch.(chan cdpMessage) <- msg
		}
	}
}

func (s *CDPSession) call(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	id := s.idSeq.Add(1)
	ch := make(chan cdpMessage, 1)
	s.pending.Store(id, ch)

	s.writeMu.Lock()
	err := s.conn.WriteJSON(cdpRequest{ID: id, Method: method, Params: params})
	s.writeMu.Unlock()
	if err != nil {
		s.pending.Delete(id)
		return nil, fmt.Errorf("%w: %s: %v", ErrSessionLost, method, err)
	}

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrSessionLost, method)
		}
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		s.pending.Delete(id)
		return nil, ctx.Err()
	case <-s.done:
		return nil, fmt.Errorf("%w: %s", ErrSessionLost, method)
	}
}

// Navigate loads the URL and polls document.readyState until complete.
func (s *CDPSession) Navigate(ctx context.Context, url string) error {
	if _, err := s.call(ctx, "Page.navigate", map[string]any{"url": url}); err != nil {
		return err
	}
	for {
		state, err := s.Evaluate(ctx, "document.readyState")
		if err != nil {
			return err
		}
		if state == "complete" || state == "interactive" {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *CDPSession) CurrentURL(ctx context.Context) (string, error) {
	return s.Evaluate(ctx, "window.location.href")
}

type evalResult struct {
	Result struct {
		Type  string          `json:"type"`
		Value json.RawMessage `json:"value"`
	} `json:"result"`
	ExceptionDetails *struct {
		Text string `json:"text"`
	} `json:"exceptionDetails"`
}

// Evaluate runs an expression with returnByValue and renders the value as
// a string. Promises are awaited so async page helpers work too.
func (s *CDPSession) Evaluate(ctx context.Context, expr string) (string, error) {
	raw, err := s.call(ctx, "Runtime.evaluate", map[string]any{
		"expression":    expr,
		"returnByValue": true,
		"awaitPromise":  true,
	})
	if err != nil {
		return "", err
	}
	var res evalResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("browser: evaluate decode: %w", err)
	}
	if res.ExceptionDetails != nil {
		return "", fmt.Errorf("browser: evaluate: %s", res.ExceptionDetails.Text)
	}
	if res.Result.Value == nil {
		return "", nil
	}
	var str string
	if err := json.Unmarshal(res.Result.Value, &str); err == nil {
		return str, nil
	}
	return strings.TrimSpace(string(res.Result.Value)), nil
}

func (s *CDPSession) Click(ctx context.Context, selector string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.scrollIntoView({block: "center"});
		const r = el.getBoundingClientRect();
		return JSON.stringify({x: r.x, y: r.y, w: r.width, h: r.height});
	})()`, jsString(selector))
	out, err := s.Evaluate(ctx, expr)
	if err != nil {
		return err
	}
	if out == "missing" {
		return fmt.Errorf("browser: click: no element matches %q", selector)
	}
	r, err := ParseRect(out)
	if err != nil {
		return fmt.Errorf("browser: click %q: %w", selector, err)
	}
	return s.ClickRect(ctx, r)
}

// ClickRect dispatches real mouse events: 2-3 mouseMoved steps approaching
// from a nearby offset, then press and release at a point jittered around
// the box center. The page observes a pointer trail, never a click with no
// preceding movement.
func (s *CDPSession) ClickRect(ctx context.Context, r Rect) error {
	// Land inside the middle third of the box.
	tx := r.X + r.W/2 + (rand.Float64()-0.5)*r.W/3
	ty := r.Y + r.H/2 + (rand.Float64()-0.5)*r.H/3
	sx := tx - 40 - rand.Float64()*80
	sy := ty - 30 - rand.Float64()*60

	steps := 2 + rand.Intn(2)
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		if err := s.mouseEvent(ctx, "mouseMoved", sx+(tx-sx)*frac, sy+(ty-sy)*frac, ""); err != nil {
			return err
		}
	}
	if err := s.mouseEvent(ctx, "mousePressed", tx, ty, "left"); err != nil {
		return err
	}
	return s.mouseEvent(ctx, "mouseReleased", tx, ty, "left")
}

func (s *CDPSession) mouseEvent(ctx context.Context, typ string, x, y float64, button string) error {
	params := map[string]any{"type": typ, "x": x, "y": y}
	if button != "" {
		params["button"] = button
		params["clickCount"] = 1
	}
	_, err := s.call(ctx, "Input.dispatchMouseEvent", params)
	return err
}

// ParseRect decodes the JSON box shape the click helpers return from the
// page ({"x":..,"y":..,"w":..,"h":..}).
func ParseRect(raw string) (Rect, error) {
	var r Rect
	var box struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
		W float64 `json:"w"`
		H float64 `json:"h"`
	}
	if err := json.Unmarshal([]byte(raw), &box); err != nil {
		return r, fmt.Errorf("bad element rect %q: %w", raw, err)
	}
	return Rect{X: box.X, Y: box.Y, W: box.W, H: box.H}, nil
}

// TypeText focuses the element, then inserts the text through
// Input.insertText so the page sees real input events.
func (s *CDPSession) TypeText(ctx context.Context, selector, text string) error {
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return "missing";
		el.focus();
		return "ok";
	})()`, jsString(selector))
	out, err := s.Evaluate(ctx, expr)
	if err != nil {
		return err
	}
	if out != "ok" {
		return fmt.Errorf("browser: type: no element matches %q", selector)
	}
	_, err = s.call(ctx, "Input.insertText", map[string]any{"text": text})
	return err
}

func (s *CDPSession) Screenshot(ctx context.Context) ([]byte, error) {
	raw, err := s.call(ctx, "Page.captureScreenshot", map[string]any{"format": "png"})
	if err != nil {
		return nil, err
	}
	var res struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("browser: screenshot decode: %w", err)
	}
	return base64.StdEncoding.DecodeString(res.Data)
}

// Healthy sends a trivial evaluate with a short deadline.
func (s *CDPSession) Healthy(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	out, err := s.Evaluate(ctx, "1+1")
	return err == nil && out == "2"
}

func (s *CDPSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// jsString renders a Go string as a JS string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
