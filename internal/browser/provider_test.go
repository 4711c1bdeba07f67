package browser

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lullworks/lull/internal/profilesvc"
)

type fakeDriver struct {
	healthy  bool
	closed   atomic.Bool
	shots    atomic.Int32
	shotErr  error
	lastURL string
}

func (d *fakeDriver) Navigate(_ context.Context, url string) error { d.lastURL = url; return nil }
func (d *fakeDriver) CurrentURL(context.Context) (string, error)   { return d.lastURL, nil }
func (d *fakeDriver) Evaluate(context.Context, string) (string, error) {
	return "", nil
}
func (d *fakeDriver) Click(context.Context, string) error          { return nil }
func (d *fakeDriver) ClickRect(context.Context, Rect) error        { return nil }
func (d *fakeDriver) TypeText(context.Context, string, string) error { return nil }
func (d *fakeDriver) Screenshot(context.Context) ([]byte, error) {
	d.shots.Add(1)
	return []byte{0x89, 'P', 'N', 'G'}, d.shotErr
}
func (d *fakeDriver) Healthy(context.Context) bool { return d.healthy }
func (d *fakeDriver) Close() error                 { d.closed.Store(true); return nil }

func newTestProvider(t *testing.T, drv *fakeDriver) (*Provider, *atomic.Int32) {
	t.Helper()
	var stops atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stop") {
			stops.Add(1)
			w.Write([]byte(`{}`))
			return
		}
		w.Write([]byte(`{"endpoint":"ws://127.0.0.1:1/x"}`))
	}))
	t.Cleanup(srv.Close)

	logger := log.New(io.Discard, "", 0)
	svc := profilesvc.New(srv.URL, 5*time.Second, logger)
	svc.Sleep = func(time.Duration) {}

	p := NewProvider(svc, logger)
	p.DialFn = func(context.Context, string) (Driver, error) { return drv, nil }
	return p, &stops
}

func TestWithSessionTeardown(t *testing.T) {
	drv := &fakeDriver{healthy: true}
	p, stops := newTestProvider(t, drv)

	err := p.WithSession(context.Background(), "prof-1", func(s *Session) error {
		if s.ProfileID != "prof-1" {
			t.Errorf("profile id = %s", s.ProfileID)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !drv.closed.Load() {
		t.Fatal("driver not closed")
	}
	if stops.Load() != 1 {
		t.Fatalf("stops = %d, want 1", stops.Load())
	}
	// Success path takes no screenshot.
	if drv.shots.Load() != 0 {
		t.Fatalf("shots = %d, want 0", drv.shots.Load())
	}
}

func TestWithSessionPanicRecovered(t *testing.T) {
	drv := &fakeDriver{healthy: true}
	p, stops := newTestProvider(t, drv)

	err := p.WithSession(context.Background(), "prof-1", func(*Session) error {
		panic("selector walked off the page")
	})
	if err == nil || !strings.Contains(err.Error(), "panic in session") {
		t.Fatalf("err = %v", err)
	}
	if !drv.closed.Load() || stops.Load() != 1 {
		t.Fatal("teardown skipped after panic")
	}
}

func TestWithSessionFailureScreenshot(t *testing.T) {
	drv := &fakeDriver{healthy: true}
	p, _ := newTestProvider(t, drv)

	var got atomic.Int32
	p.ShotFn = func(profileID string, png []byte) {
		if profileID == "prof-1" && len(png) > 0 {
			got.Add(1)
		}
	}

	wantErr := errors.New("challenge page")
	err := p.WithSession(context.Background(), "prof-1", func(*Session) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}
	if got.Load() != 1 {
		t.Fatal("failure screenshot hook not invoked")
	}
}

func TestOpenUnhealthySession(t *testing.T) {
	drv := &fakeDriver{healthy: false}
	p, stops := newTestProvider(t, drv)

	if _, err := p.Open(context.Background(), "prof-2"); err == nil {
		t.Fatal("expected unhealthy error")
	}
	if !drv.closed.Load() || stops.Load() != 1 {
		t.Fatal("unhealthy session must be torn down")
	}
}
