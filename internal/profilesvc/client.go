// Package profilesvc is the HTTP client for the external browser profile
// service. The service runs one isolated browser per profile id and exposes
// start/stop; start returns the DevTools endpoint for the running instance.
package profilesvc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// StatusError indicates the service responded with an unexpected status.
type StatusError struct {
	StatusCode int
	Op         string
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("profilesvc: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

// ErrBreakerOpen reports that the service has been failing and calls are
// short-circuited until the cool-down elapses.
var ErrBreakerOpen = errors.New("profilesvc: breaker open")

// Endpoint is the start response: where to attach the DevTools session.
type Endpoint struct {
	WebSocketURL string `json:"endpoint"`
}

// Client talks to the profile service. All calls go through a circuit
// breaker so a dead service fails fast instead of burning the per-attempt
// budget on every row.
type Client struct {
	BaseURL string
	HTTP    *http.Client

	// MaxAttempts/BackoffBase govern retries inside a single Start call.
	MaxAttempts int
	BackoffBase time.Duration
	Sleep       func(time.Duration)

	breaker *gobreaker.CircuitBreaker
	logger  *log.Logger
}

func New(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	c := &Client{
		BaseURL:     baseURL,
		HTTP:        &http.Client{Timeout: timeout},
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
		Sleep:       time.Sleep,
		logger:      logger,
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "profilesvc",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Printf("[profilesvc] breaker %s -> %s", from, to)
		},
	})
	return c
}

// Start asks the service to launch (or reuse) the browser for a profile
// and returns its DevTools endpoint. Transient failures are retried with
// exponential backoff inside the call.
func (c *Client) Start(ctx context.Context, profileID string) (Endpoint, error) {
	var lastErr error
	for attempt := 0; attempt < c.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Endpoint{}, ctx.Err()
			default:
			}
			c.Sleep(c.BackoffBase << (attempt - 1))
		}

		body, err := c.post(ctx, "start", profileID)
		if err == nil {
			var ep Endpoint
			if err := json.Unmarshal(body, &ep); err != nil {
				return Endpoint{}, fmt.Errorf("profilesvc: start %s: decode: %w", profileID, err)
			}
			if ep.WebSocketURL == "" {
				return Endpoint{}, fmt.Errorf("profilesvc: start %s: empty endpoint", profileID)
			}
			return ep, nil
		}
		if errors.Is(err, ErrBreakerOpen) || ctx.Err() != nil {
			return Endpoint{}, err
		}
		lastErr = err
		c.logger.Printf("[profilesvc] start %s attempt %d/%d failed: %v",
			profileID, attempt+1, c.MaxAttempts, err)
	}
	return Endpoint{}, fmt.Errorf("profilesvc: start %s: %w", profileID, lastErr)
}

// Stop shuts the profile's browser down. Best-effort: callers log failures
// rather than failing the attempt over them.
func (c *Client) Stop(ctx context.Context, profileID string) error {
	_, err := c.post(ctx, "stop", profileID)
	return err
}

// Healthy reports whether the service answers its status endpoint.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func (c *Client) post(ctx context.Context, op, profileID string) ([]byte, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		payload, _ := json.Marshal(map[string]string{"profileId": profileID})
		url := fmt.Sprintf("%s/profiles/%s/%s", c.BaseURL, profileID, op)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("profilesvc: %s: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("profilesvc: %s: %w", op, err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("profilesvc: %s: read: %w", op, err)
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &StatusError{StatusCode: resp.StatusCode, Op: op, Body: trim(body)}
		}
		return body, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrBreakerOpen
		}
		return nil, err
	}
	return out.([]byte), nil
}

func trim(b []byte) string {
	const max = 200
	if len(b) > max {
		b = b[:max]
	}
	return string(bytes.TrimSpace(b))
}
