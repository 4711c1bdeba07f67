package browser

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lullworks/lull/internal/profilesvc"
)

// Session is a live browser bound to one profile for the duration of one
// attempt. Sessions are never pooled across ticks.
type Session struct {
	ProfileID string
	Driver    Driver
}

// Provider opens sessions against the profile service. The dial hook is
// injectable so tests can hand back a fake driver.
type Provider struct {
	svc    *profilesvc.Client
	logger *log.Logger

	// DialFn attaches a driver to a started instance's endpoint.
	DialFn func(ctx context.Context, wsURL string) (Driver, error)
	// ConnectTimeout bounds start+dial+health together.
	ConnectTimeout time.Duration
	// ShotFn, when set, receives a viewport capture taken right before
	// teardown on failure. Used for post-mortem screenshots.
	ShotFn func(profileID string, png []byte)
}

func NewProvider(svc *profilesvc.Client, logger *log.Logger) *Provider {
	return &Provider{
		svc:    svc,
		logger: logger,
		DialFn: func(ctx context.Context, wsURL string) (Driver, error) {
			return Dial(ctx, wsURL, logger)
		},
		ConnectTimeout: 60 * time.Second,
	}
}

// Open starts the profile's browser, attaches a driver and verifies it
// answers. The caller owns the returned session and must Close it.
func (p *Provider) Open(ctx context.Context, profileID string) (*Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.ConnectTimeout)
	defer cancel()

	ep, err := p.svc.Start(dialCtx, profileID)
	if err != nil {
		return nil, fmt.Errorf("browser: start profile %s: %w", profileID, err)
	}

	drv, err := p.DialFn(dialCtx, ep.WebSocketURL)
	if err != nil {
		p.stopQuietly(profileID)
		return nil, err
	}
	if !drv.Healthy(dialCtx) {
		drv.Close()
		p.stopQuietly(profileID)
		return nil, fmt.Errorf("browser: profile %s: session unhealthy after connect", profileID)
	}
	return &Session{ProfileID: profileID, Driver: drv}, nil
}

// Close tears the session down: driver first, then the profile service
// stop. Both are best-effort.
func (p *Provider) Close(s *Session) {
	if s == nil {
		return
	}
	if err := s.Driver.Close(); err != nil {
		p.logger.Printf("[browser] close driver %s: %v", s.ProfileID, err)
	}
	p.stopQuietly(s.ProfileID)
}

// WithSession runs fn inside a scoped session. Teardown always happens,
// including when fn panics; the panic is converted to an error so one bad
// row cannot take the worker down with a session still open. On failure a
// last screenshot is captured for diagnostics before teardown.
func (p *Provider) WithSession(ctx context.Context, profileID string, fn func(*Session) error) (err error) {
	s, openErr := p.Open(ctx, profileID)
	if openErr != nil {
		return openErr
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("browser: panic in session %s: %v", profileID, r)
		}
		if err != nil && p.ShotFn != nil {
			shotCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if png, shotErr := s.Driver.Screenshot(shotCtx); shotErr == nil {
				p.ShotFn(profileID, png)
			}
			cancel()
		}
		p.Close(s)
	}()
	return fn(s)
}

func (p *Provider) stopQuietly(profileID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.svc.Stop(ctx, profileID); err != nil {
		p.logger.Printf("[browser] stop profile %s: %v", profileID, err)
	}
}
