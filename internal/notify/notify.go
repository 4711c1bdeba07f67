// Package notify delivers out-of-band alerts for events a human should
// see. Delivery is fire-and-forget: a full queue drops the event and a
// failed webhook only logs. Nothing here may ever block a row commit.
package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/slack-go/slack"

	"github.com/lullworks/lull/internal/config"
)

// Category names the five alert classes; each has its own runtime toggle.
type Category string

const (
	PermanentFailure   Category = "permanent_failure"
	PaymentDelay       Category = "payment_delay"
	LoopDetected       Category = "loop_detected"
	RetryCapExceeded   Category = "retry_cap_exceeded"
	PaymentMethodIssue Category = "payment_method_issue"
)

// Event is one alert. Account carries the PII-safe log key, never the raw
// address.
type Event struct {
	Category Category
	Account  string
	Row      int
	Text     string
}

// Sender posts a single message; swapped in tests.
type Sender func(ctx context.Context, e Event) error

// Notifier queues events and delivers them from a single background
// goroutine.
type Notifier struct {
	sender  Sender
	logger  *log.Logger
	toggles func() config.NotifyToggles

	queue  chan Event
	stopCh chan struct{}
	stop   sync.Once
	wg     sync.WaitGroup
}

// NewSlack builds a notifier on a Slack incoming webhook. An empty URL
// yields a disabled notifier that drops everything silently.
func NewSlack(webhookURL string, toggles func() config.NotifyToggles, logger *log.Logger) *Notifier {
	var sender Sender
	if webhookURL != "" {
		sender = func(ctx context.Context, e Event) error {
			return slack.PostWebhookContext(ctx, webhookURL, &slack.WebhookMessage{
				Text: format(e),
			})
		}
	}
	return New(sender, toggles, logger)
}

func New(sender Sender, toggles func() config.NotifyToggles, logger *log.Logger) *Notifier {
	n := &Notifier{
		sender:  sender,
		logger:  logger,
		toggles: toggles,
		queue:   make(chan Event, 64),
		stopCh:  make(chan struct{}),
	}
	n.wg.Add(1)
	go n.deliverLoop()
	return n
}

// Emit queues one event. Disabled categories and a full queue both drop.
func (n *Notifier) Emit(e Event) {
	if n.sender == nil || !n.enabled(e.Category) {
		return
	}
	select {
	case n.queue <- e:
	default:
		n.logger.Printf("[notify] queue full, dropping %s for %s", e.Category, e.Account)
	}
}

// Close stops the delivery loop after draining what is already queued.
func (n *Notifier) Close() {
	n.stop.Do(func() { close(n.stopCh) })
	n.wg.Wait()
}

func (n *Notifier) enabled(c Category) bool {
	t := n.toggles()
	switch c {
	case PermanentFailure:
		return t.PermanentFailure
	case PaymentDelay:
		return t.PaymentDelay
	case LoopDetected:
		return t.LoopDetected
	case RetryCapExceeded:
		return t.RetryCapExceeded
	case PaymentMethodIssue:
		return t.PaymentMethodIssue
	}
	return false
}

func (n *Notifier) deliverLoop() {
	defer n.wg.Done()
	for {
		select {
		case e := <-n.queue:
			n.send(e)
		case <-n.stopCh:
			for {
				select {
				case e := <-n.queue:
					n.send(e)
				default:
					return
				}
			}
		}
	}
}

func (n *Notifier) send(e Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := n.sender(ctx, e); err != nil {
		n.logger.Printf("[notify] deliver %s for %s: %v", e.Category, e.Account, err)
	}
}

func format(e Event) string {
	return fmt.Sprintf("[%s] row %d %s: %s", e.Category, e.Row, e.Account, e.Text)
}
