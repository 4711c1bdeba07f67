// Package browser opens and tears down isolated browser sessions bound to
// profile ids. The page driver speaks the DevTools protocol over a
// websocket to the instance the profile service started.
package browser

import (
	"context"
	"errors"
)

// ErrSessionLost reports that the DevTools connection died mid-attempt.
// The current state of the page is unknowable once this is returned.
var ErrSessionLost = errors.New("browser: session lost")

// Rect is an element's viewport box as the page reports it.
type Rect struct {
	X, Y, W, H float64
}

// Driver is the page surface the auth and workflow layers drive. One
// driver maps to one page in one profile's browser.
type Driver interface {
	// Navigate loads a URL and waits for the document to become ready.
	Navigate(ctx context.Context, url string) error
	// CurrentURL returns the page's present location.
	CurrentURL(ctx context.Context) (string, error)
	// Evaluate runs a JavaScript expression and returns its value
	// rendered as a string ("" for null/undefined).
	Evaluate(ctx context.Context, expr string) (string, error)
	// Click resolves the box of the first element matching the selector
	// and clicks it through the input pipeline.
	Click(ctx context.Context, selector string) error
	// ClickRect walks the pointer into the box over a few moves and
	// presses at a jittered point near its center.
	ClickRect(ctx context.Context, r Rect) error
	// TypeText focuses the matching element and inserts text through the
	// input pipeline, so page-side key handlers observe it.
	TypeText(ctx context.Context, selector, text string) error
	// Screenshot captures the visible viewport as PNG bytes.
	Screenshot(ctx context.Context) ([]byte, error)
	// Healthy reports whether the connection still answers.
	Healthy(ctx context.Context) bool
	Close() error
}
