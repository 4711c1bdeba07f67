// Package sheet provides a typed read/write gateway over one spreadsheet,
// with bounded in-place retry on transport errors.
package sheet

import (
	"context"
	"errors"
	"strings"
	"time"
)

// CellUpdate is a single cell assignment inside a batched write.
type CellUpdate struct {
	CellA1 string
	Value  string
}

// Row is one data row read from a tab: the 1-based sheet row number plus the
// cell values keyed by column letter. Blank trailing rows are trimmed by the
// gateway.
type Row struct {
	Number int
	Cells  map[string]string
}

// Get returns the value of a cell by column letter ("" when absent).
func (r Row) Get(column string) string {
	return r.Cells[column]
}

// Transport is the raw spreadsheet backend. GoogleTransport implements it
// against the Sheets API; tests substitute fakes.
type Transport interface {
	GetGrid(ctx context.Context, tab, rng string) ([][]string, error)
	UpdateCell(ctx context.Context, tab, cellA1, value string) error
	BatchUpdate(ctx context.Context, tab string, updates []CellUpdate) error
	ListTabs(ctx context.Context) ([]string, error)
	AddTab(ctx context.Context, name string) error
}

// Gateway wraps a Transport with retry and row/record shaping. Reads within
// one tick may race each other; writes to one row are serialized by the
// caller via the row lock.
type Gateway struct {
	transport Transport

	// Retry policy. Zero values fall back to 3 attempts, 500ms base
	// backoff, 10s per-attempt timeout.
	MaxAttempts    int
	BackoffBase    time.Duration
	AttemptTimeout time.Duration

	// Sleep overrides the inter-attempt wait in tests.
	Sleep func(time.Duration)
}

// NewGateway creates a Gateway over the given transport.
func NewGateway(transport Transport) *Gateway {
	return &Gateway{transport: transport}
}

// ReadRows returns the data rows of a tab (sheet rows 2..n, row 1 being the
// header), with blank trailing rows trimmed.
func (g *Gateway) ReadRows(ctx context.Context, tab string) ([]Row, error) {
	var grid [][]string
	err := g.withRetry(ctx, "read "+tab, func(ctx context.Context) error {
		var err error
		grid, err = g.transport.GetGrid(ctx, tab, "A:ZZ")
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(grid) <= 1 {
		return nil, nil
	}

	rows := make([]Row, 0, len(grid)-1)
	for i, cells := range grid[1:] {
		row := Row{Number: i + 2, Cells: make(map[string]string, len(cells))}
		blank := true
		for col, v := range cells {
			if v == "" {
				continue
			}
			blank = false
			row.Cells[columnLetter(col)] = v
		}
		if blank {
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ReadKeyValues reads a two-column key/value tab (the config tab shape).
// Later duplicates win, matching how operators append corrections.
func (g *Gateway) ReadKeyValues(ctx context.Context, tab string) (map[string]string, error) {
	var grid [][]string
	err := g.withRetry(ctx, "read "+tab, func(ctx context.Context) error {
		var err error
		grid, err = g.transport.GetGrid(ctx, tab, "A:B")
		return err
	})
	if err != nil {
		return nil, err
	}
	kv := make(map[string]string, len(grid))
	for _, cells := range grid {
		if len(cells) == 0 {
			continue
		}
		key := strings.TrimSpace(cells[0])
		if key == "" {
			continue
		}
		value := ""
		if len(cells) > 1 {
			value = strings.TrimSpace(cells[1])
		}
		kv[key] = value
	}
	return kv, nil
}

// ReadCell reads a single cell value. Missing cells read as "".
func (g *Gateway) ReadCell(ctx context.Context, tab, cellA1 string) (string, error) {
	var grid [][]string
	err := g.withRetry(ctx, "read "+tab+"!"+cellA1, func(ctx context.Context) error {
		var err error
		grid, err = g.transport.GetGrid(ctx, tab, cellA1)
		return err
	})
	if err != nil {
		return "", err
	}
	if len(grid) == 0 || len(grid[0]) == 0 {
		return "", nil
	}
	return grid[0][0], nil
}

// WriteCell writes a single cell.
func (g *Gateway) WriteCell(ctx context.Context, tab, cellA1, value string) error {
	return g.withRetry(ctx, "write "+tab+"!"+cellA1, func(ctx context.Context) error {
		return g.transport.UpdateCell(ctx, tab, cellA1, value)
	})
}

// WriteBatch applies all updates in one round trip, order preserved.
func (g *Gateway) WriteBatch(ctx context.Context, tab string, updates []CellUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return g.withRetry(ctx, "batch write "+tab, func(ctx context.Context) error {
		return g.transport.BatchUpdate(ctx, tab, updates)
	})
}

// ListTabs returns the tab names of the spreadsheet.
func (g *Gateway) ListTabs(ctx context.Context) ([]string, error) {
	var tabs []string
	err := g.withRetry(ctx, "list tabs", func(ctx context.Context) error {
		var err error
		tabs, err = g.transport.ListTabs(ctx)
		return err
	})
	return tabs, err
}

// EnsureTab creates the tab when it does not exist yet.
func (g *Gateway) EnsureTab(ctx context.Context, name string) error {
	tabs, err := g.ListTabs(ctx)
	if err != nil {
		return err
	}
	for _, t := range tabs {
		if t == name {
			return nil
		}
	}
	return g.withRetry(ctx, "add tab "+name, func(ctx context.Context) error {
		return g.transport.AddTab(ctx, name)
	})
}

// withRetry runs op up to MaxAttempts times with exponential backoff and a
// per-attempt timeout. Permission and not-found errors abort immediately;
// exhausted transient failures come back as *TransientError.
func (g *Gateway) withRetry(ctx context.Context, opName string, op func(context.Context) error) error {
	attempts := g.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	backoff := g.BackoffBase
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	attemptTimeout := g.AttemptTimeout
	if attemptTimeout <= 0 {
		attemptTimeout = 10 * time.Second
	}
	sleep := g.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		err := op(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}

		var permErr *PermissionError
		var nfErr *NotFoundError
		if errors.As(err, &permErr) || errors.As(err, &nfErr) {
			return err
		}
		if errors.Is(err, context.Canceled) {
			return err
		}

		lastErr = err
		if i < attempts-1 {
			sleep(backoff << i)
		}
	}
	return &TransientError{Op: opName, Attempts: attempts, Err: lastErr}
}

// columnLetter converts a zero-based column index to its letter form
// (0 -> A, 25 -> Z, 26 -> AA).
func columnLetter(idx int) string {
	letters := ""
	for {
		letters = string(rune('A'+idx%26)) + letters
		idx = idx/26 - 1
		if idx < 0 {
			return letters
		}
	}
}
