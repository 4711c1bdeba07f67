// Package lock implements the per-row lock protocol encoded in one
// spreadsheet column. A row is locked by W until T iff its lock cell reads
// "W|T" with T a parseable long stamp in the future. Anything else (empty,
// malformed, expired) is unlocked and stealable. TTL is the only liveness
// signal; there is no "is this worker alive" check.
package lock

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lullworks/lull/internal/clock"
	"github.com/lullworks/lull/internal/config"
)

// State is a decoded lock cell.
type State struct {
	Owner  string
	Expiry time.Time
}

// ExpiredAt reports whether the lock has lapsed. An expiry exactly equal to
// now counts as expired.
func (s State) ExpiredAt(now time.Time) bool {
	return !s.Expiry.After(now)
}

// Decode parses a lock cell. Returns false for empty or malformed content;
// such cells are treated as unlocked.
func Decode(value string, clk *clock.Clock) (State, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return State{}, false
	}
	owner, stamp, found := strings.Cut(value, "|")
	if !found || owner == "" {
		return State{}, false
	}
	expiry, ok := clk.ParseLong(stamp)
	if !ok {
		return State{}, false
	}
	return State{Owner: owner, Expiry: expiry}, true
}

// Encode renders the cell content for a claim.
func Encode(owner string, expiry time.Time, clk *clock.Clock) string {
	return owner + "|" + clk.LongStamp(expiry)
}

// Held reports whether the cell holds a live lock owned by someone else.
func Held(value string, now time.Time, owner string, clk *clock.Clock) bool {
	st, ok := Decode(value, clk)
	if !ok {
		return false
	}
	return !st.ExpiredAt(now) && st.Owner != owner
}

// CellReadWriter is the slice of the sheet gateway the lock manager needs.
type CellReadWriter interface {
	ReadCell(ctx context.Context, tab, cellA1 string) (string, error)
	WriteCell(ctx context.Context, tab, cellA1, value string) error
}

// Manager claims and releases row locks for one worker id.
type Manager struct {
	cells    CellReadWriter
	tab      string
	column   string
	clk      *clock.Clock
	workerID string
}

// NewManager creates a Manager writing the given lock column.
func NewManager(cells CellReadWriter, tab string, cols config.Columns, clk *clock.Clock, workerID string) *Manager {
	return &Manager{
		cells:    cells,
		tab:      tab,
		column:   cols.LockValue,
		clk:      clk,
		workerID: workerID,
	}
}

// WorkerID returns the id this manager claims under.
func (m *Manager) WorkerID() string {
	return m.workerID
}

// Claim attempts to take the lock on a sheet row: read, refuse a foreign
// live lock, write "W|T", then re-read and verify. The verification read is
// the only defense against the sheet's lack of compare-and-swap; when two
// workers race, exactly one survives it.
func (m *Manager) Claim(ctx context.Context, rowNumber int, ttl time.Duration) (bool, error) {
	cell := config.CellA1(m.column, rowNumber)
	now := m.clk.Now()

	current, err := m.cells.ReadCell(ctx, m.tab, cell)
	if err != nil {
		return false, fmt.Errorf("lock claim read row %d: %w", rowNumber, err)
	}
	if Held(current, now, m.workerID, m.clk) {
		return false, nil
	}

	want := Encode(m.workerID, now.Add(ttl), m.clk)
	if err := m.cells.WriteCell(ctx, m.tab, cell, want); err != nil {
		return false, fmt.Errorf("lock claim write row %d: %w", rowNumber, err)
	}

	verify, err := m.cells.ReadCell(ctx, m.tab, cell)
	if err != nil {
		return false, fmt.Errorf("lock claim verify row %d: %w", rowNumber, err)
	}
	return verify == want, nil
}

// Release clears the lock cell. A failed release is logged, not returned:
// the lock expires on TTL regardless.
func (m *Manager) Release(ctx context.Context, rowNumber int) {
	cell := config.CellA1(m.column, rowNumber)
	if err := m.cells.WriteCell(ctx, m.tab, cell, ""); err != nil {
		log.Printf("[lock] warning: release row %d failed (TTL will expire it): %v", rowNumber, err)
	}
}
