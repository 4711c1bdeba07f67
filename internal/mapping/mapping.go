// Package mapping resolves account emails to browser profile ids via the
// profile mapping tab. Email comparison is the only fuzzy match in the
// system: case-insensitive with Gmail dot/plus aliasing collapsed, and
// scoped strictly to this lookup.
package mapping

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/lullworks/lull/internal/config"
	"github.com/lullworks/lull/internal/sheet"
)

// Profile is one row of the mapping tab.
type Profile struct {
	Number    string
	ProfileID string
	Group     string
	Email     string // normalized
}

// NormalizeEmail lowercases an address and, for Gmail domains, strips dots
// and plus suffixes from the local part (a.b+x@gmail.com -> ab@gmail.com).
func NormalizeEmail(addr string) string {
	addr = strings.ToLower(strings.TrimSpace(addr))
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	local, domain := addr[:at], addr[at+1:]
	if domain == "gmail.com" || domain == "googlemail.com" {
		if plus := strings.IndexByte(local, '+'); plus >= 0 {
			local = local[:plus]
		}
		local = strings.ReplaceAll(local, ".", "")
	}
	return local + "@" + domain
}

// LogKey derives a short stable identifier for an account, safe to put in
// logs and the attempt history instead of the raw address.
func LogKey(email string) string {
	h := xxh3.HashString(NormalizeEmail(email))
	return fmt.Sprintf("acct-%08x", uint32(h))
}

// RowLister is the slice of the sheet gateway the resolver needs.
type RowLister interface {
	ReadRows(ctx context.Context, tab string) ([]sheet.Row, error)
}

// Resolver looks up profile ids by normalized email. Lookups hit an otter
// cache first; a miss refreshes the whole tab, so a freshly added mapping
// row is picked up without a restart.
type Resolver struct {
	rows  RowLister
	tab   string
	cols  config.Columns
	cache otter.Cache[string, Profile]

	// MinRefreshGap suppresses repeated full-tab reads when several
	// unmapped rows land in the same tick.
	MinRefreshGap time.Duration

	// refreshMu serializes Refresh and guards lastRefresh; pool slots
	// resolve concurrently.
	refreshMu   sync.Mutex
	lastRefresh time.Time
}

func NewResolver(rows RowLister, tab string, cols config.Columns, maxEntries int) *Resolver {
	cache, err := otter.MustBuilder[string, Profile](maxEntries).
		Cost(func(_ string, _ Profile) uint32 { return 1 }).
		Build()
	if err != nil {
		panic("mapping: failed to create profile cache: " + err.Error())
	}
	return &Resolver{
		rows:          rows,
		tab:           tab,
		cols:          cols,
		cache:         cache,
		MinRefreshGap: 30 * time.Second,
	}
}

// Resolve returns the profile mapped to the given email, refreshing the
// cache from the sheet on a miss.
func (r *Resolver) Resolve(ctx context.Context, email string) (Profile, bool, error) {
	key := NormalizeEmail(email)
	if p, ok := r.cache.Get(key); ok {
		return p, true, nil
	}

	if err := r.maybeRefresh(ctx); err != nil {
		return Profile{}, false, err
	}

	p, ok := r.cache.Get(key)
	return p, ok, nil
}

// Refresh reloads the full mapping tab into the cache. Rows without a
// profile id or email are skipped.
func (r *Resolver) Refresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	return r.refreshLocked(ctx)
}

// maybeRefresh runs a refresh only when the gap since the last one has
// passed. Concurrent missers queue on the mutex and the losers see a fresh
// lastRefresh, so a burst of misses costs one tab read.
func (r *Resolver) maybeRefresh(ctx context.Context) error {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()
	if time.Since(r.lastRefresh) < r.MinRefreshGap {
		return nil
	}
	return r.refreshLocked(ctx)
}

func (r *Resolver) refreshLocked(ctx context.Context) error {
	rows, err := r.rows.ReadRows(ctx, r.tab)
	if err != nil {
		return fmt.Errorf("mapping: refresh %s: %w", r.tab, err)
	}
	for _, row := range rows {
		p := Profile{
			Number:    row.Get(r.cols.MappingProfileNumber),
			ProfileID: row.Get(r.cols.MappingProfileID),
			Group:     row.Get(r.cols.MappingGroup),
			Email:     NormalizeEmail(row.Get(r.cols.MappingEmail)),
		}
		if p.ProfileID == "" || p.Email == "" {
			continue
		}
		r.cache.Set(p.Email, p)
	}
	r.lastRefresh = time.Now()
	return nil
}
