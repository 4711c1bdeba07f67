package config

import (
	"context"
	"log"
	"sync/atomic"
)

// KeyValueReader reads the config tab as raw key/value pairs. Implemented by
// the sheet gateway; injectable for tests.
type KeyValueReader interface {
	ReadKeyValues(ctx context.Context, tab string) (map[string]string, error)
}

// Store loads a fresh Runtime snapshot at the start of each tick. A load
// failure reuses the last good snapshot with a warning, so a flaky sheet
// read never changes behavior mid-fleet.
type Store struct {
	reader KeyValueReader
	tab    string

	last atomic.Pointer[Runtime]
}

// NewStore creates a Store seeded with the default runtime snapshot.
func NewStore(reader KeyValueReader, tab string) *Store {
	s := &Store{reader: reader, tab: tab}
	def := NewDefaultRuntime()
	s.last.Store(&def)
	return s
}

// Load fetches and parses the config tab. The returned snapshot is a value;
// callers pass it around for the duration of one tick.
func (s *Store) Load(ctx context.Context) Runtime {
	kv, err := s.reader.ReadKeyValues(ctx, s.tab)
	if err != nil {
		log.Printf("[config] warning: config tab load failed, reusing last snapshot: %v", err)
		return *s.last.Load()
	}
	rt, warns := RuntimeFromKeyValues(kv)
	for _, w := range warns {
		log.Printf("[config] warning: %s", w)
	}
	s.last.Store(&rt)
	return rt
}

// Last returns the most recent good snapshot without a sheet read.
func (s *Store) Last() Runtime {
	return *s.last.Load()
}
