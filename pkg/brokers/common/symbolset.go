package common

import (
	"context"
	"strings"
	"sync"
)

// SymbolSet caches a venue's tradable symbols for the lifetime of one adapter
// instance. A failed load is not cached, so the next call retries.
type SymbolSet struct {
	load func(ctx context.Context) ([]string, error)

	mu      sync.Mutex
	symbols map[string]struct{}
	loads   int
}

// NewSymbolSet wraps a loader that returns venue-native symbols.
func NewSymbolSet(load func(ctx context.Context) ([]string, error)) *SymbolSet {
	return &SymbolSet{load: load}
}

// Contains reports whether the venue-native symbol is tradable.
func (s *SymbolSet) Contains(ctx context.Context, venueSymbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.symbols == nil {
		list, err := s.load(ctx)
		if err != nil {
			return false, err
		}
		s.loads++
		s.symbols = make(map[string]struct{}, len(list))
		for _, sym := range list {
			s.symbols[strings.ToUpper(sym)] = struct{}{}
		}
	}
	_, ok := s.symbols[strings.ToUpper(venueSymbol)]
	return ok, nil
}

// Loads returns how many catalog fetches succeeded.
func (s *SymbolSet) Loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loads
}
