// Package memory provides in-process storage implementations.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nexus-trading/discovery/internal/storage"
)

// CursorStore is an in-memory implementation of storage.CursorStore.
type CursorStore struct {
	mu      sync.RWMutex
	cursors map[string]string
}

// NewCursorStore creates an empty cursor store.
func NewCursorStore() *CursorStore {
	return &CursorStore{cursors: make(map[string]string)}
}

func (s *CursorStore) GetCursor(_ context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.cursors[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

func (s *CursorStore) SetCursor(_ context.Context, key, value string) error {
	if key == "" {
		return storage.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[key] = value
	return nil
}

// KnownAddressStore is an in-memory implementation of storage.KnownAddressStore.
type KnownAddressStore struct {
	mu    sync.RWMutex
	known map[string]struct{}
}

// NewKnownAddressStore creates an empty set.
func NewKnownAddressStore() *KnownAddressStore {
	return &KnownAddressStore{known: make(map[string]struct{})}
}

// LoadKnown returns the stored addresses in sorted order.
func (s *KnownAddressStore) LoadKnown(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.known))
	for a := range s.known {
		out = append(out, a)
	}
	sort.Strings(out)
	return out, nil
}

func (s *KnownAddressStore) AddKnown(_ context.Context, addrs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range addrs {
		if a == "" {
			continue
		}
		s.known[a] = struct{}{}
	}
	return nil
}

func (s *KnownAddressStore) ClearKnown(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.known = make(map[string]struct{})
	return nil
}

// Len returns the number of stored addresses.
func (s *KnownAddressStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.known)
}
