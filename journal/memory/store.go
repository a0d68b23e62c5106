package memory

import (
	"context"
	"sync"
	"time"

	"github.com/purchasekit/purchasekit/journal"
)

type InMemoryStore struct {
	mu      sync.RWMutex
	entries []*journal.Entry
	byID    map[string]*journal.Entry
}

func NewInMemory() journal.Store {
	return &InMemoryStore{
		byID: make(map[string]*journal.Entry),
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.byID = make(map[string]*journal.Entry)
}

func (s *InMemoryStore) Append(ctx context.Context, entry *journal.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[entry.ID]; ok {
		return journal.ErrExists
	}

	cloned := entry.Clone()
	s.entries = append(s.entries, cloned)
	s.byID[cloned.ID] = cloned

	return nil
}

func (s *InMemoryStore) ListPending(ctx context.Context) ([]*journal.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var res []*journal.Entry
	for _, entry := range s.entries {
		if entry.Delivered {
			continue
		}
		res = append(res, entry.Clone())
	}
	return res, nil
}

func (s *InMemoryStore) MarkDelivered(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.byID[id]
	if !ok {
		return journal.ErrNotFound
	}
	entry.Delivered = true
	return nil
}

func (s *InMemoryStore) PurgeDelivered(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*journal.Entry
	removed := 0
	for _, entry := range s.entries {
		if entry.Delivered && entry.CreatedAt.Before(cutoff) {
			delete(s.byID, entry.ID)
			removed++
			continue
		}
		kept = append(kept, entry)
	}
	s.entries = kept
	return removed, nil
}
