package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

const defaultMemoryLimit = 1024

// MemoryStore keeps the most recent records in a bounded in-memory ring.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	limit   int
}

func NewMemoryStore(limit int) *MemoryStore {
	if limit <= 0 {
		limit = defaultMemoryLimit
	}
	return &MemoryStore{limit: limit}
}

func (s *MemoryStore) Append(_ context.Context, rec Record) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	if overflow := len(s.records) - s.limit; overflow > 0 {
		s.records = append(s.records[:0], s.records[overflow:]...)
	}
	return nil
}

// ListRecent returns up to limit records, newest first.
func (s *MemoryStore) ListRecent(_ context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.records)
	if limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.records[i])
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
