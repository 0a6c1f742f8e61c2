package action

import (
	"context"
	"sync"
	"time"
)

// RecordStore persists action records. Create is the system's single
// mutual-exclusion point: it must be an atomic create-if-absent (unique
// constraint insert in SQL terms) so two concurrent submissions of the same
// key never both proceed to dispatch.
type RecordStore interface {
	// Create inserts the record if no record exists for its key. It returns
	// the stored record and whether this call created it; when created is
	// false the returned record is the pre-existing one.
	Create(ctx context.Context, rec Record) (Record, bool, error)
	Get(ctx context.Context, key string) (Record, error)
	Update(ctx context.Context, rec Record) error
	// ListStuck returns non-terminal dispatched records not updated since
	// the cutoff, for the reconciliation sweep.
	ListStuck(ctx context.Context, cutoff time.Time) ([]Record, error)
}

// InMemoryRecords implements RecordStore with in-process concurrency safety.
// NOTE: the durable implementation lives in internal/store/pg.
type InMemoryRecords struct {
	mu      sync.Mutex
	records map[string]Record
}

var _ RecordStore = (*InMemoryRecords)(nil)

// NewInMemoryRecords creates an empty record store.
func NewInMemoryRecords() *InMemoryRecords {
	return &InMemoryRecords{records: make(map[string]Record)}
}

func (s *InMemoryRecords) Create(ctx context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.records[rec.Key]; ok {
		return existing, false, nil
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.Key] = rec
	return rec, true, nil
}

func (s *InMemoryRecords) Get(ctx context.Context, key string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *InMemoryRecords) Update(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.Key]; !ok {
		return ErrNotFound
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[rec.Key] = rec
	return nil
}

func (s *InMemoryRecords) ListStuck(ctx context.Context, cutoff time.Time) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.State == StateDispatched && rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}
