package journal

import (
	"context"
	"sort"
	"sync"
)

// MemStore is a thread-safe in-memory journal.
type MemStore struct {
	mu      sync.RWMutex
	records []Record // append order
}

// NewMemStore creates a new in-memory journal.
func NewMemStore() *MemStore {
	return &MemStore{}
}

func (s *MemStore) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemStore) List(_ context.Context, event string, afterSeq uint64, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Record
	for _, r := range s.records {
		if event != "" && r.Event != event {
			continue
		}
		if afterSeq > 0 && r.Seq <= afterSeq {
			continue
		}
		result = append(result, r)
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *MemStore) LatestSeq(_ context.Context, event string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var maxSeq uint64
	for _, r := range s.records {
		if event != "" && r.Event != event {
			continue
		}
		if r.Seq > maxSeq {
			maxSeq = r.Seq
		}
	}
	return maxSeq, nil
}

func (s *MemStore) Events(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	var names []string
	for _, r := range s.records {
		if _, ok := seen[r.Event]; ok {
			continue
		}
		seen[r.Event] = struct{}{}
		names = append(names, r.Event)
	}
	sort.Strings(names)
	return names, nil
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)
