package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemStore is an in-process Store used when no database path is configured
// and throughout the tests. Contents are lost on close.
type MemStore struct {
	mu        sync.Mutex
	recs      []Record
	byKey     map[string]int64
	nextID    int64
	lastWrite time.Time
}

// NewMemStore builds an empty in-process store.
func NewMemStore() *MemStore {
	return &MemStore{byKey: make(map[string]int64), nextID: 1}
}

func dedupKey(owner, text string) string {
	return owner + "\x00" + strings.TrimSpace(text)
}

// Write implements Store.
func (s *MemStore) Write(ctx context.Context, rec Record) (int64, error) {
	if err := rec.validate(); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byKey[dedupKey(rec.OwnerUserID, rec.Text)]; ok {
		return id, nil
	}

	rec.ID = s.nextID
	s.nextID++
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	rec.LastAccessed = rec.CreatedAt
	if rec.Source == "" {
		rec.Source = SourceExtraction
	}

	s.recs = append(s.recs, rec)
	s.byKey[dedupKey(rec.OwnerUserID, rec.Text)] = rec.ID
	s.lastWrite = rec.CreatedAt
	return rec.ID, nil
}

// Search implements Store with case-insensitive substring matching.
func (s *MemStore) Search(ctx context.Context, q SearchQuery) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}
	needle := strings.ToLower(strings.TrimSpace(q.Query))

	s.mu.Lock()
	defer s.mu.Unlock()

	matched := make([]Record, 0)
	for _, rec := range s.recs {
		if rec.OwnerUserID != q.OwnerUserID {
			continue
		}
		if q.Kind != "" && rec.Kind != q.Kind {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(rec.Text), needle) && !topicsMatch(rec.Topics, needle) {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func topicsMatch(topics []string, needle string) bool {
	for _, t := range topics {
		if strings.Contains(strings.ToLower(t), needle) {
			return true
		}
	}
	return false
}

// Stats implements Store.
func (s *MemStore) Stats(ctx context.Context) (StoreStats, error) {
	if err := ctx.Err(); err != nil {
		return StoreStats{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := StoreStats{Records: len(s.recs), ByKind: make(map[Kind]int), LastWrite: s.lastWrite}
	for _, rec := range s.recs {
		stats.ByKind[rec.Kind]++
	}
	return stats, nil
}

// Close implements Store.
func (s *MemStore) Close() error { return nil }
