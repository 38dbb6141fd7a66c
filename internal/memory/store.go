package memory

import (
	"context"
	"time"
)

// Store is the long-term persistence capability. Write is idempotent on
// (owner_user_id, text): re-writing the same text for the same owner
// returns the existing record's id instead of inserting a duplicate.
type Store interface {
	Write(ctx context.Context, rec Record) (int64, error)
	Search(ctx context.Context, q SearchQuery) ([]Record, error)
	Stats(ctx context.Context) (StoreStats, error)
	Close() error
}

// SearchQuery selects long-term records for one owner.
type SearchQuery struct {
	OwnerUserID string
	Query       string
	Kind        Kind // empty matches all kinds
	Limit       int  // defaults to 10
}

// StoreStats summarizes store contents for status reporting.
type StoreStats struct {
	Records   int          `json:"records"`
	ByKind    map[Kind]int `json:"by_kind"`
	LastWrite time.Time    `json:"last_write"`
}

// Consolidator is an optional Store capability used by the nightly
// maintenance pass. Stores that cannot enumerate unconsolidated records
// simply do not implement it.
type Consolidator interface {
	ListUnconsolidated(ctx context.Context, before time.Time, limit int) ([]Record, error)
	MarkConsolidated(ctx context.Context, ids []int64) error
}
