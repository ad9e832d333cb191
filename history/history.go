// Package history persists finalized drill summaries.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/tapline/tapline/rhythm"
	"github.com/tapline/tapline/stats"
)

// Record is an immutable snapshot of one completed drill. It is never
// mutated after creation.
type Record struct {
	ID          string
	Mode        rhythm.Mode
	CreatedAt   time.Time
	BPM         int
	BeatsPerBar int
	Resolution  rhythm.Resolution
	Label       string
	Stats       stats.Statistics
}

// Store is the persistence collaborator for drill history.
type Store interface {
	Append(ctx context.Context, rec Record) error
	// List returns records most-recent-first.
	List(ctx context.Context) ([]Record, error)
}

// MemoryStore keeps records in memory. Used in tests and as a fallback when
// no database path is configured.
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemoryStore) List(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	for i, rec := range m.records {
		out[len(m.records)-1-i] = rec
	}
	return out, nil
}
