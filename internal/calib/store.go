package calib

import (
	"context"
	"sync"

	"github.com/golang/geo/r3"
)

// Store is the append-only correspondence log.
type Store interface {
	Append(ctx context.Context, c Correspondence) error
	Query(ctx context.Context, serial string) ([]Correspondence, error)
	// Overwrite replaces all rows of serial with rows (nil removes them).
	Overwrite(ctx context.Context, serial string, rows []Correspondence) error
}

// InlierSink receives the outlier-filtered point set of a converged stage.
type InlierSink interface {
	ExportInliers(ctx context.Context, serial string, local, global []r3.Vector) error
}

// Refinement is the output of a Refiner: unique local points and their
// refined global positions, index-aligned.
type Refinement struct {
	Local  []r3.Vector
	Global []r3.Vector
}

// Refiner improves the global points of a converged stage, e.g. by bundle
// adjustment. A failed refinement must leave no side effects.
type Refiner interface {
	Refine(ctx context.Context, serial string, rows []Correspondence) (Refinement, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []Correspondence
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Append(_ context.Context, c Correspondence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, c)
	return nil
}

func (m *MemoryStore) Query(_ context.Context, serial string) ([]Correspondence, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Correspondence
	for _, r := range m.rows {
		if r.Serial == serial {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) Overwrite(_ context.Context, serial string, rows []Correspondence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.rows[:0:0]
	for _, r := range m.rows {
		if r.Serial != serial {
			kept = append(kept, r)
		}
	}
	m.rows = append(kept, rows...)
	return nil
}

// All returns every row in insertion order.
func (m *MemoryStore) All() []Correspondence {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Correspondence(nil), m.rows...)
}
