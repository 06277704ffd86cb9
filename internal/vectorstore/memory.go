package vectorstore

import (
	"context"
	"sync"

	"github.com/viant/vec/search"
)

// Memory keeps embeddings in process memory. Used when the server runs
// without a database and in tests.
type Memory struct {
	mu    sync.RWMutex
	items map[string]UpsertItem // keyed by embedID
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]UpsertItem)}
}

func (m *Memory) Upsert(ctx context.Context, items []UpsertItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, it := range items {
		m.items[embedID(it.DocID, it.ChunkID, it.Model)] = it
	}
	return nil
}

func (m *Memory) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	qv := search.Float32s(query)
	qm := qv.Magnitude()
	if qm == 0 {
		return nil, nil
	}
	m.mu.RLock()
	results := make([]Result, 0, len(m.items))
	for _, it := range m.items {
		if len(it.Vector) != len(query) {
			continue
		}
		vm := search.Float32s(it.Vector).Magnitude()
		if vm == 0 {
			continue
		}
		dist := qv.CosineDistanceWithMagnitude(it.Vector, qm, vm)
		results = append(results, Result{DocID: it.DocID, ChunkID: it.ChunkID, Score: 1 - float64(dist)})
	}
	m.mu.RUnlock()
	if len(results) == 0 {
		return nil, nil
	}
	quickSelectTopK(results, k)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (m *Memory) DeleteByDoc(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, it := range m.items {
		if it.DocID == docID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *Memory) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items), nil
}
