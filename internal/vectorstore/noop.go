package vectorstore

import "context"

// Noop disables vector search gracefully.
type Noop struct{}

func (Noop) Upsert(ctx context.Context, items []UpsertItem) error { return nil }
func (Noop) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	return nil, nil
}
func (Noop) DeleteByDoc(ctx context.Context, docID string) error { return nil }
func (Noop) Count(ctx context.Context) (int, error)              { return 0, nil }
