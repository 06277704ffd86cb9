package server

import (
	"context"
	"reflect"
	"testing"
)

type fakeEmbedder struct {
	calls      int
	lastInputs []string
}

func (f *fakeEmbedder) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	f.calls++
	f.lastInputs = append([]string(nil), inputs...)
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

func TestEmbedCacheServesRepeats(t *testing.T) {
	resetMetrics()
	t.Setenv("DESKBOT_EMBED_CACHE_GEN", "")
	f := &fakeEmbedder{}
	c := newCachingEmbedder(f)
	ctx := context.Background()

	if _, err := c.Embeddings(ctx, "m", []string{"alpha", "beta"}); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("calls=%d", f.calls)
	}

	out, err := c.Embeddings(ctx, "m", []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("calls=%d, repeat inputs should be served from cache", f.calls)
	}
	if len(out) != 2 || len(out[0]) != 3 {
		t.Fatalf("out=%v", out)
	}

	// only the unseen input goes upstream
	if _, err := c.Embeddings(ctx, "m", []string{"alpha", "gamma"}); err != nil {
		t.Fatalf("embed: %v", err)
	}
	if f.calls != 2 {
		t.Fatalf("calls=%d", f.calls)
	}
	if !reflect.DeepEqual(f.lastInputs, []string{"gamma"}) {
		t.Fatalf("upstream saw %v, want only the miss", f.lastInputs)
	}

	metrics.mu.Lock()
	hits, misses := metrics.embedCacheHits, metrics.embedCacheMisses
	metrics.mu.Unlock()
	if hits != 3 {
		t.Fatalf("hits=%d, want 3 (alpha+beta repeat, alpha again)", hits)
	}
	if misses != 3 {
		t.Fatalf("misses=%d, want 3 (alpha, beta, gamma)", misses)
	}
}

func TestEmbedCacheKeyedByModel(t *testing.T) {
	t.Setenv("DESKBOT_EMBED_CACHE_GEN", "")
	f := &fakeEmbedder{}
	c := newCachingEmbedder(f)
	ctx := context.Background()

	_, _ = c.Embeddings(ctx, "model-a", []string{"alpha"})
	_, _ = c.Embeddings(ctx, "model-b", []string{"alpha"})
	if f.calls != 2 {
		t.Fatalf("calls=%d, different models must not share entries", f.calls)
	}
}

func TestEmbedCacheGenerationBump(t *testing.T) {
	resetMetrics()
	t.Setenv("DESKBOT_EMBED_CACHE_GEN", "g1")
	f := &fakeEmbedder{}
	c := newCachingEmbedder(f)
	ctx := context.Background()

	_, _ = c.Embeddings(ctx, "m", []string{"alpha"})
	_, _ = c.Embeddings(ctx, "m", []string{"alpha"})
	if f.calls != 1 {
		t.Fatalf("calls=%d before bump", f.calls)
	}

	t.Setenv("DESKBOT_EMBED_CACHE_GEN", "g2")
	_, _ = c.Embeddings(ctx, "m", []string{"alpha"})
	if f.calls != 2 {
		t.Fatalf("calls=%d, generation bump should purge the cache", f.calls)
	}

	metrics.mu.Lock()
	evict := metrics.embedCacheEvict
	metrics.mu.Unlock()
	if evict != 1 {
		t.Fatalf("evictions=%d, purge should count the dropped entry", evict)
	}
}
