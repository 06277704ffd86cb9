package server

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"deskbot/internal/config"
	"deskbot/internal/llm"
)

// cachingEmbedder fronts an Embedder with a TTL-bounded LRU keyed by
// model+input. A generation string namespaces keys; bumping
// DESKBOT_EMBED_CACHE_GEN invalidates everything at once without a restart.
type cachingEmbedder struct {
	u   llm.Embedder
	mu  sync.Mutex
	lru *expirable.LRU[string, []float32]
	gen string
}

func newCachingEmbedder(u llm.Embedder) llm.Embedder {
	ttl := time.Duration(config.Int("DESKBOT_EMBED_CACHE_TTL", 3600)) * time.Second
	maxEntries := config.Int("DESKBOT_EMBED_CACHE_MAX", 4096)
	onEvict := func(string, []float32) {
		metrics.mu.Lock()
		metrics.embedCacheEvict++
		metrics.mu.Unlock()
	}
	return &cachingEmbedder{
		u:   u,
		lru: expirable.NewLRU[string, []float32](maxEntries, onEvict, ttl),
		gen: os.Getenv("DESKBOT_EMBED_CACHE_GEN"),
	}
}

func (c *cachingEmbedder) Embeddings(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	// generation bump (env-driven invalidation)
	if g := os.Getenv("DESKBOT_EMBED_CACHE_GEN"); g != c.gen {
		c.mu.Lock()
		if g != c.gen { // re-check after lock
			c.lru.Purge()
			c.gen = g
		}
		c.mu.Unlock()
	}
	out := make([][]float32, len(inputs))
	var missIdx []int
	for i, s := range inputs {
		if v, ok := c.lru.Get(cacheKey(model, s, c.gen)); ok && len(v) > 0 {
			out[i] = v
			metrics.mu.Lock()
			metrics.embedCacheHits++
			metrics.mu.Unlock()
			continue
		}
		missIdx = append(missIdx, i)
	}
	if len(missIdx) == 0 {
		return out, nil
	}
	req := make([]string, len(missIdx))
	for j, i := range missIdx {
		req[j] = inputs[i]
	}
	vecs, err := c.u.Embeddings(ctx, model, req)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		if j < len(vecs) {
			out[i] = vecs[j]
			c.lru.Add(cacheKey(model, inputs[i], c.gen), vecs[j])
			metrics.mu.Lock()
			metrics.embedCacheMisses++
			metrics.mu.Unlock()
		}
	}
	return out, nil
}

func cacheKey(model, input, gen string) string {
	if gen != "" {
		return model + "|" + gen + "|" + input
	}
	return model + "|" + input
}
