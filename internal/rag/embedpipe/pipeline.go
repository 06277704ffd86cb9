package embedpipe

import (
	"context"
	"os"
	"strconv"

	"deskbot/internal/llm"
	"deskbot/internal/vectorstore"
)

const maxEmbedChars = 8000

type item struct {
	docID   string
	chunkID string
	text    string
}

// Pipeline batches chunk texts into embedding calls and writes the vectors
// to the store. Failures degrade to per-item retries so one bad chunk does
// not sink the batch.
type Pipeline struct {
	emb      llm.Embedder
	vs       vectorstore.VectorStore
	model    string
	batch    int
	seen     map[string]struct{}
	items    []item
	embedded int
}

func New(emb llm.Embedder, vs vectorstore.VectorStore) *Pipeline {
	if emb == nil || vs == nil {
		return nil
	}
	m := os.Getenv("DESKBOT_EMBEDDING_MODEL")
	if m == "" {
		m = "text-embedding-nomic-embed-text-v1.5"
	}
	batch := 8
	if v := os.Getenv("DESKBOT_EMBED_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			batch = n
		}
	}
	return &Pipeline{emb: emb, vs: vs, model: m, batch: batch, seen: make(map[string]struct{})}
}

// Add schedules one chunk for embedding. sha is used for simple de-dup so
// unchanged content is not re-embedded within a run.
func (p *Pipeline) Add(docID, chunkID, sha, text string) {
	if p == nil || text == "" {
		return
	}
	if sha != "" {
		key := docID + "|" + chunkID + "|" + sha
		if _, ok := p.seen[key]; ok {
			return
		}
		p.seen[key] = struct{}{}
	}
	if len(text) > maxEmbedChars {
		text = text[:maxEmbedChars]
	}
	p.items = append(p.items, item{docID: docID, chunkID: chunkID, text: text})
	if len(p.items) >= p.batch {
		_ = p.Flush(context.Background())
	}
}

// Flush embeds pending items and upserts to the vector store. A failed batch
// falls back to per-item embedding so partial progress is kept.
func (p *Pipeline) Flush(ctx context.Context) error {
	if p == nil || len(p.items) == 0 {
		return nil
	}
	texts := make([]string, len(p.items))
	for i := range p.items {
		texts[i] = p.items[i].text
	}
	vecs, err := p.emb.Embeddings(ctx, p.model, texts)
	if err != nil || len(vecs) != len(texts) {
		for _, it := range p.items {
			v, e := p.emb.Embeddings(ctx, p.model, []string{it.text})
			if e != nil || len(v) == 0 {
				continue
			}
			if p.vs.Upsert(ctx, []vectorstore.UpsertItem{{DocID: it.docID, ChunkID: it.chunkID, Vector: v[0], Dim: len(v[0]), Provider: "openai", Model: p.model}}) == nil {
				p.embedded++
			}
		}
		p.items = p.items[:0]
		return nil
	}
	ups := make([]vectorstore.UpsertItem, 0, len(vecs))
	for i, it := range p.items {
		ups = append(ups, vectorstore.UpsertItem{DocID: it.docID, ChunkID: it.chunkID, Vector: vecs[i], Dim: len(vecs[i]), Provider: "openai", Model: p.model})
	}
	if err := p.vs.Upsert(ctx, ups); err == nil {
		p.embedded += len(ups)
	}
	p.items = p.items[:0]
	return nil
}

// Embedded reports how many vectors have been written so far.
func (p *Pipeline) Embedded() int {
	if p == nil {
		return 0
	}
	return p.embedded
}
