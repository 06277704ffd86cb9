package retriever

import (
	"context"
	"os"
	"strings"

	"deskbot/internal/llm"
	"deskbot/internal/vectorstore"
)

// KNNRetriever uses a VectorStore and an Embedder to perform semantic search.
// When a Resolver is set, hits are enriched with chunk text and doc metadata.
type KNNRetriever struct {
	vs    vectorstore.VectorStore
	emb   llm.Embedder
	res   Resolver
	model string
}

func NewKNN(vs vectorstore.VectorStore, emb llm.Embedder, res Resolver) *KNNRetriever {
	model := os.Getenv("DESKBOT_EMBEDDING_MODEL")
	if model == "" {
		model = "text-embedding-nomic-embed-text-v1.5"
	}
	return &KNNRetriever{vs: vs, emb: emb, res: res, model: model}
}

func (r *KNNRetriever) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	if r.emb == nil || r.vs == nil {
		return nil, nil
	}
	vecs, err := r.emb.Embeddings(ctx, r.model, []string{query})
	if err != nil || len(vecs) == 0 {
		// graceful fallback: no semantic results when embeddings unavailable
		return nil, nil
	}
	res, err := r.vs.Search(ctx, vecs[0], k)
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(res))
	for _, hit := range res {
		sr := Result{DocID: hit.DocID, Score: hit.Score}
		if r.res != nil {
			if c, ok := r.res.GetChunk(hit.ChunkID); ok {
				sr.Preview = previewOf(c.Text)
				sr.StartLine, sr.EndLine = c.StartLine, c.EndLine
			}
			if d, ok := r.res.GetDocument(hit.DocID); ok {
				sr.Title, sr.Source = d.Title, d.Source
			}
		}
		out = append(out, sr)
	}
	return out, nil
}

func previewOf(text string) string {
	t := strings.TrimSpace(text)
	if len(t) > 240 {
		t = t[:240]
	}
	return t
}
