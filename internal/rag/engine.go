package rag

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"deskbot/internal/config"
	"deskbot/internal/llm"
	"deskbot/internal/logging"
	"deskbot/internal/models"
	"deskbot/internal/rag/embedpipe"
	"deskbot/internal/rag/planner"
	"deskbot/internal/rag/retriever"
	"deskbot/internal/vectorstore"
)

// Store is what the engine needs from a document store.
type Store interface {
	UpsertDocument(doc models.Document) (*models.Document, []models.Chunk, bool, error)
	GetDocument(id string) (*models.Document, bool)
	GetChunk(chunkID string) (*models.Chunk, bool)
	Search(query string, k int) []models.SearchResult
	Stats() models.Stats
}

// Engine ties ingestion, lexical search, and semantic search together.
// The embedder may be nil; the engine then runs lexical-only.
type Engine struct {
	store  Store
	vs     vectorstore.VectorStore
	emb    llm.Embedder
	hybrid retriever.Retriever
}

func NewEngine(store Store, vs vectorstore.VectorStore, emb llm.Embedder) *Engine {
	if vs == nil {
		vs = vectorstore.Noop{}
	}
	lex := retriever.NewBM25(store)
	var knn retriever.Retriever
	if emb != nil {
		knn = retriever.NewKNN(vs, emb, store)
	}
	return &Engine{store: store, vs: vs, emb: emb, hybrid: retriever.NewHybrid(lex, knn)}
}

// AddDocument ingests one document: chunk, index, embed, store vectors.
// Unchanged content (same SHA) is skipped entirely.
func (e *Engine) AddDocument(ctx context.Context, doc models.Document) (models.IngestResult, error) {
	if strings.TrimSpace(doc.Content) == "" {
		return models.IngestResult{}, errors.New("document content required")
	}
	if doc.SHA == "" {
		sum := sha256.Sum256([]byte(doc.Content))
		doc.SHA = hex.EncodeToString(sum[:])
	}
	d, chunks, changed, err := e.store.UpsertDocument(doc)
	if err != nil {
		return models.IngestResult{}, err
	}
	if !changed {
		return models.IngestResult{DocID: d.ID, Skipped: true}, nil
	}
	res := models.IngestResult{DocID: d.ID, Chunks: len(chunks)}
	if e.emb == nil {
		return res, nil
	}
	// stale vectors from a previous chunking must not survive the re-ingest
	if err := e.vs.DeleteByDoc(ctx, d.ID); err != nil {
		logging.Sugar.Warnw("vector cleanup failed", "doc", d.ID, "err", err)
	}
	pipe := embedpipe.New(e.emb, e.vs)
	for _, c := range chunks {
		pipe.Add(d.ID, c.ID, d.SHA, c.Text)
	}
	if err := pipe.Flush(ctx); err != nil {
		logging.Sugar.Warnw("embedding flush failed", "doc", d.ID, "err", err)
	}
	res.Embedded = pipe.Embedded() > 0
	return res, nil
}

// Search classifies the query, retrieves top-k hybrid results, and returns
// them ranked best first. k<=0 lets the intent decide.
func (e *Engine) Search(ctx context.Context, query string, k int) ([]models.SearchResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query required")
	}
	if k <= 0 {
		k = planner.RetrievalK(planner.Classify(query), 0)
	}
	timeout := time.Duration(config.Int("DESKBOT_RETRIEVAL_TIMEOUT_MS", 3000)) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return e.hybrid.Retrieve(ctx, query, k)
}

// Stats reports corpus counts including stored vectors.
func (e *Engine) Stats(ctx context.Context) (models.Stats, error) {
	st := e.store.Stats()
	if n, err := e.vs.Count(ctx); err == nil {
		st.Vectors = n
	}
	return st, nil
}
