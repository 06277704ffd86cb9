package retriever

import (
	"context"

	"deskbot/internal/models"
)

// Result is an alias to models.SearchResult for clarity at call sites.
type Result = models.SearchResult

// Retriever returns top-K context items for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]Result, error)
}

// LexicalSearcher is the minimal capability needed from a backing store.
// It mirrors Store.Search(query, k).
type LexicalSearcher interface {
	Search(query string, k int) []models.SearchResult
}

// Resolver looks up chunk text and document metadata so semantic hits can
// carry previews the way lexical hits do.
type Resolver interface {
	GetChunk(chunkID string) (*models.Chunk, bool)
	GetDocument(id string) (*models.Document, bool)
}
