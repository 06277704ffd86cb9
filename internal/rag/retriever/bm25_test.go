package retriever

import (
	"context"
	"testing"

	"deskbot/internal/models"
)

type fakeSearch struct{ res []models.SearchResult }

func (f fakeSearch) Search(query string, k int) []models.SearchResult { return f.res }

func TestBM25Retriever(t *testing.T) {
	want := []models.SearchResult{{DocID: "doc-1", Title: "VPN guide", Score: 1.23}}
	r := NewBM25(fakeSearch{res: want})
	got, err := r.Retrieve(context.Background(), "q", 5)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	if len(got) != 1 || got[0].DocID != "doc-1" || got[0].Score != 1.23 {
		t.Fatalf("unexpected results: %+v", got)
	}
}
