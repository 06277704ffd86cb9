package retriever

import (
	"context"
	"testing"

	"deskbot/internal/models"
)

type fakeRet struct {
	out []Result
	err error
}

func (f fakeRet) Retrieve(ctx context.Context, query string, k int) ([]Result, error) {
	return f.out, f.err
}

func TestHybridRetrieverUnionAndRank(t *testing.T) {
	bm := fakeRet{out: []Result{{DocID: "a", Score: 1.0}, {DocID: "b", Score: 0.5}}}
	kn := fakeRet{out: []Result{{DocID: "a", Score: 0.9}, {DocID: "c", Score: 0.8}}}
	h := NewHybridWithAlpha(bm, kn, 0.5)
	got, err := h.Retrieve(context.Background(), "q", 10)
	if err != nil {
		t.Fatalf("Retrieve error: %v", err)
	}
	// expect union {a,b,c} with a first due to highest agg score
	if len(got) != 3 || got[0].DocID != "a" {
		t.Fatalf("unexpected results: %+v", got)
	}
	// ensure type alias behaves
	_ = models.SearchResult(got[0])
}

func TestHybridPrefersBestPreview(t *testing.T) {
	bm := fakeRet{out: []Result{{DocID: "a", Score: 0.2, Preview: "weak", StartLine: 1, EndLine: 1}}}
	kn := fakeRet{out: []Result{{DocID: "a", Score: 0.9, Preview: "strong", StartLine: 5, EndLine: 6}}}
	h := NewHybridWithAlpha(bm, kn, 1.0)
	got, err := h.Retrieve(context.Background(), "q", 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("Retrieve: %v / %d", err, len(got))
	}
	if got[0].Preview != "strong" || got[0].StartLine != 5 {
		t.Fatalf("expected better-scored preview to win, got %+v", got[0])
	}
}

func TestHybridWorksWithoutKNN(t *testing.T) {
	bm := fakeRet{out: []Result{{DocID: "a", Score: 1.0}}}
	h := NewHybridWithAlpha(bm, nil, 0.5)
	got, err := h.Retrieve(context.Background(), "q", 5)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected lexical-only results, got %v err=%v", got, err)
	}
}
