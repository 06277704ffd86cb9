package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"deskbot/internal/store"
)

func TestEncodeDecodeVector(t *testing.T) {
	in := []float32{0.25, -1.5, 3.75, 0}
	out, err := DecodeVector(EncodeVector(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("length mismatch %d vs %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Fatalf("value %d mismatch: %f vs %f", i, out[i], in[i])
		}
	}

	if b := EncodeVector(nil); b != nil {
		t.Fatalf("expected nil blob for empty vector")
	}
	if _, err := DecodeVector([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for blob length not multiple of 4")
	}
}

func TestSQLiteVectorSearchRanking(t *testing.T) {
	dir := t.TempDir()
	st, err := store.NewSQLite(filepath.Join(dir, "vec.db"))
	if err != nil {
		t.Skip("sqlite not available:", err)
	}
	defer st.DB().Close()

	vs := NewSQLite(st.DB())
	ctx := context.Background()
	items := []UpsertItem{
		{DocID: "a", ChunkID: "a1", Vector: []float32{1, 0, 0}, Dim: 3, Model: "m"},
		{DocID: "b", ChunkID: "b1", Vector: []float32{0.9, 0.1, 0}, Dim: 3, Model: "m"},
		{DocID: "c", ChunkID: "c1", Vector: []float32{0, 1, 0}, Dim: 3, Model: "m"},
		{DocID: "d", ChunkID: "d1", Vector: []float32{1, 0}, Dim: 2, Model: "m"},
	}
	if err := vs.Upsert(ctx, items); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := vs.Search(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].DocID != "a" || got[1].DocID != "b" {
		t.Fatalf("expected ranking a,b got %s,%s", got[0].DocID, got[1].DocID)
	}
	if got[0].Score < got[1].Score {
		t.Fatalf("expected descending scores: %f %f", got[0].Score, got[1].Score)
	}
	if got[0].Score < 0.99 {
		t.Fatalf("expected near-perfect score for identical vector, got %f", got[0].Score)
	}

	// re-upsert with same identity must not duplicate
	if err := vs.Upsert(ctx, items[:1]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	if n, _ := vs.Count(ctx); n != 4 {
		t.Fatalf("expected 4 embeddings after idempotent upsert, got %d", n)
	}

	// zero query vector yields nothing rather than NaN scores
	if got, err := vs.Search(ctx, []float32{0, 0, 0}, 5); err != nil || got != nil {
		t.Fatalf("expected nil results for zero query, got %v err=%v", got, err)
	}

	if err := vs.DeleteByDoc(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = vs.Search(ctx, []float32{1, 0, 0}, 5)
	for _, r := range got {
		if r.DocID == "a" {
			t.Fatalf("expected doc a embeddings removed")
		}
	}
}

func TestMemoryVectorStore(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	_ = m.Upsert(ctx, []UpsertItem{
		{DocID: "a", ChunkID: "a1", Vector: []float32{1, 0}, Dim: 2, Model: "m"},
		{DocID: "b", ChunkID: "b1", Vector: []float32{0, 1}, Dim: 2, Model: "m"},
	})
	got, err := m.Search(ctx, []float32{1, 0.1}, 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("search: got %d err=%v", len(got), err)
	}
	if got[0].DocID != "a" {
		t.Fatalf("expected nearest doc a, got %s", got[0].DocID)
	}
	if err := m.DeleteByDoc(ctx, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := m.Count(ctx); n != 1 {
		t.Fatalf("expected 1 remaining, got %d", n)
	}
}

func TestQuickSelectTopK(t *testing.T) {
	rs := []Result{
		{DocID: "1", Score: 0.1}, {DocID: "2", Score: 0.9}, {DocID: "3", Score: 0.5},
		{DocID: "4", Score: 0.7}, {DocID: "5", Score: 0.3}, {DocID: "6", Score: 0.8},
	}
	quickSelectTopK(rs, 3)
	want := map[string]bool{"2": true, "6": true, "4": true}
	for i := 0; i < 3; i++ {
		if !want[rs[i].DocID] {
			t.Fatalf("unexpected top-3 member %s at %d: %+v", rs[i].DocID, i, rs[:3])
		}
	}
	if rs[0].Score < rs[1].Score || rs[1].Score < rs[2].Score {
		t.Fatalf("top-3 not sorted descending: %+v", rs[:3])
	}
}
