package vectorstore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/viant/vec/search"
)

// SQLiteVS implements VectorStore on the embeddings table of the main
// SQLite database. Vectors live in a BLOB column with the magnitude
// precomputed at write time so search only pays for dot products.
type SQLiteVS struct {
	db *sql.DB
}

// NewSQLite returns a VectorStore backed by the given *sql.DB.
func NewSQLite(db *sql.DB) SQLiteVS { return SQLiteVS{db: db} }

func (s SQLiteVS) Upsert(ctx context.Context, items []UpsertItem) error {
	if len(items) == 0 || s.db == nil {
		return nil
	}
	now := time.Now().Format(time.RFC3339)
	for _, it := range items {
		// deterministic id per (doc, chunk, model)
		id := embedID(it.DocID, it.ChunkID, it.Model)
		blob := EncodeVector(it.Vector)
		mag := search.Float32s(it.Vector).Magnitude()
		// delete-then-insert for idempotency
		_, _ = s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE id=?`, id)
		_, err := s.db.ExecContext(ctx, `INSERT INTO embeddings(id,doc_id,chunk_id,provider,model,dim,vector,magnitude,created_at) VALUES(?,?,?,?,?,?,?,?,?)`,
			id, it.DocID, it.ChunkID, it.Provider, it.Model, it.Dim, blob, float64(mag), now,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s SQLiteVS) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if s.db == nil || len(query) == 0 || k <= 0 {
		return nil, nil
	}
	qv := search.Float32s(query)
	qm := qv.Magnitude()
	if qm == 0 {
		return nil, nil
	}
	// Filter by dimension to avoid mixing models with different dims.
	rows, err := s.db.QueryContext(ctx, `SELECT doc_id, chunk_id, vector, COALESCE(magnitude,0) FROM embeddings WHERE dim=?`, len(query))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	results := make([]Result, 0, k*2)
	for rows.Next() {
		var docID, chunkID string
		var blob []byte
		var mag float64
		if err := rows.Scan(&docID, &chunkID, &blob, &mag); err != nil {
			return nil, err
		}
		vec, err := DecodeVector(blob)
		if err != nil || len(vec) != len(query) {
			continue
		}
		m := float32(mag)
		if m == 0 {
			m = search.Float32s(vec).Magnitude()
			if m == 0 {
				continue
			}
		}
		dist := qv.CosineDistanceWithMagnitude(vec, qm, m)
		results = append(results, Result{DocID: docID, ChunkID: chunkID, Score: 1 - float64(dist)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}
	quickSelectTopK(results, k)
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s SQLiteVS) DeleteByDoc(ctx context.Context, docID string) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM embeddings WHERE doc_id=?`, docID)
	return err
}

func (s SQLiteVS) Count(ctx context.Context) (int, error) {
	if s.db == nil {
		return 0, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM embeddings`).Scan(&n)
	return n, err
}

func embedID(docID, chunkID, model string) string {
	h := sha1.New()
	_, _ = h.Write([]byte(docID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(chunkID))
	_, _ = h.Write([]byte{'|'})
	_, _ = h.Write([]byte(model))
	return "emb-" + hex.EncodeToString(h.Sum(nil))
}

// quickSelectTopK partially sorts the slice so the first k are the highest scores.
func quickSelectTopK(a []Result, k int) {
	if k <= 0 || len(a) <= k {
		// full sort when small
		for i := 0; i < len(a); i++ {
			for j := i + 1; j < len(a); j++ {
				if a[j].Score > a[i].Score {
					a[i], a[j] = a[j], a[i]
				}
			}
		}
		return
	}
	nthElement(a, k)
	// sort top k
	for i := 0; i < k; i++ {
		for j := i + 1; j < k && j < len(a); j++ {
			if a[j].Score > a[i].Score {
				a[i], a[j] = a[j], a[i]
			}
		}
	}
}

func nthElement(a []Result, k int) {
	// quickselect by score descending
	var qs func(l, r, k int)
	qs = func(l, r, k int) {
		if l >= r {
			return
		}
		i, j := l, r
		pivot := a[(l+r)/2].Score
		for i <= j {
			for a[i].Score > pivot {
				i++
			}
			for a[j].Score < pivot {
				j--
			}
			if i <= j {
				a[i], a[j] = a[j], a[i]
				i++
				j--
			}
		}
		if k <= j {
			qs(l, j, k)
		} else if k >= i {
			qs(i, r, k)
		}
	}
	if k >= len(a) {
		k = len(a) - 1
	}
	if k >= 0 {
		qs(0, len(a)-1, k)
	}
}
