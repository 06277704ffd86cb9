package vectorstore

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGVector stores embeddings in PostgreSQL with the pgvector extension.
// Distance is computed server-side with the <=> cosine operator.
type PGVector struct {
	pool *pgxpool.Pool
}

// NewPGVector connects to the given DSN and ensures the embeddings table.
func NewPGVector(ctx context.Context, dsn string) (*PGVector, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("pgvector: empty DSN")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	p := &PGVector{pool: pool}
	if err := p.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *PGVector) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			id TEXT PRIMARY KEY,
			doc_id TEXT NOT NULL,
			chunk_id TEXT,
			provider TEXT,
			model TEXT,
			dim INTEGER NOT NULL,
			embedding vector,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_doc ON embeddings (doc_id)`,
	}
	for _, s := range stmts {
		if _, err := p.pool.Exec(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func (p *PGVector) Upsert(ctx context.Context, items []UpsertItem) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		id := embedID(it.DocID, it.ChunkID, it.Model)
		_, err := p.pool.Exec(ctx, `
			INSERT INTO embeddings (id, doc_id, chunk_id, provider, model, dim, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7::vector)
			ON CONFLICT (id) DO UPDATE SET
				provider = EXCLUDED.provider,
				model = EXCLUDED.model,
				dim = EXCLUDED.dim,
				embedding = EXCLUDED.embedding
		`, id, it.DocID, it.ChunkID, it.Provider, it.Model, it.Dim, vectorLiteral(it.Vector))
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PGVector) Search(ctx context.Context, query []float32, k int) ([]Result, error) {
	if len(query) == 0 || k <= 0 {
		return nil, nil
	}
	lit := vectorLiteral(query)
	rows, err := p.pool.Query(ctx, `
		SELECT doc_id, chunk_id, 1 - (embedding <=> $1::vector) AS score
		FROM embeddings
		WHERE dim = $2
		ORDER BY embedding <=> $1::vector
		LIMIT $3
	`, lit, len(query), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.DocID, &r.ChunkID, &r.Score); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func (p *PGVector) DeleteByDoc(ctx context.Context, docID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM embeddings WHERE doc_id = $1`, docID)
	return err
}

func (p *PGVector) Count(ctx context.Context) (int, error) {
	var n int
	err := p.pool.QueryRow(ctx, `SELECT COUNT(1) FROM embeddings`).Scan(&n)
	return n, err
}

// Close releases the connection pool.
func (p *PGVector) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// vectorLiteral renders the pgvector input format: [0.1,0.2,...]
func vectorLiteral(vec []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range vec {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
