package vectorstore

import (
	"context"
	"database/sql"
	"os"

	"deskbot/internal/logging"
)

// NewFromEnv creates a VectorStore based on env configuration.
// DESKBOT_VECTOR_BACKEND: "sqlite"(default with a DB) | "pgvector" | "memory" | "off"
// pgvector DSN env: DESKBOT_PG_DSN
func NewFromEnv(ctx context.Context, db *sql.DB) VectorStore {
	switch os.Getenv("DESKBOT_VECTOR_BACKEND") {
	case "pgvector":
		p, err := NewPGVector(ctx, os.Getenv("DESKBOT_PG_DSN"))
		if err != nil {
			logging.Sugar.Warnw("pgvector unavailable, vector search disabled", "err", err)
			return Noop{}
		}
		return p
	case "memory":
		return NewMemory()
	case "off":
		return Noop{}
	default:
		if db != nil {
			return NewSQLite(db)
		}
		return NewMemory()
	}
}
