package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// Migrator applies the full current schema. Caller provides an opened *sql.DB.
type Migrator struct{}

func (m Migrator) Up(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS documents (
            id TEXT PRIMARY KEY,
            title TEXT NOT NULL,
            source TEXT,
            path TEXT,
            sha TEXT,
            lang TEXT,
            content TEXT NOT NULL DEFAULT '',
            metadata TEXT,
            created_at TEXT NOT NULL,
            updated_at TEXT
        );`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_path ON documents(path) WHERE path IS NOT NULL AND path <> '';`,
		`CREATE TABLE IF NOT EXISTS chunks (
            id TEXT PRIMARY KEY,
            doc_id TEXT NOT NULL,
            ord INTEGER NOT NULL,
            text TEXT NOT NULL,
            token_count INTEGER,
            start_line INTEGER,
            end_line INTEGER,
            created_at TEXT NOT NULL,
            FOREIGN KEY(doc_id) REFERENCES documents(id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(doc_id, ord);`,
		// FTS5 lexical index for bm25-ranked search over chunk text.
		`CREATE VIRTUAL TABLE IF NOT EXISTS termindex USING fts5(
            doc_id, ord, text,
            tokenize = 'unicode61 remove_diacritics 2'
        );`,
		`CREATE TABLE IF NOT EXISTS users (
            id TEXT PRIMARY KEY,
            email TEXT NOT NULL UNIQUE,
            name TEXT,
            role TEXT NOT NULL DEFAULT 'agent',
            password_hash TEXT NOT NULL,
            created_at TEXT NOT NULL,
            last_login_at TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS conversations (
            id TEXT PRIMARY KEY,
            user_id TEXT NOT NULL,
            title TEXT,
            created_at TEXT NOT NULL,
            updated_at TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS conversation_messages (
            id TEXT PRIMARY KEY,
            conv_id TEXT NOT NULL,
            role TEXT NOT NULL,
            content TEXT NOT NULL,
            token_count INTEGER,
            created_at TEXT NOT NULL
        );`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_messages_conv ON conversation_messages(conv_id, created_at);`,
		// embeddings: one row per chunk, vector as little-endian float32 blob
		`CREATE TABLE IF NOT EXISTS embeddings (
            id TEXT PRIMARY KEY,
            doc_id TEXT,
            chunk_id TEXT,
            provider TEXT,
            model TEXT,
            dim INTEGER,
            vector BLOB,
            magnitude REAL,
            created_at TEXT NOT NULL,
            FOREIGN KEY(doc_id) REFERENCES documents(id),
            FOREIGN KEY(chunk_id) REFERENCES chunks(id)
        );`,
		`CREATE INDEX IF NOT EXISTS idx_embeddings_doc_chunk ON embeddings(doc_id, chunk_id);`,
	}
	for i, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	// best-effort add columns for existing DBs
	_, _ = db.ExecContext(ctx, `ALTER TABLE documents ADD COLUMN metadata TEXT`)
	_, _ = db.ExecContext(ctx, `ALTER TABLE documents ADD COLUMN content TEXT NOT NULL DEFAULT ''`)
	_, _ = db.ExecContext(ctx, `ALTER TABLE users ADD COLUMN last_login_at TEXT`)
	_, _ = db.ExecContext(ctx, `ALTER TABLE embeddings ADD COLUMN magnitude REAL`)
	return nil
}
