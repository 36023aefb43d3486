package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EnsureSourceSchema creates the pgvector extension and the source tables.
// Statements are idempotent.
func EnsureSourceSchema(ctx context.Context, pool *pgxpool.Pool, dimension int) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if dimension <= 0 {
		return fmt.Errorf("embedding dimension must be positive")
	}

	for _, stmt := range schemaStatements(dimension) {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

func schemaStatements(dimension int) []string {
	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		`CREATE TABLE IF NOT EXISTS source_documents (
			id UUID PRIMARY KEY,
			source_path TEXT UNIQUE NOT NULL,
			title TEXT NOT NULL,
			format TEXT NOT NULL,
			sha256 TEXT NOT NULL,
			snippet TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS source_chunks (
			id UUID PRIMARY KEY,
			document_id UUID NOT NULL REFERENCES source_documents(id) ON DELETE CASCADE,
			chunk_index INT NOT NULL,
			content TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, dimension),
		"CREATE INDEX IF NOT EXISTS idx_source_chunks_document ON source_chunks(document_id)",
		"CREATE INDEX IF NOT EXISTS idx_source_chunks_embedding ON source_chunks USING ivfflat (embedding vector_l2_ops)",
	}
}

// TruncateSources removes every ingested document and chunk.
func TruncateSources(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return fmt.Errorf("postgres pool is nil")
	}
	if _, err := pool.Exec(ctx, "TRUNCATE source_chunks, source_documents"); err != nil {
		return fmt.Errorf("truncate source tables: %w", err)
	}
	return nil
}
