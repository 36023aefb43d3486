// Package retrieval implements chat.Retriever on top of the ingested
// Postgres vectors and the Neo4j knowledge graph.
package retrieval

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/embeddings"
)

const (
	defaultLimit   = 5
	maxSnippet     = 500
	chunksPerMatch = 3
)

// ChunkResult is one chunk returned by a similarity or keyword search.
type ChunkResult struct {
	ChunkID    string
	DocumentID string
	Title      string
	Content    string
	Score      float64
}

// PostgresRetriever embeds the query and searches chunk vectors with pgvector.
type PostgresRetriever struct {
	pool     *pgxpool.Pool
	embedder embeddings.Embedder
}

func NewPostgresRetriever(pool *pgxpool.Pool, embedder embeddings.Embedder) *PostgresRetriever {
	return &PostgresRetriever{pool: pool, embedder: embedder}
}

func (r *PostgresRetriever) Retrieve(ctx context.Context, query string, k int) ([]chat.SourceDocument, error) {
	if r.embedder == nil {
		return nil, fmt.Errorf("embedder is not configured")
	}
	if k <= 0 {
		k = defaultLimit
	}

	vector, err := embeddings.EmbedQuery(ctx, r.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	// Several chunks usually come from the same document.
	chunks, err := r.SimilarChunks(ctx, vector, k*chunksPerMatch)
	if err != nil {
		return nil, err
	}
	return MergeChunks(chunks, k), nil
}

func (r *PostgresRetriever) SimilarChunks(ctx context.Context, embedding []float32, limit int) ([]ChunkResult, error) {
	if r.pool == nil {
		return nil, fmt.Errorf("postgres pool is nil")
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("embedding is empty")
	}
	if limit <= 0 {
		limit = defaultLimit
	}

	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	probes := limit * 10
	if probes < 10 {
		probes = 10
	}
	if _, err := conn.Exec(ctx, fmt.Sprintf("SET ivfflat.probes = %d", probes)); err != nil {
		return nil, fmt.Errorf("set ivfflat probes: %w", err)
	}

	rows, err := conn.Query(ctx, `
		SELECT
			sc.id::text,
			sc.document_id::text,
			sd.title,
			sc.content,
			(sc.embedding <-> $1::vector) AS distance
		FROM source_chunks sc
		JOIN source_documents sd ON sd.id = sc.document_id
		ORDER BY sc.embedding <-> $1::vector
		LIMIT $2
	`, pgvector.NewVector(embedding), limit)
	if err != nil {
		return nil, fmt.Errorf("query similar chunks: %w", err)
	}
	defer rows.Close()

	results := make([]ChunkResult, 0, limit)
	for rows.Next() {
		var item ChunkResult
		var distance float64
		if err := rows.Scan(&item.ChunkID, &item.DocumentID, &item.Title, &item.Content, &distance); err != nil {
			return nil, fmt.Errorf("scan similar chunk: %w", err)
		}
		item.Score = 1 / (1 + distance)
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate similar chunks: %w", err)
	}
	return results, nil
}

var _ chat.Retriever = (*PostgresRetriever)(nil)

// MergeChunks groups chunks by document, keeps each document's best score,
// joins distinct snippets and returns at most k documents best first.
func MergeChunks(chunks []ChunkResult, k int) []chat.SourceDocument {
	type merged struct {
		doc   chat.SourceDocument
		score float64
		first int
	}

	grouped := make(map[string]*merged, len(chunks))
	for i, chunk := range chunks {
		m, ok := grouped[chunk.DocumentID]
		if !ok {
			m = &merged{
				doc:   chat.SourceDocument{ID: chunk.DocumentID, Title: chunk.Title},
				score: chunk.Score,
				first: i,
			}
			grouped[chunk.DocumentID] = m
		} else if chunk.Score > m.score {
			m.score = chunk.Score
		}

		snippet := catalog.Truncate(strings.TrimSpace(chunk.Content), maxSnippet)
		switch {
		case snippet == "":
		case m.doc.Content == "":
			m.doc.Content = snippet
		case !strings.Contains(m.doc.Content, snippet):
			m.doc.Content += "\n---\n" + snippet
		}
	}

	all := make([]*merged, 0, len(grouped))
	for _, m := range grouped {
		all = append(all, m)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].first < all[j].first
	})

	if k > 0 && len(all) > k {
		all = all[:k]
	}
	out := make([]chat.SourceDocument, len(all))
	for i, m := range all {
		out[i] = m.doc
	}
	return out
}
