// Package ingestion chunks catalog documents, embeds them into Postgres and
// mirrors their structure into the Neo4j knowledge graph.
package ingestion

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/pgvector/pgvector-go"
	"github.com/rs/zerolog"

	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/database"
	"github.com/fabfab/docchat/embeddings"
	"github.com/fabfab/docchat/knowledge"
)

const (
	defaultChunkSize    = 1000
	defaultChunkOverlap = 200
	snippetLength       = 500
)

type Service struct {
	pool      *pgxpool.Pool
	driver    neo4j.DriverWithContext
	embedder  embeddings.Embedder
	logger    zerolog.Logger
	dimension int
}

// Result summarises one ingestion pass.
type Result struct {
	Ingested  int
	Unchanged int
	Failed    int
	Chunks    int
}

func NewService(pool *pgxpool.Pool, driver neo4j.DriverWithContext, embedder embeddings.Embedder, logger zerolog.Logger, dimension int) *Service {
	return &Service{
		pool:      pool,
		driver:    driver,
		embedder:  embedder,
		logger:    logger,
		dimension: dimension,
	}
}

// IngestDirectory reads every supported file under dir and stores the ones
// whose content changed since the last pass. A failing file is logged and
// counted; it does not stop the pass.
func (s *Service) IngestDirectory(ctx context.Context, dir string) (Result, error) {
	if s.embedder == nil {
		return Result{}, fmt.Errorf("embedder not configured")
	}
	if s.pool == nil {
		return Result{}, fmt.Errorf("postgres pool not configured")
	}
	if err := database.EnsureSourceSchema(ctx, s.pool, s.dimension); err != nil {
		return Result{}, fmt.Errorf("ensure schema: %w", err)
	}

	files, err := catalog.ReadDir(ctx, dir, s.logger)
	if err != nil {
		return Result{}, err
	}
	if len(files) == 0 {
		s.logger.Info().Str("dir", dir).Msg("no documents found")
		return Result{}, nil
	}

	var res Result
	for _, file := range files {
		chunks, err := s.ingestFile(ctx, file)
		switch {
		case err != nil:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return res, ctxErr
			}
			res.Failed++
			s.logger.Error().Err(err).Str("path", file.Path).Msg("ingest failed")
		case chunks == 0:
			res.Unchanged++
		default:
			res.Ingested++
			res.Chunks += chunks
		}
	}
	return res, nil
}

// Prepare turns a file into the graph document and chunk texts to store.
func Prepare(file catalog.File) (knowledge.Document, []string) {
	doc := knowledge.Document{
		Path:   file.Path,
		Title:  file.Name,
		SHA:    file.SHA256,
		Folder: file.Folder(),
		Format: string(file.Format),
	}

	var fragments []Fragment
	if file.Format == catalog.FormatMarkdown {
		var sections []Section
		var topics []string
		fragments, sections, topics = ChunkMarkdown(file.Text, defaultChunkSize, defaultChunkOverlap)
		doc.Heading = ExtractTitle(file.Text, "")
		for _, section := range sections {
			doc.Sections = append(doc.Sections, knowledge.Section{
				Title: section.Title,
				Level: section.Level,
				Order: section.Order,
			})
		}
		for _, topic := range topics {
			doc.Topics = append(doc.Topics, knowledge.Topic{Name: topic})
		}
	} else {
		fragments = ChunkPlainText(file.Text, defaultChunkSize, defaultChunkOverlap)
	}

	texts := make([]string, len(fragments))
	for i, fragment := range fragments {
		texts[i] = fragment.Text
		doc.Chunks = append(doc.Chunks, knowledge.Chunk{
			Index:   fragment.Index,
			Text:    fragment.Text,
			Section: fragment.Section,
		})
	}
	return doc, texts
}

func (s *Service) ingestFile(ctx context.Context, file catalog.File) (stored int, err error) {
	doc, texts := Prepare(file)
	if len(texts) == 0 {
		s.logger.Info().Str("path", file.Path).Msg("skip empty document")
		return 0, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn().Err(rbErr).Msg("rollback failed")
			}
		}
	}()

	docID, changed, err := upsertDocument(ctx, tx, doc, catalog.Snippet(file.Text, snippetLength))
	if err != nil {
		return 0, err
	}
	if !changed {
		if err = tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit transaction: %w", err)
		}
		s.logger.Debug().Str("path", file.Path).Msg("no updates required")
		return 0, nil
	}

	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("generate embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return 0, fmt.Errorf("embedding count mismatch: have %d chunks, %d embeddings", len(texts), len(vectors))
	}

	if _, err = tx.Exec(ctx, "DELETE FROM source_chunks WHERE document_id = $1", docID); err != nil {
		return 0, fmt.Errorf("clear existing chunks: %w", err)
	}

	for idx, text := range texts {
		chunkID := uuid.New()
		doc.Chunks[idx].ID = chunkID.String()
		if _, err = tx.Exec(ctx, `
			INSERT INTO source_chunks (id, document_id, chunk_index, content, embedding)
			VALUES ($1, $2, $3, $4, $5)
		`, chunkID, docID, idx, text, pgvector.NewVector(vectors[idx])); err != nil {
			return 0, fmt.Errorf("insert chunk %d: %w", idx, err)
		}
	}

	doc.ID = docID.String()
	if err = syncThenCommit(ctx, tx, func(ctx context.Context) error {
		if s.driver == nil {
			return nil
		}
		return knowledge.SyncDocument(ctx, s.driver, doc)
	}); err != nil {
		return 0, err
	}

	s.logger.Info().Str("path", file.Path).Int("chunks", len(texts)).Msg("ingested document")
	return len(texts), nil
}

type committer interface {
	Commit(ctx context.Context) error
}

// syncThenCommit commits tx only after the graph sync succeeded. A failed
// sync leaves the stored hash untouched, so the next pass ingests the file
// again.
func syncThenCommit(ctx context.Context, tx committer, sync func(context.Context) error) error {
	if err := sync(ctx); err != nil {
		return fmt.Errorf("sync knowledge graph: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func upsertDocument(ctx context.Context, tx pgx.Tx, doc knowledge.Document, snippet string) (uuid.UUID, bool, error) {
	var (
		docID        uuid.UUID
		existingHash string
	)

	err := tx.QueryRow(ctx, "SELECT id, sha256 FROM source_documents WHERE source_path = $1", doc.Path).Scan(&docID, &existingHash)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, false, fmt.Errorf("query document: %w", err)
		}
		newID, idErr := uuid.NewV7()
		if idErr != nil {
			return uuid.Nil, false, fmt.Errorf("generate document id: %w", idErr)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO source_documents (id, source_path, title, format, sha256, snippet)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, newID, doc.Path, doc.Title, doc.Format, doc.SHA, snippet); err != nil {
			return uuid.Nil, false, fmt.Errorf("insert document: %w", err)
		}
		return newID, true, nil
	}

	if existingHash == doc.SHA {
		return docID, false, nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE source_documents
		SET title = $2,
		    format = $3,
		    sha256 = $4,
		    snippet = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, docID, doc.Title, doc.Format, doc.SHA, snippet); err != nil {
		return uuid.Nil, false, fmt.Errorf("update document: %w", err)
	}

	return docID, true, nil
}
