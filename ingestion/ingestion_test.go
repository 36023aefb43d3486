package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fabfab/docchat/catalog"
)

func TestChunkMarkdownRespectsOverlap(t *testing.T) {
	text := "# Title\n\n" +
		"## Section One\n\n" +
		"Paragraph one." +
		"\n\n" +
		"Paragraph two is quite a bit longer than the first paragraph and should trigger a split." +
		"\n\n" +
		"Paragraph three." +
		"\n\n" +
		"Paragraph four."

	fragments, sections, topics := ChunkMarkdown(text, 50, 10)
	if len(fragments) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(fragments))
	}
	if fragments[0].Text == fragments[1].Text {
		t.Fatalf("expected overlapping but not identical chunks")
	}
	for i, f := range fragments {
		if f.Index != i {
			t.Fatalf("expected sequential indexes, got %d at %d", f.Index, i)
		}
	}

	if len(sections) != 2 || sections[1].Title != "Section One" || sections[1].Level != 2 {
		t.Fatalf("unexpected sections: %+v", sections)
	}
	if len(topics) != 1 || topics[0] != "Section One" {
		t.Fatalf("expected level-2 headings as topics, got %v", topics)
	}
	if fragments[len(fragments)-1].Section != 1 {
		t.Fatalf("expected last chunk in section 1, got %d", fragments[len(fragments)-1].Section)
	}
}

func TestChunkMarkdownWithoutOverlapKeepsTail(t *testing.T) {
	fragments, _, _ := ChunkMarkdown("aaaa\n\nbbbb\n\ncccc", 5, 0)
	if len(fragments) != 3 || fragments[2].Text != "cccc" {
		t.Fatalf("unexpected fragments: %+v", fragments)
	}
}

func TestChunkMarkdownHandlesEmpty(t *testing.T) {
	fragments, sections, topics := ChunkMarkdown("\n\n", 100, 20)
	if len(fragments) != 0 || len(sections) != 0 || len(topics) != 0 {
		t.Fatalf("expected nothing for empty content, got %d/%d/%d", len(fragments), len(sections), len(topics))
	}
}

func TestExtractTitle(t *testing.T) {
	content := "Some intro\n# Heading One\nMore text"
	if title := ExtractTitle(content, "fallback"); title != "Heading One" {
		t.Fatalf("expected title 'Heading One', got %q", title)
	}
	if title := ExtractTitle("no headings", "fallback"); title != "fallback" {
		t.Fatalf("expected fallback, got %q", title)
	}
}

func TestPrepareMarkdown(t *testing.T) {
	file := catalog.File{
		Path:   "notes/Z3518_Gomez.md",
		Name:   "Z3518_Gomez.md",
		Format: catalog.FormatMarkdown,
		Text:   "# Plasma Stability\n\n## Scaling\n\nZ3518 systems face current delivery limits.",
		SHA256: "abc",
	}

	doc, texts := Prepare(file)
	if doc.Title != "Z3518_Gomez.md" || doc.Heading != "Plasma Stability" {
		t.Fatalf("unexpected titles: %q / %q", doc.Title, doc.Heading)
	}
	if doc.Folder != "notes" || doc.Format != "markdown" || doc.SHA != "abc" {
		t.Fatalf("unexpected document metadata: %+v", doc)
	}
	if len(texts) != 1 || len(doc.Chunks) != 1 || !strings.Contains(texts[0], "current delivery") {
		t.Fatalf("unexpected chunks: %v", texts)
	}
	if len(doc.Topics) != 1 || doc.Topics[0].Name != "Scaling" {
		t.Fatalf("unexpected topics: %+v", doc.Topics)
	}
}

func TestPreparePlainText(t *testing.T) {
	doc, texts := Prepare(catalog.File{
		Path:   "report.txt",
		Name:   "report.txt",
		Format: catalog.FormatText,
		Text:   "# not a heading in text files\n\nSecond paragraph.",
	})
	if len(doc.Sections) != 0 || doc.Heading != "" {
		t.Fatalf("plain text should have no structure: %+v", doc)
	}
	if len(texts) != 1 || doc.Chunks[0].Section != -1 {
		t.Fatalf("unexpected chunks: %+v", doc.Chunks)
	}
}

func TestIngestDirectoryMissingEmbedder(t *testing.T) {
	svc := NewService(nil, nil, nil, zerolog.Nop(), 128)
	if _, err := svc.IngestDirectory(context.Background(), "./does-not-matter"); err == nil {
		t.Fatal("expected error when embedder is nil")
	}
}

type recordingTx struct {
	calls *[]string
	err   error
}

func (tx recordingTx) Commit(context.Context) error {
	*tx.calls = append(*tx.calls, "commit")
	return tx.err
}

func TestSyncThenCommitSkipsCommitWhenGraphSyncFails(t *testing.T) {
	var calls []string
	cause := errors.New("neo4j unavailable")

	err := syncThenCommit(context.Background(), recordingTx{calls: &calls}, func(context.Context) error {
		calls = append(calls, "sync")
		return cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected sync error, got %v", err)
	}
	if len(calls) != 1 || calls[0] != "sync" {
		t.Fatalf("expected no commit after failed sync, got %v", calls)
	}
}

func TestSyncThenCommitOrder(t *testing.T) {
	var calls []string

	err := syncThenCommit(context.Background(), recordingTx{calls: &calls}, func(context.Context) error {
		calls = append(calls, "sync")
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 2 || calls[0] != "sync" || calls[1] != "commit" {
		t.Fatalf("expected sync before commit, got %v", calls)
	}

	calls = nil
	commitErr := errors.New("connection reset")
	err = syncThenCommit(context.Background(), recordingTx{calls: &calls, err: commitErr}, func(context.Context) error { return nil })
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
}
