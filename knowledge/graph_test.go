package knowledge

import (
	"context"
	"testing"
)

func TestSyncDocumentNilDriver(t *testing.T) {
	if err := SyncDocument(context.Background(), nil, Document{ID: "doc"}); err == nil {
		t.Fatal("expected error when driver is nil")
	}
	if err := Purge(context.Background(), nil); err == nil {
		t.Fatal("expected error when driver is nil")
	}
}

func TestSyncStepsSkipEmptyParts(t *testing.T) {
	steps := syncSteps(Document{ID: "doc-1", Path: "a.md"})
	for _, s := range steps {
		switch s.name {
		case "upsert folder relation", "upsert sections", "upsert topics", "upsert chunks":
			t.Fatalf("unexpected step %q for an empty document", s.name)
		}
	}
	if steps[0].params["path"] != "a.md" {
		t.Fatalf("expected document params, got %v", steps[0].params)
	}
}

func TestSyncStepsLinkChunksToSections(t *testing.T) {
	doc := Document{
		ID:       "doc-1",
		Folder:   "notes",
		Sections: []Section{{Title: "Intro", Level: 2, Order: 0}},
		Topics:   []Topic{{Name: "Intro"}, {Name: ""}},
		Chunks: []Chunk{
			{ID: "c0", Index: 0, Text: "preamble", Section: -1},
			{ID: "c1", Index: 1, Text: "body", Section: 0},
		},
	}

	byName := make(map[string]step)
	for _, s := range syncSteps(doc) {
		byName[s.name] = s
	}

	if _, ok := byName["upsert folder relation"]; !ok {
		t.Fatal("expected folder step")
	}
	topics := byName["upsert topics"].params["topics"].([]string)
	if len(topics) != 1 || topics[0] != "Intro" {
		t.Fatalf("expected empty topics to be dropped, got %v", topics)
	}
	sections := byName["upsert sections"].params["sections"].([]map[string]any)
	if sections[0]["id"] != "doc-1:section:0" {
		t.Fatalf("unexpected section id %v", sections[0]["id"])
	}
	chunks := byName["upsert chunks"].params["chunks"].([]map[string]any)
	if chunks[0]["section"] != "" || chunks[1]["section"] != "doc-1:section:0" {
		t.Fatalf("unexpected chunk sections: %v", chunks)
	}
}
