package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/config"
)

func catalogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "maglif.md"), []byte("# MagLIF\n\nConvergence ratio notes."), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	return dir
}

func staticConfig(retriever, dir string) config.Config {
	return config.Config{
		Retriever:  retriever,
		CatalogDir: dir,
		LLM:        config.LLMConfig{Provider: config.ProviderStatic},
	}
}

func TestStaticRetrieverIgnoresCatalogDir(t *testing.T) {
	cfg := staticConfig(config.ProviderStatic, catalogDir(t))
	if usesCatalog(cfg) {
		t.Fatal("static retriever should not load the catalog")
	}

	parts, err := buildComponents(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer parts.close()

	if parts.sources != nil {
		t.Fatalf("expected built-in sources, got %T", parts.sources)
	}
	if _, ok := parts.backend.Retriever.(*chat.StaticRetriever); !ok {
		t.Fatalf("expected static retriever, got %T", parts.backend.Retriever)
	}
}

func TestCatalogRetrieverServesSources(t *testing.T) {
	cfg := staticConfig(config.ProviderCatalog, catalogDir(t))

	parts, err := buildComponents(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer parts.close()

	cat, ok := parts.sources.(*catalog.Catalog)
	if !ok {
		t.Fatalf("expected catalog sources, got %T", parts.sources)
	}
	if parts.backend.Retriever != chat.Retriever(cat) {
		t.Fatal("expected the catalog to serve retrieval")
	}
	docs := cat.Documents()
	if len(docs) != 1 || docs[0].Title != "maglif.md" {
		t.Fatalf("unexpected catalog documents: %+v", docs)
	}
}

func TestBuildComponentsRejectsBadConfig(t *testing.T) {
	for name, cfg := range map[string]config.Config{
		"catalog without dir": staticConfig(config.ProviderCatalog, ""),
		"unknown retriever":   staticConfig("elastic", ""),
		"unknown generator": {
			Retriever: config.ProviderStatic,
			LLM:       config.LLMConfig{Provider: "bard"},
		},
	} {
		if _, err := buildComponents(context.Background(), cfg, zerolog.Nop()); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
