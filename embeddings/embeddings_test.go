package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fabfab/docchat/config"
)

func TestNewEmbedderDefaults(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOllama,
			Model:     "nomic-embed-text",
			Dimension: 3,
		},
		OllamaHost: "http://localhost:11434",
	}

	embedder, err := NewEmbedder(cfg)
	if err != nil {
		t.Fatalf("expected embedder, got error: %v", err)
	}
	if embedder == nil {
		t.Fatal("expected non-nil embedder")
	}
}

func TestNewEmbedderOpenAIMissingKey(t *testing.T) {
	cfg := config.Config{
		Embeddings: config.EmbeddingConfig{
			Provider:  config.ProviderOpenAI,
			Model:     "text-embedding-3-small",
			Dimension: 1536,
		},
	}

	if _, err := NewEmbedder(cfg); err == nil {
		t.Fatal("expected error for missing OPENAI_API_KEY")
	}
}

func newOllamaServer(t *testing.T, vectors [][]float32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embed" {
			http.NotFound(w, r)
			return
		}
		var req ollamaEmbedRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(ollamaEmbedResponse{Embeddings: vectors[:len(req.Input)]})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOllamaEmbedderBatches(t *testing.T) {
	srv := newOllamaServer(t, [][]float32{{0.1, 0.2, 0.3}, {0.4, 0.5, 0.6}})
	embedder := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Model: "nomic-embed-text", Dimension: 3})

	vectors, err := embedder.Embed(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vectors) != 2 || vectors[1][2] != 0.6 {
		t.Fatalf("unexpected vectors: %v", vectors)
	}
}

func TestOllamaEmbedderChecksDimension(t *testing.T) {
	srv := newOllamaServer(t, [][]float32{{0.1, 0.2}})
	embedder := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Dimension: 3})

	if _, err := embedder.Embed(context.Background(), []string{"short"}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}

func TestEmbedQuery(t *testing.T) {
	srv := newOllamaServer(t, [][]float32{{1, 2, 3}})
	embedder := NewOllamaEmbedder(Options{OllamaHost: srv.URL, Dimension: 3})

	vec, err := EmbedQuery(context.Background(), embedder, "What is CR?")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dimensions, got %d", len(vec))
	}
}
