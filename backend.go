package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/database"
	"github.com/fabfab/docchat/embeddings"
	"github.com/fabfab/docchat/llm"
	"github.com/fabfab/docchat/retrieval"
)

// components is everything a chat backend needs at runtime. close releases
// connections and stops the catalog watcher.
type components struct {
	backend chat.Backend
	sources interface {
		Documents() []chat.SourceDocument
	}
	openAI bool
	close  func()
}

type noSources struct{}

func (noSources) Documents() []chat.SourceDocument { return nil }

// usesCatalog reports whether the catalog directory is read at all. The static
// retriever cites its built-in sources, so it neither loads nor watches it.
func usesCatalog(cfg config.Config) bool {
	return cfg.CatalogDir != "" && cfg.Retriever != config.ProviderStatic
}

func buildComponents(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*components, error) {
	c := &components{backend: chat.StaticBackend(), close: func() {}}
	closers := []func(){}
	c.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	switch cfg.LLM.Provider {
	case config.ProviderStatic:
	case config.ProviderOllama, config.ProviderOpenAI:
		client, err := llm.NewClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("llm setup: %w", err)
		}
		c.backend.Generator = llm.NewGenerator(client)
		c.backend.Rewriter = llm.NewRewriter(client)
		c.openAI = cfg.OpenAIAPIKey != ""
	default:
		return nil, fmt.Errorf("unknown generator: %s", cfg.LLM.Provider)
	}

	if usesCatalog(cfg) {
		cat := catalog.New(cfg.CatalogDir, logger.With().Str("component", "catalog").Logger())
		if err := cat.Reload(ctx); err != nil {
			return nil, fmt.Errorf("load catalog: %w", err)
		}
		watcher, err := catalog.NewWatcher(cat, logger.With().Str("component", "catalog_watcher").Logger())
		if err != nil {
			return nil, err
		}
		watchCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := watcher.Run(watchCtx); err != nil {
				logger.Error().Err(err).Msg("catalog watcher stopped")
			}
		}()
		closers = append(closers, func() {
			stop()
			<-done
		})
		c.sources = cat
		if cfg.Retriever == config.ProviderCatalog {
			c.backend.Retriever = cat
		}
	}

	switch cfg.Retriever {
	case config.ProviderStatic:
	case config.ProviderCatalog:
		if cfg.CatalogDir == "" {
			c.close()
			return nil, fmt.Errorf("catalog retriever selected but CATALOG_DIR not set")
		}
	case config.ProviderPG:
		embedder, err := embeddings.NewEmbedder(cfg)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("embedder setup: %w", err)
		}
		pool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		closers = append(closers, pool.Close)
		c.backend.Retriever = retrieval.NewPostgresRetriever(pool, embedder)
	case config.ProviderNeo4j:
		driver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("neo4j connection: %w", err)
		}
		closers = append(closers, func() { _ = driver.Close(context.Background()) })
		c.backend.Retriever = retrieval.NewNeo4jRetriever(driver)
	default:
		c.close()
		return nil, fmt.Errorf("unknown retriever: %s", cfg.Retriever)
	}

	if c.sources == nil && cfg.Retriever != config.ProviderStatic {
		c.sources = noSources{}
	}

	logger.Info().
		Str("retriever", cfg.Retriever).
		Str("generator", cfg.LLM.Provider).
		Bool("openai", c.openAI).
		Msg("chat backend ready")
	return c, nil
}
