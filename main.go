package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/fabfab/docchat/api"
	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/config"
	"github.com/fabfab/docchat/database"
	"github.com/fabfab/docchat/embeddings"
	"github.com/fabfab/docchat/ingestion"
	"github.com/fabfab/docchat/knowledge"
	"github.com/fabfab/docchat/logging"
	"github.com/fabfab/docchat/term"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.Load()
	logger := logging.New(cfg.IsDevelopment())

	switch os.Args[1] {
	case "serve":
		serveCmd(cfg, logger, os.Args[2:])
	case "ask":
		askCmd(cfg, logger, os.Args[2:])
	case "ingest":
		ingestCmd(cfg, logger, os.Args[2:])
	case "clear":
		clearCmd(cfg, logger, os.Args[2:])
	case "sources":
		sourcesCmd(cfg, logger, os.Args[2:])
	default:
		logger.Error().Str("command", os.Args[1]).Msg("unknown command")
		printUsage()
		os.Exit(1)
	}
}

func serveCmd(cfg config.Config, logger zerolog.Logger, args []string) {
	flags := flag.NewFlagSet("serve", flag.ExitOnError)
	port := flags.String("port", cfg.Port, "HTTP listen port")
	if err := flags.Parse(args); err != nil {
		logger.Fatal().Err(err).Msg("parse serve flags")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	parts, err := buildComponents(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("backend setup")
	}
	defer parts.close()

	sessions := chat.NewManager(chat.ManagerConfig{
		Backend:       parts.backend,
		Timings:       cfg.Pipeline,
		OpenAIEnabled: parts.openAI,
		Logger:        logger,
	})
	defer sessions.Close()

	opts := api.Options{Sessions: sessions, OpenAIEnabled: parts.openAI, Logger: logger}
	if parts.sources != nil {
		opts.Sources = parts.sources
	}

	// WriteTimeout stays zero: event streams are long-lived responses.
	srv := &http.Server{
		Addr:              ":" + *port,
		Handler:           api.New(opts),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("port", *port).Str("env", cfg.Env).Msg("starting docchat server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Fatal().Err(err).Msg("server failed to start")
	}

	logger.Info().Msg("shutting down server...")

	// Closing the sessions first ends their event streams, so Shutdown does
	// not wait for them.
	sessions.Close()

	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}
	logger.Info().Msg("server stopped")
}

func askCmd(cfg config.Config, logger zerolog.Logger, args []string) {
	flags := flag.NewFlagSet("ask", flag.ExitOnError)
	question := flags.String("question", "", "question to ask about the documents")
	numDocs := flags.Int("docs", chat.DefaultSettings().NumDocs, "number of source documents to retrieve")
	hideSources := flags.Bool("no-sources", false, "do not print the source documents")
	if err := flags.Parse(args); err != nil {
		logger.Fatal().Err(err).Msg("parse ask flags")
	}

	if strings.TrimSpace(*question) == "" {
		fmt.Print("Enter your question: ")
		scanner := bufio.NewScanner(os.Stdin)
		if scanner.Scan() {
			*question = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			logger.Fatal().Err(err).Msg("read question")
		}
	}
	if strings.TrimSpace(*question) == "" {
		logger.Fatal().Msg("question is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Component logs would interleave with the rendered run.
	quiet := logger.Level(zerolog.WarnLevel)

	parts, err := buildComponents(ctx, cfg, quiet)
	if err != nil {
		logger.Fatal().Err(err).Msg("backend setup")
	}
	defer parts.close()

	sessions := chat.NewManager(chat.ManagerConfig{
		Backend:       parts.backend,
		Timings:       cfg.Pipeline,
		OpenAIEnabled: parts.openAI,
		Logger:        quiet,
	})
	defer sessions.Close()

	session, err := sessions.Create(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("create session")
	}
	settings := session.Settings()
	settings.NumDocs = *numDocs
	settings.ShowSourceDocs = !*hideSources
	if err := session.UpdateSettings(settings); err != nil {
		logger.Fatal().Err(err).Msg("apply settings")
	}

	events, unsubscribe := session.Subscribe(64)
	defer unsubscribe()

	runID, err := session.Submit(ctx, *question)
	if err != nil {
		logger.Fatal().Err(err).Msg("submit question")
	}

	renderer := term.New(os.Stdout, settings.ShowSourceDocs)
	if err := renderer.Follow(ctx, events, runID); err != nil {
		parts.close()
		os.Exit(1)
	}
}

func ingestCmd(cfg config.Config, logger zerolog.Logger, args []string) {
	flags := flag.NewFlagSet("ingest", flag.ExitOnError)
	dataDir := flags.String("dir", cfg.CatalogDir, "path to directory containing documents")
	if err := flags.Parse(args); err != nil {
		logger.Fatal().Err(err).Msg("parse ingest flags")
	}
	if *dataDir == "" {
		logger.Fatal().Msg("set --dir or CATALOG_DIR")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection")
	}
	defer pgPool.Close()

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatal().Err(err).Msg("neo4j connection")
	}
	defer neo4jDriver.Close(ctx)

	embedder, err := embeddings.NewEmbedder(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("embedder setup")
	}

	svc := ingestion.NewService(pgPool, neo4jDriver, embedder, logger, cfg.Embeddings.Dimension)
	logger.Info().
		Str("dir", *dataDir).
		Str("provider", strings.ToUpper(cfg.Embeddings.Provider)).
		Str("model", cfg.Embeddings.Model).
		Msg("ingesting documents")

	res, err := svc.IngestDirectory(ctx, *dataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("ingestion failed")
	}
	logger.Info().
		Int("ingested", res.Ingested).
		Int("unchanged", res.Unchanged).
		Int("failed", res.Failed).
		Int("chunks", res.Chunks).
		Msg("ingestion complete")
}

func clearCmd(cfg config.Config, logger zerolog.Logger, args []string) {
	flags := flag.NewFlagSet("clear", flag.ExitOnError)
	confirmed := flags.Bool("confirm", false, "skip confirmation prompt")
	if err := flags.Parse(args); err != nil {
		logger.Fatal().Err(err).Msg("parse clear flags")
	}

	if !*confirmed {
		fmt.Print("This will permanently delete ingested documents from Postgres and Neo4j. Continue? [y/N]: ")
		scanner := bufio.NewScanner(os.Stdin)
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				logger.Fatal().Err(err).Msg("read confirmation")
			}
			logger.Info().Msg("clear aborted")
			return
		}
		answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
		if answer != "y" && answer != "yes" {
			logger.Info().Msg("clear aborted")
			return
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	pgPool, err := database.NewPostgresPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection")
	}
	defer pgPool.Close()

	if err := database.TruncateSources(ctx, pgPool); err != nil {
		logger.Fatal().Err(err).Msg("truncate postgres tables")
	}
	logger.Info().Msg("cleared Postgres source_documents and source_chunks")

	neo4jDriver, err := database.NewNeo4jDriver(ctx, cfg.Neo4jURI, cfg.Neo4jUser, cfg.Neo4jPass)
	if err != nil {
		logger.Fatal().Err(err).Msg("neo4j connection")
	}
	defer neo4jDriver.Close(ctx)

	if err := knowledge.Purge(ctx, neo4jDriver); err != nil {
		logger.Fatal().Err(err).Msg("clear neo4j")
	}
	logger.Info().Msg("Neo4j documents, sections, topics and chunks cleared")
}

func sourcesCmd(cfg config.Config, logger zerolog.Logger, args []string) {
	flags := flag.NewFlagSet("sources", flag.ExitOnError)
	dir := flags.String("dir", cfg.CatalogDir, "catalog directory; empty lists the built-in sources")
	if err := flags.Parse(args); err != nil {
		logger.Fatal().Err(err).Msg("parse sources flags")
	}

	docs := chat.DefaultSources()
	if *dir != "" {
		cat := catalog.New(*dir, logger.Level(zerolog.WarnLevel))
		if err := cat.Reload(context.Background()); err != nil {
			logger.Fatal().Err(err).Msg("load catalog")
		}
		docs = cat.Documents()
	}

	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	muted := color.New(color.Faint).SprintFunc()
	for i, doc := range docs {
		fmt.Printf("%d. %s %s\n", i+1, title(doc.Title), muted("["+doc.ID+"]"))
		if doc.Content != "" {
			fmt.Printf("   %s\n", doc.Content)
		}
	}
	if len(docs) == 0 {
		fmt.Println("no documents found")
	}
}

func printUsage() {
	fmt.Println("Usage: docchat <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  serve    Run the chat HTTP API (sessions, messages, event stream)")
	fmt.Println("  ask      Ask one question and follow the response pipeline in the terminal")
	fmt.Println("  ingest   Ingest documents into Postgres/Neo4j (use --dir to override CATALOG_DIR)")
	fmt.Println("  clear    Remove ingested data from Postgres/Neo4j")
	fmt.Println("  sources  List the documents the catalog would cite")
}
