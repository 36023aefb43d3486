package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	ProviderStatic  = "static"
	ProviderCatalog = "catalog"
	ProviderOllama  = "ollama"
	ProviderOpenAI  = "openai"
	ProviderPG      = "pgvector"
	ProviderNeo4j   = "neo4j"
)

type Config struct {
	Env  string
	Port string

	PostgresDSN string
	Neo4jURI    string
	Neo4jUser   string
	Neo4jPass   string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string

	// CatalogDir holds the documents served by the catalog retriever and read by ingest.
	CatalogDir string
	Retriever  string

	LLM        LLMConfig
	Embeddings EmbeddingConfig
	Pipeline   PipelineConfig
}

type LLMConfig struct {
	Provider string
	Model    string
}

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
}

// PipelineConfig holds the dwell time before each stage action and the optional run timeout.
type PipelineConfig struct {
	QueryDelay    time.Duration
	SearchDelay   time.Duration
	SelectDelay   time.Duration
	GenerateDelay time.Duration
	RunTimeout    time.Duration
}

// DefaultPipeline returns the scripted timings of the chat indicator.
func DefaultPipeline() PipelineConfig {
	return PipelineConfig{
		QueryDelay:    800 * time.Millisecond,
		SearchDelay:   1000 * time.Millisecond,
		SelectDelay:   1200 * time.Millisecond,
		GenerateDelay: 1800 * time.Millisecond,
	}
}

// Load reads the configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() Config {
	_ = godotenv.Load()

	pipeline := DefaultPipeline()

	return Config{
		Env:  getEnv("ENV", "development"),
		Port: getEnv("PORT", "8080"),

		PostgresDSN: getEnv("POSTGRES_DSN", "postgres://localhost:5432/docchat?sslmode=disable"),
		Neo4jURI:    getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:   getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:   getEnv("NEO4J_PASSWORD", "password"),

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL: getEnv("OPENAI_BASE_URL", ""),

		CatalogDir: getEnv("CATALOG_DIR", ""),
		Retriever:  strings.ToLower(getEnv("RETRIEVER", ProviderStatic)),

		LLM: LLMConfig{
			Provider: strings.ToLower(getEnv("GENERATOR", ProviderStatic)),
			Model:    getEnv("LLM_MODEL", "llama3.1:latest"),
		},
		Embeddings: EmbeddingConfig{
			Provider:  strings.ToLower(getEnv("EMBEDDINGS_PROVIDER", ProviderOllama)),
			Model:     getEnv("EMBEDDINGS_MODEL", "nomic-embed-text"),
			Dimension: getInt("EMBEDDINGS_DIMENSION", 768),
		},
		Pipeline: PipelineConfig{
			QueryDelay:    getDuration("PIPELINE_QUERY_DELAY", pipeline.QueryDelay),
			SearchDelay:   getDuration("PIPELINE_SEARCH_DELAY", pipeline.SearchDelay),
			SelectDelay:   getDuration("PIPELINE_SELECT_DELAY", pipeline.SelectDelay),
			GenerateDelay: getDuration("PIPELINE_GENERATE_DELAY", pipeline.GenerateDelay),
			RunTimeout:    getDuration("PIPELINE_RUN_TIMEOUT", 0),
		},
	}
}

// IsDevelopment reports whether human-friendly console logging should be used.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
