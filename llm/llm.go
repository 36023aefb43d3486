package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabfab/docchat/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Request is one chat completion. An empty Model selects the client's
// configured default.
type Request struct {
	Model       string
	Temperature float32
	Messages    []Message
}

type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

type Options struct {
	Provider string
	Model    string

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

func optionsFromConfig(cfg config.Config) Options {
	return Options{
		Provider:      cfg.LLM.Provider,
		Model:         cfg.LLM.Model,
		OllamaHost:    cfg.OllamaHost,
		OpenAIAPIKey:  cfg.OpenAIAPIKey,
		OpenAIBaseURL: cfg.OpenAIBaseURL,
	}
}

// NewClient builds the generation client for the configured provider. With
// the ollama provider and an OpenAI key present, requests for OpenAI models
// are routed to OpenAI and everything else stays local.
func NewClient(cfg config.Config) (Client, error) {
	opts := optionsFromConfig(cfg)

	switch opts.Provider {
	case config.ProviderOllama:
		local := NewOllamaClient(opts)
		if opts.OpenAIAPIKey == "" {
			return local, nil
		}
		remote := NewOpenAIClient(Options{
			Provider:      config.ProviderOpenAI,
			OpenAIAPIKey:  opts.OpenAIAPIKey,
			OpenAIBaseURL: opts.OpenAIBaseURL,
		})
		return &Router{Local: local, Remote: remote}, nil
	case config.ProviderOpenAI:
		if opts.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("openai provider selected but OPENAI_API_KEY not set")
		}
		return &Router{Remote: NewOpenAIClient(opts)}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", opts.Provider)
	}
}

// Router sends OpenAI model names to Remote and every other model to Local.
// When Local is nil, remote handles all requests with its default model.
type Router struct {
	Local  Client
	Remote Client
}

func (r *Router) Generate(ctx context.Context, req Request) (string, error) {
	switch {
	case r.Remote != nil && IsOpenAIModel(req.Model):
		return r.Remote.Generate(ctx, req)
	case r.Local != nil:
		return r.Local.Generate(ctx, req)
	case r.Remote != nil:
		req.Model = ""
		return r.Remote.Generate(ctx, req)
	default:
		return "", fmt.Errorf("no llm client configured")
	}
}

func IsOpenAIModel(model string) bool {
	model = strings.ToLower(model)
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

var _ Client = (*Router)(nil)
