package chat

import (
	"fmt"
	"slices"
)

var (
	LocalModels   = []string{"llama3.1:latest", "llama3:8b", "llama3:70b"}
	OpenAIModels  = []string{"gpt-4o-mini", "gpt-4o", "gpt-3.5-turbo"}
	RewriteModels = []string{"llama3.1:latest", "llama3:8b"}
)

const (
	MinNumDocs = 1
	MaxNumDocs = 10
)

// Settings are the per-session knobs of the settings drawer.
type Settings struct {
	Model                string  `json:"model"`
	OpenAIFirstPass      bool    `json:"openai_first_pass"`
	OpenAIModel          string  `json:"openai_model"`
	QueryRewriting       bool    `json:"query_rewriting"`
	QueryRewriteModel    string  `json:"query_rewrite_model"`
	ShowRewrittenQueries bool    `json:"show_rewritten_queries"`
	ShowSourceDocs       bool    `json:"show_source_docs"`
	Temperature          float32 `json:"temperature"`
	NumDocs              int     `json:"num_docs"`
}

func DefaultSettings() Settings {
	return Settings{
		Model:                "llama3.1:latest",
		OpenAIFirstPass:      true,
		OpenAIModel:          "gpt-4o-mini",
		QueryRewriting:       true,
		QueryRewriteModel:    "llama3.1:latest",
		ShowRewrittenQueries: true,
		ShowSourceDocs:       true,
		Temperature:          0.7,
		NumDocs:              5,
	}
}

func (s Settings) Validate() error {
	if !slices.Contains(LocalModels, s.Model) {
		return fmt.Errorf("%w: unknown model %q", ErrInvalidSettings, s.Model)
	}
	if !slices.Contains(OpenAIModels, s.OpenAIModel) {
		return fmt.Errorf("%w: unknown openai model %q", ErrInvalidSettings, s.OpenAIModel)
	}
	if !slices.Contains(RewriteModels, s.QueryRewriteModel) {
		return fmt.Errorf("%w: unknown query rewrite model %q", ErrInvalidSettings, s.QueryRewriteModel)
	}
	if s.Temperature < 0 || s.Temperature > 1 {
		return fmt.Errorf("%w: temperature %.2f outside [0, 1]", ErrInvalidSettings, s.Temperature)
	}
	if s.NumDocs < MinNumDocs || s.NumDocs > MaxNumDocs {
		return fmt.Errorf("%w: num_docs %d outside [%d, %d]", ErrInvalidSettings, s.NumDocs, MinNumDocs, MaxNumDocs)
	}
	return nil
}

// Options maps the settings onto run options. The OpenAI model only answers
// when the first pass is enabled and the server has an OpenAI key.
func (s Settings) Options(openAIEnabled bool) Options {
	model := s.Model
	if s.OpenAIFirstPass && openAIEnabled {
		model = s.OpenAIModel
	}
	return Options{
		TopK:                 s.NumDocs,
		Model:                model,
		Temperature:          s.Temperature,
		RewriteQueries:       s.QueryRewriting,
		RewriteModel:         s.QueryRewriteModel,
		ShowRewrittenQueries: s.ShowRewrittenQueries,
	}
}
