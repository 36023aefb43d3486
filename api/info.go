package api

import "github.com/fabfab/docchat/chat"

// Info is the header and empty-conversation content shown by clients.
type Info struct {
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle"`
	Suggestions   []string `json:"suggestions"`
	Models        []string `json:"models"`
	OpenAIModels  []string `json:"openai_models,omitempty"`
	RewriteModels []string `json:"rewrite_models"`
	MinNumDocs    int      `json:"min_num_docs"`
	MaxNumDocs    int      `json:"max_num_docs"`
	Stages        int      `json:"stages"`
}

func newInfo(openAIEnabled bool) Info {
	info := Info{
		Title:    "Multi-Model RAG Chatbot",
		Subtitle: "Ask questions about your documents with AI assistance",
		Suggestions: []string{
			"What is the equation for the convergence ratio in MagLIF experiments?",
			"Explain the key differences between the Zambelli and Kawahari fusion approaches",
			"What are the primary challenges in scaling Z3518 fusion systems?",
		},
		Models:        append([]string(nil), chat.LocalModels...),
		RewriteModels: append([]string(nil), chat.RewriteModels...),
		MinNumDocs:    chat.MinNumDocs,
		MaxNumDocs:    chat.MaxNumDocs,
		Stages:        chat.StageCount(),
	}
	if openAIEnabled {
		info.OpenAIModels = append([]string(nil), chat.OpenAIModels...)
	}
	return info
}
