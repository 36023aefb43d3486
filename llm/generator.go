package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/chat"
)

const maxSourceChars = 1500

// Generator answers a question from the selected sources through an LLM client.
type Generator struct {
	client Client
}

func NewGenerator(client Client) *Generator {
	return &Generator{client: client}
}

func (g *Generator) Generate(ctx context.Context, req chat.GenerateRequest) (string, error) {
	if g.client == nil {
		return "", fmt.Errorf("llm client is not configured")
	}

	messages := []Message{
		{Role: RoleSystem, Content: systemPrompt()},
		{Role: RoleUser, Content: formatUserPrompt(req.Query, buildContextPrompt(req.Sources))},
	}

	answer, err := g.client.Generate(ctx, Request{
		Model:       req.Model,
		Temperature: req.Temperature,
		Messages:    messages,
	})
	if err != nil {
		return "", fmt.Errorf("llm generate: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

// Rewriter asks the model for a standalone search query.
type Rewriter struct {
	client Client
}

func NewRewriter(client Client) *Rewriter {
	return &Rewriter{client: client}
}

func (r *Rewriter) Rewrite(ctx context.Context, query, model string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("llm client is not configured")
	}

	rewritten, err := r.client.Generate(ctx, Request{
		Model:       model,
		Temperature: 0,
		Messages: []Message{
			{Role: RoleSystem, Content: rewritePrompt()},
			{Role: RoleUser, Content: query},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm rewrite: %w", err)
	}
	return cleanRewrite(rewritten), nil
}

var (
	_ chat.Generator = (*Generator)(nil)
	_ chat.Rewriter  = (*Rewriter)(nil)
)

func buildContextPrompt(sources []chat.SourceDocument) string {
	var sb strings.Builder
	for idx, source := range sources {
		sb.WriteString(fmt.Sprintf("Source %d: %s\n", idx+1, source.Title))
		content := strings.TrimSpace(source.Content)
		sb.WriteString(catalog.Truncate(content, maxSourceChars))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

func systemPrompt() string {
	return "You are a helpful assistant. Use the supplied context to enrich and support your response, citing Source numbers in brackets (e.g., [Source 1]) when you draw from it. If the context is missing or not useful, rely on your general knowledge, note any uncertainty, and still deliver the best possible answer."
}

func rewritePrompt() string {
	return "Rewrite the user's question as a short standalone search query for a document index. Expand abbreviations when the meaning is clear. Reply with the query only, without quotes or explanation."
}

func formatUserPrompt(question, context string) string {
	var sb strings.Builder
	sb.WriteString("Question:\n")
	sb.WriteString(question)
	if strings.TrimSpace(context) != "" {
		sb.WriteString("\nContext (optional, may be incomplete):\n")
		sb.WriteString(context)
	}
	sb.WriteString("\nProvide your answer in markdown. Begin with the direct answer. If you reference the context, cite the relevant Source numbers.")
	return sb.String()
}

// cleanRewrite keeps the first non-empty line and strips wrapping quotes.
func cleanRewrite(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		line = strings.TrimPrefix(line, "Query:")
		return strings.Trim(strings.TrimSpace(line), "\"'`")
	}
	return ""
}
