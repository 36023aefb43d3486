package chat

import "context"

// Rewriter turns the user's question into a query better suited for retrieval.
type Rewriter interface {
	Rewrite(ctx context.Context, query string, model string) (string, error)
}

// Retriever returns at most k documents relevant to query, best first.
type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]SourceDocument, error)
}

type GenerateRequest struct {
	Query       string
	Sources     []SourceDocument
	Model       string
	Temperature float32
}

// Generator produces the answer text for a query and its selected sources.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// Backend bundles the collaborators the driver calls during a run.
type Backend struct {
	Rewriter  Rewriter
	Retriever Retriever
	Generator Generator
}

// StaticBackend answers every query with the canned answer and the fixed
// source catalog.
func StaticBackend() Backend {
	return Backend{
		Rewriter:  IdentityRewriter{},
		Retriever: NewStaticRetriever(DefaultSources()),
		Generator: CannedGenerator{Answer: CannedAnswer},
	}
}

func (b Backend) withDefaults() Backend {
	static := StaticBackend()
	if b.Rewriter == nil {
		b.Rewriter = static.Rewriter
	}
	if b.Retriever == nil {
		b.Retriever = static.Retriever
	}
	if b.Generator == nil {
		b.Generator = static.Generator
	}
	return b
}
