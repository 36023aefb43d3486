package chat

import (
	"context"
	"strings"
)

// CannedAnswer is returned by the scripted backend regardless of the question.
const CannedAnswer = "The equation for the convergence ratio in Magnetized Linear Inertial Fusion (MagLIF) experiments is CR = R₀/R_min, where R₀ is the initial fuel radius and R_min is the minimum radius achieved during compression. This is a key parameter that influences the fusion yield, as higher convergence ratios generally lead to higher fuel densities and temperatures, which are necessary for fusion reactions. In typical MagLIF experiments, convergence ratios of 10-40 are targeted, with the specific value depending on the experimental configuration and desired plasma conditions."

// DefaultSources returns the fixed source catalog of the scripted backend.
func DefaultSources() []SourceDocument {
	return []SourceDocument{
		{
			ID:      "doc1",
			Title:   "LLM_Review_137_LLM_Review_137.pdf",
			Content: "Content from large language model review document discussing performance metrics and benchmarks.",
		},
		{
			ID:      "doc2",
			Title:   "2423_Electric_2423_Electric.md",
			Content: "Research notes on electric propulsion systems for spacecraft and their efficiency comparisons.",
		},
		{
			ID:      "doc3",
			Title:   "Z3524_Kawashita_Z3524_Kawashita.md",
			Content: "Detailed analysis of fusion energy containment systems and magnetic field configurations.",
		},
		{
			ID:      "doc4",
			Title:   "Z3518_Gomez_Z3518_Gomez.md",
			Content: "Studies on plasma behavior in high-temperature fusion environments and stability considerations.",
		},
	}
}

// StaticRetriever serves a fixed ordered list of documents. The query is
// ignored; k truncates the list when it is positive and smaller than the list.
type StaticRetriever struct {
	sources []SourceDocument
}

func NewStaticRetriever(sources []SourceDocument) *StaticRetriever {
	return &StaticRetriever{sources: cloneSources(sources)}
}

func (r *StaticRetriever) Retrieve(_ context.Context, _ string, k int) ([]SourceDocument, error) {
	out := cloneSources(r.sources)
	if k > 0 && k < len(out) {
		out = out[:k]
	}
	return out, nil
}

type CannedGenerator struct {
	Answer string
}

func (g CannedGenerator) Generate(context.Context, GenerateRequest) (string, error) {
	return g.Answer, nil
}

type IdentityRewriter struct{}

func (IdentityRewriter) Rewrite(_ context.Context, query string, _ string) (string, error) {
	return strings.TrimSpace(query), nil
}

var (
	_ Retriever = (*StaticRetriever)(nil)
	_ Generator = CannedGenerator{}
	_ Rewriter  = IdentityRewriter{}
)
