package retrieval

import (
	"context"
	"fmt"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/fabfab/docchat/catalog"
	"github.com/fabfab/docchat/chat"
)

const searchQuery = `
	MATCH (d:Document)-[:HAS_CHUNK]->(c:Chunk)
	WITH d, c, size([t IN $terms WHERE toLower(c.text) CONTAINS t]) AS hits
	WHERE hits > 0
	WITH d, sum(hits) AS score, collect(c.text)[0..$snippets] AS texts
	OPTIONAL MATCH (d)-[:HAS_TOPIC]->(topic:Topic)
	WITH d, score, texts, collect(DISTINCT topic.name) AS topics
	RETURN d.id AS id, d.title AS title, score, texts, topics
	ORDER BY score DESC, title ASC
	LIMIT $limit
`

// Neo4jRetriever ranks graph documents by how many query terms their chunks
// contain. It needs no embeddings.
type Neo4jRetriever struct {
	driver neo4j.DriverWithContext
}

func NewNeo4jRetriever(driver neo4j.DriverWithContext) *Neo4jRetriever {
	return &Neo4jRetriever{driver: driver}
}

func (r *Neo4jRetriever) Retrieve(ctx context.Context, query string, k int) ([]chat.SourceDocument, error) {
	if r.driver == nil {
		return nil, fmt.Errorf("neo4j driver is nil")
	}
	if k <= 0 {
		k = defaultLimit
	}

	terms := catalog.Terms(query)
	if len(terms) == 0 {
		return nil, nil
	}

	session := r.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx, searchQuery, map[string]any{
		"terms":    terms,
		"snippets": chunksPerMatch,
		"limit":    k,
	})
	if err != nil {
		return nil, fmt.Errorf("run neo4j search query: %w", err)
	}

	docs := make([]chat.SourceDocument, 0, k)
	for result.Next(ctx) {
		record := result.Record()
		id, _ := record.Get("id")
		title, _ := record.Get("title")
		texts, _ := record.Get("texts")
		topics, _ := record.Get("topics")

		docID, ok := id.(string)
		if !ok || docID == "" {
			continue
		}
		docTitle, _ := title.(string)
		docs = append(docs, chat.SourceDocument{
			ID:      docID,
			Title:   docTitle,
			Content: buildSnippet(convertStringSlice(texts), convertStringSlice(topics)),
		})
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neo4j search result error: %w", err)
	}
	return docs, nil
}

var _ chat.Retriever = (*Neo4jRetriever)(nil)

func buildSnippet(texts, topics []string) string {
	parts := make([]string, 0, len(texts)+1)
	for _, text := range texts {
		text = catalog.Truncate(strings.TrimSpace(text), maxSnippet)
		if text != "" {
			parts = append(parts, text)
		}
	}
	snippet := strings.Join(parts, "\n---\n")
	if len(topics) > 0 {
		snippet += "\nTopics: " + strings.Join(topics, ", ")
	}
	return strings.TrimSpace(snippet)
}

func convertStringSlice(value any) []string {
	raw, ok := value.([]any)
	if !ok {
		if v, ok := value.([]string); ok {
			return v
		}
		return nil
	}

	result := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			result = append(result, s)
		}
	}
	return result
}
