// Package knowledge mirrors ingested documents into Neo4j as
// Document, Folder, Section, Topic and Chunk nodes.
package knowledge

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type Document struct {
	ID      string
	Path    string
	Title   string
	Heading string
	SHA     string
	Folder  string
	Format  string

	Chunks   []Chunk
	Sections []Section
	Topics   []Topic
}

// Chunk references its section by Section.Order; -1 means no section.
type Chunk struct {
	ID      string
	Index   int
	Text    string
	Section int
}

type Section struct {
	Title string
	Level int
	Order int
}

type Topic struct {
	Name string
}

func sectionID(docID string, order int) string {
	return fmt.Sprintf("%s:section:%d", docID, order)
}

// SyncDocument replaces the graph of doc in one write transaction.
func SyncDocument(ctx context.Context, driver neo4j.DriverWithContext, doc Document) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}
	if doc.ID == "" {
		return fmt.Errorf("document id is empty")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, step := range syncSteps(doc) {
			if _, err := tx.Run(ctx, step.query, step.params); err != nil {
				return nil, fmt.Errorf("%s: %w", step.name, err)
			}
		}
		return nil, nil
	})
	if err != nil {
		return err
	}

	if _, err := session.Run(ctx, `
		MATCH (t:Topic)
		WHERE NOT (t)<-[:HAS_TOPIC]-(:Document)
		DELETE t
	`, nil); err != nil {
		return fmt.Errorf("remove orphan topics: %w", err)
	}
	return nil
}

type step struct {
	name   string
	query  string
	params map[string]any
}

func syncSteps(doc Document) []step {
	id := map[string]any{"id": doc.ID}

	sections := make([]map[string]any, 0, len(doc.Sections))
	for _, s := range doc.Sections {
		sections = append(sections, map[string]any{
			"id":    sectionID(doc.ID, s.Order),
			"title": s.Title,
			"level": s.Level,
			"order": s.Order,
		})
	}

	topics := make([]string, 0, len(doc.Topics))
	for _, t := range doc.Topics {
		if t.Name != "" {
			topics = append(topics, t.Name)
		}
	}

	chunks := make([]map[string]any, 0, len(doc.Chunks))
	for _, c := range doc.Chunks {
		section := ""
		if c.Section >= 0 {
			section = sectionID(doc.ID, c.Section)
		}
		chunks = append(chunks, map[string]any{
			"id":      c.ID,
			"index":   c.Index,
			"text":    c.Text,
			"section": section,
		})
	}

	steps := []step{
		{
			name: "upsert document node",
			query: `
				MERGE (d:Document {id: $id})
				SET d.path = $path,
				    d.title = $title,
				    d.heading = $heading,
				    d.format = $format,
				    d.sha256 = $sha,
				    d.updated_at = datetime()
			`,
			params: map[string]any{
				"id":      doc.ID,
				"path":    doc.Path,
				"title":   doc.Title,
				"heading": doc.Heading,
				"format":  doc.Format,
				"sha":     doc.SHA,
			},
		},
		{
			name: "remove stale folder relation",
			query: `
				MATCH (d:Document {id: $id})-[r:IN_FOLDER]->(f:Folder)
				DELETE r
				WITH f
				WHERE NOT (f)<-[:IN_FOLDER]-(:Document)
				DELETE f
			`,
			params: id,
		},
		{
			name:   "clear sections",
			query:  `MATCH (d:Document {id: $id})-[:HAS_SECTION]->(s:Section) DETACH DELETE s`,
			params: id,
		},
		{
			name:   "clear topics",
			query:  `MATCH (d:Document {id: $id})-[r:HAS_TOPIC]->(:Topic) DELETE r`,
			params: id,
		},
		{
			name:   "clear chunks",
			query:  `MATCH (d:Document {id: $id})-[:HAS_CHUNK]->(c:Chunk) DETACH DELETE c`,
			params: id,
		},
	}

	if doc.Folder != "" {
		steps = append(steps, step{
			name: "upsert folder relation",
			query: `
				MATCH (d:Document {id: $id})
				MERGE (f:Folder {name: $folder})
				MERGE (d)-[:IN_FOLDER]->(f)
			`,
			params: map[string]any{"id": doc.ID, "folder": doc.Folder},
		})
	}
	if len(sections) > 0 {
		steps = append(steps, step{
			name: "upsert sections",
			query: `
				MATCH (d:Document {id: $id})
				UNWIND $sections AS row
				MERGE (s:Section {id: row.id})
				SET s.title = row.title, s.level = row.level, s.order = row.order
				MERGE (d)-[:HAS_SECTION {order: row.order}]->(s)
			`,
			params: map[string]any{"id": doc.ID, "sections": sections},
		})
	}
	if len(topics) > 0 {
		steps = append(steps, step{
			name: "upsert topics",
			query: `
				MATCH (d:Document {id: $id})
				UNWIND $topics AS name
				MERGE (t:Topic {name: name})
				MERGE (d)-[:HAS_TOPIC]->(t)
			`,
			params: map[string]any{"id": doc.ID, "topics": topics},
		})
	}
	if len(chunks) > 0 {
		steps = append(steps, step{
			name: "upsert chunks",
			query: `
				MATCH (d:Document {id: $id})
				UNWIND $chunks AS row
				MERGE (c:Chunk {id: row.id})
				SET c.index = row.index, c.text = row.text
				MERGE (d)-[:HAS_CHUNK {order: row.index}]->(c)
				WITH c, row
				WHERE row.section <> ''
				MATCH (s:Section {id: row.section})
				MERGE (s)-[:HAS_CHUNK {order: row.index}]->(c)
			`,
			params: map[string]any{"id": doc.ID, "chunks": chunks},
		})
	}
	return steps
}

// Purge deletes every node created by SyncDocument.
func Purge(ctx context.Context, driver neo4j.DriverWithContext) error {
	if driver == nil {
		return fmt.Errorf("neo4j driver is nil")
	}

	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, label := range []string{"Chunk", "Section", "Topic", "Document", "Folder"} {
		result, err := session.Run(ctx, fmt.Sprintf("MATCH (n:%s) DETACH DELETE n", label), nil)
		if err != nil {
			return fmt.Errorf("delete %s nodes: %w", label, err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("delete %s nodes: %w", label, err)
		}
	}
	return nil
}
