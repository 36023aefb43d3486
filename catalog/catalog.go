package catalog

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/fabfab/docchat/chat"
	"github.com/fabfab/docchat/metrics"
	"github.com/rs/zerolog"
)

const snippetLength = 500

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"explain": {}, "for": {}, "from": {}, "how": {}, "in": {}, "is": {}, "it": {},
	"of": {}, "on": {}, "or": {}, "the": {}, "to": {}, "what": {}, "which": {},
	"who": {}, "why": {}, "with": {}, "between": {}, "key": {}, "does": {}, "do": {},
}

type entry struct {
	doc   chat.SourceDocument
	title map[string]int
	body  map[string]int
}

// Catalog serves the documents of a directory. Reload swaps the whole set
// atomically, so Retrieve never sees a partial catalog.
type Catalog struct {
	dir     string
	logger  zerolog.Logger
	entries atomic.Pointer[[]entry]
}

func New(dir string, logger zerolog.Logger) *Catalog {
	c := &Catalog{dir: dir, logger: logger}
	empty := []entry{}
	c.entries.Store(&empty)
	return c
}

func (c *Catalog) Dir() string {
	return c.dir
}

// Reload reads the directory again and replaces the served documents.
func (c *Catalog) Reload(ctx context.Context) error {
	files, err := ReadDir(ctx, c.dir, c.logger)
	if err != nil {
		metrics.CatalogReloads.WithLabelValues("error").Inc()
		return err
	}
	c.Replace(files)
	metrics.CatalogReloads.WithLabelValues("ok").Inc()
	c.logger.Info().Str("dir", c.dir).Int("documents", len(files)).Msg("catalog loaded")
	return nil
}

// Replace serves files instead of the current documents.
func (c *Catalog) Replace(files []File) {
	entries := make([]entry, 0, len(files))
	for _, f := range files {
		entries = append(entries, entry{
			doc: chat.SourceDocument{
				ID:      f.Path,
				Title:   f.Name,
				Content: Snippet(f.Text, snippetLength),
			},
			title: termCounts(f.Name),
			body:  termCounts(f.Text),
		})
	}
	c.entries.Store(&entries)
	metrics.CatalogDocuments.Set(float64(len(entries)))
}

func (c *Catalog) Documents() []chat.SourceDocument {
	entries := *c.entries.Load()
	out := make([]chat.SourceDocument, len(entries))
	for i, e := range entries {
		out[i] = e.doc
	}
	return out
}

func (c *Catalog) Len() int {
	return len(*c.entries.Load())
}

// Retrieve ranks documents by how often the query terms occur in their title
// and text. When no document matches, the first k documents are returned in
// catalog order.
func (c *Catalog) Retrieve(ctx context.Context, query string, k int) ([]chat.SourceDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries := *c.entries.Load()
	if k <= 0 || k > len(entries) {
		k = len(entries)
	}

	terms := Terms(query)
	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, 0, len(entries))
	for i, e := range entries {
		if s := score(e, terms); s > 0 {
			ranked = append(ranked, scored{idx: i, score: s})
		}
	}

	if len(ranked) == 0 {
		out := make([]chat.SourceDocument, 0, k)
		for _, e := range entries[:k] {
			out = append(out, e.doc)
		}
		return out, nil
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].score > ranked[j].score
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}

	out := make([]chat.SourceDocument, len(ranked))
	for i, r := range ranked {
		out[i] = entries[r.idx].doc
	}
	return out, nil
}

var _ chat.Retriever = (*Catalog)(nil)

func score(e entry, terms []string) float64 {
	var total float64
	for _, term := range terms {
		if n := e.body[term]; n > 0 {
			total += 1 + math.Log(float64(n))
		}
		if e.title[term] > 0 {
			total += 2
		}
	}
	return total
}

// Terms lowercases text and splits it into search terms, dropping stop words
// and single characters.
func Terms(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		terms = append(terms, f)
	}
	return terms
}

func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, f := range fields {
		counts[f]++
	}
	return counts
}
