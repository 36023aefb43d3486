package ingestion

import (
	"strings"
)

// Fragment is one chunk of a document, tagged with the section it starts in.
type Fragment struct {
	Index   int
	Text    string
	Section int
}

// Section is a markdown heading. Order is its position in the document.
type Section struct {
	Title string
	Level int
	Order int
}

type paragraph struct {
	text    string
	section int
}

// ExtractTitle returns the first markdown heading, or fallback.
func ExtractTitle(content, fallback string) string {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			if title := strings.TrimSpace(strings.TrimLeft(trimmed, "#")); title != "" {
				return title
			}
		}
	}
	return fallback
}

// ChunkMarkdown splits content on blank lines and packs paragraphs into chunks
// of about target bytes. With overlap > 0 the last paragraph of a chunk opens
// the next one. Level-2 headings are reported as topics.
func ChunkMarkdown(content string, target, overlap int) ([]Fragment, []Section, []string) {
	var (
		paragraphs []paragraph
		sections   []Section
		topics     []string
		current    = -1
	)

	for _, block := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		p := strings.TrimSpace(block)
		if p == "" {
			continue
		}
		if level, title, ok := parseHeading(p); ok {
			sections = append(sections, Section{Title: title, Level: level, Order: len(sections)})
			current = len(sections) - 1
			if level == 2 {
				topics = append(topics, title)
			}
		}
		paragraphs = append(paragraphs, paragraph{text: p, section: current})
	}

	return packParagraphs(paragraphs, target, overlap), sections, topics
}

// ChunkPlainText chunks text that has no heading structure.
func ChunkPlainText(content string, target, overlap int) []Fragment {
	var paragraphs []paragraph
	for _, block := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n\n") {
		if p := strings.TrimSpace(block); p != "" {
			paragraphs = append(paragraphs, paragraph{text: p, section: -1})
		}
	}
	return packParagraphs(paragraphs, target, overlap)
}

func packParagraphs(paragraphs []paragraph, target, overlap int) []Fragment {
	var (
		fragments  []Fragment
		current    []paragraph
		currentLen int
	)

	flush := func() {
		texts := make([]string, len(current))
		for i, p := range current {
			texts[i] = p.text
		}
		fragments = append(fragments, Fragment{
			Index:   len(fragments),
			Text:    strings.Join(texts, "\n\n"),
			Section: current[0].section,
		})
	}

	for _, p := range paragraphs {
		if currentLen+len(p.text) > target && len(current) > 0 {
			flush()
			if overlap > 0 {
				last := current[len(current)-1]
				current = []paragraph{last}
				currentLen = len(last.text)
			} else {
				current = nil
				currentLen = 0
			}
		}
		current = append(current, p)
		currentLen += len(p.text)
	}

	if len(current) > 0 && (len(fragments) == 0 || len(current) > 1 || overlap == 0) {
		flush()
	}
	return fragments
}

func parseHeading(p string) (int, string, bool) {
	line := p
	if idx := strings.IndexByte(p, '\n'); idx >= 0 {
		line = p[:idx]
	}
	if !strings.HasPrefix(line, "#") {
		return 0, "", false
	}
	level := len(line) - len(strings.TrimLeft(line, "#"))
	title := strings.TrimSpace(line[level:])
	if level > 6 || title == "" {
		return 0, "", false
	}
	return level, title, true
}
