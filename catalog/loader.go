// Package catalog reads source documents from a directory and serves them to
// the chat pipeline as a keyword-ranked retriever.
package catalog

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog"
)

type Format string

const (
	FormatUnknown  Format = ""
	FormatMarkdown Format = "markdown"
	FormatText     Format = "text"
	FormatPDF      Format = "pdf"
	FormatCSV      Format = "csv"
)

// DetectFormat infers a document format from the file extension.
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return FormatMarkdown
	case ".txt":
		return FormatText
	case ".pdf":
		return FormatPDF
	case ".csv":
		return FormatCSV
	default:
		return FormatUnknown
	}
}

// File is a document read from disk with its text extracted.
type File struct {
	// Path is relative to the catalog root, slash separated.
	Path    string
	Name    string
	Format  Format
	Text    string
	SHA256  string
	ModTime time.Time
}

// Folder returns the directory of the file relative to the root, or "".
func (f File) Folder() string {
	dir := filepath.ToSlash(filepath.Dir(f.Path))
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// ReadFile reads path and extracts its text. root is used to compute the
// relative path; an empty root keeps path as is.
func ReadFile(root, path string) (File, error) {
	format := DetectFormat(path)
	if format == FormatUnknown {
		return File{}, fmt.Errorf("unsupported file type: %s", filepath.Ext(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return File{}, fmt.Errorf("stat file: %w", err)
	}

	text, err := extractText(format, data)
	if err != nil {
		return File{}, err
	}

	rel := path
	if root != "" {
		if r, relErr := filepath.Rel(root, path); relErr == nil {
			rel = r
		}
	}

	sum := sha256.Sum256(data)
	return File{
		Path:    filepath.ToSlash(rel),
		Name:    filepath.Base(path),
		Format:  format,
		Text:    text,
		SHA256:  hex.EncodeToString(sum[:]),
		ModTime: info.ModTime(),
	}, nil
}

// ReadDir walks dir and reads every supported file, sorted by path. Files that
// cannot be read are logged and skipped.
func ReadDir(ctx context.Context, dir string, logger zerolog.Logger) ([]File, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("catalog directory: %w", err)
	}

	var paths []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if DetectFormat(path) != FormatUnknown {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk catalog directory: %w", err)
	}
	sort.Strings(paths)

	files := make([]File, 0, len(paths))
	for _, path := range paths {
		file, err := ReadFile(dir, path)
		if err != nil {
			logger.Warn().Err(err).Str("path", path).Msg("skip unreadable document")
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

func extractText(format Format, data []byte) (string, error) {
	switch format {
	case FormatMarkdown, FormatText:
		return normalizePlainText(string(data)), nil
	case FormatPDF:
		return extractPDF(data)
	case FormatCSV:
		return extractCSV(data)
	default:
		return "", fmt.Errorf("unsupported format %q", format)
	}
}

func extractPDF(data []byte) (string, error) {
	doc, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	plain, err := doc.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extract pdf text: %w", err)
	}

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, plain); err != nil {
		return "", fmt.Errorf("read pdf text: %w", err)
	}
	return normalizePlainText(buf.String()), nil
}

// extractCSV renders each row as "header: value" lines, one paragraph per row.
func extractCSV(data []byte) (string, error) {
	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return "", nil
	}

	headers := records[0]
	rows := make([]string, 0, len(records)-1)
	for idx, row := range records[1:] {
		rows = append(rows, formatCSVRow(headers, row, idx))
	}
	return strings.Join(rows, "\n\n"), nil
}

func formatCSVRow(headers, row []string, idx int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Row %d", idx+1))

	for i, value := range row {
		header := ""
		if i < len(headers) {
			header = strings.TrimSpace(headers[i])
		}
		if header == "" {
			header = fmt.Sprintf("Column %d", i+1)
		}
		sb.WriteString("\n")
		sb.WriteString(header)
		sb.WriteString(": ")
		sb.WriteString(strings.TrimSpace(value))
	}
	return sb.String()
}

func normalizePlainText(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// Snippet collapses whitespace and cuts text to at most limit bytes on a rune
// boundary, appending "..." when it was cut.
func Snippet(text string, limit int) string {
	return Truncate(strings.Join(strings.Fields(text), " "), limit)
}

// Truncate cuts text to at most limit bytes without splitting a rune and
// appends "..." when it was cut. Whitespace is kept as is.
func Truncate(text string, limit int) string {
	if limit <= 0 || len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return strings.TrimSpace(text[:cut]) + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
