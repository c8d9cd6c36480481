// Package document extracts plain text from files so they can be placed in
// a prompt or split for embedding.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// ErrUnsupported is returned for files whose extension is not readable.
var ErrUnsupported = errors.New("document: unsupported file type")

// DefaultExtensions lists the file types Read understands.
var DefaultExtensions = []string{".txt", ".md", ".pdf"}

// Document is the extracted text of one file.
type Document struct {
	Path string
	Text string
}

// Read extracts the text of path. PDFs go through the PDF text layer; the
// other supported types are read as UTF-8.
func Read(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if !isSupportedExt(ext, normalizeExtensions(DefaultExtensions)) {
		return "", fmt.Errorf("%w: %s", ErrUnsupported, path)
	}
	if ext == ".pdf" {
		text, err := readPDF(path)
		if err != nil {
			return "", fmt.Errorf("document: %s: %w", path, err)
		}
		return text, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("document: %w", err)
	}
	return string(data), nil
}

func readPDF(path string) (string, error) {
	file, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = file.Close()
	}()
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Walk reads every file under root whose extension is in exts (nil means
// DefaultExtensions). Results are sorted by path.
func Walk(root string, exts []string) ([]Document, error) {
	if exts == nil {
		exts = DefaultExtensions
	}
	allowed := normalizeExtensions(exts)

	var docs []Document
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !isSupportedExt(filepath.Ext(path), allowed) {
			return nil
		}
		text, err := Read(path)
		if errors.Is(err, ErrUnsupported) {
			return nil
		}
		if err != nil {
			return err
		}
		docs = append(docs, Document{Path: path, Text: text})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("document: walk %s: %w", root, err)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

// Chunk splits text into windows of size words that overlap by overlap
// words.
func Chunk(text string, size, overlap int) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	if size <= 0 {
		size = 512
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	chunks := make([]string, 0, (len(words)/step)+1)
	for start := 0; start < len(words); start += step {
		end := min(start+size, len(words))
		chunks = append(chunks, strings.Join(words[start:end], " "))
		if end == len(words) {
			break
		}
	}
	return chunks
}

func isSupportedExt(ext string, allowed map[string]struct{}) bool {
	normalized := strings.TrimSpace(strings.ToLower(ext))
	if normalized == "" {
		return false
	}
	if !strings.HasPrefix(normalized, ".") {
		normalized = "." + normalized
	}
	_, ok := allowed[normalized]
	return ok
}

func normalizeExtensions(list []string) map[string]struct{} {
	set := make(map[string]struct{}, len(list))
	for _, ext := range list {
		trimmed := strings.TrimSpace(strings.ToLower(ext))
		if trimmed == "" {
			continue
		}
		if !strings.HasPrefix(trimmed, ".") {
			trimmed = "." + trimmed
		}
		set[trimmed] = struct{}{}
	}
	return set
}
