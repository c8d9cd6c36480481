package document

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRead(t *testing.T) {
	dir := t.TempDir()
	md := filepath.Join(dir, "notes.MD")
	if err := os.WriteFile(md, []byte("# title\nbody"), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Read(md)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "# title\nbody" {
		t.Errorf("text = %q", got)
	}

	if _, err := Read(filepath.Join(dir, "image.png")); !errors.Is(err, ErrUnsupported) {
		t.Errorf("png: err = %v, want ErrUnsupported", err)
	}
	if _, err := Read(filepath.Join(dir, "missing.txt")); err == nil {
		t.Error("missing file: no error")
	}
}

func TestWalk(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.txt":         "second",
		"a.md":          "first",
		"sub/c.txt":     "third",
		"skip.go":       "package x",
		"sub/image.png": "\x89PNG",
	}
	for name, body := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	docs, err := Walk(dir, nil)
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	var texts []string
	for _, d := range docs {
		texts = append(texts, d.Text)
	}
	if diff := cmp.Diff([]string{"first", "second", "third"}, texts); diff != "" {
		t.Errorf("texts (-want +got):\n%s", diff)
	}

	docs, err = Walk(dir, []string{"TXT"})
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Errorf("txt only: %d documents, want 2", len(docs))
	}
}

func TestChunk(t *testing.T) {
	tests := []struct {
		name          string
		text          string
		size, overlap int
		want          []string
	}{
		{"empty", "   ", 3, 0, nil},
		{"single window", "a b", 3, 0, []string{"a b"}},
		{"no overlap", "a b c d e", 2, 0, []string{"a b", "c d", "e"}},
		{"overlap", "a b c d e", 3, 1, []string{"a b c", "c d e"}},
		{"overlap too large", "a b c", 2, 5, []string{"a b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, Chunk(tt.text, tt.size, tt.overlap)); diff != "" {
				t.Errorf("Chunk (-want +got):\n%s", diff)
			}
		})
	}
}
