package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "sub", "emb.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	v := Vector{Key: "k1", Model: "toy", Text: "hello", Embedding: []float32{0.5, -1, 2.25}}
	if err := s.Put(ctx, v); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(ctx, "k1")
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if diff := cmp.Diff(v.Embedding, got.Embedding); diff != "" {
		t.Errorf("embedding mismatch (-want +got):\n%s", diff)
	}
	if got.Model != "toy" || got.Text != "hello" {
		t.Errorf("got model=%q text=%q", got.Model, got.Text)
	}

	if _, ok, err := s.Get(ctx, "missing"); ok || err != nil {
		t.Errorf("Get(missing) = %v, %v; want false, nil", ok, err)
	}
}

func TestPutReplaces(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if err := s.Put(ctx, Vector{Key: "k", Model: "m", Embedding: []float32{1}}); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(ctx, Vector{Key: "k", Model: "m", Embedding: []float32{2, 3}}); err != nil {
		t.Fatal(err)
	}
	got, _, _ := s.Get(ctx, "k")
	if diff := cmp.Diff([]float32{2, 3}, got.Embedding); diff != "" {
		t.Errorf("replace mismatch (-want +got):\n%s", diff)
	}
	if n, _ := s.Len(ctx); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
}

func TestPutValidation(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	tests := []struct {
		name string
		v    Vector
	}{
		{"empty key", Vector{Embedding: []float32{1}}},
		{"empty embedding", Vector{Key: "k"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.Put(ctx, tt.v); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestSearch(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	vectors := []Vector{
		{Key: "a", Model: "m", Text: "east", Embedding: []float32{1, 0}},
		{Key: "b", Model: "m", Text: "north", Embedding: []float32{0, 1}},
		{Key: "c", Model: "m", Text: "northeast", Embedding: []float32{1, 1}},
		{Key: "d", Model: "other", Text: "east too", Embedding: []float32{1, 0}},
		{Key: "e", Model: "m", Text: "wide", Embedding: []float32{1, 0, 0}},
	}
	for _, v := range vectors {
		if err := s.Put(ctx, v); err != nil {
			t.Fatal(err)
		}
	}

	matches, err := s.Search(ctx, "m", []float32{1, 0.1}, 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	var keys []string
	for _, m := range matches {
		keys = append(keys, m.Key)
	}
	if diff := cmp.Diff([]string{"a", "c"}, keys); diff != "" {
		t.Errorf("search order mismatch (-want +got):\n%s", diff)
	}
}

func TestPrune(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	base := time.Unix(1_700_000_000, 0)
	for i, key := range []string{"old", "mid", "new"} {
		v := Vector{Key: key, Model: "m", Embedding: []float32{1}, CreatedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := s.Put(ctx, v); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Prune(ctx, 2); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "old"); ok {
		t.Error("oldest vector survived prune")
	}
	if n, _ := s.Len(ctx); n != 2 {
		t.Errorf("Len = %d, want 2", n)
	}
}

func TestClosedStore(t *testing.T) {
	s := openTemp(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, _, err := s.Get(context.Background(), "k"); err == nil {
		t.Error("Get after Close should fail")
	}
}
