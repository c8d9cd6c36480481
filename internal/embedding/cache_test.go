package embedding

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"Lumen/internal/config"
	"Lumen/internal/store"
)

// countingProvider returns len(text) as a one-element vector and counts
// calls.
type countingProvider struct {
	calls  int
	closed bool
	fail   bool
}

func (p *countingProvider) Embed(_ context.Context, text string) ([]float32, error) {
	if p.fail {
		return nil, errors.New("boom")
	}
	p.calls++
	return []float32{float32(len(text)), 1}, nil
}

func (p *countingProvider) Close() error {
	p.closed = true
	return nil
}

func (p *countingProvider) ModelID() string { return "counting" }

func TestCachedProviderHits(t *testing.T) {
	inner := &countingProvider{}
	c := NewCachedProvider(inner, 2, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := c.Embed(ctx, "abc")
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff([]float32{3, 1}, v); diff != "" {
			t.Fatalf("embedding mismatch (-want +got):\n%s", diff)
		}
	}
	if inner.calls != 1 {
		t.Errorf("provider calls = %d, want 1", inner.calls)
	}
	stats := c.CacheStats()
	if stats["total_hits"] != 2 {
		t.Errorf("total_hits = %v, want 2", stats["total_hits"])
	}
}

func TestCachedProviderEvictsLeastRecent(t *testing.T) {
	inner := &countingProvider{}
	c := NewCachedProvider(inner, 2, nil)
	ctx := context.Background()

	c.Embed(ctx, "a")
	c.Embed(ctx, "bb")
	c.Embed(ctx, "a")   // a becomes most recent
	c.Embed(ctx, "ccc") // evicts bb
	if inner.calls != 3 {
		t.Fatalf("calls = %d, want 3", inner.calls)
	}
	c.Embed(ctx, "a")
	if inner.calls != 3 {
		t.Errorf("a was evicted; calls = %d", inner.calls)
	}
	c.Embed(ctx, "bb")
	if inner.calls != 4 {
		t.Errorf("bb should have been evicted; calls = %d", inner.calls)
	}
}

func TestCachedProviderReturnsCopies(t *testing.T) {
	c := NewCachedProvider(&countingProvider{}, 4, nil)
	ctx := context.Background()
	v, _ := c.Embed(ctx, "xy")
	v[0] = 99
	again, _ := c.Embed(ctx, "xy")
	if again[0] != 2 {
		t.Errorf("cached vector was mutated through a returned slice: %v", again)
	}
}

func TestCachedProviderPersistentTier(t *testing.T) {
	path := filepath.Join(t.TempDir(), "emb.db")
	ctx := context.Background()

	st, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	first := &countingProvider{}
	c := NewCachedProvider(first, 4, st)
	if _, err := c.Embed(ctx, "persist me"); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if !first.closed {
		t.Error("inner provider not closed")
	}

	st2, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	second := &countingProvider{}
	c2 := NewCachedProvider(second, 4, st2)
	defer c2.Close()

	v, err := c2.Embed(ctx, "persist me")
	if err != nil {
		t.Fatal(err)
	}
	if second.calls != 0 {
		t.Errorf("provider called %d times; want a persistent hit", second.calls)
	}
	if diff := cmp.Diff([]float32{10, 1}, v); diff != "" {
		t.Errorf("persisted embedding mismatch (-want +got):\n%s", diff)
	}

	matches, err := c2.Search(ctx, "persist me", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != 1 || matches[0].Text != "persist me" {
		t.Errorf("Search = %+v", matches)
	}
}

func TestCachedProviderErrorNotCached(t *testing.T) {
	inner := &countingProvider{fail: true}
	c := NewCachedProvider(inner, 4, nil)
	if _, err := c.Embed(context.Background(), "x"); err == nil {
		t.Fatal("expected error")
	}
	inner.fail = false
	if _, err := c.Embed(context.Background(), "x"); err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
}

func TestHashTextSeparatesModels(t *testing.T) {
	if hashText("a", "bc") == hashText("ab", "c") {
		t.Error("model/text boundary not part of the key")
	}
	if hashText("m", "t") != hashText("m", "t") {
		t.Error("hash not deterministic")
	}
}

func TestNew(t *testing.T) {
	RegisterProvider("counting-test", func(config.EmbeddingConfig) (Provider, error) {
		return &countingProvider{}, nil
	})

	tests := []struct {
		name    string
		cfg     config.EmbeddingConfig
		wantNil bool
		wantErr bool
	}{
		{"disabled", config.EmbeddingConfig{Enabled: false, Backend: "counting-test"}, true, false},
		{"unknown backend", config.EmbeddingConfig{Enabled: true, Backend: "nope"}, true, true},
		{"registered", config.EmbeddingConfig{Enabled: true, Backend: "counting-test"}, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if (p == nil) != tt.wantNil {
				t.Fatalf("provider = %v, wantNil %v", p, tt.wantNil)
			}
			if p != nil {
				if _, ok := p.(*CachedProvider); !ok {
					t.Errorf("provider type %T, want *CachedProvider", p)
				}
				p.Close()
			}
		})
	}
}
