package inferbench

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"Lumen/internal/runtime"
)

func TestComputeFloatStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := computeFloatStats(nil)
		if s.Min != 0 || s.Max != 0 || s.Mean != 0 {
			t.Errorf("expected zero stats for empty input, got %+v", s)
		}
	})

	t.Run("single value", func(t *testing.T) {
		s := computeFloatStats([]float64{42.0})
		if s.Min != 42 || s.Max != 42 || s.Mean != 42 || s.Median != 42 {
			t.Errorf("single value stats wrong: %+v", s)
		}
	})

	t.Run("multiple values", func(t *testing.T) {
		s := computeFloatStats([]float64{10, 20, 30, 40, 50})
		if s.Min != 10 {
			t.Errorf("Min = %f, want 10", s.Min)
		}
		if s.Max != 50 {
			t.Errorf("Max = %f, want 50", s.Max)
		}
		if s.Mean != 30 {
			t.Errorf("Mean = %f, want 30", s.Mean)
		}
		if s.Median != 30 {
			t.Errorf("Median = %f, want 30", s.Median)
		}
	})

	t.Run("even count median", func(t *testing.T) {
		s := computeFloatStats([]float64{10, 20, 30, 40})
		// Median of [10,20,30,40] = (20+30)/2 = 25
		if s.Median != 25 {
			t.Errorf("Median = %f, want 25", s.Median)
		}
	})

	t.Run("unsorted input", func(t *testing.T) {
		s := computeFloatStats([]float64{50, 10, 30, 20, 40})
		if s.Min != 10 || s.Max != 50 {
			t.Errorf("Min=%f Max=%f after unsorted input", s.Min, s.Max)
		}
	})
}

func TestComputeDurationStats(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		s := computeDurationStats(nil)
		if s.Min != 0 || s.Max != 0 || s.Mean != 0 {
			t.Errorf("expected zero stats for empty input, got %+v", s)
		}
	})

	t.Run("basic", func(t *testing.T) {
		vals := []time.Duration{
			100 * time.Millisecond,
			200 * time.Millisecond,
			300 * time.Millisecond,
		}
		s := computeDurationStats(vals)
		if s.Min != 100*time.Millisecond {
			t.Errorf("Min = %v, want 100ms", s.Min)
		}
		if s.Max != 300*time.Millisecond {
			t.Errorf("Max = %v, want 300ms", s.Max)
		}
		if s.Mean != 200*time.Millisecond {
			t.Errorf("Mean = %v, want 200ms", s.Mean)
		}
		if s.Median != 200*time.Millisecond {
			t.Errorf("Median = %v, want 200ms", s.Median)
		}
	})
}

func TestPercentileIndex(t *testing.T) {
	tests := []struct {
		n, pct, want int
	}{
		{0, 95, 0},    // edge: empty
		{1, 95, 0},    // single element
		{5, 95, 4},    // p95 of 5 items = index 4
		{10, 50, 4},   // p50 of 10 items = index 4
		{100, 95, 94}, // p95 of 100 items = index 94
		{100, 99, 98}, // p99 of 100 items = index 98
		{20, 95, 18},  // p95 of 20 items = index 18
	}

	for _, tt := range tests {
		got := percentileIndex(tt.n, tt.pct)
		if got != tt.want {
			t.Errorf("percentileIndex(%d, %d) = %d, want %d", tt.n, tt.pct, got, tt.want)
		}
	}
}

func TestFilterValid(t *testing.T) {
	results := []IterationResult{
		{PromptName: "a", Error: ""},
		{PromptName: "b", Error: "something broke"},
		{PromptName: "c", Error: ""},
	}
	valid := filterValid(results)
	if len(valid) != 2 {
		t.Errorf("filterValid returned %d results, want 2", len(valid))
	}
}

func TestFilterByName(t *testing.T) {
	results := []IterationResult{
		{PromptName: "short"},
		{PromptName: "long"},
		{PromptName: "short"},
		{PromptName: "short-cached"},
	}
	filtered := filterByName(results, "short")
	if len(filtered) != 2 {
		t.Errorf("filterByName(short) returned %d, want 2", len(filtered))
	}
	cached := filterByName(results, "short-cached")
	if len(cached) != 1 {
		t.Errorf("filterByName(short-cached) returned %d, want 1", len(cached))
	}
}

func TestSummarizeStreamingStats(t *testing.T) {
	prompt := Prompt{Name: "test", Text: "hello"}
	results := []IterationResult{
		{
			PromptName:      "test",
			TTFT:            100 * time.Millisecond,
			Duration:        500 * time.Millisecond,
			TokensGenerated: 50,
			GenerationTPS:   100.0,
			ChunkCount:      20,
			AvgChunkLatency: 25 * time.Millisecond,
			MaxChunkLatency: 50 * time.Millisecond,
		},
		{
			PromptName:      "test",
			TTFT:            120 * time.Millisecond,
			Duration:        600 * time.Millisecond,
			TokensGenerated: 60,
			GenerationTPS:   100.0,
			ChunkCount:      30,
			AvgChunkLatency: 20 * time.Millisecond,
			MaxChunkLatency: 40 * time.Millisecond,
		},
	}

	summary := summarize(prompt, results)

	if !summary.StreamMode {
		t.Fatal("StreamMode should be true")
	}
	if summary.AvgChunkCount != 25.0 {
		t.Errorf("AvgChunkCount = %f, want 25.0", summary.AvgChunkCount)
	}
	if summary.MaxChunkLatency != 50*time.Millisecond {
		t.Errorf("MaxChunkLatency = %v, want 50ms", summary.MaxChunkLatency)
	}
	if summary.ChunkLatency.Mean != 22500*time.Microsecond {
		t.Errorf("ChunkLatency.Mean = %v, want 22.5ms", summary.ChunkLatency.Mean)
	}
}

func TestSummarizeCacheTest(t *testing.T) {
	prompt := Prompt{Name: "cache", Text: "test", Repeat: true}
	results := []IterationResult{
		// Cold run
		{PromptName: "cache", TTFT: 200 * time.Millisecond, Duration: 500 * time.Millisecond, TokensGenerated: 50, GenerationTPS: 100},
		// Cached run
		{PromptName: "cache-cached", TTFT: 50 * time.Millisecond, Duration: 400 * time.Millisecond, TokensGenerated: 50, GenerationTPS: 125},
	}

	summary := summarize(prompt, results)
	// Cache improvement should be (200-50)/200 * 100 = 75%
	if summary.CacheHitImprove != 75.0 {
		t.Errorf("CacheHitImprove = %f, want 75.0", summary.CacheHitImprove)
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

// scriptedAdapter answers every request with fixed stats and records what
// it was asked.
type scriptedAdapter struct {
	requests []runtime.Request
	fail     map[string]bool
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) stats(req runtime.Request) runtime.Stats {
	return runtime.Stats{
		TokensEvaluated: 10,
		TokensGenerated: 4,
		TokensCached:    len(a.requests) - 1,
		MediaTokens:     4 * len(req.Image),
		TTFT:            10 * time.Millisecond,
		Duration:        40 * time.Millisecond,
		GenerationTPS:   100,
		PromptTPS:       1000,
	}
}

func (a *scriptedAdapter) Generate(_ context.Context, req runtime.Request) (runtime.Response, error) {
	a.requests = append(a.requests, req)
	if a.fail[req.Prompt] {
		return runtime.Response{}, errors.New("scripted failure")
	}
	return runtime.Response{Text: "ok", Finish: "stop", Stats: a.stats(req)}, nil
}

func (a *scriptedAdapter) Stream(_ context.Context, req runtime.Request, cb runtime.StreamCallback) error {
	a.requests = append(a.requests, req)
	for i, tok := range []string{"o", "k"} {
		if err := cb(runtime.StreamEvent{Token: tok, Index: i}); err != nil {
			return err
		}
	}
	st := a.stats(req)
	return cb(runtime.StreamEvent{Final: true, Stats: &st})
}

func (a *scriptedAdapter) Close() error { return nil }

func TestRunnerRequests(t *testing.T) {
	a := &scriptedAdapter{}
	var out bytes.Buffer
	r := NewRunner(a, Config{
		Iterations:       2,
		WarmupIterations: 1,
		MaxTokens:        16,
		Seed:             7,
		Out:              &out,
		Prompts: []Prompt{
			{Name: "img", Text: "<__media__> what?", Images: []string{"cat.png"}, Grammar: `root ::= "a"`},
			{Name: "rep", Text: "again", Repeat: true},
		},
	})

	report, err := r.Run(t.Context())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// img: 1 warmup + 2 runs; rep: 1 warmup + 2 pairs.
	if got := len(a.requests); got != 8 {
		t.Fatalf("requests = %d, want 8", got)
	}
	first := a.requests[0]
	want := runtime.GenerationOptions{MaxTokens: 16, Seed: 7, Grammar: `root ::= "a"`}
	if diff := cmp.Diff(want, first.Options); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}
	if len(first.Image) != 1 {
		t.Errorf("images not forwarded: %+v", first)
	}

	if report.Backend != "scripted" || len(report.Summaries) != 2 {
		t.Fatalf("report: backend %q, %d summaries", report.Backend, len(report.Summaries))
	}
	if got := report.Summaries[0].AvgMediaTokens; got != 4 {
		t.Errorf("AvgMediaTokens = %v, want 4", got)
	}
	if got := len(filterByName(report.Raw, "rep-cached")); got != 2 {
		t.Errorf("cached runs = %d, want 2", got)
	}
	if !strings.Contains(out.String(), "--- Benchmark: img ---") {
		t.Errorf("summary output missing header:\n%s", out.String())
	}
}

func TestRunnerRecordsErrors(t *testing.T) {
	a := &scriptedAdapter{fail: map[string]bool{"bad": true}}
	r := NewRunner(a, Config{Iterations: 3, Out: &bytes.Buffer{}, Prompts: []Prompt{{Name: "bad", Text: "bad"}}})

	report, err := r.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	s := report.Summaries[0]
	if s.Errors != 3 || s.Iterations != 0 {
		t.Errorf("errors = %d, iterations = %d", s.Errors, s.Iterations)
	}
}

func TestRunnerStreamMode(t *testing.T) {
	a := &scriptedAdapter{}
	r := NewRunner(a, Config{Iterations: 2, Stream: true, Out: &bytes.Buffer{}, Prompts: []Prompt{{Name: "s", Text: "x"}}})

	report, err := r.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	s := report.Summaries[0]
	if !s.StreamMode || s.AvgChunkCount != 2 {
		t.Errorf("stream summary: %+v", s)
	}
	if s.AvgTokensGen != 4 {
		t.Errorf("AvgTokensGen = %v, want 4", s.AvgTokensGen)
	}
}

func TestRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	r := NewRunner(&scriptedAdapter{}, Config{Out: &bytes.Buffer{}})
	if _, err := r.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestReportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "report.json")
	a := &scriptedAdapter{}
	r := NewRunner(a, Config{Iterations: 1, OutputPath: path, Out: &bytes.Buffer{}, Prompts: []Prompt{{Name: "p", Text: "x"}}})

	report, err := r.Run(t.Context())
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if diff := cmp.Diff(report.Summaries, loaded.Summaries); diff != "" {
		t.Errorf("summaries (-saved +loaded):\n%s", diff)
	}
}
