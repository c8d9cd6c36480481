// Package inferbench measures time-to-first-token and throughput of any
// runtime.Adapter. Prompts can carry media and grammars so the multimodal
// and constrained paths are timed alongside plain text.
package inferbench

import (
	"context"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"Lumen/internal/runtime"
)

// Config controls the benchmark parameters.
type Config struct {
	// Iterations is how many times each prompt is run.
	Iterations int `json:"iterations"`

	// MaxTokens caps generation length per request.
	MaxTokens int `json:"max_tokens"`

	// Seed is passed to every request so runs are comparable. Zero keeps
	// the adapter default.
	Seed int64 `json:"seed,omitempty"`

	// Prompts to benchmark. If empty, StandardPrompts() is used.
	Prompts []Prompt `json:"prompts"`

	// OutputPath is the optional JSON file to write results to.
	OutputPath string `json:"-"`

	// WarmupIterations runs N throw-away iterations before recording.
	WarmupIterations int `json:"warmup_iterations"`

	// Stream measures through Adapter.Stream and records chunk latency.
	Stream bool `json:"stream"`

	// Verbose enables per-iteration output.
	Verbose bool `json:"-"`

	// Out receives progress and summaries. Nil means stdout.
	Out io.Writer `json:"-"`
}

// DefaultConfig returns reasonable defaults for edge benchmarking.
func DefaultConfig() Config {
	return Config{
		Iterations:       5,
		MaxTokens:        128,
		WarmupIterations: 1,
	}
}

// Prompt is a single benchmark prompt with metadata.
type Prompt struct {
	Name    string   `json:"name"`
	Text    string   `json:"text"`
	Images  []string `json:"images,omitempty"`
	Audio   []string `json:"audio,omitempty"`
	Grammar string   `json:"grammar,omitempty"`

	// Repeat runs the prompt a second time right away to time the prompt
	// cache.
	Repeat bool `json:"repeat,omitempty"`
}

// StandardPrompts returns a set of prompts that exercise different workloads.
func StandardPrompts() []Prompt {
	return []Prompt{
		{
			Name: "short",
			Text: "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n<|im_start|>user\nHello!<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			Name: "medium",
			Text: "<|im_start|>system\nYou are a helpful assistant that answers questions clearly and concisely.<|im_end|>\n<|im_start|>user\nExplain the difference between a stack and a queue in computer science. Give a real-world analogy for each.<|im_end|>\n<|im_start|>assistant\n",
		},
		{
			Name:    "grammar",
			Text:    "<|im_start|>user\nIs water wet? Answer yes or no.<|im_end|>\n<|im_start|>assistant\n",
			Grammar: `root ::= "yes" | "no"`,
		},
		{
			Name:   "cache-test",
			Text:   "<|im_start|>system\nYou are a helpful assistant.<|im_end|>\n<|im_start|>user\nWhat is the capital of France?<|im_end|>\n<|im_start|>assistant\n",
			Repeat: true,
		},
	}
}

// IterationResult captures metrics from a single generation call.
type IterationResult struct {
	PromptName      string        `json:"prompt_name"`
	Iteration       int           `json:"iteration"`
	TTFT            time.Duration `json:"ttft_ns"`
	Duration        time.Duration `json:"duration_ns"`
	TokensEvaluated int           `json:"tokens_evaluated"`
	TokensGenerated int           `json:"tokens_generated"`
	TokensCached    int           `json:"tokens_cached"`
	MediaTokens     int           `json:"media_tokens,omitempty"`
	PromptTPS       float64       `json:"prompt_tps"`
	GenerationTPS   float64       `json:"generation_tps"`
	RSSBytes        int64         `json:"rss_bytes"`
	Finish          string        `json:"finish,omitempty"`

	// Streaming only.
	ChunkCount      int           `json:"chunk_count,omitempty"`
	AvgChunkLatency time.Duration `json:"avg_chunk_latency_ns,omitempty"`
	MaxChunkLatency time.Duration `json:"max_chunk_latency_ns,omitempty"`

	Error string `json:"error,omitempty"`
}

// PromptSummary aggregates results across iterations for a single prompt.
type PromptSummary struct {
	Name            string        `json:"name"`
	Iterations      int           `json:"iterations"`
	TTFT            DurationStats `json:"ttft"`
	Duration        DurationStats `json:"duration"`
	PromptTPS       FloatStats    `json:"prompt_tps"`
	GenerationTPS   FloatStats    `json:"generation_tps"`
	AvgTokensGen    float64       `json:"avg_tokens_generated"`
	AvgTokensCached float64       `json:"avg_tokens_cached"`
	AvgMediaTokens  float64       `json:"avg_media_tokens,omitempty"`
	CacheHitImprove float64       `json:"cache_hit_ttft_improvement_pct,omitempty"`
	PeakRSSBytes    int64         `json:"peak_rss_bytes"`
	Errors          int           `json:"errors"`

	StreamMode      bool          `json:"stream_mode,omitempty"`
	AvgChunkCount   float64       `json:"avg_chunk_count,omitempty"`
	ChunkLatency    DurationStats `json:"chunk_latency"`
	MaxChunkLatency time.Duration `json:"max_chunk_latency_ns,omitempty"`
}

// DurationStats summarises a collection of time.Duration values.
type DurationStats struct {
	Min    time.Duration `json:"min_ns"`
	Max    time.Duration `json:"max_ns"`
	Mean   time.Duration `json:"mean_ns"`
	Median time.Duration `json:"median_ns"`
	P95    time.Duration `json:"p95_ns"`
}

// FloatStats summarises a collection of float64 values.
type FloatStats struct {
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	P95    float64 `json:"p95"`
}

// BenchmarkReport is the top-level result container.
type BenchmarkReport struct {
	Timestamp  time.Time         `json:"timestamp"`
	Backend    string            `json:"backend"`
	Config     Config            `json:"config"`
	SystemInfo string            `json:"system_info,omitempty"`
	Summaries  []PromptSummary   `json:"summaries"`
	Raw        []IterationResult `json:"raw_results,omitempty"`
}

// Runner executes inference benchmarks against a runtime.Adapter.
type Runner struct {
	adapter runtime.Adapter
	cfg     Config
	out     io.Writer
}

// NewRunner creates a benchmark runner.
func NewRunner(adapter runtime.Adapter, cfg Config) *Runner {
	if len(cfg.Prompts) == 0 {
		cfg.Prompts = StandardPrompts()
	}
	if cfg.Iterations <= 0 {
		cfg.Iterations = 1
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Runner{adapter: adapter, cfg: cfg, out: out}
}

// Run executes the full benchmark suite and returns a report.
func (r *Runner) Run(ctx context.Context) (*BenchmarkReport, error) {
	report := &BenchmarkReport{
		Timestamp: time.Now(),
		Backend:   r.adapter.Name(),
		Config:    r.cfg,
	}

	var allResults []IterationResult

	for _, prompt := range r.cfg.Prompts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		fmt.Fprintf(r.out, "\n--- Benchmark: %s ---\n", prompt.Name)

		results := r.benchmarkPrompt(ctx, prompt)
		allResults = append(allResults, results...)
		summary := summarize(prompt, results)
		report.Summaries = append(report.Summaries, summary)

		r.printSummary(summary)
	}

	report.Raw = allResults

	if r.cfg.OutputPath != "" {
		if err := SaveReport(report, r.cfg.OutputPath); err != nil {
			fmt.Fprintf(r.out, "Warning: failed to save report: %v\n", err)
		} else {
			fmt.Fprintf(r.out, "\nResults saved to %s\n", r.cfg.OutputPath)
		}
	}

	return report, nil
}

// benchmarkPrompt runs all iterations for a single prompt.
func (r *Runner) benchmarkPrompt(ctx context.Context, prompt Prompt) []IterationResult {
	var results []IterationResult

	for i := 0; i < r.cfg.WarmupIterations; i++ {
		if r.cfg.Verbose {
			fmt.Fprintf(r.out, "  warmup %d/%d...\n", i+1, r.cfg.WarmupIterations)
		}
		_, _ = r.runOnce(ctx, prompt, -1)
	}

	for i := 0; i < r.cfg.Iterations; i++ {
		if r.cfg.Verbose {
			fmt.Fprintf(r.out, "  iteration %d/%d...\n", i+1, r.cfg.Iterations)
		}

		res, err := r.runOnce(ctx, prompt, i)
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)

		if prompt.Repeat {
			res2, err := r.runOnce(ctx, prompt, i)
			if err != nil {
				res2.Error = err.Error()
			}
			res2.PromptName = prompt.Name + "-cached"
			results = append(results, res2)
		}
	}

	return results
}

func (r *Runner) request(prompt Prompt) runtime.Request {
	return runtime.Request{
		Prompt: prompt.Text,
		Image:  prompt.Images,
		Audio:  prompt.Audio,
		Options: runtime.GenerationOptions{
			MaxTokens: r.cfg.MaxTokens,
			Seed:      r.cfg.Seed,
			Grammar:   prompt.Grammar,
		},
	}
}

// runOnce executes a single generation and captures metrics.
func (r *Runner) runOnce(ctx context.Context, prompt Prompt, iteration int) (IterationResult, error) {
	result := IterationResult{
		PromptName: prompt.Name,
		Iteration:  iteration,
		RSSBytes:   readRSS(),
	}

	var (
		stats runtime.Stats
		err   error
	)
	if r.cfg.Stream {
		stats, err = r.stream(ctx, prompt, &result)
	} else {
		var resp runtime.Response
		resp, err = r.adapter.Generate(ctx, r.request(prompt))
		stats = resp.Stats
		result.Finish = resp.Finish
	}
	if err != nil {
		return result, err
	}

	result.TTFT = stats.TTFT
	result.Duration = stats.Duration
	result.TokensEvaluated = stats.TokensEvaluated
	result.TokensGenerated = stats.TokensGenerated
	result.TokensCached = stats.TokensCached
	result.MediaTokens = stats.MediaTokens
	result.PromptTPS = stats.PromptTPS
	result.GenerationTPS = stats.GenerationTPS
	result.RSSBytes = max(result.RSSBytes, readRSS())

	if r.cfg.Verbose {
		fmt.Fprintf(r.out, "    TTFT=%v  gen=%d tok @ %.1f tok/s  cached=%d\n",
			result.TTFT.Round(time.Millisecond),
			result.TokensGenerated,
			result.GenerationTPS,
			result.TokensCached)
	}

	return result, nil
}

// stream runs the prompt through Adapter.Stream and records the gaps
// between emitted chunks.
func (r *Runner) stream(ctx context.Context, prompt Prompt, result *IterationResult) (runtime.Stats, error) {
	var (
		stats   runtime.Stats
		total   time.Duration
		last    = time.Now()
		gotStat bool
	)
	err := r.adapter.Stream(ctx, r.request(prompt), func(ev runtime.StreamEvent) error {
		if ev.Final {
			if ev.Err != nil {
				return ev.Err
			}
			if ev.Stats != nil {
				stats, gotStat = *ev.Stats, true
			}
			return nil
		}
		now := time.Now()
		gap := now.Sub(last)
		last = now
		result.ChunkCount++
		total += gap
		result.MaxChunkLatency = max(result.MaxChunkLatency, gap)
		return nil
	})
	if err != nil {
		return stats, err
	}
	if !gotStat {
		return stats, fmt.Errorf("inferbench: stream ended without stats")
	}
	if result.ChunkCount > 0 {
		result.AvgChunkLatency = total / time.Duration(result.ChunkCount)
	}
	return stats, nil
}

// summarize computes aggregate statistics for a prompt's results.
func summarize(prompt Prompt, results []IterationResult) PromptSummary {
	summary := PromptSummary{Name: prompt.Name}

	cold := filterByName(results, prompt.Name)
	cached := filterByName(results, prompt.Name+"-cached")

	valid := filterValid(cold)
	summary.Iterations = len(valid)
	summary.Errors = len(cold) - len(valid)

	if len(valid) == 0 {
		return summary
	}

	summary.TTFT = computeDurationStats(extractDurations(valid, func(r IterationResult) time.Duration { return r.TTFT }))
	summary.Duration = computeDurationStats(extractDurations(valid, func(r IterationResult) time.Duration { return r.Duration }))
	summary.PromptTPS = computeFloatStats(extractFloats(valid, func(r IterationResult) float64 { return r.PromptTPS }))
	summary.GenerationTPS = computeFloatStats(extractFloats(valid, func(r IterationResult) float64 { return r.GenerationTPS }))

	var tokGenSum, tokCacheSum, mediaSum, chunkSum float64
	var peakRSS int64
	var streamed []IterationResult
	for _, r := range valid {
		tokGenSum += float64(r.TokensGenerated)
		tokCacheSum += float64(r.TokensCached)
		mediaSum += float64(r.MediaTokens)
		peakRSS = max(peakRSS, r.RSSBytes)
		if r.ChunkCount > 0 {
			streamed = append(streamed, r)
			chunkSum += float64(r.ChunkCount)
			summary.MaxChunkLatency = max(summary.MaxChunkLatency, r.MaxChunkLatency)
		}
	}
	n := float64(len(valid))
	summary.AvgTokensGen = tokGenSum / n
	summary.AvgTokensCached = tokCacheSum / n
	summary.AvgMediaTokens = mediaSum / n
	summary.PeakRSSBytes = peakRSS

	if len(streamed) > 0 {
		summary.StreamMode = true
		summary.AvgChunkCount = chunkSum / float64(len(streamed))
		summary.ChunkLatency = computeDurationStats(extractDurations(streamed, func(r IterationResult) time.Duration { return r.AvgChunkLatency }))
	}

	if prompt.Repeat && len(cached) > 0 {
		validCached := filterValid(cached)
		if len(validCached) > 0 && summary.TTFT.Mean > 0 {
			cachedTTFT := computeDurationStats(extractDurations(validCached, func(r IterationResult) time.Duration { return r.TTFT }))
			improvement := float64(summary.TTFT.Mean-cachedTTFT.Mean) / float64(summary.TTFT.Mean) * 100
			summary.CacheHitImprove = math.Round(improvement*10) / 10
		}
	}

	return summary
}

// ---------------------------------------------------------------------------
// Statistics helpers
// ---------------------------------------------------------------------------

func filterByName(results []IterationResult, name string) []IterationResult {
	var out []IterationResult
	for _, r := range results {
		if r.PromptName == name {
			out = append(out, r)
		}
	}
	return out
}

func filterValid(results []IterationResult) []IterationResult {
	var out []IterationResult
	for _, r := range results {
		if r.Error == "" {
			out = append(out, r)
		}
	}
	return out
}

func extractDurations(results []IterationResult, fn func(IterationResult) time.Duration) []time.Duration {
	out := make([]time.Duration, len(results))
	for i, r := range results {
		out[i] = fn(r)
	}
	return out
}

func extractFloats(results []IterationResult, fn func(IterationResult) float64) []float64 {
	out := make([]float64, len(results))
	for i, r := range results {
		out[i] = fn(r)
	}
	return out
}

func computeDurationStats(vals []time.Duration) DurationStats {
	if len(vals) == 0 {
		return DurationStats{}
	}
	sorted := make([]time.Duration, len(vals))
	copy(sorted, vals)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	var median time.Duration
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	return DurationStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / time.Duration(n),
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
	}
}

func computeFloatStats(vals []float64) FloatStats {
	if len(vals) == 0 {
		return FloatStats{}
	}
	sorted := make([]float64, len(vals))
	copy(sorted, vals)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}

	n := len(sorted)
	var median float64
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		median = sorted[n/2]
	}

	return FloatStats{
		Min:    sorted[0],
		Max:    sorted[n-1],
		Mean:   sum / float64(n),
		Median: median,
		P95:    sorted[percentileIndex(n, 95)],
	}
}

// percentileIndex returns the index for the pct-th percentile using the
// nearest-rank method, clamped to [0, n-1].
func percentileIndex(n, pct int) int {
	if n <= 0 {
		return 0
	}
	idx := (n*pct+99)/100 - 1
	return min(max(idx, 0), n-1)
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

func (r *Runner) printSummary(s PromptSummary) {
	w := r.out
	fmt.Fprintf(w, "  TTFT:      min=%v  avg=%v  p95=%v\n",
		s.TTFT.Min.Round(time.Millisecond),
		s.TTFT.Mean.Round(time.Millisecond),
		s.TTFT.P95.Round(time.Millisecond))
	fmt.Fprintf(w, "  Duration:  min=%v  avg=%v  p95=%v\n",
		s.Duration.Min.Round(time.Millisecond),
		s.Duration.Mean.Round(time.Millisecond),
		s.Duration.P95.Round(time.Millisecond))
	fmt.Fprintf(w, "  Gen TPS:   min=%.1f  avg=%.1f  p95=%.1f\n",
		s.GenerationTPS.Min, s.GenerationTPS.Mean, s.GenerationTPS.P95)
	fmt.Fprintf(w, "  Prompt TPS: min=%.1f  avg=%.1f  p95=%.1f\n",
		s.PromptTPS.Min, s.PromptTPS.Mean, s.PromptTPS.P95)
	fmt.Fprintf(w, "  Tokens:    avg_gen=%.0f  avg_cached=%.0f\n",
		s.AvgTokensGen, s.AvgTokensCached)
	if s.AvgMediaTokens > 0 {
		fmt.Fprintf(w, "  Media:     avg_tokens=%.0f\n", s.AvgMediaTokens)
	}
	if s.StreamMode {
		fmt.Fprintf(w, "  Stream:    avg_chunks=%.0f  chunk_avg=%v  chunk_max=%v\n",
			s.AvgChunkCount, s.ChunkLatency.Mean.Round(time.Microsecond), s.MaxChunkLatency.Round(time.Microsecond))
	}
	if s.PeakRSSBytes > 0 {
		fmt.Fprintf(w, "  RSS:       peak=%.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
	}
	if s.CacheHitImprove != 0 {
		fmt.Fprintf(w, "  Cache:     TTFT improvement=%.1f%%\n", s.CacheHitImprove)
	}
	if s.Errors > 0 {
		fmt.Fprintf(w, "  Errors:    %d/%d\n", s.Errors, s.Iterations+s.Errors)
	}
}

// SaveReport writes the report as indented JSON, creating parent
// directories.
func SaveReport(report *BenchmarkReport, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadReport reads a report written by SaveReport.
func LoadReport(path string) (*BenchmarkReport, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var report BenchmarkReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("inferbench: parse %s: %w", path, err)
	}
	return &report, nil
}
