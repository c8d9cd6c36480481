package subcommands

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"Lumen/internal/config"
	"Lumen/internal/inferbench"
	"Lumen/internal/runtime"
)

// RunBench executes the inference benchmark suite from the CLI.
func RunBench(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string) int {
	fs := flag.NewFlagSet("bench", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	iterations := fs.Int("iterations", 5, "Number of iterations per prompt")
	maxTokens := fs.Int("max-tokens", 128, "Maximum tokens to generate per request")
	warmup := fs.Int("warmup", 1, "Warmup iterations (not recorded)")
	output := fs.String("output", "", "Path to save JSON results (optional)")
	prompt := fs.String("prompt", "", "Custom prompt to benchmark (uses standard set if empty)")
	image := fs.String("image", "", "Images attached to the custom prompt, comma separated")
	seed := fs.Int64("seed", 0, "Fixed sampling seed for every request (0 uses config)")
	verbose := fs.Bool("verbose", false, "Print per-iteration details")
	baseline := fs.String("baseline", "", "Saved report to compare this run against")

	// Overrides for A/B runs.
	kvCacheType := fs.String("kv-cache-type", "", "Override KV cache type (f16, q8_0, q4_0)")
	streamChunkSize := fs.Int("stream-chunk-size", 0, "Override stream chunk size (0=use config)")
	noContextShift := fs.Bool("no-context-shift", false, "Disable context window shifting")
	stream := fs.Bool("stream", false, "Benchmark Stream() instead of Generate()")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	if *kvCacheType != "" {
		cfg.Runtime.Native.KVCacheType = *kvCacheType
	}
	if *streamChunkSize > 0 {
		cfg.Runtime.Native.StreamChunkSize = *streamChunkSize
	}
	if *noContextShift {
		f := false
		cfg.Runtime.Native.ContextShift = &f
	}

	var base *inferbench.BenchmarkReport
	if *baseline != "" {
		var err error
		if base, err = inferbench.LoadReport(*baseline); err != nil {
			fmt.Fprintf(os.Stderr, "failed to load baseline: %v\n", err)
			return 1
		}
	}

	backend := cfg.Runtime.Backend
	if backend == "" {
		backend = "native"
	}
	factory, ok := registry[backend]
	if !ok {
		fmt.Fprintf(os.Stderr, "runtime backend %q not registered\n", backend)
		return 1
	}
	adapter, err := factory(cfg.Runtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create adapter: %v\n", err)
		return 1
	}
	defer adapter.Close()

	benchCfg := inferbench.DefaultConfig()
	benchCfg.Iterations = *iterations
	benchCfg.MaxTokens = *maxTokens
	benchCfg.WarmupIterations = *warmup
	benchCfg.OutputPath = *output
	benchCfg.Verbose = *verbose
	benchCfg.Stream = *stream
	benchCfg.Seed = *seed
	if *prompt != "" {
		benchCfg.Prompts = []inferbench.Prompt{
			{Name: "custom", Text: *prompt, Images: splitList(*image)},
		}
	}

	mode := "Generate"
	if *stream {
		mode = "Stream"
	}
	fmt.Printf("Lumen Inference Benchmark\n")
	fmt.Printf("Backend: %s  Engine: %s  Mode: %s\n", backend, cfg.Runtime.Native.Engine, mode)
	fmt.Printf("Iterations: %d (warmup: %d)\n", benchCfg.Iterations, benchCfg.WarmupIterations)
	fmt.Printf("Max tokens: %d\n", benchCfg.MaxTokens)
	if cfg.Runtime.Native.KVCacheType != "" {
		fmt.Printf("KV cache: %s\n", cfg.Runtime.Native.KVCacheType)
	}

	report, err := inferbench.NewRunner(adapter, benchCfg).Run(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Benchmark failed: %v\n", err)
		return 1
	}

	printReport(os.Stdout, report)
	if base != nil {
		fmt.Printf("\n=== COMPARISON (baseline vs current) ===\n")
		printComparison(os.Stdout, base, report)
	}
	return 0
}

// printReport prints the final summary for a benchmark run.
func printReport(w io.Writer, report *inferbench.BenchmarkReport) {
	fmt.Fprintf(w, "\n=== Final Summary ===\n")
	for _, s := range report.Summaries {
		fmt.Fprintf(w, "\n[%s]\n", s.Name)
		fmt.Fprintf(w, "  TTFT:       avg=%v  p95=%v\n", s.TTFT.Mean, s.TTFT.P95)
		fmt.Fprintf(w, "  Gen TPS:    avg=%.1f  p95=%.1f\n", s.GenerationTPS.Mean, s.GenerationTPS.P95)
		fmt.Fprintf(w, "  Prompt TPS: avg=%.1f\n", s.PromptTPS.Mean)
		if s.AvgMediaTokens > 0 {
			fmt.Fprintf(w, "  Media:      %.0f tokens/iter\n", s.AvgMediaTokens)
		}
		if s.StreamMode {
			fmt.Fprintf(w, "  Chunks:     %.1f/iter  latency avg=%v max=%v\n", s.AvgChunkCount, s.ChunkLatency.Mean, s.MaxChunkLatency)
		}
		if s.PeakRSSBytes > 0 {
			fmt.Fprintf(w, "  Peak RSS:   %.1f MB\n", float64(s.PeakRSSBytes)/(1024*1024))
		}
		if s.CacheHitImprove != 0 {
			fmt.Fprintf(w, "  Cache TTFT: %.1f%% faster on repeat\n", s.CacheHitImprove)
		}
		if s.Errors > 0 {
			fmt.Fprintf(w, "  Errors:     %d\n", s.Errors)
		}
	}
}

// printComparison prints a side-by-side delta table for two benchmark reports.
func printComparison(w io.Writer, base, cur *inferbench.BenchmarkReport) {
	curByName := make(map[string]inferbench.PromptSummary)
	for _, s := range cur.Summaries {
		curByName[s.Name] = s
	}

	fmt.Fprintf(w, "%-15s  %12s  %12s  %10s\n", "Metric", "Baseline", "Current", "Delta")
	fmt.Fprintf(w, "%-15s  %12s  %12s  %10s\n", "------", "--------", "-------", "-----")

	for _, bs := range base.Summaries {
		cs, ok := curByName[bs.Name]
		if !ok {
			continue
		}

		fmt.Fprintf(w, "\n[%s]\n", bs.Name)
		fmt.Fprintf(w, "  %-13s  %12v  %12v  %+9.1f%%\n", "TTFT avg",
			bs.TTFT.Mean, cs.TTFT.Mean, deltaPercent(float64(bs.TTFT.Mean), float64(cs.TTFT.Mean)))
		fmt.Fprintf(w, "  %-13s  %12.1f  %12.1f  %+9.1f%%\n", "Gen TPS avg",
			bs.GenerationTPS.Mean, cs.GenerationTPS.Mean, deltaPercent(bs.GenerationTPS.Mean, cs.GenerationTPS.Mean))
		fmt.Fprintf(w, "  %-13s  %12v  %12v  %+9.1f%%\n", "Duration avg",
			bs.Duration.Mean, cs.Duration.Mean, deltaPercent(float64(bs.Duration.Mean), float64(cs.Duration.Mean)))

		if bs.PeakRSSBytes > 0 || cs.PeakRSSBytes > 0 {
			fmt.Fprintf(w, "  %-13s  %10.1f MB  %10.1f MB  %+9.1f%%\n", "Peak RSS",
				float64(bs.PeakRSSBytes)/(1024*1024),
				float64(cs.PeakRSSBytes)/(1024*1024),
				deltaPercent(float64(bs.PeakRSSBytes), float64(cs.PeakRSSBytes)))
		}
	}
}

// deltaPercent computes the percentage change from baseline to current.
// Negative means faster/less, positive means slower/more.
func deltaPercent(baseline, current float64) float64 {
	if baseline == 0 {
		return 0
	}
	return (current - baseline) / baseline * 100.0
}
