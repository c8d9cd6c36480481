package subcommands

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"Lumen/internal/config"
	"Lumen/internal/document"
	"Lumen/internal/runtime"
)

// maxDocumentChars bounds how much of a --doc file is placed in the prompt.
const maxDocumentChars = 8000

// GenerateOptions capture per-invocation controls beyond the configured
// defaults.
type GenerateOptions struct {
	Message     string
	Images      []string
	Audio       []string
	Documents   []string
	Stream      bool
	ShowStats   bool
	Generation  runtime.GenerationOptions
	GrammarFile string
}

// ParseGenerateFlags reads the generate flags. Positional arguments form
// the message when --message is empty.
func ParseGenerateFlags(args []string) (GenerateOptions, error) {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	message := fs.String("message", "", "Prompt to send to the model")
	image := fs.String("image", "", "Image file paths or base64 data, comma separated")
	audio := fs.String("audio", "", "Audio file paths (WAV or raw f32), comma separated")
	doc := fs.String("doc", "", "Text, Markdown or PDF files to include as context, comma separated")
	stream := fs.Bool("stream", false, "Stream tokens instead of waiting for the full response")
	grammar := fs.String("grammar", "", "GBNF grammar constraining the output")
	grammarFile := fs.String("grammar-file", "", "Read the GBNF grammar from a file")
	seed := fs.Int64("seed", 0, "Sampling seed (0 uses config, negative draws one)")
	maxTokens := fs.Int("max-tokens", 0, "Maximum tokens to generate (0 uses config)")
	temperature := fs.Float64("temperature", 0, "Sampling temperature (0 uses config)")
	stop := fs.String("stop", "", "Stop sequences, comma separated")
	showStats := fs.Bool("stats", false, "Show token statistics")
	if err := fs.Parse(args); err != nil {
		return GenerateOptions{}, err
	}

	opts := GenerateOptions{
		Message:     strings.TrimSpace(*message),
		Images:      splitList(*image),
		Audio:       splitList(*audio),
		Documents:   splitList(*doc),
		Stream:      *stream,
		ShowStats:   *showStats,
		GrammarFile: *grammarFile,
		Generation: runtime.GenerationOptions{
			MaxTokens:   *maxTokens,
			Temperature: *temperature,
			Seed:        *seed,
			Grammar:     *grammar,
			Stop:        splitList(*stop),
		},
	}
	if opts.Message == "" && fs.NArg() > 0 {
		opts.Message = strings.TrimSpace(strings.Join(fs.Args(), " "))
	}
	if opts.Message == "" {
		return GenerateOptions{}, fmt.Errorf("generate requires a message (--message) or positional argument")
	}
	if opts.Generation.Grammar != "" && opts.GrammarFile != "" {
		return GenerateOptions{}, fmt.Errorf("--grammar and --grammar-file are mutually exclusive")
	}
	return opts, nil
}

// BuildRequest assembles the runtime request, reading grammar and context
// documents from disk.
func BuildRequest(opts GenerateOptions) (runtime.Request, error) {
	req := runtime.Request{
		Prompt:  opts.Message,
		Image:   opts.Images,
		Audio:   opts.Audio,
		Options: opts.Generation,
	}
	if opts.GrammarFile != "" {
		data, err := os.ReadFile(opts.GrammarFile)
		if err != nil {
			return runtime.Request{}, fmt.Errorf("read grammar: %w", err)
		}
		req.Options.Grammar = string(data)
	}

	if len(opts.Documents) > 0 {
		var sb strings.Builder
		for _, path := range opts.Documents {
			text, err := document.Read(path)
			if err != nil {
				return runtime.Request{}, err
			}
			if len(text) > maxDocumentChars {
				log.Printf("generate: %s truncated to %d characters", path, maxDocumentChars)
				text = text[:maxDocumentChars]
			}
			fmt.Fprintf(&sb, "Document %s:\n%s\n\n", path, strings.TrimSpace(text))
		}
		sb.WriteString(req.Prompt)
		req.Prompt = sb.String()
	}
	return req, nil
}

// RunGenerate executes one prompt against the configured runtime.
func RunGenerate(ctx context.Context, cfg config.Config, registry runtime.Registry, args []string) int {
	opts, err := ParseGenerateFlags(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	req, err := BuildRequest(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	mgr, err := runtime.NewManager(cfg.Runtime, registry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize runtime: %v\n", err)
		return 1
	}
	defer func() {
		if closeErr := mgr.Close(); closeErr != nil {
			log.Printf("warning: failed to close runtime: %v", closeErr)
		}
	}()

	start := time.Now()
	var (
		stats  runtime.Stats
		finish string
	)

	if opts.Stream {
		err = mgr.Stream(ctx, req, func(evt runtime.StreamEvent) error {
			if evt.Err != nil {
				return evt.Err
			}
			if evt.Final {
				fmt.Println()
				finish = evt.Finish
				if evt.Stats != nil {
					stats = *evt.Stats
				}
				return nil
			}
			fmt.Print(evt.Token)
			os.Stdout.Sync()
			return nil
		})
	} else {
		spinnerDone := make(chan struct{})
		go runCLISpinner(spinnerDone, "Thinking")
		var resp runtime.Response
		resp, err = mgr.Generate(ctx, req)
		close(spinnerDone)
		fmt.Print("\r\033[K")
		if err == nil {
			fmt.Println(resp.Text)
			stats, finish = resp.Stats, resp.Finish
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "runtime error: %v\n", err)
		return 1
	}

	if opts.ShowStats {
		fmt.Printf("\n%s--- Statistics ---%s\n", colorGray, colorReset)
		fmt.Printf("%s%s%s\n", colorGray, formatStats(stats, finish), colorReset)
		fmt.Printf("%sDuration:%s %s\n", colorGray, colorReset, time.Since(start).Truncate(time.Millisecond))
	} else {
		log.Printf("stats: %s", formatStats(stats, finish))
	}
	log.Printf("completed in %s", time.Since(start).Truncate(10*time.Millisecond))
	return 0
}
