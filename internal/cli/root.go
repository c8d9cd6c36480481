// Package cli implements the lumen command line.
package cli

import (
	"context"
	"fmt"
	"maps"
	"os"

	"Lumen/internal/cli/subcommands"
	"Lumen/internal/config"
	"Lumen/internal/logging"
	"Lumen/internal/native/adapter"
	"Lumen/internal/runtime"
)

// Execute is the entry point for the Lumen CLI.
func Execute() int {
	ctx := context.Background()
	args := os.Args[1:]

	if len(args) == 0 {
		printHelp()
		return 1
	}
	subcommand := args[0]
	if subcommand == "help" || subcommand == "-h" || subcommand == "--help" {
		printHelp()
		return 0
	}

	cfg, err := config.Resolve()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	// The TUI owns the terminal, so its logs always go to a file.
	toFile := cfg.Logging.ToFile || subcommand == "tui"
	if err := logging.Init(toFile, cfg.Logging.Dir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		return 1
	}
	defer logging.Close()

	registry := newRegistry(cfg)

	switch subcommand {
	case "generate", "gen":
		return subcommands.RunGenerate(ctx, cfg, registry, args[1:])
	case "tokenize":
		return subcommands.RunTokenize(cfg, args[1:])
	case "embed":
		return subcommands.RunEmbed(ctx, cfg, args[1:])
	case "bench":
		return subcommands.RunBench(ctx, cfg, registry, args[1:])
	case "tui":
		return subcommands.RunTui(ctx, cfg, registry, args[1:])
	case "serve":
		return subcommands.RunServe(ctx, cfg, registry, args[1:])
	case "config":
		return subcommands.RunConfig(os.Stdout, cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", subcommand)
		printHelp()
		return 1
	}
}

// newRegistry copies the default registry and binds the native adapter to
// the configured media limits.
func newRegistry(cfg config.Config) runtime.Registry {
	registry := maps.Clone(runtime.DefaultRegistry)
	if registry == nil {
		registry = runtime.Registry{}
	}
	registry[adapter.Name] = func(rc config.RuntimeConfig) (runtime.Adapter, error) {
		return adapter.Open(rc, cfg.Media)
	}
	return registry
}

func printHelp() {
	fmt.Println(`Lumen - local multimodal inference for small language models

Usage:
  lumen [command] [flags]

Commands:
  generate  Run a single prompt (text, images, audio, documents)
  tokenize  Print the token ids of a text
  embed     Embed text, index documents and search them
  bench     Measure TTFT and throughput
  tui       Interactive terminal conversation
  serve     Start the TCP or HTTP server
  config    Print the resolved configuration

Configuration is read from lumen.yaml (or APP_CONFIG) and APP_* variables.

Use "lumen [command] --help" for more information about a command.`)
}
