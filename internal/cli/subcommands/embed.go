package subcommands

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"Lumen/internal/config"
	"Lumen/internal/document"
	"Lumen/internal/embedding"
)

// RunEmbed embeds text, indexes documents into the persistent cache and
// searches it.
func RunEmbed(ctx context.Context, cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("embed", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	text := fs.String("text", "", "Text to embed (positional arguments also accepted)")
	doc := fs.String("doc", "", "File or directory of .txt/.md/.pdf documents to index")
	chunkSize := fs.Int("chunk-size", 200, "Words per indexed chunk")
	overlap := fs.Int("overlap", 40, "Words shared between consecutive chunks")
	query := fs.String("query", "", "Search indexed chunks for this text")
	limit := fs.Int("limit", 5, "Number of search results")
	cachePath := fs.String("cache", "", "SQLite file for the persistent vector cache (overrides config)")
	asJSON := fs.Bool("json", false, "Print the full vector as JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *text == "" && fs.NArg() > 0 {
		*text = strings.Join(fs.Args(), " ")
	}
	if *text == "" && *doc == "" && *query == "" {
		fmt.Fprintln(os.Stderr, "embed requires --text, --doc or --query")
		return 1
	}

	ec := cfg.Embedding
	ec.Enabled = true
	if ec.Native.ModelPath == "" {
		ec.Native.ModelPath = cfg.Runtime.Native.ModelPath
	}
	if *cachePath != "" {
		ec.Cache.Path = *cachePath
	}
	if (*doc != "" || *query != "") && ec.Cache.Path == "" {
		fmt.Fprintln(os.Stderr, "indexing and search need a persistent cache (--cache or embedding.cache.path)")
		return 1
	}

	p, err := embedding.New(ec)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize embeddings: %v\n", err)
		return 1
	}
	provider := p.(*embedding.CachedProvider)
	defer func() {
		if err := provider.Close(); err != nil {
			log.Printf("warning: failed to close embedding provider: %v", err)
		}
	}()

	if *doc != "" {
		n, err := indexDocuments(ctx, provider, *doc, *chunkSize, *overlap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		fmt.Printf("Indexed %d chunks from %s\n", n, *doc)
	}

	if *text != "" {
		vec, err := provider.Embed(ctx, *text)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if *asJSON {
			if err := json.NewEncoder(os.Stdout).Encode(vec); err != nil {
				fmt.Fprintf(os.Stderr, "%v\n", err)
				return 1
			}
		} else {
			fmt.Printf("dim=%d model=%s\n%s\n", len(vec), provider.ModelID(), previewVector(vec, 8))
		}
	}

	if *query != "" {
		matches, err := provider.Search(ctx, *query, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			return 1
		}
		if len(matches) == 0 {
			fmt.Println("No matches.")
		}
		for i, m := range matches {
			fmt.Printf("%d. %s(%.3f)%s %s\n", i+1, colorCyan, m.Score, colorReset, truncateString(m.Text, 160))
		}
	}
	return 0
}

// indexDocuments chunks every document under path and embeds the chunks,
// which lands them in the persistent cache.
func indexDocuments(ctx context.Context, provider *embedding.CachedProvider, path string, size, overlap int) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	var docs []document.Document
	if info.IsDir() {
		docs, err = document.Walk(path, nil)
		if err != nil {
			return 0, err
		}
	} else {
		text, err := document.Read(path)
		if err != nil {
			return 0, err
		}
		docs = []document.Document{{Path: path, Text: text}}
	}

	total := 0
	for _, d := range docs {
		chunks := document.Chunk(d.Text, size, overlap)
		if _, err := provider.EmbedBatch(ctx, chunks); err != nil {
			return total, fmt.Errorf("embed %s: %w", d.Path, err)
		}
		log.Printf("embed: %s: %d chunks", d.Path, len(chunks))
		total += len(chunks)
	}
	return total, nil
}

// previewVector formats the first n components of v.
func previewVector(v []float32, n int) string {
	parts := make([]string, 0, n+1)
	for i := 0; i < len(v) && i < n; i++ {
		parts = append(parts, fmt.Sprintf("%.4f", v[i]))
	}
	if len(v) > n {
		parts = append(parts, "...")
	}
	return "[" + strings.Join(parts, " ") + "]"
}
