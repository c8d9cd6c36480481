package subcommands

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/goccy/go-json"

	"Lumen/internal/config"
	"Lumen/internal/native"
)

// TokenInfo is one token in tokenize output.
type TokenInfo struct {
	ID    int32  `json:"id"`
	Piece string `json:"piece"`
}

// RunTokenize prints the token ids of a text under the configured model.
func RunTokenize(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("tokenize", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)
	text := fs.String("text", "", "Text to tokenize (positional arguments also accepted)")
	file := fs.String("file", "", "Read the text from a file ('-' for stdin)")
	noSpecial := fs.Bool("no-special", false, "Do not add BOS/EOS tokens")
	parseSpecial := fs.Bool("parse-special", true, "Recognise special token text such as <|im_start|>")
	pieces := fs.Bool("pieces", false, "Print each token with its text piece")
	asJSON := fs.Bool("json", false, "Print JSON")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	input := *text
	switch {
	case *file == "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			return 1
		}
		input = string(data)
	case *file != "":
		data, err := os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "read %s: %v\n", *file, err)
			return 1
		}
		input = string(data)
	case input == "":
		input = strings.Join(fs.Args(), " ")
	}
	if input == "" {
		fmt.Fprintln(os.Stderr, "tokenize requires --text, --file or a positional argument")
		return 1
	}

	nc := cfg.Runtime.Native
	if nc.ModelPath == "" {
		fmt.Fprintln(os.Stderr, "runtime.native.model_path is not set")
		return 1
	}
	backend, err := native.OpenBackend(nc.Engine, nc.LibPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer native.BackendFree(backend)

	opts := native.DefaultModelOptions()
	if nc.Mmap != nil {
		opts.UseMmap = *nc.Mmap
	}
	model, err := native.LoadModel(backend, nc.ModelPath, opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	defer model.Close()

	tok := model.Tokenizer()
	ids, err := tok.Tokenize(input, !*noSpecial, *parseSpecial)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	if err := printTokens(os.Stdout, tok, ids, *pieces, *asJSON); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}
	return 0
}

type pieceSource interface {
	TokenToPiece(token int32, special bool) []byte
}

// printTokens writes ids as a list, one token per line with pieces, or JSON.
func printTokens(w io.Writer, tok pieceSource, ids []int32, pieces, asJSON bool) error {
	if asJSON {
		out := make([]TokenInfo, len(ids))
		for i, id := range ids {
			out[i] = TokenInfo{ID: id, Piece: string(tok.TokenToPiece(id, true))}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}
	if pieces {
		for _, id := range ids {
			if _, err := fmt.Fprintf(w, "%6d  %q\n", id, tok.TokenToPiece(id, true)); err != nil {
				return err
			}
		}
		_, err := fmt.Fprintf(w, "%d tokens\n", len(ids))
		return err
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = fmt.Sprint(id)
	}
	_, err := fmt.Fprintf(w, "[%s]\n", strings.Join(strs, ", "))
	return err
}
