package subcommands

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"Lumen/internal/config"
	"Lumen/internal/inferbench"
	"Lumen/internal/runtime"
)

// ---------------------------------------------------------------------------
// generate
// ---------------------------------------------------------------------------

func TestParseGenerateFlags(t *testing.T) {
	opts, err := ParseGenerateFlags([]string{
		"--image", "a.png, b.png", "--audio", "clip.wav", "--seed", "42",
		"--stop", "</s>,###", "--stream", "describe", "these",
	})
	if err != nil {
		t.Fatal(err)
	}
	want := GenerateOptions{
		Message: "describe these",
		Images:  []string{"a.png", "b.png"},
		Audio:   []string{"clip.wav"},
		Stream:  true,
		Generation: runtime.GenerationOptions{
			Seed: 42,
			Stop: []string{"</s>", "###"},
		},
	}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}
}

func TestParseGenerateFlagsErrors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no message", nil},
		{"blank message", []string{"--message", "  "}},
		{"two grammars", []string{"--grammar", "root ::= \"a\"", "--grammar-file", "g.gbnf", "hi"}},
		{"bad flag", []string{"--nope", "hi"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseGenerateFlags(tt.args); err == nil {
				t.Error("no error")
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	dir := t.TempDir()
	docPath := filepath.Join(dir, "notes.md")
	if err := os.WriteFile(docPath, []byte("  the sky is green  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	grammarPath := filepath.Join(dir, "yes.gbnf")
	if err := os.WriteFile(grammarPath, []byte(`root ::= "yes"`), 0o644); err != nil {
		t.Fatal(err)
	}

	req, err := BuildRequest(GenerateOptions{
		Message:     "What colour is the sky?",
		Images:      []string{"x.png"},
		Documents:   []string{docPath},
		GrammarFile: grammarPath,
	})
	if err != nil {
		t.Fatal(err)
	}
	wantPrompt := "Document " + docPath + ":\nthe sky is green\n\nWhat colour is the sky?"
	if req.Prompt != wantPrompt {
		t.Errorf("prompt = %q, want %q", req.Prompt, wantPrompt)
	}
	if req.Options.Grammar != `root ::= "yes"` {
		t.Errorf("grammar = %q", req.Options.Grammar)
	}
	if !req.HasMedia() {
		t.Error("images dropped")
	}

	if _, err := BuildRequest(GenerateOptions{Message: "x", Documents: []string{filepath.Join(dir, "a.docx")}}); err == nil {
		t.Error("unsupported document: no error")
	}
	if _, err := BuildRequest(GenerateOptions{Message: "x", GrammarFile: filepath.Join(dir, "missing")}); err == nil {
		t.Error("missing grammar file: no error")
	}
}

func TestSplitList(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{" , ,", nil},
		{"a", []string{"a"}},
		{" a ,b,, c ", []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		if got := splitList(tt.in); !cmp.Equal(tt.want, got) {
			t.Errorf("splitList(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFormatStats(t *testing.T) {
	got := formatStats(runtime.Stats{
		TokensEvaluated: 10,
		TokensGenerated: 5,
		TokensCached:    2,
		MediaTokens:     64,
		TTFT:            1500 * time.Microsecond,
		GenerationTPS:   12.34,
	}, "stop")
	want := "eval=10 gen=5 cached=2 media=64 ttft=1ms tps=12.3 finish=stop"
	if got != want {
		t.Errorf("formatStats = %q, want %q", got, want)
	}
	if got := formatStats(runtime.Stats{}, ""); got != "eval=0 gen=0 cached=0" {
		t.Errorf("empty stats = %q", got)
	}
}

// ---------------------------------------------------------------------------
// tokenize / embed
// ---------------------------------------------------------------------------

type mapPieces map[int32]string

func (m mapPieces) TokenToPiece(id int32, _ bool) []byte { return []byte(m[id]) }

func TestPrintTokens(t *testing.T) {
	tok := mapPieces{1: "<s>", 42: "Hello", 7: " world"}
	ids := []int32{1, 42, 7}

	tests := []struct {
		name         string
		pieces, json bool
		want         string
	}{
		{"list", false, false, "[1, 42, 7]\n"},
		{"pieces", true, false, "     1  \"<s>\"\n    42  \"Hello\"\n     7  \" world\"\n3 tokens\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := printTokens(&buf, tok, ids, tt.pieces, tt.json); err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(tt.want, buf.String()); diff != "" {
				t.Errorf("output (-want +got):\n%s", diff)
			}
		})
	}

	var buf bytes.Buffer
	if err := printTokens(&buf, tok, ids, false, true); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"piece": " world"`) || !strings.Contains(buf.String(), `"id": 42`) {
		t.Errorf("json output = %s", buf.String())
	}
}

func TestPreviewVector(t *testing.T) {
	if got := previewVector([]float32{0.5, -0.25}, 4); got != "[0.5000 -0.2500]" {
		t.Errorf("short = %q", got)
	}
	if got := previewVector([]float32{1, 2, 3}, 2); got != "[1.0000 2.0000 ...]" {
		t.Errorf("long = %q", got)
	}
}

// ---------------------------------------------------------------------------
// tui
// ---------------------------------------------------------------------------

func TestSetParam(t *testing.T) {
	var opts TuiOptions
	for _, kv := range [][2]string{
		{"temperature", "0.2"}, {"top_k", "20"}, {"max_tokens", "64"},
		{"seed", "-1"}, {"stream", "true"}, {"STATS", "1"},
	} {
		if reply := setParam(&opts, kv[0], kv[1]); !strings.HasPrefix(reply, "Parameter") {
			t.Errorf("set %s: %s", kv[0], reply)
		}
	}
	want := TuiOptions{
		Stream:     true,
		ShowStats:  true,
		Generation: runtime.GenerationOptions{Temperature: 0.2, TopK: 20, MaxTokens: 64, Seed: -1},
	}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Errorf("options (-want +got):\n%s", diff)
	}

	if reply := setParam(&opts, "top_k", "many"); !strings.HasPrefix(reply, "Invalid") {
		t.Errorf("bad value reply = %q", reply)
	}
	if reply := setParam(&opts, "colour", "red"); !strings.HasPrefix(reply, "Unknown") {
		t.Errorf("unknown param reply = %q", reply)
	}
	if opts.Generation.TopK != 20 {
		t.Errorf("bad value changed top_k to %d", opts.Generation.TopK)
	}
}

// ---------------------------------------------------------------------------
// bench / config
// ---------------------------------------------------------------------------

func TestDeltaPercent(t *testing.T) {
	tests := []struct {
		base, cur, want float64
	}{
		{100, 50, -50},
		{100, 150, 50},
		{0, 10, 0},
	}
	for _, tt := range tests {
		if got := deltaPercent(tt.base, tt.cur); got != tt.want {
			t.Errorf("deltaPercent(%v, %v) = %v, want %v", tt.base, tt.cur, got, tt.want)
		}
	}
}

func TestPrintComparisonMatchesByName(t *testing.T) {
	base := &inferbench.BenchmarkReport{Summaries: []inferbench.PromptSummary{
		{Name: "short", GenerationTPS: inferbench.FloatStats{Mean: 10}},
		{Name: "only-in-base"},
	}}
	cur := &inferbench.BenchmarkReport{Summaries: []inferbench.PromptSummary{
		{Name: "short", GenerationTPS: inferbench.FloatStats{Mean: 15}},
	}}
	var buf bytes.Buffer
	printComparison(&buf, base, cur)
	out := buf.String()
	if !strings.Contains(out, "[short]") || strings.Contains(out, "only-in-base") {
		t.Errorf("unexpected sections:\n%s", out)
	}
	if !strings.Contains(out, "+50.0%") {
		t.Errorf("missing TPS delta:\n%s", out)
	}
}

func TestRunConfig(t *testing.T) {
	var buf bytes.Buffer
	if code := RunConfig(&buf, config.Default()); code != 0 {
		t.Fatalf("exit code %d", code)
	}
	for _, want := range []string{"runtime:", "backend: native", "engine: reference", "type: tcp"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("config output lacks %q", want)
		}
	}
}
