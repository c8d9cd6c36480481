package native

import (
	"errors"
	"math/rand/v2"
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

func TestGrammarMatch(t *testing.T) {
	tests := []struct {
		name    string
		grammar string
		accept  []string
		reject  []string
	}{
		{
			name:    "alternation",
			grammar: `root ::= "yes" | "no"`,
			accept:  []string{"yes", "no"},
			reject:  []string{"", "ye", "yesno", "maybe", "No"},
		},
		{
			name:    "class with plus and optional",
			grammar: `root ::= [a-z]+ "!"?`,
			accept:  []string{"abc", "abc!", "z"},
			reject:  []string{"", "!", "ABC", "ab!!"},
		},
		{
			name:    "bounded repetition",
			grammar: `root ::= "a"{2,3}`,
			accept:  []string{"aa", "aaa"},
			reject:  []string{"a", "aaaa"},
		},
		{
			name:    "exact repetition",
			grammar: `root ::= "ab"{2}`,
			accept:  []string{"abab"},
			reject:  []string{"ab", "ababab"},
		},
		{
			name:    "open repetition",
			grammar: `root ::= "a"{2,}`,
			accept:  []string{"aa", "aaaaaa"},
			reject:  []string{"a"},
		},
		{
			name:    "negated class",
			grammar: `root ::= [^x]*`,
			accept:  []string{"", "abc", "é"},
			reject:  []string{"x", "axb"},
		},
		{
			name:    "any char",
			grammar: `root ::= . "z"`,
			accept:  []string{"az", "éz"},
			reject:  []string{"z", "abz"},
		},
		{
			name: "rule references and groups",
			grammar: `root ::= item ("," item)*
item ::= [0-9]+`,
			accept: []string{"1", "1,22,333"},
			reject: []string{"", "1,", "1,,2", "a"},
		},
		{
			name: "comments and escapes",
			grammar: `# a letter then e-acute
root ::= "\x41" [\u00e9] # trailing comment
`,
			accept: []string{"Aé"},
			reject: []string{"A", "Ae"},
		},
		{
			name:    "nested group alternation",
			grammar: `root ::= ("a" | "b") "c"`,
			accept:  []string{"ac", "bc"},
			reject:  []string{"c", "abc"},
		},
		{
			name:    "newline escape",
			grammar: `root ::= "a\nb"`,
			accept:  []string{"a\nb"},
			reject:  []string{`a\nb`},
		},
		{
			name: "multi line alternates",
			grammar: `root ::= (
    "left" |
    "right"
)`,
			accept: []string{"left", "right"},
			reject: []string{"leftright"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, err := ParseGrammar(tt.grammar, "")
			if err != nil {
				t.Fatalf("ParseGrammar: %v", err)
			}
			for _, s := range tt.accept {
				if !g.Match(s) {
					t.Errorf("Match(%q) = false, want true", s)
				}
			}
			for _, s := range tt.reject {
				if g.Match(s) {
					t.Errorf("Match(%q) = true, want false", s)
				}
			}
		})
	}
}

func TestGrammarCustomRoot(t *testing.T) {
	g, err := ParseGrammar(`answer ::= "ok"`, "answer")
	if err != nil {
		t.Fatal(err)
	}
	if !g.Match("ok") {
		t.Error("custom root not used")
	}
}

func TestGrammarErrors(t *testing.T) {
	tests := []struct {
		name    string
		grammar string
		detail  string
	}{
		{"empty", "", "empty grammar"},
		{"missing root", `answer ::= "yes"`, "root"},
		{"undefined rule", `root ::= answer`, "answer"},
		{"left recursion", `root ::= root "a" | "b"`, "left recursion"},
		{"indirect left recursion", "root ::= a\na ::= root \"x\"", "left recursion"},
		{"unterminated literal", `root ::= "abc`, ""},
		{"unknown escape", `root ::= "\q"`, "escape"},
		{"bad hex", `root ::= "\xZZ"`, "hex"},
		{"missing assignment", `root = "a"`, ""},
		{"inverted bounds", `root ::= "a"{3,1}`, ""},
		{"unclosed group", `root ::= ("a"`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseGrammar(tt.grammar, "")
			if !errors.Is(err, ErrGrammar) {
				t.Fatalf("err = %v, want ErrGrammar", err)
			}
			if tt.detail != "" && !strings.Contains(err.Error(), tt.detail) {
				t.Errorf("error %q does not mention %q", err, tt.detail)
			}
		})
	}
}

func TestGrammarErrorPosition(t *testing.T) {
	_, err := ParseGrammar("root ::= item\nitem ::= \"\\q\"", "")
	var serr *grammarSyntaxError
	if !errors.As(err, &serr) {
		t.Fatalf("err = %v, want a syntax error", err)
	}
	if serr.line != 2 {
		t.Errorf("line = %d, want 2", serr.line)
	}
}

func TestMustParseGrammarPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("MustParseGrammar did not panic")
		}
	}()
	MustParseGrammar(`root ::= nowhere`)
}

// ---------------------------------------------------------------------------
// Sampling
// ---------------------------------------------------------------------------

func TestGrammarYesNo(t *testing.T) {
	m := loadToy(t)
	tok := m.Tokenizer()

	opts := plainOptions(1.0, 1)
	opts.Grammar = `root ::= "yes" | "no"`

	rng := rand.New(rand.NewPCG(3, 5))
	for trial := range 200 {
		opts.Seed = uint32(trial)
		chain, err := NewSamplerChain(opts, tok)
		if err != nil {
			t.Fatal(err)
		}

		var out strings.Builder
		done := false
		for step := 0; step < 8 && !done; step++ {
			id, err := chain.Apply(randomLogits(rng, m.VocabSize()))
			if err != nil {
				t.Fatalf("trial %d step %d: %v", trial, step, err)
			}
			if tok.IsEOG(id) {
				done = true
				break
			}
			out.Write(tok.TokenToPiece(id, false))
		}
		if !done {
			t.Fatalf("trial %d: no end of generation after %q", trial, out.String())
		}
		if s := out.String(); s != "yes" && s != "no" {
			t.Fatalf("trial %d: generated %q", trial, s)
		}
	}
}

func TestGrammarIgnoresPromptTokens(t *testing.T) {
	m := loadToy(t)
	tok := m.Tokenizer()

	opts := plainOptions(0, 1)
	opts.Grammar = `root ::= "no"`
	chain, err := NewSamplerChain(opts, tok)
	if err != nil {
		t.Fatal(err)
	}

	prompt, err := tok.Tokenize("hello world", true, false)
	if err != nil {
		t.Fatal(err)
	}
	for _, id := range prompt {
		chain.Accept(id)
	}

	rng := rand.New(rand.NewPCG(1, 1))
	var out strings.Builder
	for range 4 {
		id, err := chain.Apply(randomLogits(rng, m.VocabSize()))
		if err != nil {
			t.Fatal(err)
		}
		if tok.IsEOG(id) {
			break
		}
		out.Write(tok.TokenToPiece(id, false))
	}
	if out.String() != "no" {
		t.Errorf("generated %q, want %q", out.String(), "no")
	}
}

func TestGrammarSamplerPartialUTF8(t *testing.T) {
	m := loadToy(t)
	tok := m.Tokenizer()
	s := newGrammarSampler(MustParseGrammar(`root ::= "é"`), tok)

	byteTok := func(b byte) int32 {
		ids, err := tok.Tokenize(string([]byte{b}), false, false)
		if err == nil && len(ids) == 1 {
			return ids[0]
		}
		// Lone continuation bytes are not valid text; fall back to the
		// byte token found by scanning the vocabulary.
		for id := range int32(m.VocabSize()) {
			if p := tok.TokenToPiece(id, false); len(p) == 1 && p[0] == b {
				return id
			}
		}
		t.Fatalf("no token for byte %#x", b)
		return -1
	}

	lead, cont, wrong := byteTok(0xC3), byteTok(0xA9), byteTok(0xA8)
	if !s.allows(lead) {
		t.Fatal("lead byte of é rejected")
	}
	if s.allows(byteTok('e')) {
		t.Error("ASCII e accepted")
	}
	if s.allows(tok.EOS()) {
		t.Error("end of generation accepted before the grammar completed")
	}

	s.Accept(lead)
	if !s.allows(cont) {
		t.Fatal("continuation byte rejected")
	}
	if s.allows(wrong) {
		t.Error("continuation completing è accepted")
	}

	s.Accept(cont)
	if !s.allows(tok.EOS()) {
		t.Error("end of generation rejected after a complete match")
	}
	if s.allows(byteTok('a')) {
		t.Error("text accepted after the grammar completed")
	}
}

func TestGrammarNoViableCandidate(t *testing.T) {
	m := loadToy(t)
	opts := plainOptions(0, 1)
	opts.Grammar = `root ::= "z"`
	chain, err := NewSamplerChain(opts, m.Tokenizer())
	if err != nil {
		t.Fatal(err)
	}
	// Only the control tokens and the first byte tokens are offered.
	if _, err := chain.Apply([]float32{1, 1, 1, 1, 1}); !errors.Is(err, ErrGrammar) {
		t.Errorf("err = %v, want ErrGrammar", err)
	}
}
