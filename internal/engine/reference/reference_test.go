package reference

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"Lumen/internal/engine"
)

func loadDefault(t *testing.T) engine.Model {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.yaml")
	if err := DefaultModelDescriptor().Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}
	m, err := NewBackend().LoadModel([]string{path}, engine.ModelParams{})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	t.Cleanup(m.Free)
	return m
}

func tokenBatch(tokens []int32, start int32) *engine.Batch {
	b := &engine.Batch{}
	for i, tok := range tokens {
		b.Token = append(b.Token, tok)
		b.Pos = append(b.Pos, start+int32(i))
		b.SeqID = append(b.SeqID, 0)
		b.Logits = append(b.Logits, i == len(tokens)-1)
	}
	return b
}

func TestLoadModelErrors(t *testing.T) {
	dir := t.TempDir()

	badFormat := DefaultModelDescriptor()
	badFormat.Format = "gguf"
	badVersion := DefaultModelDescriptor()
	badVersion.Version = 7
	badArch := DefaultModelDescriptor()
	badArch.Architecture = "mamba"

	tests := []struct {
		name string
		desc *ModelDescriptor
	}{
		{"missing file", nil},
		{"format", &badFormat},
		{"version", &badVersion},
		{"architecture", &badArch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.name+".yaml")
			if tt.desc != nil {
				if err := tt.desc.Save(path); err != nil {
					t.Fatal(err)
				}
			}
			if _, err := NewBackend().LoadModel([]string{path}, engine.ModelParams{}); err == nil {
				t.Fatal("expected load error")
			}
		})
	}
}

func TestTokenizeRoundTrip(t *testing.T) {
	m := loadDefault(t)
	for _, s := range []string{"hello world", "yes", "the quick brown fox", "a\tb\n~!"} {
		toks, rc := m.Tokenize(s, false, false)
		if rc < 0 {
			t.Fatalf("Tokenize(%q) rc=%d", s, rc)
		}
		var got []byte
		for _, tok := range toks {
			got = append(got, m.TokenToPiece(tok, false)...)
		}
		if string(got) != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestTokenizeSpecial(t *testing.T) {
	m := loadDefault(t)
	toks, _ := m.Tokenize("<|im_end|>", true, true)
	if len(toks) != 2 || toks[0] != m.Info().BOS {
		t.Fatalf("tokens = %v", toks)
	}
	if !m.IsEOG(toks[1]) {
		t.Errorf("expected %d to be end-of-generation", toks[1])
	}
	if piece := m.TokenToPiece(toks[1], false); piece != nil {
		t.Errorf("control piece without special = %q", piece)
	}

	plain, _ := m.Tokenize("<|im_end|>", false, false)
	if len(plain) < 2 {
		t.Errorf("unparsed special collapsed to %v", plain)
	}

	if _, rc := m.Tokenize("bad \xff utf8", false, false); rc >= 0 {
		t.Error("expected negative status for invalid utf-8")
	}
}

func TestDecodeDeterministic(t *testing.T) {
	m := loadDefault(t)
	toks, _ := m.Tokenize("hello world", true, false)

	run := func() []float32 {
		ctx, err := m.NewContext(engine.ContextParams{NCtx: 64, NBatch: 16})
		if err != nil {
			t.Fatal(err)
		}
		defer ctx.Free()
		if rc := ctx.Decode(tokenBatch(toks, 0)); rc != engine.StatusOK {
			t.Fatalf("Decode rc=%d", rc)
		}
		out := ctx.Logits(len(toks) - 1)
		if len(out) != int(m.Info().VocabSize) {
			t.Fatalf("len(logits) = %d, want %d", len(out), m.Info().VocabSize)
		}
		return append([]float32(nil), out...)
	}

	if diff := cmp.Diff(run(), run()); diff != "" {
		t.Errorf("logits differ between runs (-a +b):\n%s", diff)
	}
}

func TestDecodeStatus(t *testing.T) {
	m := loadDefault(t)
	ctx, err := m.NewContext(engine.ContextParams{NCtx: 4, NBatch: 4})
	if err != nil {
		t.Fatal(err)
	}
	defer ctx.Free()

	if rc := ctx.Decode(tokenBatch([]int32{1, 10, 11}, 0)); rc != engine.StatusOK {
		t.Fatalf("rc=%d", rc)
	}
	if rc := ctx.Decode(tokenBatch([]int32{12}, 2)); rc != engine.StatusInvalid {
		t.Errorf("reused position rc=%d, want %d", rc, engine.StatusInvalid)
	}
	if rc := ctx.Decode(tokenBatch([]int32{12, 13}, 3)); rc != engine.StatusNoKVSlot {
		t.Errorf("overflow rc=%d, want %d", rc, engine.StatusNoKVSlot)
	}
	if rc := ctx.Decode(tokenBatch([]int32{99999}, 3)); rc != engine.StatusInvalid {
		t.Errorf("bad token rc=%d, want %d", rc, engine.StatusInvalid)
	}

	ctx.MemorySeqRm(0, 1, -1)
	if got := ctx.MemorySeqPosMax(0); got != 0 {
		t.Errorf("PosMax after rm = %d, want 0", got)
	}
	ctx.MemoryClear()
	if got := ctx.MemorySeqPosMax(0); got != -1 {
		t.Errorf("PosMax after clear = %d, want -1", got)
	}
}

func TestSplitModel(t *testing.T) {
	dir := t.TempDir()
	first := DefaultModelDescriptor()
	first.Split = &SplitInfo{Index: 1, Count: 2}
	second := DefaultModelDescriptor()
	second.Split = &SplitInfo{Index: 2, Count: 2}
	second.Pieces = []string{"lumen"}

	p1 := filepath.Join(dir, "toy-00001-of-00002.gguf")
	p2 := filepath.Join(dir, "toy-00002-of-00002.gguf")
	if err := first.Save(p1); err != nil {
		t.Fatal(err)
	}
	if err := second.Save(p2); err != nil {
		t.Fatal(err)
	}

	m, err := NewBackend().LoadModel([]string{p1, p2}, engine.ModelParams{})
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	toks, _ := m.Tokenize("lumen", false, false)
	if len(toks) != 1 {
		t.Errorf("piece from second split not loaded: %v", toks)
	}

	if _, err := NewBackend().LoadModel([]string{p2, p1}, engine.ModelParams{}); err == nil {
		t.Error("expected error for out-of-order splits")
	}
}

func TestProjectorEncode(t *testing.T) {
	m := loadDefault(t)
	path := filepath.Join(t.TempDir(), "mmproj.yaml")
	d := DefaultProjectorDescriptor()
	d.MRoPE = true
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	p, err := m.LoadProjector(path, engine.ProjectorParams{})
	if err != nil {
		t.Fatalf("LoadProjector: %v", err)
	}
	defer p.Free()

	rgb := make([]byte, 30*20*3)
	enc, rc := p.Encode(engine.Media{Modality: engine.ModalityImage, Width: 30, Height: 20, RGB: rgb})
	if rc != engine.EncodeOK {
		t.Fatalf("Encode rc=%d", rc)
	}
	want := engine.Encoded{NTokens: 6, NPos: 3, NX: 3, NY: 2}
	got := enc
	got.Embd = nil
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("encoded (-want +got):\n%s", diff)
	}
	if len(enc.Embd) != 6*16 {
		t.Errorf("len(Embd) = %d", len(enc.Embd))
	}

	if _, rc := p.Encode(engine.Media{Modality: engine.ModalityAudio, Samples: []float32{0.1}}); rc != engine.EncodeUnsupported {
		t.Errorf("audio rc=%d, want unsupported", rc)
	}
	if _, rc := p.Encode(engine.Media{Modality: engine.ModalityImage, Width: 2, Height: 2, RGB: []byte{1}}); rc != engine.EncodeFailed {
		t.Errorf("short image rc=%d, want failed", rc)
	}
}

func TestEncoderModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enc.yaml")
	d := DefaultModelDescriptor()
	d.Architecture = "toy-encoder"
	if err := d.Save(path); err != nil {
		t.Fatal(err)
	}
	m, err := NewBackend().LoadModel([]string{path}, engine.ModelParams{})
	if err != nil {
		t.Fatal(err)
	}
	ctx, err := m.NewContext(engine.ContextParams{NCtx: 64, Embeddings: true})
	if err != nil {
		t.Fatal(err)
	}
	toks, _ := m.Tokenize("hello", true, false)
	if toks[len(toks)-1] != m.Info().EOS {
		t.Errorf("encoder tokenization should end with EOS: %v", toks)
	}
	b := tokenBatch(toks, 0)
	if rc := ctx.Decode(b); rc != engine.StatusInvalid {
		t.Errorf("Decode on encoder rc=%d", rc)
	}
	if rc := ctx.Encode(b); rc != engine.StatusOK {
		t.Fatalf("Encode rc=%d", rc)
	}
	if v := ctx.EmbeddingsSeq(0); len(v) != 16 {
		t.Errorf("pooled len = %d, want 16", len(v))
	}
}
