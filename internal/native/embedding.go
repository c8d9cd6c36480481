package native

import (
	"context"
	"fmt"
	"log"
	"math"
	"path/filepath"
	"sync"

	"Lumen/internal/config"
	"Lumen/internal/embedding"
)

// Embedder computes pooled sentence embeddings with a model loaded in
// process. Encoder-only models run Encode; decoder models run Decode in
// embeddings mode over a cleared cache. Calls are serialized.
type Embedder struct {
	model      *Model
	ctx        *Context
	batch      *Batch
	hasEncoder bool
	id         string
	mu         sync.Mutex
}

func init() {
	embedding.RegisterProvider("native", newNativeEmbeddingProvider)
}

// newNativeEmbeddingProvider opens the configured engine, loads the model
// and wraps it in an Embedder that owns both.
func newNativeEmbeddingProvider(cfg config.EmbeddingConfig) (embedding.Provider, error) {
	nc := cfg.Native
	if nc.ModelPath == "" {
		return nil, fmt.Errorf("native embedding: model_path is required")
	}

	backend, err := OpenBackend(nc.Engine, nc.LibPath)
	if err != nil {
		return nil, fmt.Errorf("native embedding: %w", err)
	}
	defer BackendFree(backend)

	modelOpts := DefaultModelOptions()
	modelOpts.NGPULayers = int32(nc.GPULayers)
	if nc.Mmap != nil {
		modelOpts.UseMmap = *nc.Mmap
	}
	if nc.Mlock != nil {
		modelOpts.UseMlock = *nc.Mlock
	}

	model, err := LoadModel(backend, nc.ModelPath, modelOpts)
	if err != nil {
		return nil, fmt.Errorf("native embedding: %w", err)
	}

	ctxOpts := ContextOptions{FlashAttn: -1, RopeScaling: DefaultContextOptions().RopeScaling}
	if preset, ok := MatchPreset(model.Info().Description, nc.ModelPath); ok {
		log.Printf("native embedding: auto-detected preset %q", preset.Name)
		ApplyPresetToContextOpts(&ctxOpts, preset)
	}
	if nc.ContextSize > 0 {
		ctxOpts.NCtx = uint32(nc.ContextSize)
	}
	if nc.BatchSize > 0 {
		ctxOpts.NBatch = uint32(nc.BatchSize)
	}
	if nc.UbatchSize > 0 {
		ctxOpts.NUBatch = uint32(nc.UbatchSize)
	}
	if nc.Threads > 0 {
		ctxOpts.NThreads = int32(nc.Threads)
	}

	e, err := NewEmbedder(model, ctxOpts)
	// The embedder's context holds its own model reference.
	model.Close()
	if err != nil {
		return nil, fmt.Errorf("native embedding: %w", err)
	}
	return e, nil
}

// NewEmbedder creates an embedding context over m. Embeddings mode is
// forced on; the batch size also bounds the tokens embedded per text.
func NewEmbedder(m *Model, opts ContextOptions) (*Embedder, error) {
	opts.Embeddings = true
	if opts.NBatch == 0 {
		opts.NBatch = opts.NCtx
	}
	ctx, err := NewContext(m, opts)
	if err != nil {
		return nil, err
	}
	info := m.Info()
	log.Printf("native embedding: model loaded (%s, %d dims, ctx=%d, batch=%d, encoder=%v)",
		info.Description, info.NEmbd, ctx.NCtx(), ctx.NBatch(), info.HasEncoder)

	return &Embedder{
		model:      m,
		ctx:        ctx,
		batch:      NewBatch(ctx.NBatch()),
		hasEncoder: info.HasEncoder,
		id:         fmt.Sprintf("%s:%s", info.Architecture, filepath.Base(m.Path())),
	}, nil
}

// ModelID identifies the model producing the vectors.
func (e *Embedder) ModelID() string { return e.id }

// Dim returns the embedding width.
func (e *Embedder) Dim() int { return e.model.NEmbd() }

// Embed tokenizes text and returns its L2-normalized pooled embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tokens, err := e.model.Tokenizer().Tokenize(text, true, false)
	if err != nil {
		return nil, fmt.Errorf("native embedding: %w", err)
	}
	return e.EmbedTokens(tokens)
}

// EmbedTokens embeds an already tokenized text. Inputs longer than the
// batch size are truncated to their head.
func (e *Embedder) EmbedTokens(tokens []int32) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx == nil {
		return nil, newError(ErrClosed, "embed", "embedder")
	}
	if len(tokens) == 0 {
		return nil, newError(ErrTokenize, "embed", "empty token sequence")
	}
	if n := e.batch.Cap(); len(tokens) > n {
		log.Printf("native embedding: truncating %d tokens to %d", len(tokens), n)
		tokens = tokens[:n]
	}

	e.batch.Clear()
	if err := e.batch.PushTokens(tokens, 0, 0, false); err != nil {
		return nil, err
	}

	if e.hasEncoder {
		if err := e.ctx.Encode(e.batch); err != nil {
			return nil, err
		}
	} else {
		if err := e.ctx.Reset(); err != nil {
			return nil, err
		}
		if _, err := e.ctx.Decode(e.batch); err != nil {
			return nil, err
		}
	}

	raw, err := e.ctx.EmbeddingsSeq(0)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, newError(ErrInvalidBatch, "embed", "engine returned no pooled embedding")
	}
	if want := e.model.NEmbd(); len(raw) != want {
		return nil, newError(ErrInvalidBatch, "embed", "dimension mismatch: got %d, expected %d", len(raw), want)
	}

	out := make([]float32, len(raw))
	copy(out, raw)
	Normalize(out)
	return out, nil
}

// Close frees the context and with it the embedder's model reference.
func (e *Embedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ctx == nil {
		return nil
	}
	err := e.ctx.Close()
	e.ctx = nil
	return err
}

// Normalize scales v in place to unit L2 length. Zero vectors are left
// unchanged.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// CosineSimilarity returns the cosine of the angle between a and b, or 0
// when the lengths differ or either vector is zero.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
