// Package adapter implements the "native" runtime adapter: an in-process
// model, one inference context and an optional projector, driven through the
// safe native layer.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"Lumen/internal/config"
	"Lumen/internal/engine"
	_ "Lumen/internal/engine/reference"
	"Lumen/internal/media"
	"Lumen/internal/multimodal"
	"Lumen/internal/native"
	"Lumen/internal/runtime"
)

// Name is the runtime registry key.
const Name = "native"

const defaultMaxTokens = 512

var errClosed = errors.New("native: adapter closed")

func init() {
	runtime.Register(Name, New)
}

// Adapter implements runtime.Adapter. Requests are serialized; the KV cache
// keeps the last text prompt so a follow-up request sharing its prefix only
// evaluates the new suffix.
type Adapter struct {
	model    *native.Model
	ctx      *native.Context
	proj     *native.Projector // nil without mmproj_path
	pipeline *multimodal.Pipeline
	media    *media.Processor
	cfg      config.RuntimeConfig
	mu       sync.Mutex

	lastPromptTokens []int32
}

// New is the runtime factory. Media preprocessing uses the default limits.
func New(cfg config.RuntimeConfig) (runtime.Adapter, error) {
	return Open(cfg, config.Default().Media)
}

// Open loads the configured model, context and projector.
func Open(cfg config.RuntimeConfig, mc config.MediaConfig) (*Adapter, error) {
	nc := cfg.Native
	if nc.ModelPath == "" {
		return nil, fmt.Errorf("native: model_path is required")
	}

	backend, err := native.OpenBackend(nc.Engine, nc.LibPath)
	if err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}
	defer native.BackendFree(backend)

	modelOpts := native.DefaultModelOptions()
	modelOpts.NGPULayers = int32(nc.GPULayers)
	if nc.Mmap != nil {
		modelOpts.UseMmap = *nc.Mmap
	}
	if nc.Mlock != nil {
		modelOpts.UseMlock = *nc.Mlock
	}
	path := nc.ModelPath
	if _, _, _, split := native.SplitPrefix(path); !split && nc.Splits > 1 {
		path = native.SplitPath(strings.TrimSuffix(path, ".gguf"), 1, nc.Splits)
	}

	model, err := native.LoadModel(backend, path, modelOpts)
	if err != nil {
		return nil, fmt.Errorf("native: %w", err)
	}

	info := model.Info()
	preset, matched := native.MatchPreset(info.Description, path)
	if matched {
		native.LogPreset(preset, info.Description)
	}

	ctxOpts := contextOptions(nc)
	if matched {
		native.ApplyPresetToContextOpts(&ctxOpts, preset)
		native.ApplyPresetToDefaults(&cfg.Defaults, preset)
	}
	fillContextDefaults(&ctxOpts)

	nctx, err := native.NewContext(model, ctxOpts)
	if err != nil {
		model.Close()
		return nil, fmt.Errorf("native: %w", err)
	}

	a := &Adapter{model: model, ctx: nctx, cfg: cfg}

	if nc.WarmupEnabled() || matched && preset.WarmupRecommended {
		start := time.Now()
		if err := nctx.Warmup(nc.WarmupTokens); err != nil {
			a.Close()
			return nil, fmt.Errorf("native: warmup failed: %w", err)
		}
		log.Printf("native: warmup (%d tokens) completed in %v", max(1, nc.WarmupTokens), time.Since(start))
	}

	if nc.MmprojPath != "" {
		proj, err := model.LoadProjector(nc.MmprojPath, native.ProjectorOptions{
			UseGPU:   nc.GPULayers > 0,
			NThreads: ctxOpts.NThreads,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("native: %w", err)
		}
		a.proj = proj
		log.Printf("native: projector loaded (vision=%v, audio=%v)", proj.SupportsVision(), proj.SupportsAudio())
	}

	marker := nc.MediaMarker
	if marker == "" && matched {
		marker = preset.MediaMarker
	}
	a.pipeline, err = multimodal.New(model, a.proj, multimodal.Options{
		Marker:       marker,
		AddSpecial:   true,
		ParseSpecial: true,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("native: %w", err)
	}

	mediaCfg := media.Config{MaxWidth: mc.MaxWidth, MaxHeight: mc.MaxHeight, Workers: mc.Workers}
	if a.proj != nil && a.proj.SupportsAudio() {
		mediaCfg.SampleRate = a.proj.AudioBitrate()
	}
	a.media = media.NewProcessor(mediaCfg)

	log.Printf("native: model ready: %s, ctx=%d, batch=%d, threads=%d",
		info.Description, ctxOpts.NCtx, ctxOpts.NBatch, ctxOpts.NThreads)
	return a, nil
}

// Name returns the adapter identifier.
func (a *Adapter) Name() string { return Name }

// Marker returns the media placeholder prompts must use.
func (a *Adapter) Marker() string { return a.pipeline.Marker() }

// Generate performs a blocking completion, returning the full response.
func (a *Adapter) Generate(ctx context.Context, req runtime.Request) (runtime.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.run(ctx, req, nil)
}

// Stream emits generated text as it is produced. The concatenated Token
// fields equal the Text a Generate call with the same seed returns.
func (a *Adapter) Stream(ctx context.Context, req runtime.Request, cb runtime.StreamCallback) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	idx := 0
	resp, err := a.run(ctx, req, func(s string) error {
		ev := runtime.StreamEvent{Token: s, Index: idx}
		idx++
		return cb(ev)
	})
	if err != nil {
		if ctx.Err() != nil {
			_ = cb(runtime.StreamEvent{Final: true, Err: err, Stats: &resp.Stats})
		}
		return err
	}
	return cb(runtime.StreamEvent{Final: true, Finish: resp.Finish, Stats: &resp.Stats})
}

// prompt is the outcome of evaluating a request's prompt.
type prompt struct {
	logits []float32
	tokens int
	cached int
	media  int
}

// run evaluates the prompt and samples until EOG, a stop sequence or the
// token limit. emit, when set, receives text in StreamChunkSize batches.
func (a *Adapter) run(ctx context.Context, req runtime.Request, emit func(string) error) (runtime.Response, error) {
	if a.ctx == nil {
		return runtime.Response{}, errClosed
	}

	opts := mergeOptions(a.cfg.Defaults, req.Options)
	tok := a.model.Tokenizer()
	chain, err := native.NewSamplerChain(samplerOptions(opts), tok)
	if err != nil {
		return runtime.Response{}, fmt.Errorf("native: %w", err)
	}
	defer chain.Close()

	a.ctx.PerfReset()
	start := time.Now()

	p, err := a.evalPrompt(ctx, req, chain)
	if err != nil {
		a.lastPromptTokens = nil
		return runtime.Response{}, err
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	shift := a.cfg.Native.ContextShiftEnabled()
	if !shift {
		available := a.ctx.NCtx() - a.ctx.Used()
		if available <= 0 {
			a.lastPromptTokens = nil
			return runtime.Response{}, fmt.Errorf("native: context window full (%d/%d tokens used by prompt), no room for generation: %w",
				a.ctx.Used(), a.ctx.NCtx(), native.ErrCapacityExceeded)
		}
		maxTokens = min(maxTokens, available)
	}

	var (
		text      strings.Builder
		dec       native.PieceDecoder
		emitted   int
		pending   int
		generated int
		ttft      time.Duration
		finish    = "length"
		logits    = p.logits
		batch     = native.NewBatch(1)
		chunkSize = max(1, a.cfg.Native.StreamChunkSize)
	)
	flush := func(upTo int) error {
		if emit == nil || upTo <= emitted {
			return nil
		}
		s := text.String()[emitted:upTo]
		emitted, pending = upTo, 0
		return emit(s)
	}
	fail := func(err error) (runtime.Response, error) {
		a.lastPromptTokens = nil
		return a.response(text.String(), "error", p, generated, start, ttft), err
	}

	for generated < maxTokens {
		if err := ctx.Err(); err != nil {
			a.lastPromptTokens = nil
			return a.response(text.String(), "cancelled", p, generated, start, ttft), err
		}

		token, err := chain.Apply(logits)
		if err != nil {
			return fail(fmt.Errorf("native: sample: %w", err))
		}
		if generated == 0 {
			ttft = time.Since(start)
		}
		if tok.IsEOG(token) {
			finish = "stop"
			break
		}

		text.WriteString(dec.Write(tok.TokenToPiece(token, false)))
		generated++
		pending++

		if shouldStop(text.String(), opts.Stop) {
			trimmed := trimAtStop(text.String(), opts.Stop)
			text.Reset()
			text.WriteString(trimmed)
			finish = "stop"
			break
		}
		if pending >= chunkSize {
			if err := flush(text.Len() - stopHold(text.String(), opts.Stop)); err != nil {
				return fail(err)
			}
		}
		if generated == maxTokens {
			break
		}

		if shift && a.ctx.Used() >= a.ctx.NCtx() {
			n := int32(max(1, a.ctx.NCtx()/2))
			if err := a.ctx.Shift(n); err != nil {
				return fail(fmt.Errorf("native: context shift: %w", err))
			}
			a.lastPromptTokens = nil
			log.Printf("native: context full, discarded the oldest %d positions", n)
		}

		batch.Clear()
		if err := batch.PushToken(token, a.ctx.Pos(0), 0, true); err != nil {
			return fail(fmt.Errorf("native: %w", err))
		}
		out, err := a.ctx.Decode(batch)
		if err != nil {
			return fail(fmt.Errorf("native: eval token: %w", err))
		}
		logits = out[0]
	}

	if finish != "stop" {
		text.WriteString(dec.Flush())
	}
	if err := flush(text.Len()); err != nil {
		return fail(err)
	}
	return a.response(text.String(), finish, p, generated, start, ttft), nil
}

// evalPrompt fills the cache with the request's prompt and returns the
// logits of its last position. Prompt tokens feed the sampler history.
func (a *Adapter) evalPrompt(ctx context.Context, req runtime.Request, chain *native.SamplerChain) (prompt, error) {
	if req.HasMedia() {
		return a.evalMediaPrompt(ctx, req, chain)
	}

	tokens, err := a.model.Tokenizer().Tokenize(req.Prompt, true, true)
	if err != nil {
		return prompt{}, fmt.Errorf("native: tokenize: %w", err)
	}
	if len(tokens) == 0 {
		return prompt{}, fmt.Errorf("native: empty prompt")
	}
	if len(tokens) >= a.ctx.NCtx() {
		return prompt{}, fmt.Errorf("native: prompt of %d tokens does not fit a context of %d: %w",
			len(tokens), a.ctx.NCtx(), native.ErrCapacityExceeded)
	}

	// The last prompt token is always decoded again so its logits exist.
	prefix := min(commonPrefixLen(a.lastPromptTokens, tokens), len(tokens)-1)
	if prefix > 0 {
		err = a.ctx.Truncate(0, int32(prefix))
	} else {
		err = a.ctx.Reset()
	}
	if err != nil {
		return prompt{}, fmt.Errorf("native: %w", err)
	}
	a.lastPromptTokens = nil

	if err := ctx.Err(); err != nil {
		return prompt{}, err
	}
	chunks := multimodal.Chunks{&multimodal.TextChunk{Tokens: tokens[prefix:]}}
	_, logits, err := multimodal.Eval(a.ctx, chunks, multimodal.EvalOptions{NPast: int32(prefix)})
	if err != nil {
		return prompt{}, fmt.Errorf("native: eval prompt: %w", err)
	}

	for _, t := range tokens {
		chain.Accept(t)
	}
	a.lastPromptTokens = slices.Clone(tokens)
	return prompt{logits: logits, tokens: len(tokens), cached: prefix}, nil
}

// evalMediaPrompt loads the request's media, splits the prompt at the media
// markers and evaluates the interleaved chunks over a cleared cache.
func (a *Adapter) evalMediaPrompt(ctx context.Context, req runtime.Request, chain *native.SamplerChain) (prompt, error) {
	if a.proj == nil {
		return prompt{}, fmt.Errorf("native: media input needs mmproj_path: %w", native.ErrModalityUnsupported)
	}

	inputs := append(slices.Clone(req.Image), req.Audio...)
	bitmaps, err := a.media.LoadMany(ctx, inputs)
	if err != nil {
		return prompt{}, fmt.Errorf("native: %w", err)
	}
	for i, bm := range bitmaps {
		want := engine.ModalityImage
		if i >= len(req.Image) {
			want = engine.ModalityAudio
		}
		if bm.Modality() != want {
			return prompt{}, fmt.Errorf("native: input %d decodes as %s, listed as %s: %w",
				i, bm.Modality(), want, native.ErrModalityUnsupported)
		}
	}
	chunks, err := a.pipeline.Tokenize(req.Prompt, bitmaps)
	if err != nil {
		return prompt{}, fmt.Errorf("native: %w", err)
	}
	if n := chunks.NTokens(); n >= a.ctx.NCtx() {
		return prompt{}, fmt.Errorf("native: prompt of %d positions does not fit a context of %d: %w",
			n, a.ctx.NCtx(), native.ErrCapacityExceeded)
	}

	a.lastPromptTokens = nil
	if err := a.ctx.Reset(); err != nil {
		return prompt{}, fmt.Errorf("native: %w", err)
	}
	_, logits, err := multimodal.Eval(a.ctx, chunks, multimodal.EvalOptions{})
	if err != nil {
		return prompt{}, fmt.Errorf("native: eval prompt: %w", err)
	}

	p := prompt{logits: logits, tokens: chunks.NTokens()}
	for _, c := range chunks {
		if tc, ok := c.(*multimodal.TextChunk); ok {
			for _, t := range tc.Tokens {
				chain.Accept(t)
			}
		}
	}
	for _, mc := range chunks.Media() {
		p.media += mc.NTokens
	}
	return p, nil
}

func (a *Adapter) response(text, finish string, p prompt, generated int, start time.Time, ttft time.Duration) runtime.Response {
	perf := a.ctx.Perf()

	var promptTPS, genTPS float64
	if perf.PromptMs > 0 && perf.PromptCount > 0 {
		promptTPS = float64(perf.PromptCount) / (perf.PromptMs / 1000.0)
	}
	if perf.EvalMs > 0 && perf.EvalCount > 0 {
		genTPS = float64(perf.EvalCount) / (perf.EvalMs / 1000.0)
	}

	return runtime.Response{
		Text: text,
		Stats: runtime.Stats{
			TokensEvaluated: p.tokens,
			TokensGenerated: generated,
			TokensCached:    p.cached,
			Duration:        time.Since(start),
			TTFT:            ttft,
			PromptTPS:       promptTPS,
			GenerationTPS:   genTPS,
			MediaTokens:     p.media,
		},
		Raw:    perf,
		Finish: finish,
	}
}

// Close frees the pipeline, projector, context and model.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pipeline != nil {
		a.pipeline.Close()
		a.pipeline = nil
	}
	if a.proj != nil {
		a.proj.Close()
		a.proj = nil
	}
	if a.ctx != nil {
		a.ctx.Close()
		a.ctx = nil
	}
	if a.model != nil {
		a.model.Close()
		a.model = nil
	}
	a.lastPromptTokens = nil
	return nil
}
