//go:build native

package llamacpp

import (
	"fmt"
	"strconv"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/hybridgroup/yzma/pkg/mtmd"

	"Lumen/internal/engine"
)

type model struct {
	mdl   llama.Model
	vocab llama.Vocab
	info  engine.ModelInfo
}

func newModel(mdl llama.Model) *model {
	m := &model{mdl: mdl, vocab: llama.ModelGetVocab(mdl)}
	arch := metaString(mdl, "general.architecture")
	m.info = engine.ModelInfo{
		Architecture: arch,
		Description:  llama.ModelDesc(mdl),
		VocabSize:    llama.VocabNTokens(m.vocab),
		NEmbd:        llama.ModelNEmbd(mdl),
		NCtxTrain:    metaInt(mdl, arch+".context_length", 0),
		NLayer:       metaInt(mdl, arch+".block_count", 0),
		Size:         uint64(llama.ModelSize(mdl)),
		BOS:          metaInt(mdl, "tokenizer.ggml.bos_token_id", -1),
		EOS:          metaInt(mdl, "tokenizer.ggml.eos_token_id", -1),
		PAD:          metaInt(mdl, "tokenizer.ggml.padding_token_id", -1),
		HasEncoder:   llama.ModelHasEncoder(mdl),
		ChatTemplate: llama.ModelChatTemplate(mdl, ""),
	}
	return m
}

func metaString(mdl llama.Model, key string) string {
	v, _ := llama.ModelMetaValStr(mdl, key)
	return v
}

func metaInt(mdl llama.Model, key string, def int32) int32 {
	v, err := strconv.ParseInt(metaString(mdl, key), 10, 32)
	if err != nil {
		return def
	}
	return int32(v)
}

func (m *model) Info() engine.ModelInfo { return m.info }

func (m *model) Tokenize(text string, addSpecial, parseSpecial bool) ([]int32, int32) {
	toks := llama.Tokenize(m.vocab, text, addSpecial, parseSpecial)
	if len(toks) == 0 && text != "" && !addSpecial {
		return nil, -1
	}
	out := make([]int32, len(toks))
	for i, t := range toks {
		out[i] = int32(t)
	}
	return out, int32(len(out))
}

func (m *model) TokenToPiece(token int32, special bool) []byte {
	buf := make([]byte, 64)
	n := llama.TokenToPiece(m.vocab, llama.Token(token), buf, 0, special)
	if n < 0 {
		buf = make([]byte, -n)
		n = llama.TokenToPiece(m.vocab, llama.Token(token), buf, 0, special)
	}
	if n <= 0 {
		return nil
	}
	return buf[:n]
}

func (m *model) IsEOG(token int32) bool {
	return llama.VocabIsEOG(m.vocab, llama.Token(token))
}

func (m *model) NewContext(params engine.ContextParams) (engine.Context, error) {
	cp := llama.ContextDefaultParams()
	applyContextParams(&cp, params)

	lctx, err := llama.InitFromModel(m.mdl, cp)
	if err != nil {
		return nil, fmt.Errorf("engine/llamacpp: init context: %w", err)
	}
	mem, err := llama.GetMemory(lctx)
	if err != nil {
		llama.Free(lctx)
		return nil, fmt.Errorf("engine/llamacpp: get memory: %w", err)
	}
	return newContext(m, lctx, mem, params), nil
}

func (m *model) LoadProjector(path string, params engine.ProjectorParams) (engine.Projector, error) {
	pp := mtmd.ContextParamsDefault()
	pp.UseGPU = params.UseGPU
	pp.FlashAttentionType = llama.FlashAttentionTypeAuto

	mctx, err := mtmd.InitFromFile(path, m.mdl, pp)
	if err != nil {
		return nil, fmt.Errorf("engine/llamacpp: load projector %q: %w", path, err)
	}
	return &projector{m: m, mctx: mctx}, nil
}

func (m *model) Free() {
	llama.ModelFree(m.mdl)
}

// llama.cpp enum values. ggml_type numbers are stable across releases.
const (
	ggmlTypeF16  = 1
	ggmlTypeQ4_0 = 2
	ggmlTypeQ8_0 = 8
)

func ggmlCacheType(t engine.KVCacheType) int32 {
	switch t {
	case engine.KVCacheQ8_0:
		return ggmlTypeQ8_0
	case engine.KVCacheQ4_0:
		return ggmlTypeQ4_0
	default:
		return ggmlTypeF16
	}
}

// setEnum stores a llama.cpp enum value into a binding field whatever its
// integer type.
func setEnum[T ~int32 | ~uint32 | ~int | ~uint8 | ~int8](dst *T, v int32) { *dst = T(v) }

func cbool(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}

// applyContextParams copies the contract parameters onto llama.cpp context
// params. Zero sizes keep the library defaults.
func applyContextParams(cp *llama.ContextParams, params engine.ContextParams) {
	if params.NCtx > 0 {
		cp.NCtx = params.NCtx
	}
	if params.NBatch > 0 {
		cp.NBatch = params.NBatch
	}
	if params.NUBatch > 0 {
		cp.NUbatch = params.NUBatch
	}
	if params.NSeqMax > 0 {
		cp.NSeqMax = params.NSeqMax
	}
	if params.NThreads > 0 {
		cp.NThreads = params.NThreads
	}
	if params.NThreadsBatch > 0 {
		cp.NThreadsBatch = params.NThreadsBatch
	}
	cp.Embeddings = cbool(params.Embeddings)
	setEnum(&cp.FlashAttentionType, params.FlashAttn)
	setEnum(&cp.TypeK, ggmlCacheType(params.TypeK))
	setEnum(&cp.TypeV, ggmlCacheType(params.TypeV))
	// engine.RopeScaling shares llama.cpp's numbering, unspecified is -1.
	setEnum(&cp.RopeScalingType, int32(params.RopeScaling))
}

func applyModelParams(mp *llama.ModelParams, params engine.ModelParams) {
	mp.NGpuLayers = params.GPULayers
	mp.UseMmap = cbool(params.UseMmap)
	mp.UseMlock = cbool(params.UseMlock)
}
