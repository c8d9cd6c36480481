//go:build native

package llamacpp

import (
	"runtime"
	"unsafe"

	"github.com/hybridgroup/yzma/pkg/llama"

	"Lumen/internal/engine"
)

// span is the occupied position range of one sequence.
type span struct{ min, max int32 }

type llamaContext struct {
	m      *model
	lctx   llama.Context
	mem    llama.Memory
	params engine.ContextParams

	// llama.cpp tracks cells itself; the spans mirror them for the
	// position queries.
	spans  map[int32]span
	logits map[int]bool
	freed  bool
}

func newContext(m *model, lctx llama.Context, mem llama.Memory, params engine.ContextParams) *llamaContext {
	params.NCtx = uint32(llama.NCtx(lctx))
	return &llamaContext{
		m:      m,
		lctx:   lctx,
		mem:    mem,
		params: params,
		spans:  map[int32]span{},
		logits: map[int]bool{},
	}
}

func (c *llamaContext) NCtx() uint32    { return c.params.NCtx }
func (c *llamaContext) NBatch() uint32  { return c.params.NBatch }
func (c *llamaContext) NSeqMax() uint32 { return c.params.NSeqMax }

// wireBatch holds the Go memory a llama.Batch points into. It must stay
// reachable until the call returns.
type wireBatch struct {
	batch   llama.Batch
	tokens  []llama.Token
	embd    []float32
	pos     []llama.Pos
	seqIDs  []llama.SeqId
	seqPtrs []*llama.SeqId
	nSeqIDs []int32
	logits  []int8
}

// toWire lays the batch out the way llama.cpp expects. Grid entries switch
// positions to the four-section multi-axis layout:
// [temporal..., y..., x..., 0...].
func toWire(b *engine.Batch) *wireBatch {
	n := b.Len()
	w := &wireBatch{
		seqIDs:  make([]llama.SeqId, n),
		seqPtrs: make([]*llama.SeqId, n),
		nSeqIDs: make([]int32, n),
		logits:  make([]int8, n),
	}

	if b.Grid != nil {
		w.pos = make([]llama.Pos, 4*n)
		for i := range n {
			w.pos[i] = llama.Pos(b.Pos[i])
			w.pos[n+i] = llama.Pos(b.Pos[i] + b.Grid[i][0])
			w.pos[2*n+i] = llama.Pos(b.Pos[i] + b.Grid[i][1])
		}
	} else {
		w.pos = make([]llama.Pos, n)
		for i, p := range b.Pos {
			w.pos[i] = llama.Pos(p)
		}
	}

	for i := range n {
		w.seqIDs[i] = llama.SeqId(b.SeqID[i])
		w.seqPtrs[i] = &w.seqIDs[i]
		w.nSeqIDs[i] = 1
		if b.Logits[i] {
			w.logits[i] = 1
		}
	}

	w.batch.NTokens = int32(n)
	if len(b.Token) > 0 {
		w.tokens = make([]llama.Token, n)
		for i, t := range b.Token {
			w.tokens[i] = llama.Token(t)
		}
		w.batch.Token = &w.tokens[0]
	} else {
		w.embd = b.Embd
		w.batch.Embd = &w.embd[0]
	}
	w.batch.Pos = &w.pos[0]
	w.batch.NSeqId = &w.nSeqIDs[0]
	w.batch.SeqId = (**llama.SeqId)(unsafe.Pointer(&w.seqPtrs[0]))
	w.batch.Logits = &w.logits[0]
	return w
}

func decodeStatus(rc int32, err error) int32 {
	switch {
	case err != nil && rc == 0:
		return engine.StatusInvalid
	case rc == 0:
		return engine.StatusOK
	case rc == 1:
		return engine.StatusNoKVSlot
	case rc == 2:
		return engine.StatusAborted
	default:
		return engine.StatusInvalid
	}
}

func (c *llamaContext) validate(b *engine.Batch) bool {
	n := b.Len()
	if c.freed || n == 0 || len(b.SeqID) != n || len(b.Logits) != n {
		return false
	}
	if b.Grid != nil && len(b.Grid) != n {
		return false
	}
	if len(b.Token) > 0 {
		return len(b.Token) == n && len(b.Embd) == 0
	}
	return b.NEmbd > 0 && len(b.Embd) == n*b.NEmbd
}

func (c *llamaContext) Decode(b *engine.Batch) int32 {
	if !c.validate(b) {
		return engine.StatusInvalid
	}
	w := toWire(b)
	rc, err := llama.Decode(c.lctx, w.batch)
	runtime.KeepAlive(w)

	status := decodeStatus(rc, err)
	if status != engine.StatusOK {
		return status
	}
	c.record(b)
	return status
}

func (c *llamaContext) Encode(b *engine.Batch) int32 {
	if !c.validate(b) {
		return engine.StatusInvalid
	}
	w := toWire(b)
	rc, err := llama.Encode(c.lctx, w.batch)
	runtime.KeepAlive(w)
	return decodeStatus(rc, err)
}

// record updates the spans and the logit rows after a successful decode.
func (c *llamaContext) record(b *engine.Batch) {
	clear(c.logits)
	for i, seq := range b.SeqID {
		p := b.Pos[i]
		s, ok := c.spans[seq]
		if !ok {
			s = span{min: p, max: p}
		}
		s.min = min(s.min, p)
		s.max = max(s.max, p)
		c.spans[seq] = s
		if b.Logits[i] {
			c.logits[i] = true
		}
	}
}

func (c *llamaContext) Logits(i int) []float32 {
	if !c.logits[i] {
		return nil
	}
	out, err := llama.GetLogitsIth(c.lctx, int32(i), c.m.info.VocabSize)
	if err != nil {
		return nil
	}
	return out
}

// Embeddings is not exposed per token; pooled vectors come from
// EmbeddingsSeq.
func (c *llamaContext) Embeddings(int) []float32 { return nil }

func (c *llamaContext) EmbeddingsSeq(seq int32) []float32 {
	vec, err := llama.GetEmbeddingsSeq(c.lctx, llama.SeqId(seq), c.m.info.NEmbd)
	if err != nil {
		return nil
	}
	return vec
}

func (c *llamaContext) MemorySeqRm(seq, p0, p1 int32) bool {
	llama.MemorySeqRm(c.mem, llama.SeqId(seq), llama.Pos(p0), llama.Pos(p1))
	if seq < 0 {
		for s := range c.spans {
			c.trim(s, p0, p1)
		}
		return true
	}
	c.trim(seq, p0, p1)
	return true
}

func (c *llamaContext) trim(seq, p0, p1 int32) {
	s, ok := c.spans[seq]
	if !ok {
		return
	}
	if p0 < 0 {
		p0 = 0
	}
	if p1 < 0 {
		p1 = s.max + 1
	}
	switch {
	case p0 <= s.min && p1 > s.max:
		delete(c.spans, seq)
		return
	case p1 > s.max:
		s.max = p0 - 1
	case p0 <= s.min:
		s.min = p1
	}
	c.spans[seq] = s
}

func (c *llamaContext) MemorySeqAdd(seq, p0, p1, delta int32) {
	llama.MemorySeqAdd(c.mem, llama.SeqId(seq), llama.Pos(p0), llama.Pos(p1), llama.Pos(delta))
	s, ok := c.spans[seq]
	if !ok {
		return
	}
	if p1 < 0 {
		p1 = s.max + 1
	}
	if p0 <= s.min && s.min < p1 {
		s.min += delta
	}
	if p0 <= s.max && s.max < p1 {
		s.max += delta
	}
	c.spans[seq] = s
}

func (c *llamaContext) MemorySeqPosMin(seq int32) int32 {
	if s, ok := c.spans[seq]; ok {
		return s.min
	}
	return -1
}

func (c *llamaContext) MemorySeqPosMax(seq int32) int32 {
	if s, ok := c.spans[seq]; ok {
		return s.max
	}
	return -1
}

func (c *llamaContext) MemoryClear() {
	llama.MemoryClear(c.mem, true)
	clear(c.spans)
	clear(c.logits)
}

func (c *llamaContext) SetCausalAttn(causal bool) {
	if !c.freed {
		llama.SetCausalAttn(c.lctx, causal)
	}
}

func (c *llamaContext) SetEmbeddings(enabled bool) {
	if !c.freed {
		llama.SetEmbeddings(c.lctx, enabled)
		c.params.Embeddings = enabled
	}
}

func (c *llamaContext) SetThreads(n, nb int32) {
	if !c.freed {
		llama.SetNThreads(c.lctx, n, nb)
		c.params.NThreads, c.params.NThreadsBatch = n, nb
	}
}

func (c *llamaContext) SetWarmup(warmup bool) {
	if !c.freed {
		llama.SetWarmup(c.lctx, warmup)
	}
}

func (c *llamaContext) Free() {
	if c.freed {
		return
	}
	c.freed = true
	llama.Free(c.lctx)
}
