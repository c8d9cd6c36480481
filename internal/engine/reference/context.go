package reference

import (
	"math"

	"Lumen/internal/engine"
)

type cell struct {
	seq int32
	pos int32
	key uint64
}

type refContext struct {
	m      *model
	params engine.ContextParams

	cells  []cell
	logits map[int][]float32
	embd   map[int][]float32
	pooled map[int32][]float32

	causal     bool
	embeddings bool
	warmup     bool
	freed      bool
}

func newContext(m *model, params engine.ContextParams) *refContext {
	return &refContext{
		m:          m,
		params:     params,
		cells:      make([]cell, 0, min(params.NCtx, 4096)),
		causal:     true,
		embeddings: params.Embeddings,
	}
}

func (c *refContext) NCtx() uint32    { return c.params.NCtx }
func (c *refContext) NBatch() uint32  { return c.params.NBatch }
func (c *refContext) NSeqMax() uint32 { return c.params.NSeqMax }

// validate checks the wire batch and returns the per-entry content hashes.
func (c *refContext) validate(b *engine.Batch, limit uint32) ([]uint64, bool) {
	n := b.Len()
	if n == 0 || n > int(limit) {
		return nil, false
	}
	if len(b.SeqID) != n || len(b.Logits) != n {
		return nil, false
	}
	if b.Grid != nil && len(b.Grid) != n {
		return nil, false
	}

	content := make([]uint64, n)
	switch {
	case len(b.Token) > 0:
		if len(b.Token) != n || len(b.Embd) != 0 {
			return nil, false
		}
		for i, tok := range b.Token {
			if tok < 0 || tok >= c.m.info.VocabSize {
				return nil, false
			}
			content[i] = uint64(tok) + 1
		}
	case len(b.Embd) > 0:
		if b.NEmbd != int(c.m.info.NEmbd) || len(b.Embd) != n*b.NEmbd {
			return nil, false
		}
		for i := range n {
			content[i] = hashFloats(b.Embd[i*b.NEmbd : (i+1)*b.NEmbd])
		}
	default:
		return nil, false
	}

	for i, seq := range b.SeqID {
		if seq < 0 || uint32(seq) >= c.params.NSeqMax {
			return nil, false
		}
		if b.Grid != nil {
			content[i] = combine(content[i], uint64(b.Grid[i][0])<<32|uint64(uint32(b.Grid[i][1])))
		}
	}
	return content, true
}

func (c *refContext) Decode(b *engine.Batch) int32 {
	if c.freed || c.m.freed.Load() || c.m.info.HasEncoder {
		return engine.StatusInvalid
	}
	content, ok := c.validate(b, c.params.NBatch)
	if !ok {
		return engine.StatusInvalid
	}

	// Positions must extend each sequence. Entries of one media grid share
	// their temporal position.
	last := make(map[int32]int32)
	for i, seq := range b.SeqID {
		prev, seen := last[seq]
		if !seen {
			prev = c.MemorySeqPosMax(seq)
		}
		pos := b.Pos[i]
		switch {
		case pos > prev:
		case b.Grid != nil && seen && pos == prev:
		default:
			return engine.StatusInvalid
		}
		last[seq] = pos
	}

	if len(c.cells)+b.Len() > int(c.params.NCtx) {
		return engine.StatusNoKVSlot
	}

	heads := make(map[int32]uint64)
	c.logits = make(map[int][]float32)
	c.embd = make(map[int][]float32)
	for i, seq := range b.SeqID {
		head, ok := heads[seq]
		if !ok {
			head = c.headKey(seq)
		}
		key := combine(combine(head, content[i]), uint64(b.Pos[i]))
		heads[seq] = key
		c.cells = append(c.cells, cell{seq: seq, pos: b.Pos[i], key: key})

		if c.warmup || !b.Logits[i] {
			continue
		}
		c.logits[i] = c.logitsFor(key)
		if c.embeddings {
			v := make([]float32, c.m.info.NEmbd)
			fillVector(v, key)
			c.embd[i] = v
		}
	}
	return engine.StatusOK
}

func (c *refContext) Encode(b *engine.Batch) int32 {
	if c.freed || c.m.freed.Load() || !c.m.info.HasEncoder {
		return engine.StatusInvalid
	}
	content, ok := c.validate(b, c.params.NUBatch)
	if !ok {
		return engine.StatusInvalid
	}

	c.logits = make(map[int][]float32)
	c.embd = make(map[int][]float32)
	c.pooled = make(map[int32][]float32)
	counts := make(map[int32]int)
	heads := make(map[int32]uint64)
	for i, seq := range b.SeqID {
		head, ok := heads[seq]
		if !ok {
			head = c.m.desc.Seed
		}
		key := combine(combine(head, content[i]), uint64(b.Pos[i]))
		heads[seq] = key

		v := make([]float32, c.m.info.NEmbd)
		fillVector(v, key)
		if b.Logits[i] {
			c.embd[i] = v
		}
		sum, ok := c.pooled[seq]
		if !ok {
			sum = make([]float32, len(v))
			c.pooled[seq] = sum
		}
		for j := range v {
			sum[j] += v[j]
		}
		counts[seq]++
	}
	for seq, sum := range c.pooled {
		for j := range sum {
			sum[j] /= float32(counts[seq])
		}
	}
	return engine.StatusOK
}

func (c *refContext) headKey(seq int32) uint64 {
	key, best := c.m.desc.Seed, int32(-1)
	for _, cl := range c.cells {
		if cl.seq == seq && cl.pos > best {
			key, best = cl.key, cl.pos
		}
	}
	return key
}

func (c *refContext) logitsFor(key uint64) []float32 {
	out := make([]float32, c.m.info.VocabSize)
	for v := range out {
		out[v] = 8 * unit(combine(key, uint64(v)))
	}
	return out
}

func (c *refContext) Logits(i int) []float32 {
	if c.freed {
		return nil
	}
	return c.logits[i]
}

func (c *refContext) Embeddings(i int) []float32 {
	if c.freed {
		return nil
	}
	return c.embd[i]
}

func (c *refContext) EmbeddingsSeq(seq int32) []float32 {
	if c.freed {
		return nil
	}
	if v, ok := c.pooled[seq]; ok {
		return v
	}
	if !c.embeddings {
		return nil
	}
	var (
		sum   []float32
		count int
		tmp   = make([]float32, c.m.info.NEmbd)
	)
	for _, cl := range c.cells {
		if cl.seq != seq {
			continue
		}
		if sum == nil {
			sum = make([]float32, c.m.info.NEmbd)
		}
		fillVector(tmp, cl.key)
		for j := range tmp {
			sum[j] += tmp[j]
		}
		count++
	}
	for j := range sum {
		sum[j] /= float32(count)
	}
	return sum
}

func (c *refContext) MemorySeqRm(seq, p0, p1 int32) bool {
	if p0 < 0 {
		p0 = 0
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}
	kept := c.cells[:0]
	for _, cl := range c.cells {
		if (seq < 0 || cl.seq == seq) && cl.pos >= p0 && cl.pos < p1 {
			continue
		}
		kept = append(kept, cl)
	}
	c.cells = kept
	return true
}

func (c *refContext) MemorySeqAdd(seq, p0, p1, delta int32) {
	if p0 < 0 {
		p0 = 0
	}
	if p1 < 0 {
		p1 = math.MaxInt32
	}
	for i := range c.cells {
		cl := &c.cells[i]
		if (seq < 0 || cl.seq == seq) && cl.pos >= p0 && cl.pos < p1 {
			cl.pos += delta
		}
	}
}

func (c *refContext) MemorySeqPosMin(seq int32) int32 {
	out := int32(-1)
	for _, cl := range c.cells {
		if cl.seq == seq && (out < 0 || cl.pos < out) {
			out = cl.pos
		}
	}
	return out
}

func (c *refContext) MemorySeqPosMax(seq int32) int32 {
	out := int32(-1)
	for _, cl := range c.cells {
		if cl.seq == seq && cl.pos > out {
			out = cl.pos
		}
	}
	return out
}

func (c *refContext) MemoryClear() {
	c.cells = c.cells[:0]
	c.pooled = nil
}

func (c *refContext) SetCausalAttn(causal bool) { c.causal = causal }

// CausalAttn reports the current attention mode of a reference context.
func CausalAttn(ec engine.Context) bool {
	c, ok := ec.(*refContext)
	return ok && c.causal
}

func (c *refContext) SetEmbeddings(enabled bool) { c.embeddings = enabled }
func (c *refContext) SetThreads(n, nBatch int32) { c.params.NThreads, c.params.NThreadsBatch = n, nBatch }
func (c *refContext) SetWarmup(warmup bool)      { c.warmup = warmup }

func (c *refContext) Free() {
	c.freed = true
	c.cells = nil
}
