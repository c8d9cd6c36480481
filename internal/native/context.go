package native

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"Lumen/internal/engine"
)

// ContextOptions configures the inference context.
type ContextOptions struct {
	// NCtx is the KV cache size in cells. 0 = use model's training context.
	NCtx uint32

	// NBatch is the max number of entries accepted by one Decode call.
	NBatch uint32

	// NUBatch is the physical micro-batch size. 0 = NBatch.
	NUBatch uint32

	// NSeqMax is the number of independent sequences. 0 = 1.
	NSeqMax uint32

	// NThreads is the number of threads for single-token generation.
	// 0 = auto-detect.
	NThreads int32

	// NThreadsBatch is the number of threads for batch processing.
	// 0 = same as NThreads.
	NThreadsBatch int32

	// Embeddings enables embedding extraction mode.
	Embeddings bool

	// FlashAttn controls flash attention: -1=auto, 0=disabled, 1=enabled.
	FlashAttn int32

	// KVCacheType sets the element type of both K and V caches.
	KVCacheType engine.KVCacheType

	// RopeScaling selects the rotary scaling mode.
	RopeScaling engine.RopeScaling
}

// DefaultContextOptions returns defaults for small models on CPU.
func DefaultContextOptions() ContextOptions {
	return ContextOptions{
		NCtx:        2048,
		NBatch:      512,
		NSeqMax:     1,
		NThreads:    4,
		FlashAttn:   -1,
		RopeScaling: engine.RopeScalingUnspecified,
	}
}

// PerfData holds decode counters since the last reset. Multi-entry decodes
// count as prompt processing, single-entry decodes as generation.
type PerfData struct {
	PromptCount int
	PromptMs    float64
	EvalCount   int
	EvalMs      float64
	Decodes     int
}

// Context is one decode session: a KV cache plus per-sequence position
// counters. Decode is not reentrant; an engine call issued while another is
// running on the same Context fails with ErrConcurrentAccess instead of
// waiting. A Context holds a reference to its Model.
type Context struct {
	model *Model
	ec    engine.Context
	opts  ContextOptions
	vocab int
	nEmbd int

	busy atomic.Bool

	mu         sync.Mutex
	closed     bool
	next       map[int32]int32   // next free position per sequence
	cells      map[int32][]int32 // positions of cached cells per sequence
	logits     map[int][]float32
	embd       map[int][]float32
	pooled     map[int32][]float32
	embeddings bool
	causal     bool
	perf       PerfData
}

// NewContext creates an inference context over m.
func NewContext(m *Model, opts ContextOptions) (*Context, error) {
	if m == nil {
		return nil, newError(ErrClosed, "new context", "model is nil")
	}
	if err := m.retain(); err != nil {
		return nil, err
	}

	params := engine.ContextParams{
		NCtx:          opts.NCtx,
		NBatch:        opts.NBatch,
		NUBatch:       opts.NUBatch,
		NSeqMax:       opts.NSeqMax,
		NThreads:      opts.NThreads,
		NThreadsBatch: opts.NThreadsBatch,
		Embeddings:    opts.Embeddings,
		FlashAttn:     opts.FlashAttn,
		TypeK:         opts.KVCacheType,
		TypeV:         opts.KVCacheType,
		RopeScaling:   opts.RopeScaling,
	}
	if params.NThreadsBatch == 0 {
		params.NThreadsBatch = params.NThreads
	}

	var ec engine.Context
	err := m.alive("new context", func(em engine.Model) error {
		var err error
		ec, err = em.NewContext(params)
		return err
	})
	if err != nil {
		m.release()
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, wrapError(ErrLoad, "new context", err)
	}

	opts.NCtx, opts.NBatch, opts.NSeqMax = ec.NCtx(), ec.NBatch(), ec.NSeqMax()
	return &Context{
		model:      m,
		ec:         ec,
		opts:       opts,
		vocab:      int(m.info.VocabSize),
		nEmbd:      int(m.info.NEmbd),
		next:       make(map[int32]int32),
		cells:      make(map[int32][]int32),
		embeddings: opts.Embeddings,
		causal:     true,
	}, nil
}

// enter claims exclusive use of the engine context.
func (c *Context) enter(op string) (func(), error) {
	if !c.busy.CompareAndSwap(false, true) {
		return nil, newError(ErrConcurrentAccess, op, "another call is in progress on this context")
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.busy.Store(false)
		return nil, newError(ErrClosed, op, "context")
	}
	return func() { c.busy.Store(false) }, nil
}

// Model returns the model the context was created from.
func (c *Context) Model() *Model { return c.model }

// NCtx returns the KV cache size in cells.
func (c *Context) NCtx() int { return int(c.opts.NCtx) }

// NBatch returns the largest batch Decode accepts.
func (c *Context) NBatch() int { return int(c.opts.NBatch) }

// NSeqMax returns the number of sequences.
func (c *Context) NSeqMax() int { return int(c.opts.NSeqMax) }

// Decode runs one forward pass over b and returns a copy of the logits of
// every entry that requested them, in batch order. Positions of each
// sequence must continue from Pos. A failed decode leaves the cache and the
// position counters as they were.
func (c *Context) Decode(b *Batch) ([][]float32, error) {
	done, err := c.enter("decode")
	if err != nil {
		return nil, err
	}
	defer done()

	if b == nil || b.Len() == 0 {
		return nil, newError(ErrInvalidBatch, "decode", "empty batch")
	}
	if b.Len() > int(c.opts.NBatch) {
		return nil, newError(ErrCapacityExceeded, "decode", "batch of %d exceeds max batch size %d", b.Len(), c.opts.NBatch)
	}

	c.mu.Lock()
	next := maps.Clone(c.next)
	c.mu.Unlock()

	starts, ends, err := c.checkPositions(b.entries, next)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	outputs := make([][]float32, 0, 1)
	logits := make(map[int][]float32)
	embd := make(map[int][]float32)
	for _, run := range splitRuns(b.entries) {
		rc := c.ec.Decode(wireBatch(b.entries[run[0]:run[1]]))
		if err := decodeError("decode", rc); err != nil {
			c.rollback(starts)
			return nil, err
		}
		for j := run[0]; j < run[1]; j++ {
			if !b.entries[j].Logits {
				continue
			}
			src := c.ec.Logits(j - run[0])
			if len(src) != c.vocab {
				c.rollback(starts)
				return nil, newError(ErrInvalidBatch, "decode", "engine returned %d logits for entry %d, want %d", len(src), j, c.vocab)
			}
			out := slices.Clone(src)
			logits[j] = out
			outputs = append(outputs, out)
			if c.embeddings {
				if v := c.ec.Embeddings(j - run[0]); v != nil {
					embd[j] = slices.Clone(v)
				}
			}
		}
	}
	elapsed := float64(time.Since(start).Microseconds()) / 1000

	c.mu.Lock()
	for seq, p := range ends {
		if p > c.next[seq] {
			c.next[seq] = p
		}
	}
	for _, e := range b.entries {
		c.cells[e.SeqID] = append(c.cells[e.SeqID], e.Pos)
	}
	c.logits, c.embd, c.pooled = logits, embd, nil
	c.perf.Decodes++
	if b.Len() == 1 {
		c.perf.EvalCount++
		c.perf.EvalMs += elapsed
	} else {
		c.perf.PromptCount += b.Len()
		c.perf.PromptMs += elapsed
	}
	c.mu.Unlock()

	return outputs, nil
}

// checkPositions validates sequence ids, embedding widths and positions. It
// returns the first position per sequence (for rollback) and the position
// following the last entry of each sequence.
func (c *Context) checkPositions(entries []Entry, next map[int32]int32) (map[int32]int32, map[int32]int32, error) {
	starts := make(map[int32]int32)
	ends := make(map[int32]int32)
	last := make(map[int32]int32)
	for i, e := range entries {
		if e.SeqID < 0 || int(e.SeqID) >= int(c.opts.NSeqMax) {
			return nil, nil, newError(ErrInvalidBatch, "decode", "entry %d: sequence %d outside [0, %d)", i, e.SeqID, c.opts.NSeqMax)
		}
		if e.Embd != nil && len(e.Embd) != c.nEmbd {
			return nil, nil, newError(ErrInvalidBatch, "decode", "entry %d: embedding width %d, model expects %d", i, len(e.Embd), c.nEmbd)
		}
		if e.Embd == nil && (e.Token < 0 || int(e.Token) >= c.vocab) {
			return nil, nil, newError(ErrInvalidBatch, "decode", "entry %d: token %d outside vocabulary", i, e.Token)
		}

		prev, seen := last[e.SeqID]
		switch {
		case !seen:
			if e.Pos < next[e.SeqID] {
				return nil, nil, newError(ErrInvalidBatch, "decode", "entry %d: position %d of sequence %d is behind %d",
					i, e.Pos, e.SeqID, next[e.SeqID])
			}
			starts[e.SeqID] = e.Pos
		case e.Pos < prev, e.Pos == prev && e.Grid == nil:
			return nil, nil, newError(ErrInvalidBatch, "decode", "entry %d: position %d does not follow %d", i, e.Pos, prev)
		}
		last[e.SeqID] = e.Pos

		end := e.Pos + 1
		if e.Grid != nil {
			end += max(e.Grid[0], e.Grid[1])
		}
		if end > ends[e.SeqID] {
			ends[e.SeqID] = end
		}
	}
	return starts, ends, nil
}

func (c *Context) rollback(starts map[int32]int32) {
	for seq, p0 := range starts {
		c.ec.MemorySeqRm(seq, p0, -1)
	}
}

// splitRuns returns [start, end) ranges of entries that share one wire
// form: tokens or embeddings, with or without grid offsets.
func splitRuns(entries []Entry) [][2]int {
	var runs [][2]int
	start := 0
	for i := 1; i <= len(entries); i++ {
		if i == len(entries) || !sameKind(entries[start], entries[i]) {
			runs = append(runs, [2]int{start, i})
			start = i
		}
	}
	return runs
}

func sameKind(a, b Entry) bool {
	return a.IsEmbedding() == b.IsEmbedding() && (a.Grid == nil) == (b.Grid == nil)
}

func wireBatch(entries []Entry) *engine.Batch {
	n := len(entries)
	wb := &engine.Batch{
		Pos:    make([]int32, n),
		SeqID:  make([]int32, n),
		Logits: make([]bool, n),
	}
	if entries[0].IsEmbedding() {
		wb.NEmbd = len(entries[0].Embd)
		wb.Embd = make([]float32, 0, n*wb.NEmbd)
	} else {
		wb.Token = make([]int32, n)
	}
	if entries[0].Grid != nil {
		wb.Grid = make([][2]int32, n)
	}
	for i, e := range entries {
		wb.Pos[i] = e.Pos
		wb.SeqID[i] = e.SeqID
		wb.Logits[i] = e.Logits
		if e.IsEmbedding() {
			wb.Embd = append(wb.Embd, e.Embd...)
		} else {
			wb.Token[i] = e.Token
		}
		if e.Grid != nil {
			wb.Grid[i] = *e.Grid
		}
	}
	return wb
}

// Encode runs an encoder-only model over b. The cache is not used and the
// position counters do not move; pooled results are read with
// EmbeddingsSeq.
func (c *Context) Encode(b *Batch) error {
	done, err := c.enter("encode")
	if err != nil {
		return err
	}
	defer done()

	if b == nil || b.Len() == 0 {
		return newError(ErrInvalidBatch, "encode", "empty batch")
	}
	if b.Len() > int(c.opts.NBatch) {
		return newError(ErrCapacityExceeded, "encode", "batch of %d exceeds max batch size %d", b.Len(), c.opts.NBatch)
	}
	for i, e := range b.entries {
		if e.IsEmbedding() {
			return newError(ErrInvalidBatch, "encode", "entry %d: encoder batches take tokens only", i)
		}
	}

	start := time.Now()
	if rc := c.ec.Encode(wireBatch(b.entries)); rc != engine.StatusOK {
		return decodeError("encode", rc)
	}

	embd := make(map[int][]float32)
	pooled := make(map[int32][]float32)
	for i, e := range b.entries {
		if e.Logits {
			if v := c.ec.Embeddings(i); v != nil {
				embd[i] = slices.Clone(v)
			}
		}
		if _, ok := pooled[e.SeqID]; !ok {
			if v := c.ec.EmbeddingsSeq(e.SeqID); v != nil {
				pooled[e.SeqID] = slices.Clone(v)
			}
		}
	}

	c.mu.Lock()
	c.logits, c.embd, c.pooled = nil, embd, pooled
	c.perf.Decodes++
	c.perf.PromptCount += b.Len()
	c.perf.PromptMs += float64(time.Since(start).Microseconds()) / 1000
	c.mu.Unlock()
	return nil
}

// Logits returns the logits copied for batch entry i of the last Decode, or
// nil if the entry did not request them.
func (c *Context) Logits(i int) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logits[i]
}

// Embeddings returns the embedding of batch entry i of the last Decode or
// Encode, or nil.
func (c *Context) Embeddings(i int) []float32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.embd[i]
}

// EmbeddingsSeq returns the pooled embedding of a sequence.
func (c *Context) EmbeddingsSeq(seq int32) ([]float32, error) {
	c.mu.Lock()
	v, ok := c.pooled[seq]
	c.mu.Unlock()
	if ok {
		return v, nil
	}

	done, err := c.enter("embeddings")
	if err != nil {
		return nil, err
	}
	defer done()
	raw := c.ec.EmbeddingsSeq(seq)
	if raw == nil {
		return nil, nil
	}
	return slices.Clone(raw), nil
}

// Pos returns the next free position of a sequence.
func (c *Context) Pos(seq int32) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.next[seq]
}

// Used returns the number of occupied KV cells.
func (c *Context) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cells := range c.cells {
		n += len(cells)
	}
	return n
}

// Shift discards the oldest n positions of every sequence. Positions are not
// renumbered, so counters stay monotonic; the freed cells become available
// to later decodes.
func (c *Context) Shift(n int32) error {
	if n <= 0 {
		return nil
	}
	done, err := c.enter("shift")
	if err != nil {
		return err
	}
	defer done()

	c.mu.Lock()
	defer c.mu.Unlock()
	for seq, cells := range c.cells {
		if len(cells) == 0 {
			continue
		}
		cut := cells[0] + n
		if !c.ec.MemorySeqRm(seq, cells[0], cut) {
			return newError(ErrInvalidBatch, "shift", "engine refused to discard positions [%d, %d) of sequence %d", cells[0], cut, seq)
		}
		c.cells[seq] = slices.DeleteFunc(cells, func(p int32) bool { return p < cut })
	}
	return nil
}

// Truncate drops every position of seq from p0 on and moves the sequence's
// counter back to p0. It is how a shared prompt prefix is kept while the
// rest of the cache is rewritten. Truncate and Reset are the only calls that
// move a counter backwards; between them counters never decrease.
func (c *Context) Truncate(seq, p0 int32) error {
	if p0 < 0 {
		p0 = 0
	}
	done, err := c.enter("truncate")
	if err != nil {
		return err
	}
	defer done()

	if !c.ec.MemorySeqRm(seq, p0, -1) {
		return newError(ErrInvalidBatch, "truncate", "engine refused partial removal from %d in sequence %d", p0, seq)
	}
	c.mu.Lock()
	c.cells[seq] = slices.DeleteFunc(c.cells[seq], func(p int32) bool { return p >= p0 })
	if c.next[seq] > p0 {
		c.next[seq] = p0
	}
	c.mu.Unlock()
	return nil
}

// Reset clears the whole cache and every position counter, starting a new
// history for every sequence.
func (c *Context) Reset() error {
	done, err := c.enter("reset")
	if err != nil {
		return err
	}
	defer done()
	c.resetLocked()
	return nil
}

func (c *Context) resetLocked() {
	c.ec.MemoryClear()
	c.mu.Lock()
	clear(c.next)
	clear(c.cells)
	c.logits, c.embd, c.pooled = nil, nil, nil
	c.mu.Unlock()
}

// Warmup decodes nTokens BOS tokens in warmup mode to page in the weights,
// then clears the cache.
func (c *Context) Warmup(nTokens int) error {
	done, err := c.enter("warmup")
	if err != nil {
		return err
	}
	defer done()

	nTokens = max(1, min(nTokens, int(c.opts.NBatch)))
	entries := make([]Entry, nTokens)
	for i := range entries {
		entries[i] = Entry{Token: c.model.info.BOS, Pos: int32(i), Logits: i == nTokens-1}
	}

	c.ec.SetWarmup(true)
	rc := c.ec.Decode(wireBatch(entries))
	c.ec.SetWarmup(false)
	c.resetLocked()
	return decodeError("warmup", rc)
}

// SetThreads updates the thread counts for generation and batch processing.
func (c *Context) SetThreads(nThreads, nThreadsBatch int32) error {
	done, err := c.enter("set threads")
	if err != nil {
		return err
	}
	defer done()
	if nThreadsBatch <= 0 {
		nThreadsBatch = nThreads
	}
	c.ec.SetThreads(nThreads, nThreadsBatch)
	c.opts.NThreads, c.opts.NThreadsBatch = nThreads, nThreadsBatch
	return nil
}

// SetEmbeddings enables or disables embedding extraction.
func (c *Context) SetEmbeddings(enabled bool) error {
	done, err := c.enter("set embeddings")
	if err != nil {
		return err
	}
	defer done()
	c.ec.SetEmbeddings(enabled)
	c.mu.Lock()
	c.embeddings = enabled
	c.mu.Unlock()
	return nil
}

// SetCausalAttn switches causal attention. Media from non-causal projectors
// is decoded with it off.
func (c *Context) SetCausalAttn(causal bool) error {
	done, err := c.enter("set causal attention")
	if err != nil {
		return err
	}
	defer done()
	c.ec.SetCausalAttn(causal)
	c.mu.Lock()
	c.causal = causal
	c.mu.Unlock()
	return nil
}

// CausalAttn reports whether causal attention is on.
func (c *Context) CausalAttn() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.causal
}

// Perf returns decode counters since the last reset.
func (c *Context) Perf() PerfData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.perf
}

// PerfReset resets the decode counters.
func (c *Context) PerfReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.perf = PerfData{}
}

// IsClosed returns true if the context has been freed.
func (c *Context) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close frees the context and releases its model reference. Closing while
// another call is running fails with ErrConcurrentAccess.
func (c *Context) Close() error {
	if !c.busy.CompareAndSwap(false, true) {
		return newError(ErrConcurrentAccess, "close", "another call is in progress on this context")
	}
	defer c.busy.Store(false)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.logits, c.embd, c.pooled = nil, nil, nil
	c.mu.Unlock()

	c.ec.Free()
	c.model.release()
	return nil
}
