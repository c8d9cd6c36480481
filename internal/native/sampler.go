package native

import (
	"math"
	"math/rand/v2"
	"slices"
	"sync/atomic"
	"time"
)

// SeedRandom asks for a time-derived seed.
const SeedRandom uint32 = 0xFFFFFFFF

// Candidate is one token under consideration.
type Candidate struct {
	ID    int32
	Logit float32
	P     float32
}

// Candidates is the working distribution passed along a sampler chain.
type Candidates struct {
	Items    []Candidate
	Sorted   bool // Items are in descending logit order
	Selected int  // index into Items chosen by the terminal sampler, -1 before
}

func (c *Candidates) sortDesc() {
	if c.Sorted {
		return
	}
	slices.SortStableFunc(c.Items, func(a, b Candidate) int {
		switch {
		case a.Logit > b.Logit:
			return -1
		case a.Logit < b.Logit:
			return 1
		}
		return 0
	})
	c.Sorted = true
}

// softmax fills P from the logits.
func (c *Candidates) softmax() {
	c.sortDesc()
	if len(c.Items) == 0 {
		return
	}
	maxLogit := c.Items[0].Logit
	var sum float64
	for i := range c.Items {
		p := math.Exp(float64(c.Items[i].Logit - maxLogit))
		c.Items[i].P = float32(p)
		sum += p
	}
	for i := range c.Items {
		c.Items[i].P = float32(float64(c.Items[i].P) / sum)
	}
}

// Sampler is one stage of a chain. Apply narrows or reweights the
// candidates; Accept observes the token finally chosen; Reset forgets
// everything observed.
type Sampler interface {
	Name() string
	Apply(c *Candidates) error
	Accept(token int32)
	Reset()
}

// Vocab is the vocabulary view a grammar sampler needs. *Tokenizer
// implements it.
type Vocab interface {
	VocabSize() int
	TokenToPiece(token int32, special bool) []byte
	IsEOG(token int32) bool
}

// SamplerOptions configures the sampling strategy.
type SamplerOptions struct {
	// Temperature for logit scaling. 0 = greedy (argmax).
	Temperature float32

	// TopK limits candidates to the top K tokens. 0 = disabled.
	TopK int32

	// TopP (nucleus) keeps tokens whose cumulative prob >= P. 1.0 = disabled.
	TopP float32

	// MinP discards tokens with prob < P * max_prob. 0.0 = disabled.
	MinP float32

	// RepeatPenalty penalizes recently used tokens. 1.0 = disabled.
	RepeatPenalty float32

	// RepeatLastN is how many recent tokens to consider for penalty. 0 = disabled.
	RepeatLastN int32

	// FrequencyPenalty penalizes tokens by their frequency. 0.0 = disabled.
	FrequencyPenalty float32

	// PresencePenalty penalizes tokens that appeared at all. 0.0 = disabled.
	PresencePenalty float32

	// Seed for random sampling. SeedRandom = time-derived seed.
	Seed uint32

	// Grammar is GBNF text constraining the output. Empty = unconstrained.
	Grammar string

	// GrammarRoot names the start rule. Empty = "root".
	GrammarRoot string

	// LogitBias is added to the logits of the given tokens.
	LogitBias map[int32]float32
}

// DefaultSamplerOptions returns balanced defaults suitable for chat.
func DefaultSamplerOptions() SamplerOptions {
	return SamplerOptions{
		Temperature:      0.7,
		TopK:             40,
		TopP:             0.95,
		MinP:             0.05,
		RepeatPenalty:    1.1,
		RepeatLastN:      64,
		FrequencyPenalty: 0.0,
		PresencePenalty:  0.0,
		Seed:             SeedRandom,
	}
}

// SamplerChain is an ordered list of samplers ending in a token draw. It
// belongs to one generation loop at a time: concurrent Apply calls fail
// with ErrConcurrentAccess.
type SamplerChain struct {
	samplers []Sampler
	buf      Candidates
	busy     atomic.Bool
}

// NewSamplerChain builds a chain in the canonical order:
//
//	logit-bias -> penalties -> grammar -> top-k -> top-p -> min-p -> temperature -> dist/greedy
//
// Filters run before scaling, and scaling before the draw. vocab is only
// consulted when a grammar is set.
func NewSamplerChain(opts SamplerOptions, vocab Vocab) (*SamplerChain, error) {
	chain := &SamplerChain{}

	if len(opts.LogitBias) > 0 {
		chain.Add(&logitBiasSampler{bias: opts.LogitBias})
	}

	if opts.RepeatLastN > 0 && (opts.RepeatPenalty != 1.0 && opts.RepeatPenalty != 0 ||
		opts.FrequencyPenalty != 0.0 || opts.PresencePenalty != 0.0) {
		chain.Add(newPenaltySampler(opts.RepeatLastN, opts.RepeatPenalty, opts.FrequencyPenalty, opts.PresencePenalty))
	}

	if opts.Grammar != "" {
		if vocab == nil {
			return nil, newError(ErrGrammar, "new sampler", "grammar needs a vocabulary")
		}
		g, err := ParseGrammar(opts.Grammar, opts.GrammarRoot)
		if err != nil {
			return nil, err
		}
		chain.Add(newGrammarSampler(g, vocab))
	}

	if opts.TopK > 0 {
		chain.Add(&topKSampler{k: int(opts.TopK)})
	}
	if opts.TopP > 0.0 && opts.TopP < 1.0 {
		chain.Add(&topPSampler{p: opts.TopP})
	}
	if opts.MinP > 0.0 {
		chain.Add(&minPSampler{p: opts.MinP})
	}

	if opts.Temperature <= 0.0 {
		chain.Add(greedySampler{})
	} else {
		chain.Add(&tempSampler{t: opts.Temperature})
		chain.Add(newDistSampler(opts.Seed))
	}
	return chain, nil
}

// Add appends a sampler to the chain.
func (s *SamplerChain) Add(sm Sampler) { s.samplers = append(s.samplers, sm) }

// Names lists the samplers in chain order.
func (s *SamplerChain) Names() []string {
	names := make([]string, len(s.samplers))
	for i, sm := range s.samplers {
		names[i] = sm.Name()
	}
	return names
}

// Apply runs the chain over one logits vector, selects a token and feeds it
// back to every stateful sampler. Call it exactly once per generated token,
// in generation order.
func (s *SamplerChain) Apply(logits []float32) (int32, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return 0, newError(ErrConcurrentAccess, "sample", "sampler chain is in use")
	}
	defer s.busy.Store(false)

	if len(logits) == 0 {
		return 0, newError(ErrInvalidBatch, "sample", "no logits")
	}

	c := &s.buf
	c.Items = c.Items[:0]
	for i, l := range logits {
		c.Items = append(c.Items, Candidate{ID: int32(i), Logit: l})
	}
	c.Sorted = false
	c.Selected = -1

	for _, sm := range s.samplers {
		if err := sm.Apply(c); err != nil {
			return 0, err
		}
	}
	if c.Selected < 0 || c.Selected >= len(c.Items) {
		return 0, newError(ErrInvalidBatch, "sample", "chain has no terminal sampler")
	}

	token := c.Items[c.Selected].ID
	for _, sm := range s.samplers {
		sm.Accept(token)
	}
	return token, nil
}

// Sample applies the chain to the logits of batch entry idx of the last
// decode on ctx.
func (s *SamplerChain) Sample(ctx *Context, idx int) (int32, error) {
	logits := ctx.Logits(idx)
	if logits == nil {
		return 0, newError(ErrInvalidBatch, "sample", "entry %d has no logits", idx)
	}
	return s.Apply(logits)
}

// Accept feeds a token that was not sampled, such as a prompt token, into
// the history of stateful samplers. Grammar state only advances through
// sampled tokens.
func (s *SamplerChain) Accept(token int32) {
	for _, sm := range s.samplers {
		if _, ok := sm.(*grammarSampler); ok {
			continue
		}
		sm.Accept(token)
	}
}

// Reset clears all sampler state and re-seeds the draw. Call it between
// unrelated generations that share one chain.
func (s *SamplerChain) Reset() {
	for _, sm := range s.samplers {
		sm.Reset()
	}
}

// Close releases the chain. It exists for symmetry with other handles.
func (s *SamplerChain) Close() {
	s.samplers = nil
	s.buf = Candidates{}
}

// ---------------------------------------------------------------------------
// Samplers
// ---------------------------------------------------------------------------

type logitBiasSampler struct {
	bias map[int32]float32
}

func (s *logitBiasSampler) Name() string { return "logit-bias" }
func (s *logitBiasSampler) Accept(int32) {}
func (s *logitBiasSampler) Reset()       {}

func (s *logitBiasSampler) Apply(c *Candidates) error {
	for i := range c.Items {
		if b, ok := s.bias[c.Items[i].ID]; ok {
			c.Items[i].Logit += b
		}
	}
	c.Sorted = false
	return nil
}

// penaltySampler applies repetition, frequency and presence penalties over
// a ring of the last n accepted tokens.
type penaltySampler struct {
	n                      int
	repeat, freq, presence float32
	ring                   []int32
	head                   int
	counts                 map[int32]int
}

func newPenaltySampler(n int32, repeat, freq, presence float32) *penaltySampler {
	if repeat == 0 {
		repeat = 1
	}
	return &penaltySampler{
		n:        int(n),
		repeat:   repeat,
		freq:     freq,
		presence: presence,
		ring:     make([]int32, 0, n),
		counts:   make(map[int32]int),
	}
}

func (s *penaltySampler) Name() string { return "penalties" }

func (s *penaltySampler) Apply(c *Candidates) error {
	if len(s.counts) == 0 {
		return nil
	}
	for i := range c.Items {
		n, ok := s.counts[c.Items[i].ID]
		if !ok {
			continue
		}
		l := c.Items[i].Logit
		if l <= 0 {
			l *= s.repeat
		} else {
			l /= s.repeat
		}
		l -= float32(n)*s.freq + s.presence
		c.Items[i].Logit = l
	}
	c.Sorted = false
	return nil
}

func (s *penaltySampler) Accept(token int32) {
	if len(s.ring) < s.n {
		s.ring = append(s.ring, token)
	} else {
		old := s.ring[s.head]
		if s.counts[old]--; s.counts[old] <= 0 {
			delete(s.counts, old)
		}
		s.ring[s.head] = token
		s.head = (s.head + 1) % s.n
	}
	s.counts[token]++
}

func (s *penaltySampler) Reset() {
	s.ring = s.ring[:0]
	s.head = 0
	clear(s.counts)
}

type topKSampler struct{ k int }

func (s *topKSampler) Name() string { return "top-k" }
func (s *topKSampler) Accept(int32) {}
func (s *topKSampler) Reset()       {}

func (s *topKSampler) Apply(c *Candidates) error {
	if s.k >= len(c.Items) {
		return nil
	}
	c.sortDesc()
	c.Items = c.Items[:max(s.k, 1)]
	return nil
}

type topPSampler struct{ p float32 }

func (s *topPSampler) Name() string { return "top-p" }
func (s *topPSampler) Accept(int32) {}
func (s *topPSampler) Reset()       {}

func (s *topPSampler) Apply(c *Candidates) error {
	c.softmax()
	var cum float32
	for i := range c.Items {
		cum += c.Items[i].P
		if cum >= s.p {
			c.Items = c.Items[:i+1]
			return nil
		}
	}
	return nil
}

type minPSampler struct{ p float32 }

func (s *minPSampler) Name() string { return "min-p" }
func (s *minPSampler) Accept(int32) {}
func (s *minPSampler) Reset()       {}

func (s *minPSampler) Apply(c *Candidates) error {
	c.softmax()
	if len(c.Items) == 0 {
		return nil
	}
	threshold := c.Items[0].P * s.p
	keep := 1
	for keep < len(c.Items) && c.Items[keep].P >= threshold {
		keep++
	}
	c.Items = c.Items[:keep]
	return nil
}

type tempSampler struct{ t float32 }

func (s *tempSampler) Name() string { return "temperature" }
func (s *tempSampler) Accept(int32) {}
func (s *tempSampler) Reset()       {}

func (s *tempSampler) Apply(c *Candidates) error {
	for i := range c.Items {
		c.Items[i].Logit /= s.t
	}
	return nil
}

// distSampler draws from the softmax distribution with a seeded generator.
type distSampler struct {
	seed uint32
	rng  *rand.Rand
}

func newDistSampler(seed uint32) *distSampler {
	s := &distSampler{seed: seed}
	s.Reset()
	return s
}

func (s *distSampler) Name() string { return "dist" }
func (s *distSampler) Accept(int32) {}

func (s *distSampler) Reset() {
	seed := uint64(s.seed)
	if s.seed == SeedRandom {
		seed = uint64(time.Now().UnixNano())
	}
	s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

func (s *distSampler) Apply(c *Candidates) error {
	c.softmax()
	r := float32(s.rng.Float64())
	var cum float32
	for i := range c.Items {
		cum += c.Items[i].P
		if r < cum {
			c.Selected = i
			return nil
		}
	}
	c.Selected = len(c.Items) - 1
	return nil
}

type greedySampler struct{}

func (greedySampler) Name() string { return "greedy" }
func (greedySampler) Accept(int32) {}
func (greedySampler) Reset()       {}

func (greedySampler) Apply(c *Candidates) error {
	best := 0
	for i := 1; i < len(c.Items); i++ {
		if c.Items[i].Logit > c.Items[best].Logit {
			best = i
		}
	}
	c.Selected = best
	return nil
}
