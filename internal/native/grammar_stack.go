package native

import (
	"strconv"
	"strings"
)

// A grammar is matched with a set of pushdown stacks. Each stack holds
// positions into rules; the top position always points at a terminal
// element. An empty stack means the input so far is a complete sentence.

type grammarPos struct {
	rule uint32
	idx  uint32
}

type grammarStack []grammarPos

func (g *Grammar) elem(p grammarPos) element { return g.rules[p.rule][p.idx] }

// stackSet collects stacks without duplicates.
type stackSet struct {
	stacks []grammarStack
	seen   map[string]struct{}
}

func newStackSet() *stackSet { return &stackSet{seen: make(map[string]struct{})} }

func (s *stackSet) add(st grammarStack) {
	var b strings.Builder
	for _, p := range st {
		b.WriteString(strconv.FormatUint(uint64(p.rule), 36))
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(uint64(p.idx), 36))
		b.WriteByte('/')
	}
	key := b.String()
	if _, dup := s.seen[key]; dup {
		return
	}
	s.seen[key] = struct{}{}
	s.stacks = append(s.stacks, st)
}

// advance expands rule references at the top of st until every resulting
// stack has a terminal on top or is empty.
func (g *Grammar) advance(st grammarStack, out *stackSet) {
	if len(st) == 0 {
		out.add(st)
		return
	}
	top := st[len(st)-1]
	e := g.elem(top)

	switch e.typ {
	case elemRuleRef:
		ref := g.rules[e.value]
		sub := uint32(0)
		for {
			next := make(grammarStack, len(st)-1, len(st)+1)
			copy(next, st[:len(st)-1])
			if !g.rules[top.rule][top.idx+1].endOfSequence() {
				next = append(next, grammarPos{rule: top.rule, idx: top.idx + 1})
			}
			if !ref[sub].endOfSequence() {
				next = append(next, grammarPos{rule: e.value, idx: sub})
			}
			g.advance(next, out)

			for !ref[sub].endOfSequence() {
				sub++
			}
			if ref[sub].typ != elemAlt {
				break
			}
			sub++
		}
	case elemChar, elemCharNot, elemCharAny:
		out.add(st)
	}
}

func (g *Grammar) initialStacks() []grammarStack {
	out := newStackSet()
	r := g.rules[g.root]
	idx := uint32(0)
	for {
		var st grammarStack
		if !r[idx].endOfSequence() {
			st = grammarStack{{rule: g.root, idx: idx}}
		}
		g.advance(st, out)

		for !r[idx].endOfSequence() {
			idx++
		}
		if r[idx].typ != elemAlt {
			break
		}
		idx++
	}
	return out.stacks
}

// matchChar tests chr against the char element at p and returns the index
// just past the element's class.
func (g *Grammar) matchChar(p grammarPos, chr uint32) (bool, uint32) {
	r := g.rules[p.rule]
	idx := p.idx
	positive := r[idx].typ == elemChar || r[idx].typ == elemCharAny
	found := false
	for {
		switch {
		case r[idx+1].typ == elemCharRngUpper:
			found = found || (r[idx].value <= chr && chr <= r[idx+1].value)
			idx += 2
		case r[idx].typ == elemCharAny:
			found = true
			idx++
		default:
			found = found || r[idx].value == chr
			idx++
		}
		if r[idx].typ != elemCharAlt {
			break
		}
	}
	return found == positive, idx
}

// matchPartial reports whether an incomplete UTF-8 sequence could still
// complete to a code point accepted by the char element at p.
func (g *Grammar) matchPartial(p grammarPos, partial partialUTF8) bool {
	r := g.rules[p.rule]
	idx := p.idx
	positive := r[idx].typ == elemChar || r[idx].typ == elemCharAny

	n := partial.remain
	if n < 0 || (n == 1 && partial.value < 2) {
		return false
	}
	low := partial.value << (n * 6)
	high := low | (1<<(n*6) - 1)
	if low == 0 {
		switch n {
		case 2:
			low = 1 << 11
		case 3:
			low = 1 << 16
		}
	}

	for {
		switch {
		case r[idx+1].typ == elemCharRngUpper:
			if r[idx].value <= high && low <= r[idx+1].value {
				return positive
			}
			idx += 2
		case r[idx].typ == elemCharAny:
			return true
		default:
			if low <= r[idx].value && r[idx].value <= high {
				return positive
			}
			idx++
		}
		if r[idx].typ != elemCharAlt {
			break
		}
	}
	return !positive
}

func (g *Grammar) acceptRune(stacks []grammarStack, chr uint32) []grammarStack {
	out := newStackSet()
	for _, st := range stacks {
		if len(st) == 0 {
			continue
		}
		top := st[len(st)-1]
		ok, next := g.matchChar(top, chr)
		if !ok {
			continue
		}
		ns := make(grammarStack, len(st)-1, len(st))
		copy(ns, st[:len(st)-1])
		if !g.rules[top.rule][next].endOfSequence() {
			ns = append(ns, grammarPos{rule: top.rule, idx: next})
		}
		g.advance(ns, out)
	}
	return out.stacks
}

func stacksAccepting(stacks []grammarStack) bool {
	for _, st := range stacks {
		if len(st) == 0 {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// UTF-8 across token boundaries
// ---------------------------------------------------------------------------

// partialUTF8 is the decoder state left by a piece that ended inside a
// multi-byte sequence. remain < 0 marks invalid input.
type partialUTF8 struct {
	value  uint32
	remain int
}

var utf8Lengths = [16]int{1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 2, 2, 3, 4}

// decodeUTF8 decodes piece after the state left by earlier pieces.
func decodeUTF8(piece []byte, start partialUTF8) ([]uint32, partialUTF8) {
	var out []uint32
	value, remain := start.value, start.remain
	i := 0
	for i < len(piece) && remain > 0 {
		b := piece[i]
		if b>>6 != 2 {
			return nil, partialUTF8{remain: -1}
		}
		value = value<<6 + uint32(b&0x3F)
		i++
		remain--
	}
	if start.remain > 0 && remain == 0 {
		out = append(out, value)
	}
	for i < len(piece) {
		first := piece[i]
		remain = utf8Lengths[first>>4] - 1
		if remain < 0 {
			return nil, partialUTF8{remain: -1}
		}
		value = uint32(first & (1<<(7-remain) - 1))
		i++
		for i < len(piece) && remain > 0 {
			value = value<<6 + uint32(piece[i]&0x3F)
			i++
			remain--
		}
		if remain == 0 {
			out = append(out, value)
		}
	}
	return out, partialUTF8{value: value, remain: remain}
}

// ---------------------------------------------------------------------------
// Sampler
// ---------------------------------------------------------------------------

// grammarSampler removes candidates the grammar cannot accept. End-of-
// generation tokens survive only when the text so far is a complete
// sentence.
type grammarSampler struct {
	g       *Grammar
	vocab   Vocab
	stacks  []grammarStack
	partial partialUTF8

	pieces [][]byte
	cached []bool
}

func newGrammarSampler(g *Grammar, vocab Vocab) *grammarSampler {
	n := vocab.VocabSize()
	s := &grammarSampler{
		g:      g,
		vocab:  vocab,
		pieces: make([][]byte, n),
		cached: make([]bool, n),
	}
	s.Reset()
	return s
}

func (s *grammarSampler) Name() string { return "grammar" }

func (s *grammarSampler) Reset() {
	s.stacks = s.g.initialStacks()
	s.partial = partialUTF8{}
}

func (s *grammarSampler) piece(tok int32) []byte {
	if tok < 0 || int(tok) >= len(s.pieces) {
		return nil
	}
	if !s.cached[tok] {
		s.pieces[tok] = s.vocab.TokenToPiece(tok, false)
		s.cached[tok] = true
	}
	return s.pieces[tok]
}

// allows reports whether tok keeps at least one stack alive.
func (s *grammarSampler) allows(tok int32) bool {
	if s.vocab.IsEOG(tok) {
		return stacksAccepting(s.stacks)
	}
	piece := s.piece(tok)
	if len(piece) == 0 || piece[0] == 0 {
		return false
	}
	runes, partial := decodeUTF8(piece, s.partial)
	if partial.remain < 0 {
		return false
	}
	stacks := s.stacks
	for _, r := range runes {
		stacks = s.g.acceptRune(stacks, r)
		if len(stacks) == 0 {
			return false
		}
	}
	if partial.remain == 0 {
		return true
	}
	for _, st := range stacks {
		if len(st) > 0 && s.g.matchPartial(st[len(st)-1], partial) {
			return true
		}
	}
	return false
}

func (s *grammarSampler) Apply(c *Candidates) error {
	kept := c.Items[:0]
	for _, item := range c.Items {
		if s.allows(item.ID) {
			kept = append(kept, item)
		}
	}
	c.Items = kept
	if len(kept) == 0 {
		return newError(ErrGrammar, "sample", "no candidate token satisfies the grammar")
	}
	return nil
}

func (s *grammarSampler) Accept(tok int32) {
	if s.vocab.IsEOG(tok) {
		return
	}
	runes, partial := decodeUTF8(s.piece(tok), s.partial)
	s.partial = partial
	for _, r := range runes {
		s.stacks = s.g.acceptRune(s.stacks, r)
	}
}
