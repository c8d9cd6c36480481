package reference

import (
	"fmt"
	"sync/atomic"
	"unicode/utf8"

	"Lumen/internal/engine"
)

// Vocabulary layout: PAD, BOS, EOS, then one token per byte value, then the
// descriptor's pieces, then extra control tokens.
const (
	tokPAD       int32 = 0
	tokBOS       int32 = 1
	tokEOS       int32 = 2
	firstByteTok int32 = 3
	nByteToks    int32 = 256
)

type model struct {
	desc   ModelDescriptor
	params engine.ModelParams
	info   engine.ModelInfo

	pieces   [][]byte
	pieceIDs map[string]int32
	maxPiece int

	special map[string]int32
	control map[int32]string
	eog     map[int32]bool

	freed atomic.Bool
}

func newModel(d ModelDescriptor, params engine.ModelParams) *model {
	m := &model{
		desc:     d,
		params:   params,
		pieceIDs: make(map[string]int32),
		special:  make(map[string]int32),
		control:  make(map[int32]string),
		eog:      make(map[int32]bool),
	}

	m.control[tokPAD] = d.Special.PAD
	m.control[tokBOS] = d.Special.BOS
	m.control[tokEOS] = d.Special.EOS

	next := firstByteTok + nByteToks
	for _, p := range d.Pieces {
		if len(p) < 2 {
			continue
		}
		if _, dup := m.pieceIDs[p]; dup {
			continue
		}
		m.pieceIDs[p] = next
		m.pieces = append(m.pieces, []byte(p))
		if len(p) > m.maxPiece {
			m.maxPiece = len(p)
		}
		next++
	}
	for _, s := range d.Special.Extra {
		m.control[next] = s
		next++
	}
	for id, text := range m.control {
		if text != "" {
			m.special[text] = id
		}
	}
	m.eog[tokEOS] = true
	for _, s := range d.Special.EOG {
		if id, ok := m.special[s]; ok {
			m.eog[id] = true
		}
	}

	m.info = engine.ModelInfo{
		Architecture: d.Architecture,
		Description:  d.Description,
		VocabSize:    next,
		NEmbd:        d.NEmbd,
		NCtxTrain:    d.NCtxTrain,
		NLayer:       d.NLayer,
		NParams:      uint64(next) * uint64(d.NEmbd),
		Size:         uint64(next) * uint64(d.NEmbd) * 4,
		BOS:          tokBOS,
		EOS:          tokEOS,
		PAD:          tokPAD,
		HasEncoder:   d.Architecture == "toy-encoder",
		ChatTemplate: d.ChatTemplate,
	}
	return m
}

func (m *model) Info() engine.ModelInfo { return m.info }

func (m *model) Tokenize(text string, addSpecial, parseSpecial bool) ([]int32, int32) {
	if m.freed.Load() {
		return nil, engine.StatusInvalid
	}
	if !utf8.ValidString(text) {
		return nil, engine.StatusInvalid
	}

	tokens := make([]int32, 0, len(text)/2+2)
	if addSpecial {
		tokens = append(tokens, tokBOS)
	}

	for i := 0; i < len(text); {
		if parseSpecial {
			if id, n := m.matchSpecial(text[i:]); n > 0 {
				tokens = append(tokens, id)
				i += n
				continue
			}
		}
		if id, n := m.matchPiece(text[i:]); n > 0 {
			tokens = append(tokens, id)
			i += n
			continue
		}
		tokens = append(tokens, firstByteTok+int32(text[i]))
		i++
	}

	if addSpecial && m.info.HasEncoder {
		tokens = append(tokens, tokEOS)
	}
	return tokens, int32(len(tokens))
}

func (m *model) matchSpecial(s string) (int32, int) {
	best, bestLen := int32(-1), 0
	for text, id := range m.special {
		if len(text) > bestLen && len(s) >= len(text) && s[:len(text)] == text {
			best, bestLen = id, len(text)
		}
	}
	return best, bestLen
}

func (m *model) matchPiece(s string) (int32, int) {
	limit := min(m.maxPiece, len(s))
	for n := limit; n >= 2; n-- {
		if id, ok := m.pieceIDs[s[:n]]; ok {
			return id, n
		}
	}
	return -1, 0
}

func (m *model) TokenToPiece(token int32, special bool) []byte {
	switch {
	case token < 0 || token >= m.info.VocabSize:
		return nil
	case token >= firstByteTok && token < firstByteTok+nByteToks:
		return []byte{byte(token - firstByteTok)}
	}
	if text, ok := m.control[token]; ok {
		if !special {
			return nil
		}
		return []byte(text)
	}
	idx := int(token - firstByteTok - nByteToks)
	if idx < 0 || idx >= len(m.pieces) {
		return nil
	}
	return append([]byte(nil), m.pieces[idx]...)
}

func (m *model) IsEOG(token int32) bool { return m.eog[token] }

func (m *model) NewContext(params engine.ContextParams) (engine.Context, error) {
	if m.freed.Load() {
		return nil, fmt.Errorf("engine/reference: model freed")
	}
	if params.NCtx == 0 {
		params.NCtx = uint32(m.info.NCtxTrain)
	}
	if params.NCtx == 0 {
		params.NCtx = 4096
	}
	if params.NBatch == 0 {
		params.NBatch = min(params.NCtx, 512)
	}
	if params.NUBatch == 0 || params.NUBatch > params.NBatch {
		params.NUBatch = params.NBatch
	}
	if params.NSeqMax == 0 {
		params.NSeqMax = 1
	}
	if params.NSeqMax > 64 {
		return nil, fmt.Errorf("engine/reference: n_seq_max %d exceeds 64", params.NSeqMax)
	}
	return newContext(m, params), nil
}

func (m *model) LoadProjector(path string, params engine.ProjectorParams) (engine.Projector, error) {
	if m.freed.Load() {
		return nil, fmt.Errorf("engine/reference: model freed")
	}
	d, err := readProjectorDescriptor(path)
	if err != nil {
		return nil, err
	}
	return &projector{desc: d, seed: m.desc.Seed}, nil
}

func (m *model) Free() { m.freed.Store(true) }

// Freed reports whether the model's weights were released. It is used by
// tests that verify reference counting in the layer above.
func Freed(em engine.Model) bool {
	m, ok := em.(*model)
	return ok && m.freed.Load()
}
