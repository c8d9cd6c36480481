package native

import (
	"strings"
	"unicode/utf8"

	"Lumen/internal/engine"
)

// Tokenizer converts between text and token ids using a model's vocabulary.
// It borrows the model and fails with ErrClosed once the weights are freed.
type Tokenizer struct {
	m *Model
}

// Tokenize converts text to token ids. addSpecial adds BOS/EOS as the model
// requires; parseSpecial recognizes control tokens written in the text.
func (t *Tokenizer) Tokenize(text string, addSpecial, parseSpecial bool) ([]int32, error) {
	if !utf8.ValidString(text) {
		return nil, newError(ErrTokenize, "tokenize", "input is not valid UTF-8")
	}
	var tokens []int32
	err := t.m.alive("tokenize", func(em engine.Model) error {
		toks, rc := em.Tokenize(text, addSpecial, parseSpecial)
		if rc < 0 {
			return &Error{Kind: ErrTokenize, Op: "tokenize", Code: rc, Reason: "engine rejected input"}
		}
		tokens = toks
		return nil
	})
	return tokens, err
}

// Encode tokenizes text the way a prompt is tokenized: with the model's
// special prefix and without interpreting control-token text.
func (t *Tokenizer) Encode(text string) ([]int32, error) {
	return t.Tokenize(text, true, false)
}

// Decode renders tokens as text, skipping control tokens.
func (t *Tokenizer) Decode(tokens []int32) (string, error) {
	var b strings.Builder
	err := t.m.alive("detokenize", func(em engine.Model) error {
		vocab := em.Info().VocabSize
		for _, tok := range tokens {
			if tok < 0 || tok >= vocab {
				return newError(ErrTokenize, "detokenize", "token %d outside vocabulary of %d", tok, vocab)
			}
			b.Write(em.TokenToPiece(tok, false))
		}
		return nil
	})
	return b.String(), err
}

// TokenToPiece returns the bytes of one token. Pieces may hold a partial
// UTF-8 sequence; use a PieceDecoder when streaming.
func (t *Tokenizer) TokenToPiece(token int32, special bool) []byte {
	var piece []byte
	_ = t.m.alive("token to piece", func(em engine.Model) error {
		piece = em.TokenToPiece(token, special)
		return nil
	})
	return piece
}

// IsEOG reports whether token ends generation. Tokens of a freed model are
// treated as end-of-generation.
func (t *Tokenizer) IsEOG(token int32) bool {
	eog := true
	_ = t.m.alive("is eog", func(em engine.Model) error {
		eog = em.IsEOG(token)
		return nil
	})
	return eog
}

// BOS returns the beginning-of-sequence token id.
func (t *Tokenizer) BOS() int32 { return t.m.info.BOS }

// EOS returns the end-of-sequence token id.
func (t *Tokenizer) EOS() int32 { return t.m.info.EOS }

// PAD returns the padding token id.
func (t *Tokenizer) PAD() int32 { return t.m.info.PAD }

// VocabSize returns the vocabulary size.
func (t *Tokenizer) VocabSize() int { return int(t.m.info.VocabSize) }

// PieceDecoder joins streamed token pieces into text without splitting
// multi-byte runes across emitted chunks.
type PieceDecoder struct {
	pending []byte
}

// Write appends a piece and returns the text that is complete so far.
func (d *PieceDecoder) Write(piece []byte) string {
	d.pending = append(d.pending, piece...)
	buf := d.pending

	cut := len(buf)
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if utf8.RuneStart(buf[i]) {
			if !utf8.FullRune(buf[i:]) {
				cut = i
			}
			break
		}
	}

	out := string(buf[:cut])
	d.pending = append(d.pending[:0], buf[cut:]...)
	return out
}

// Flush returns whatever is still buffered, even if incomplete.
func (d *PieceDecoder) Flush() string {
	out := string(d.pending)
	d.pending = d.pending[:0]
	return out
}
