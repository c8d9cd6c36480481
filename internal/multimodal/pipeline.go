package multimodal

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"Lumen/internal/engine"
	"Lumen/internal/native"
)

// DefaultMarker is the media placeholder used when neither the options nor
// the projector name one.
const DefaultMarker = "<__media__>"

// Options configures a Pipeline.
type Options struct {
	// Marker is the placeholder replaced by media. Empty = the projector's
	// marker, or DefaultMarker.
	Marker string

	// AddSpecial prepends the model's BOS token to the first text chunk.
	AddSpecial bool

	// ParseSpecial recognizes control tokens written in the text.
	ParseSpecial bool
}

// Pipeline tokenizes mixed text and media for one model. It holds a model
// reference until closed. A pipeline without a projector handles text only.
type Pipeline struct {
	model *native.Model
	proj  *native.Projector
	opts  Options
}

// New creates a pipeline over m. proj may be nil; when set it must belong
// to m.
func New(m *native.Model, proj *native.Projector, opts Options) (*Pipeline, error) {
	if proj != nil && proj.Model() != m {
		return nil, &native.Error{Kind: native.ErrLoad, Op: "new pipeline", Reason: "projector belongs to another model"}
	}
	if err := m.Retain(); err != nil {
		return nil, err
	}
	if opts.Marker == "" {
		opts.Marker = DefaultMarker
		if proj != nil && proj.Marker() != "" {
			opts.Marker = proj.Marker()
		}
	}
	return &Pipeline{model: m, proj: proj, opts: opts}, nil
}

// Marker returns the media placeholder.
func (p *Pipeline) Marker() string { return p.opts.Marker }

// Model returns the pipeline's model.
func (p *Pipeline) Model() *native.Model { return p.model }

// Projector returns the projector, or nil.
func (p *Pipeline) Projector() *native.Projector { return p.proj }

// Close releases the pipeline's model reference. The projector is owned by
// the caller.
func (p *Pipeline) Close() error {
	if p.model != nil {
		p.model.Release()
		p.model = nil
	}
	return nil
}

// Tokenize splits text at every marker and pairs the markers, left to right,
// with bitmaps. The number of markers must equal len(bitmaps). Media is
// encoded first, then the text spans are tokenized; nothing is decoded.
func (p *Pipeline) Tokenize(text string, bitmaps []*Bitmap) (Chunks, error) {
	if p.model == nil {
		return nil, &native.Error{Kind: native.ErrClosed, Op: "tokenize", Reason: "pipeline"}
	}

	spans := strings.Split(text, p.opts.Marker)
	if markers := len(spans) - 1; markers != len(bitmaps) {
		return nil, &native.Error{Kind: native.ErrUnmatchedPlaceholder, Op: "tokenize",
			Reason: fmt.Sprintf("%d markers %q for %d bitmaps", markers, p.opts.Marker, len(bitmaps))}
	}

	media := make([]*MediaChunk, len(bitmaps))
	for i, bm := range bitmaps {
		mc, err := p.encode(bm)
		if err != nil {
			return nil, err
		}
		media[i] = mc
	}

	tok := p.model.Tokenizer()
	chunks := make(Chunks, 0, len(spans)+len(bitmaps))
	for i, span := range spans {
		addSpecial := p.opts.AddSpecial && i == 0
		if span != "" || addSpecial {
			tokens, err := tok.Tokenize(span, addSpecial, p.opts.ParseSpecial)
			if err != nil {
				return nil, err
			}
			if len(tokens) > 0 {
				chunks = append(chunks, &TextChunk{Tokens: tokens})
			}
		}
		if i < len(media) {
			chunks = append(chunks, media[i])
		}
	}
	return chunks, nil
}

func (p *Pipeline) encode(bm *Bitmap) (*MediaChunk, error) {
	if bm == nil {
		return nil, &native.Error{Kind: native.ErrEncode, Op: "tokenize", Reason: "nil bitmap"}
	}
	if p.proj == nil {
		return nil, &native.Error{Kind: native.ErrModalityUnsupported, Op: "tokenize",
			Reason: fmt.Sprintf("%s input without a projector", bm.Modality())}
	}
	switch bm.Modality() {
	case engine.ModalityImage:
		if !p.proj.SupportsVision() {
			return nil, &native.Error{Kind: native.ErrModalityUnsupported, Op: "tokenize", Reason: "projector does not accept images"}
		}
	case engine.ModalityAudio:
		if !p.proj.SupportsAudio() {
			return nil, &native.Error{Kind: native.ErrModalityUnsupported, Op: "tokenize", Reason: "projector does not accept audio"}
		}
	}

	out, err := p.proj.Encode(bm.media())
	if err != nil {
		return nil, err
	}

	id := bm.ID()
	if id == "" {
		id = uuid.NewString()
	}
	return &MediaChunk{
		Modality:  bm.Modality(),
		Embd:      out.Embd,
		NEmbd:     p.proj.NEmbd(),
		NTokens:   int(out.NTokens),
		NPos:      int(out.NPos),
		NX:        int(out.NX),
		NY:        int(out.NY),
		Grid:      p.proj.UsesMRoPE() && out.NX > 0 && out.NY > 0,
		NonCausal: p.proj.UsesNonCausal(),
		ID:        id,
	}, nil
}
