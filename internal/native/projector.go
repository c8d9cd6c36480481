package native

import (
	"log"
	"os"
	"sync"

	"Lumen/internal/engine"
)

// ProjectorOptions configures projector loading.
type ProjectorOptions struct {
	UseGPU   bool
	NThreads int32
}

// Projector maps images or audio into the embedding space of its model. It
// holds a model reference until closed.
type Projector struct {
	model *Model
	ep    engine.Projector

	mu     sync.Mutex
	closed bool
}

// LoadProjector loads a projector file and associates it with m. The
// projector's output width must equal the model's embedding width.
func (m *Model) LoadProjector(path string, opts ProjectorOptions) (*Projector, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, &Error{Kind: ErrLoad, Op: "load projector", Reason: path, Err: err}
	}
	if err := m.retain(); err != nil {
		return nil, err
	}

	var ep engine.Projector
	err := m.alive("load projector", func(em engine.Model) error {
		var err error
		ep, err = em.LoadProjector(path, engine.ProjectorParams{UseGPU: opts.UseGPU, NThreads: opts.NThreads})
		return err
	})
	if err != nil {
		m.release()
		if _, ok := err.(*Error); ok {
			return nil, err
		}
		return nil, &Error{Kind: ErrLoad, Op: "load projector", Reason: path, Err: err}
	}

	if ep.NEmbd() != m.info.NEmbd {
		ep.Free()
		m.release()
		return nil, newError(ErrLoad, "load projector", "%s: projector n_embd %d does not match model n_embd %d",
			path, ep.NEmbd(), m.info.NEmbd)
	}
	if !ep.SupportsVision() && !ep.SupportsAudio() {
		ep.Free()
		m.release()
		return nil, newError(ErrLoad, "load projector", "%s: projector supports neither vision nor audio", path)
	}

	p := &Projector{model: m, ep: ep}
	m.mu.Lock()
	m.projector = p
	m.mu.Unlock()

	log.Printf("native: projector %s attached (vision=%v audio=%v mrope=%v)",
		path, ep.SupportsVision(), ep.SupportsAudio(), ep.UsesMRoPE())
	return p, nil
}

// Model returns the model the projector belongs to.
func (p *Projector) Model() *Model { return p.model }

func (p *Projector) SupportsVision() bool { return p.ep.SupportsVision() }
func (p *Projector) SupportsAudio() bool  { return p.ep.SupportsAudio() }
func (p *Projector) NEmbd() int           { return int(p.ep.NEmbd()) }

// UsesMRoPE reports whether media positions are laid out on a grid.
func (p *Projector) UsesMRoPE() bool { return p.ep.UsesMRoPE() }

// UsesNonCausal reports whether media embeddings must be decoded with
// causal attention disabled.
func (p *Projector) UsesNonCausal() bool { return p.ep.UsesNonCausal() }

// AudioBitrate returns the expected audio sample rate, or -1 without audio
// support.
func (p *Projector) AudioBitrate() int { return int(p.ep.AudioBitrate()) }

// Marker returns the projector's default media marker.
func (p *Projector) Marker() string { return p.ep.Marker() }

// Encode runs the projector over one media buffer. Calls are serialized.
func (p *Projector) Encode(media engine.Media) (engine.Encoded, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return engine.Encoded{}, newError(ErrClosed, "encode media", "projector")
	}

	switch media.Modality {
	case engine.ModalityImage:
		if !p.ep.SupportsVision() {
			return engine.Encoded{}, newError(ErrModalityUnsupported, "encode media", "projector does not accept images")
		}
		if media.Width <= 0 || media.Height <= 0 || len(media.RGB) != media.Width*media.Height*3 {
			return engine.Encoded{}, newError(ErrEncode, "encode media", "image %dx%d has %d bytes", media.Width, media.Height, len(media.RGB))
		}
	case engine.ModalityAudio:
		if !p.ep.SupportsAudio() {
			return engine.Encoded{}, newError(ErrModalityUnsupported, "encode media", "projector does not accept audio")
		}
		if len(media.Samples) == 0 {
			return engine.Encoded{}, newError(ErrEncode, "encode media", "empty audio buffer")
		}
	}

	out, rc := p.ep.Encode(media)
	if err := encodeError("encode media", media.Modality, rc); err != nil {
		return engine.Encoded{}, err
	}

	nEmbd := int(p.ep.NEmbd())
	if out.NTokens <= 0 || len(out.Embd) != int(out.NTokens)*nEmbd {
		return engine.Encoded{}, newError(ErrEncode, "encode media", "engine returned %d values for %d tokens of width %d",
			len(out.Embd), out.NTokens, nEmbd)
	}
	if out.NPos <= 0 {
		out.NPos = out.NTokens
	}
	return out, nil
}

// Close frees the projector and releases its model reference.
func (p *Projector) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.ep.Free()
	p.mu.Unlock()

	m := p.model
	m.mu.Lock()
	if m.projector == p {
		m.projector = nil
	}
	m.mu.Unlock()
	m.release()
	return nil
}
