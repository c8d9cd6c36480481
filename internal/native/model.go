package native

import (
	"log"
	"os"
	"sync"

	"Lumen/internal/engine"
)

// ModelInfo is the immutable metadata of a loaded model.
type ModelInfo = engine.ModelInfo

// Model is a loaded set of weights shared by every Context, Projector and
// Pipeline derived from it. It is reference counted: LoadModel hands the
// caller one reference, each derived resource takes its own, and the engine
// weights are freed when the last reference is released.
type Model struct {
	backend engine.Backend
	em      engine.Model
	info    ModelInfo
	path    string

	mu        sync.RWMutex
	refs      int
	closed    bool // the loader's reference was released
	freed     bool
	projector *Projector
}

// ModelOptions configures model loading behavior.
type ModelOptions struct {
	// NGPULayers is the number of layers to offload to GPU.
	// 0 = CPU-only, -1 = offload all layers.
	NGPULayers int32

	// UseMmap enables memory-mapped model loading.
	UseMmap bool

	// UseMlock locks model memory to prevent the OS from swapping it out.
	UseMlock bool

	// Splits lists the remaining parts of a split model, in order. When
	// empty and the path names part 1 of N, the other parts are derived
	// from it.
	Splits []string
}

// DefaultModelOptions returns defaults for CPU inference.
func DefaultModelOptions() ModelOptions {
	return ModelOptions{
		NGPULayers: 0,
		UseMmap:    true,
		UseMlock:   false,
	}
}

// LoadModel loads weights from path through backend b, initializing the
// backend on first use.
func LoadModel(b engine.Backend, path string, opts ModelOptions) (*Model, error) {
	if err := BackendInit(b); err != nil {
		return nil, err
	}

	paths := []string{path}
	switch {
	case len(opts.Splits) > 0:
		paths = append(paths, opts.Splits...)
	default:
		if prefix, idx, count, ok := SplitPrefix(path); ok && idx == 1 && count > 1 {
			for i := 2; i <= count; i++ {
				paths = append(paths, SplitPath(prefix, i, count))
			}
		}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			BackendFree(b)
			return nil, &Error{Kind: ErrLoad, Op: "load model", Reason: p, Err: err}
		}
	}

	em, err := b.LoadModel(paths, engine.ModelParams{
		GPULayers: opts.NGPULayers,
		UseMmap:   opts.UseMmap,
		UseMlock:  opts.UseMlock,
	})
	if err != nil {
		BackendFree(b)
		return nil, &Error{Kind: ErrLoad, Op: "load model", Reason: path, Err: err}
	}

	info := em.Info()
	if info.VocabSize <= 0 || info.NEmbd <= 0 {
		em.Free()
		BackendFree(b)
		return nil, newError(ErrLoad, "load model", "%s: engine reported vocab=%d n_embd=%d", path, info.VocabSize, info.NEmbd)
	}

	log.Printf("native: loaded %s (%s, vocab=%d, n_embd=%d, parts=%d)",
		path, info.Architecture, info.VocabSize, info.NEmbd, len(paths))
	return &Model{
		backend: b,
		em:      em,
		info:    info,
		path:    path,
		refs:    1,
	}, nil
}

// retain takes a reference for a derived resource.
func (m *Model) retain() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed || m.closed {
		return newError(ErrClosed, "retain model", "%s", m.path)
	}
	m.refs++
	return nil
}

// release drops a reference and frees the weights with the last one.
func (m *Model) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	m.freed = true
	m.projector = nil
	m.em.Free()
	BackendFree(m.backend)
	log.Printf("native: model %s freed", m.path)
}

// Retain takes a reference for a long-lived holder outside this package,
// such as a multimodal pipeline. Every Retain needs a matching Release.
func (m *Model) Retain() error { return m.retain() }

// Release drops a reference taken with Retain.
func (m *Model) Release() { m.release() }

// Refs reports the number of live references.
func (m *Model) Refs() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.refs
}

// Info returns cached model metadata.
func (m *Model) Info() ModelInfo { return m.info }

// Path returns the path the model was loaded from.
func (m *Model) Path() string { return m.path }

// VocabSize returns the number of tokens in the vocabulary.
func (m *Model) VocabSize() int { return int(m.info.VocabSize) }

// NEmbd returns the embedding width.
func (m *Model) NEmbd() int { return int(m.info.NEmbd) }

// Tokenizer returns the model's tokenizer.
func (m *Model) Tokenizer() *Tokenizer { return &Tokenizer{m: m} }

// Projector returns the projector most recently attached with LoadProjector,
// or nil.
func (m *Model) Projector() *Projector {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.projector
}

// SupportsVision reports whether an attached projector accepts images.
func (m *Model) SupportsVision() bool {
	p := m.Projector()
	return p != nil && p.SupportsVision()
}

// SupportsAudio reports whether an attached projector accepts audio.
func (m *Model) SupportsAudio() bool {
	p := m.Projector()
	return p != nil && p.SupportsAudio()
}

// alive runs fn with the engine model while holding a read lock, failing
// once the weights are gone.
func (m *Model) alive(op string, fn func(engine.Model) error) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.freed {
		return newError(ErrClosed, op, "model %s", m.path)
	}
	return fn(m.em)
}

// IsClosed returns true once the loader's reference was released.
func (m *Model) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed || m.freed
}

// Close releases the reference returned by LoadModel. Contexts and
// projectors created from the model keep it alive until they are closed.
func (m *Model) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	m.release()
	return nil
}
