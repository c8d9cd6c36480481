package reference

import (
	"fmt"
	"log"
	"sync/atomic"

	"Lumen/internal/engine"
)

// Name is the registry key of the reference engine.
const Name = "reference"

func init() {
	engine.Register(Name, func(opts engine.Options) (engine.Backend, error) {
		return &Backend{verbose: opts.Verbose}, nil
	})
}

// Backend is the reference engine. The zero value is ready for use.
type Backend struct {
	verbose bool
	inits   atomic.Int32
}

// NewBackend returns a reference backend.
func NewBackend() *Backend { return &Backend{} }

// Name implements engine.Backend.
func (b *Backend) Name() string { return Name }

// Init implements engine.Backend.
func (b *Backend) Init() error {
	n := b.inits.Add(1)
	if b.verbose {
		log.Printf("engine/reference: backend init #%d", n)
	}
	return nil
}

// Inits reports how many times Init ran.
func (b *Backend) Inits() int { return int(b.inits.Load()) }

// Free implements engine.Backend.
func (b *Backend) Free() {}

// LoadModel implements engine.Backend. Several paths form a split model; each
// part must carry a matching split header and contributes its pieces in order.
func (b *Backend) LoadModel(paths []string, params engine.ModelParams) (engine.Model, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("engine/reference: no model path")
	}

	head, err := readModelDescriptor(paths[0])
	if err != nil {
		return nil, err
	}
	if !supportedArchitectures[head.Architecture] {
		return nil, fmt.Errorf("engine/reference: %q: unknown architecture %q", paths[0], head.Architecture)
	}
	if head.NEmbd <= 0 {
		return nil, fmt.Errorf("engine/reference: %q: n_embd must be positive", paths[0])
	}

	pieces := append([]string(nil), head.Pieces...)
	if len(paths) > 1 {
		for i, p := range paths {
			part := head
			if i > 0 {
				part, err = readModelDescriptor(p)
				if err != nil {
					return nil, err
				}
				if part.Architecture != head.Architecture {
					return nil, fmt.Errorf("engine/reference: %q: split architecture %q does not match %q",
						p, part.Architecture, head.Architecture)
				}
				pieces = append(pieces, part.Pieces...)
			}
			if part.Split == nil || part.Split.Index != i+1 || part.Split.Count != len(paths) {
				return nil, fmt.Errorf("engine/reference: %q: expected split %d of %d", p, i+1, len(paths))
			}
		}
	}
	head.Pieces = pieces

	m := newModel(head, params)
	if b.verbose {
		log.Printf("engine/reference: loaded %q (%d tokens, n_embd=%d)", head.Description, m.info.VocabSize, head.NEmbd)
	}
	return m, nil
}
