//go:build native

// Package llamacpp binds the engine contract to llama.cpp through the yzma
// bindings. The shared libraries are loaded at runtime from Options.LibPath
// (or $YZMA_LIB), so the package builds without cgo.
package llamacpp

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/hybridgroup/yzma/pkg/mtmd"

	"Lumen/internal/engine"
)

// Name is the registry key of the llama.cpp engine.
const Name = "llamacpp"

func init() {
	engine.Register(Name, func(opts engine.Options) (engine.Backend, error) {
		return &Backend{opts: opts}, nil
	})
}

// The shared libraries can be loaded once per process. The llama.cpp backend
// itself is initialised again after every Free.
var (
	loadOnce sync.Once
	loadErr  error

	backendMu   sync.Mutex
	backendUp   bool
	backendInit = func() { llama.Init() }
	backendFree = func() { llama.BackendFree() }
)

// startBackend initialises llama.cpp unless it is already up.
func startBackend() {
	backendMu.Lock()
	defer backendMu.Unlock()
	if !backendUp {
		backendInit()
		backendUp = true
	}
}

func stopBackend() {
	backendMu.Lock()
	defer backendMu.Unlock()
	if backendUp {
		backendFree()
		backendUp = false
	}
}

// Backend owns the process-wide llama.cpp state.
type Backend struct {
	opts engine.Options
}

// Name implements engine.Backend.
func (b *Backend) Name() string { return Name }

// Init implements engine.Backend.
func (b *Backend) Init() error {
	loadOnce.Do(func() {
		libPath := b.opts.LibPath
		if libPath == "" {
			libPath = os.Getenv("YZMA_LIB")
		}
		if libPath == "" {
			loadErr = fmt.Errorf("engine/llamacpp: no library path (set native.lib_path or YZMA_LIB)")
			return
		}
		if err := llama.Load(libPath); err != nil {
			loadErr = fmt.Errorf("engine/llamacpp: load llama library: %w", err)
			return
		}
		if err := mtmd.Load(libPath); err != nil {
			loadErr = fmt.Errorf("engine/llamacpp: load mtmd library: %w", err)
			return
		}
	})
	if loadErr != nil {
		return loadErr
	}

	startBackend()

	if b.opts.Verbose {
		llama.LogSet(llama.LogNormal)
		mtmd.LogSet(llama.LogNormal)
	} else {
		llama.LogSet(llama.LogSilent())
		mtmd.LogSet(llama.LogSilent())
	}
	return nil
}

// Free implements engine.Backend.
func (b *Backend) Free() { stopBackend() }

// LoadModel implements engine.Backend. llama.cpp discovers the remaining
// parts of a split model from the first path.
func (b *Backend) LoadModel(paths []string, params engine.ModelParams) (engine.Model, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("engine/llamacpp: no model path")
	}

	mparams := llama.ModelDefaultParams()
	applyModelParams(&mparams, params)

	mdl, err := llama.ModelLoadFromFile(paths[0], mparams)
	if err != nil {
		return nil, fmt.Errorf("engine/llamacpp: load %q: %w", paths[0], err)
	}

	m := newModel(mdl)
	if b.opts.Verbose {
		log.Printf("engine/llamacpp: loaded %q (%s, n_embd=%d)", paths[0], m.info.Description, m.info.NEmbd)
	}
	return m, nil
}
