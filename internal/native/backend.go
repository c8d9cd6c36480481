// Package native is the safe session-and-decode layer over an inference
// engine. It owns model, context, projector and sampler lifetimes, translates
// every engine status into a typed *Error, and enforces the sequencing rules
// the engines themselves leave to the caller.
package native

import (
	"log"
	"sync"

	"Lumen/internal/engine"
	"Lumen/internal/logging"
)

type initState struct {
	backend engine.Backend
	err     error
	refs    int
}

var (
	initMu sync.Mutex
	inits  = map[string]*initState{}
)

// BackendInit runs the process-wide setup of b exactly once per backend name.
// Later calls return the outcome of the first one.
func BackendInit(b engine.Backend) error {
	initMu.Lock()
	defer initMu.Unlock()

	if st, ok := inits[b.Name()]; ok {
		st.refs++
		return st.err
	}

	st := &initState{backend: b, refs: 1}
	if err := b.Init(); err != nil {
		st.err = wrapError(ErrLoad, "backend init "+b.Name(), err)
	} else {
		log.Printf("native: backend %q initialized", b.Name())
	}
	inits[b.Name()] = st
	return st.err
}

// BackendFree releases one BackendInit reference and frees the backend when
// the last one is gone.
func BackendFree(b engine.Backend) {
	initMu.Lock()
	defer initMu.Unlock()

	st, ok := inits[b.Name()]
	if !ok {
		return
	}
	st.refs--
	if st.refs > 0 {
		return
	}
	delete(inits, b.Name())
	if st.err == nil {
		st.backend.Free()
		log.Printf("native: backend %q freed", b.Name())
	}
}

// OpenBackend looks up a registered engine and initializes it. The engine's
// own log output is kept only when the process logs to a file.
func OpenBackend(name, libPath string) (engine.Backend, error) {
	b, err := engine.Open(name, engine.Options{
		LibPath: libPath,
		Verbose: logging.IsFileLogging(),
	})
	if err != nil {
		return nil, wrapError(ErrLoad, "open backend", err)
	}
	if err := BackendInit(b); err != nil {
		return nil, err
	}
	return b, nil
}
