package native

import (
	"errors"
	"fmt"
	"strings"

	"Lumen/internal/engine"
)

// Error kinds. Match them with errors.Is; use errors.As with *Error to get
// the operation and the engine status code.
var (
	ErrLoad                 = errors.New("load error")
	ErrCapacityExceeded     = errors.New("capacity exceeded")
	ErrConcurrentAccess     = errors.New("concurrent access")
	ErrUnmatchedPlaceholder = errors.New("unmatched media placeholder")
	ErrModalityUnsupported  = errors.New("modality unsupported")
	ErrEncode               = errors.New("media encode failed")
	ErrGrammar              = errors.New("grammar error")
	ErrTokenize             = errors.New("tokenize error")
	ErrClosed               = errors.New("resource closed")
	ErrInvalidBatch         = errors.New("invalid batch")
)

// Error is the single error type returned by this package.
type Error struct {
	Kind   error
	Op     string
	Code   int32
	Reason string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("native: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Code != 0 {
		fmt.Fprintf(&b, " (code %d)", e.Code)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the error kind.
func (e *Error) Is(target error) bool { return e.Kind == target }

func (e *Error) Unwrap() error { return e.Err }

func newError(kind error, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Reason: fmt.Sprintf(format, args...)}
}

func wrapError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// decodeError translates an engine decode status.
func decodeError(op string, code int32) error {
	switch code {
	case engine.StatusOK:
		return nil
	case engine.StatusNoKVSlot:
		return &Error{Kind: ErrCapacityExceeded, Op: op, Code: code, Reason: "no free KV cache slot, reclaim with Shift or Reset"}
	case engine.StatusAborted:
		return &Error{Kind: ErrInvalidBatch, Op: op, Code: code, Reason: "decode aborted"}
	default:
		return &Error{Kind: ErrInvalidBatch, Op: op, Code: code, Reason: "engine rejected batch"}
	}
}

// encodeError translates a projector encode status.
func encodeError(op string, modality engine.Modality, code int32) error {
	switch code {
	case engine.EncodeOK:
		return nil
	case engine.EncodeUnsupported:
		return &Error{Kind: ErrModalityUnsupported, Op: op, Code: code, Reason: modality.String() + " input"}
	default:
		return &Error{Kind: ErrEncode, Op: op, Code: code, Reason: modality.String() + " preprocessing failed"}
	}
}

var kindNames = []struct {
	kind error
	name string
}{
	{ErrLoad, "load"},
	{ErrCapacityExceeded, "capacity_exceeded"},
	{ErrConcurrentAccess, "concurrent_access"},
	{ErrUnmatchedPlaceholder, "unmatched_placeholder"},
	{ErrModalityUnsupported, "modality_unsupported"},
	{ErrEncode, "encode"},
	{ErrGrammar, "grammar"},
	{ErrTokenize, "tokenize"},
	{ErrClosed, "closed"},
	{ErrInvalidBatch, "invalid_batch"},
}

// KindName returns a stable identifier for the kind of err, for wire
// protocols and logs. Errors outside this package map to "".
func KindName(err error) string {
	for _, k := range kindNames {
		if errors.Is(err, k.kind) {
			return k.name
		}
	}
	return ""
}
