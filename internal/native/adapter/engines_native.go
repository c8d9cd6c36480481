//go:build native

package adapter

// The llama.cpp engine is only linked into native builds.
import _ "Lumen/internal/engine/llamacpp"
