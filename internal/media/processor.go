// Package media turns image and audio inputs (file paths, base64 strings or
// raw bytes) into bitmaps ready for a multimodal pipeline.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"Lumen/internal/multimodal"
)

// Kind classifies an input buffer.
type Kind int

const (
	KindUnknown Kind = iota
	KindImage
	KindAudio
)

func (k Kind) String() string {
	switch k {
	case KindImage:
		return "image"
	case KindAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// InputType indicates how the media data is provided.
type InputType string

const (
	InputTypeFilePath InputType = "file"
	InputTypeBase64   InputType = "base64"
)

// Config defines how media is preprocessed.
type Config struct {
	// MaxWidth is the maximum width; wider images are scaled down.
	MaxWidth int
	// MaxHeight is the maximum height; taller images are scaled down.
	MaxHeight int
	// Workers bounds concurrent decodes in LoadMany.
	Workers int
	// SampleRate is the audio rate the projector expects. 0 keeps the
	// source rate.
	SampleRate int
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxWidth:  1024,
		MaxHeight: 1024,
		Workers:   4,
	}
}

// Processor decodes, resizes and converts media inputs.
type Processor struct {
	cfg Config
}

// NewProcessor creates a processor, filling unset limits with defaults.
func NewProcessor(cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.MaxWidth <= 0 {
		cfg.MaxWidth = def.MaxWidth
	}
	if cfg.MaxHeight <= 0 {
		cfg.MaxHeight = def.MaxHeight
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	return &Processor{cfg: cfg}
}

// Config returns the current configuration.
func (p *Processor) Config() Config {
	return p.cfg
}

// Load reads one input, a file path or base64 data (optionally a data URI),
// and returns it as a bitmap.
func (p *Processor) Load(ctx context.Context, input string) (*multimodal.Bitmap, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		data []byte
		hint string
		err  error
	)
	switch detectInputType(input) {
	case InputTypeBase64:
		data, err = decodeBase64(input)
		if err != nil {
			return nil, fmt.Errorf("media: %w", err)
		}
	default:
		hint = expandHome(input)
		data, err = os.ReadFile(hint)
		if err != nil {
			return nil, fmt.Errorf("media: read %q: %w", input, err)
		}
	}
	return p.LoadBytes(data, hint)
}

// LoadMany loads every input concurrently, bounded by Config.Workers. The
// result keeps the order of inputs; the first failure cancels the rest.
func (p *Processor) LoadMany(ctx context.Context, inputs []string) ([]*multimodal.Bitmap, error) {
	out := make([]*multimodal.Bitmap, len(inputs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, input := range inputs {
		g.Go(func() error {
			bm, err := p.Load(gctx, input)
			if err != nil {
				return fmt.Errorf("input %d: %w", i, err)
			}
			out[i] = bm
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadBytes decodes a media buffer. hint is an optional file name whose
// extension selects a decoder when the content cannot be sniffed.
func (p *Processor) LoadBytes(data []byte, hint string) (*multimodal.Bitmap, error) {
	switch Detect(data, hint) {
	case KindAudio:
		samples, err := p.decodeAudio(data, hint)
		if err != nil {
			return nil, fmt.Errorf("media: %w", err)
		}
		return multimodal.NewAudio(samples)
	default:
		img, err := decodeImage(data, hint)
		if err != nil {
			return nil, fmt.Errorf("media: %w", err)
		}
		img = p.resize(img)
		w, h, rgb := toRGB(img)
		return multimodal.NewImage(w, h, rgb)
	}
}

// Detect sniffs the buffer's magic bytes, then falls back to the file
// extension of hint.
func Detect(data []byte, hint string) Kind {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}),
		bytes.HasPrefix(data, []byte("\x89PNG")),
		bytes.HasPrefix(data, []byte("GIF8")),
		bytes.HasPrefix(data, []byte("BM")),
		len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WEBP":
		return KindImage
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return KindAudio
	}

	switch strings.ToLower(filepath.Ext(hint)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp", ".webp":
		return KindImage
	case ".wav", ".f32", ".pcm":
		return KindAudio
	}
	return KindUnknown
}

// detectInputType determines if the input is a file path or base64 data.
func detectInputType(input string) InputType {
	if strings.HasPrefix(input, "data:") {
		return InputTypeBase64
	}
	if strings.HasPrefix(input, "/") || strings.HasPrefix(input, "./") ||
		strings.HasPrefix(input, "~") || strings.HasPrefix(input, "../") {
		return InputTypeFilePath
	}
	// Windows-style paths
	if len(input) > 2 && input[1] == ':' {
		return InputTypeFilePath
	}
	if _, err := os.Stat(input); err == nil {
		return InputTypeFilePath
	}
	if len(input) > 64 && isBase64(input) {
		return InputTypeBase64
	}
	return InputTypeFilePath
}

func isBase64(s string) bool {
	for _, c := range s {
		if !((c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') ||
			(c >= '0' && c <= '9') || c == '+' || c == '/' || c == '=' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}

func decodeBase64(input string) ([]byte, error) {
	data := input
	if strings.HasPrefix(input, "data:") {
		idx := strings.Index(input, ",")
		if idx == -1 {
			return nil, fmt.Errorf("malformed data URI")
		}
		data = input[idx+1:]
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// Try URL-safe base64
		decoded, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return nil, fmt.Errorf("decode base64: %w", err)
		}
	}
	return decoded, nil
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
