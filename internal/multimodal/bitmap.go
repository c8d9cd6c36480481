// Package multimodal turns prompts that mix text with images or audio into
// one ordered decode stream. Tokenize splits the prompt at media markers and
// encodes each bitmap with the model's projector; Eval feeds the resulting
// chunks through a native.Context.
package multimodal

import (
	"fmt"

	"Lumen/internal/engine"
	"Lumen/internal/native"
)

// Bitmap is an immutable media buffer: RGB pixels or mono PCM samples.
type Bitmap struct {
	modality engine.Modality
	width    int
	height   int
	rgb      []byte
	samples  []float32
	id       string
}

// NewImage wraps width*height RGB pixels. The buffer is copied.
func NewImage(width, height int, rgb []byte) (*Bitmap, error) {
	if width <= 0 || height <= 0 {
		return nil, &native.Error{Kind: native.ErrEncode, Op: "new bitmap", Reason: fmt.Sprintf("invalid image size %dx%d", width, height)}
	}
	if len(rgb) != width*height*3 {
		return nil, &native.Error{Kind: native.ErrEncode, Op: "new bitmap",
			Reason: fmt.Sprintf("image %dx%d needs %d bytes, got %d", width, height, width*height*3, len(rgb))}
	}
	return &Bitmap{
		modality: engine.ModalityImage,
		width:    width,
		height:   height,
		rgb:      append([]byte(nil), rgb...),
	}, nil
}

// NewAudio wraps mono PCM samples at the projector's bitrate. The buffer is
// copied.
func NewAudio(samples []float32) (*Bitmap, error) {
	if len(samples) == 0 {
		return nil, &native.Error{Kind: native.ErrEncode, Op: "new bitmap", Reason: "empty audio buffer"}
	}
	return &Bitmap{
		modality: engine.ModalityAudio,
		samples:  append([]float32(nil), samples...),
	}, nil
}

// WithID returns a copy of b carrying id. Media chunks take the id of their
// bitmap.
func (b *Bitmap) WithID(id string) *Bitmap {
	c := *b
	c.id = id
	return &c
}

// ID returns the bitmap id, or "" if none was set.
func (b *Bitmap) ID() string { return b.id }

// Modality reports whether the bitmap holds an image or audio.
func (b *Bitmap) Modality() engine.Modality { return b.modality }

// Width is the image width in pixels, 0 for audio.
func (b *Bitmap) Width() int { return b.width }

// Height is the image height in pixels, 0 for audio.
func (b *Bitmap) Height() int { return b.height }

// Len returns the number of pixels or samples.
func (b *Bitmap) Len() int {
	if b.modality == engine.ModalityAudio {
		return len(b.samples)
	}
	return b.width * b.height
}

func (b *Bitmap) media() engine.Media {
	return engine.Media{
		Modality: b.modality,
		Width:    b.width,
		Height:   b.height,
		RGB:      b.rgb,
		Samples:  b.samples,
	}
}
