//go:build native

package llamacpp

import (
	"bytes"
	"image"
	"image/png"
	"unsafe"

	"github.com/hybridgroup/yzma/pkg/llama"
	"github.com/hybridgroup/yzma/pkg/mtmd"

	"Lumen/internal/engine"
)

type projector struct {
	m    *model
	mctx mtmd.Context
}

func (p *projector) SupportsVision() bool { return mtmd.SupportVision(p.mctx) }
func (p *projector) SupportsAudio() bool  { return mtmd.SupportAudio(p.mctx) }
func (p *projector) AudioBitrate() int32  { return int32(mtmd.GetAudioBitrate(p.mctx)) }
func (p *projector) NEmbd() int32         { return llama.ModelNEmbdInp(p.m.mdl) }
func (p *projector) UsesMRoPE() bool      { return mtmd.DecodeUseMRope(p.mctx) }
func (p *projector) UsesNonCausal() bool  { return mtmd.DecodeUseNonCausal(p.mctx) }
func (p *projector) Marker() string       { return mtmd.DefaultMarker() }

// bitmap builds the mtmd input for one media item. mtmd takes encoded image
// files, so an RGB buffer is wrapped as a PNG first; audio goes in as mono
// float samples at the projector's bitrate.
func (p *projector) bitmap(media engine.Media) (mtmd.Bitmap, int32) {
	switch media.Modality {
	case engine.ModalityImage:
		if !p.SupportsVision() {
			return 0, engine.EncodeUnsupported
		}
		if media.Width <= 0 || media.Height <= 0 || len(media.RGB) < 3*media.Width*media.Height {
			return 0, engine.EncodeFailed
		}
		data, err := rgbToPNG(media)
		if err != nil {
			return 0, engine.EncodeFailed
		}
		bm := mtmd.BitmapInitFromBuf(p.mctx, &data[0], uint64(len(data)))
		if bm == 0 {
			return 0, engine.EncodeFailed
		}
		return bm, engine.EncodeOK
	case engine.ModalityAudio:
		if !p.SupportsAudio() {
			return 0, engine.EncodeUnsupported
		}
		if len(media.Samples) == 0 {
			return 0, engine.EncodeFailed
		}
		bm := mtmd.BitmapInitFromAudio(uint64(len(media.Samples)), &media.Samples[0])
		if bm == 0 {
			return 0, engine.EncodeFailed
		}
		return bm, engine.EncodeOK
	default:
		return 0, engine.EncodeUnsupported
	}
}

// Encode runs the projector over one media item. Long audio comes back from
// mtmd as several chunks; their rows are concatenated in order.
func (p *projector) Encode(media engine.Media) (engine.Encoded, int32) {
	bm, status := p.bitmap(media)
	if status != engine.EncodeOK {
		return engine.Encoded{}, status
	}
	defer mtmd.BitmapFree(bm)

	chunks := mtmd.InputChunksInit()
	defer mtmd.InputChunksFree(chunks)

	input := mtmd.NewInputText(p.Marker(), false, false)
	if rc := mtmd.Tokenize(p.mctx, chunks, input, []mtmd.Bitmap{bm}); rc != 0 {
		return engine.Encoded{}, engine.EncodeFailed
	}

	var out engine.Encoded
	nEmbd := p.NEmbd()
	for i := range mtmd.InputChunksSize(chunks) {
		chunk := mtmd.InputChunksGet(chunks, i)
		typ := mtmd.InputChunkGetType(chunk)
		if typ != mtmd.InputChunkTypeImage && typ != mtmd.InputChunkTypeAudio {
			continue
		}
		if rc := mtmd.EncodeChunk(p.mctx, chunk); rc != 0 {
			return engine.Encoded{}, engine.EncodeFailed
		}
		ptr := mtmd.GetOutputEmbd(p.mctx)
		if ptr == nil {
			return engine.Encoded{}, engine.EncodeFailed
		}

		nTokens := int32(mtmd.InputChunkGetNTokens(chunk))
		rows := unsafe.Slice(ptr, int(nTokens)*int(nEmbd))
		out.Embd = append(out.Embd, rows...)
		out.NTokens += nTokens
		out.NPos += int32(mtmd.InputChunkGetNPos(chunk))

		if typ == mtmd.InputChunkTypeImage && out.NX == 0 {
			tokens := mtmd.InputChunkGetTokensImage(chunk)
			out.NX = int32(mtmd.ImageTokensGetNX(tokens))
			out.NY = int32(mtmd.ImageTokensGetNY(tokens))
		}
	}
	if out.NTokens == 0 {
		return engine.Encoded{}, engine.EncodeFailed
	}
	return out, engine.EncodeOK
}

func rgbToPNG(media engine.Media) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, media.Width, media.Height))
	for i := range media.Width * media.Height {
		img.Pix[4*i] = media.RGB[3*i]
		img.Pix[4*i+1] = media.RGB[3*i+1]
		img.Pix[4*i+2] = media.RGB[3*i+2]
		img.Pix[4*i+3] = 0xFF
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p *projector) Free() {
	mtmd.Free(p.mctx)
}
