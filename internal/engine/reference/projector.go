package reference

import (
	"math"

	"Lumen/internal/engine"
)

type projector struct {
	desc  ProjectorDescriptor
	seed  uint64
	freed bool
}

func (p *projector) SupportsVision() bool { return p.desc.Vision }
func (p *projector) SupportsAudio() bool  { return p.desc.Audio }
func (p *projector) NEmbd() int32         { return p.desc.NEmbd }
func (p *projector) UsesMRoPE() bool      { return p.desc.MRoPE }
func (p *projector) UsesNonCausal() bool  { return p.desc.NonCausal }
func (p *projector) Marker() string       { return p.desc.Marker }
func (p *projector) Free()                { p.freed = true }

func (p *projector) AudioBitrate() int32 {
	if !p.desc.Audio {
		return -1
	}
	return p.desc.AudioBitrate
}

func (p *projector) Encode(media engine.Media) (engine.Encoded, int32) {
	if p.freed {
		return engine.Encoded{}, engine.EncodeFailed
	}
	switch media.Modality {
	case engine.ModalityImage:
		if !p.desc.Vision {
			return engine.Encoded{}, engine.EncodeUnsupported
		}
		return p.encodeImage(media)
	case engine.ModalityAudio:
		if !p.desc.Audio {
			return engine.Encoded{}, engine.EncodeUnsupported
		}
		return p.encodeAudio(media)
	default:
		return engine.Encoded{}, engine.EncodeUnsupported
	}
}

// encodeImage emits one row per patch. Each row is seeded by the patch's
// mean colour so identical images encode identically.
func (p *projector) encodeImage(media engine.Media) (engine.Encoded, int32) {
	w, h := media.Width, media.Height
	if w <= 0 || h <= 0 || len(media.RGB) != w*h*3 {
		return engine.Encoded{}, engine.EncodeFailed
	}
	if p.desc.MaxPixels > 0 && w*h > p.desc.MaxPixels {
		return engine.Encoded{}, engine.EncodeFailed
	}

	patch := p.desc.PatchSize
	nx := (w + patch - 1) / patch
	ny := (h + patch - 1) / patch
	nEmbd := int(p.desc.NEmbd)
	embd := make([]float32, nx*ny*nEmbd)

	for py := range ny {
		for px := range nx {
			var sum [3]uint64
			var count uint64
			for y := py * patch; y < min((py+1)*patch, h); y++ {
				for x := px * patch; x < min((px+1)*patch, w); x++ {
					off := (y*w + x) * 3
					sum[0] += uint64(media.RGB[off])
					sum[1] += uint64(media.RGB[off+1])
					sum[2] += uint64(media.RGB[off+2])
					count++
				}
			}
			key := p.seed
			for _, s := range sum {
				key = combine(key, s/count)
			}
			key = combine(key, uint64(py*nx+px))
			row := py*nx + px
			fillVector(embd[row*nEmbd:(row+1)*nEmbd], key)
		}
	}

	out := engine.Encoded{
		Embd:    embd,
		NTokens: int32(nx * ny),
		NPos:    int32(nx * ny),
		NX:      int32(nx),
		NY:      int32(ny),
	}
	if p.desc.MRoPE {
		out.NPos = int32(max(nx, ny))
	}
	return out, engine.EncodeOK
}

func (p *projector) encodeAudio(media engine.Media) (engine.Encoded, int32) {
	if len(media.Samples) == 0 {
		return engine.Encoded{}, engine.EncodeFailed
	}
	per := p.desc.SamplesPerToken
	n := (len(media.Samples) + per - 1) / per
	nEmbd := int(p.desc.NEmbd)
	embd := make([]float32, n*nEmbd)

	for i := range n {
		var energy float64
		chunk := media.Samples[i*per : min((i+1)*per, len(media.Samples))]
		for _, s := range chunk {
			energy += float64(s) * float64(s)
		}
		rms := math.Sqrt(energy / float64(len(chunk)))
		key := combine(combine(p.seed, uint64(i)), math.Float64bits(math.Round(rms*1e4)))
		fillVector(embd[i*nEmbd:(i+1)*nEmbd], key)
	}
	return engine.Encoded{Embd: embd, NTokens: int32(n), NPos: int32(n)}, engine.EncodeOK
}
