package media

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	wavFormatPCM        = 1
	wavFormatFloat      = 3
	wavFormatExtensible = 0xFFFE
)

var errShortWAV = errors.New("truncated wav file")

// wavFormat is the decoded "fmt " chunk.
type wavFormat struct {
	format     uint16
	channels   int
	sampleRate int
	bits       int
}

// decodeAudio returns mono samples at the configured rate. WAV files are
// parsed; anything else is read as raw little-endian float32 at the target
// rate.
func (p *Processor) decodeAudio(data []byte, hint string) ([]float32, error) {
	if len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE" {
		samples, rate, err := decodeWAV(data)
		if err != nil {
			return nil, err
		}
		if p.cfg.SampleRate > 0 && rate != p.cfg.SampleRate {
			samples = resample(samples, rate, p.cfg.SampleRate)
		}
		return samples, nil
	}
	return decodeRawF32(data)
}

// decodeWAV parses a RIFF/WAVE buffer holding 16-bit PCM or 32-bit float
// samples and mixes it down to mono.
func decodeWAV(data []byte) ([]float32, int, error) {
	var (
		fmtChunk *wavFormat
		pcm      []byte
	)
	for off := 12; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		body := off + 8
		if size < 0 || body+size > len(data) {
			return nil, 0, errShortWAV
		}
		switch id {
		case "fmt ":
			f, err := parseWAVFormat(data[body : body+size])
			if err != nil {
				return nil, 0, err
			}
			fmtChunk = f
		case "data":
			pcm = data[body : body+size]
		}
		// Chunks are word aligned.
		off = body + size + size&1
	}

	if fmtChunk == nil {
		return nil, 0, fmt.Errorf("wav: missing fmt chunk")
	}
	if pcm == nil {
		return nil, 0, fmt.Errorf("wav: missing data chunk")
	}

	var read func(b []byte) float32
	switch {
	case fmtChunk.format == wavFormatPCM && fmtChunk.bits == 16:
		read = func(b []byte) float32 { return float32(int16(binary.LittleEndian.Uint16(b))) / 32768 }
	case fmtChunk.format == wavFormatFloat && fmtChunk.bits == 32:
		read = func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }
	default:
		return nil, 0, fmt.Errorf("wav: unsupported encoding %d with %d bits", fmtChunk.format, fmtChunk.bits)
	}

	width := fmtChunk.bits / 8
	frame := width * fmtChunk.channels
	frames := len(pcm) / frame
	if frames == 0 {
		return nil, 0, fmt.Errorf("wav: no samples")
	}
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for ch := range fmtChunk.channels {
			sum += read(pcm[i*frame+ch*width:])
		}
		out[i] = sum / float32(fmtChunk.channels)
	}
	return out, fmtChunk.sampleRate, nil
}

func parseWAVFormat(b []byte) (*wavFormat, error) {
	if len(b) < 16 {
		return nil, errShortWAV
	}
	f := &wavFormat{
		format:     binary.LittleEndian.Uint16(b[0:2]),
		channels:   int(binary.LittleEndian.Uint16(b[2:4])),
		sampleRate: int(binary.LittleEndian.Uint32(b[4:8])),
		bits:       int(binary.LittleEndian.Uint16(b[14:16])),
	}
	if f.format == wavFormatExtensible {
		if len(b) < 26 {
			return nil, errShortWAV
		}
		f.format = binary.LittleEndian.Uint16(b[24:26])
	}
	if f.channels <= 0 || f.sampleRate <= 0 {
		return nil, fmt.Errorf("wav: %d channels at %d Hz", f.channels, f.sampleRate)
	}
	return f, nil
}

// decodeRawF32 reads headerless little-endian float32 mono samples.
func decodeRawF32(data []byte) ([]float32, error) {
	if len(data) == 0 || len(data)%4 != 0 {
		return nil, fmt.Errorf("raw audio: %d bytes is not a whole number of float32 samples", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

// resample converts samples between rates with linear interpolation.
func resample(in []float32, from, to int) []float32 {
	if from == to || len(in) == 0 {
		return in
	}
	n := max(1, int(int64(len(in))*int64(to)/int64(from)))
	out := make([]float32, n)
	step := float64(from) / float64(to)
	for i := range out {
		x := float64(i) * step
		j := int(x)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(x - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}
