package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/binary"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"Lumen/internal/engine"
)

func pngBytes(t *testing.T, w, h int, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// wavBytes builds a RIFF/WAVE buffer from interleaved 16-bit frames.
func wavBytes(channels, rate int, frames []int16) []byte {
	var data bytes.Buffer
	for _, s := range frames {
		binary.Write(&data, binary.LittleEndian, s)
	}
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+data.Len()))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavFormatPCM))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(rate))
	binary.Write(&buf, binary.LittleEndian, uint32(rate*channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*2))
	binary.Write(&buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(data.Len()))
	buf.Write(data.Bytes())
	return buf.Bytes()
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ---------------------------------------------------------------------------
// Detection
// ---------------------------------------------------------------------------

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		hint string
		want Kind
	}{
		{"png magic", []byte("\x89PNG\r\n\x1a\n"), "", KindImage},
		{"jpeg magic", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "", KindImage},
		{"gif magic", []byte("GIF89a"), "", KindImage},
		{"webp magic", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "", KindImage},
		{"wav magic", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), "", KindAudio},
		{"raw audio by extension", []byte{0, 0, 0, 0}, "clip.f32", KindAudio},
		{"image by extension", []byte{1, 2, 3}, "photo.JPG", KindImage},
		{"unknown", []byte("hello"), "notes.txt", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data, tt.hint); got != tt.want {
				t.Errorf("Detect = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectInputType(t *testing.T) {
	long := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{7}, 90))
	tests := []struct {
		input string
		want  InputType
	}{
		{"/tmp/cat.png", InputTypeFilePath},
		{"./cat.png", InputTypeFilePath},
		{"~/cat.png", InputTypeFilePath},
		{`C:\cat.png`, InputTypeFilePath},
		{"data:image/png;base64,AAAA", InputTypeBase64},
		{long, InputTypeBase64},
		{"cat.png", InputTypeFilePath},
	}
	for _, tt := range tests {
		if got := detectInputType(tt.input); got != tt.want {
			t.Errorf("detectInputType(%.20q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

func TestLoadImageFile(t *testing.T) {
	path := writeFile(t, "red.png", pngBytes(t, 4, 3, color.RGBA{200, 10, 20, 255}))
	p := NewProcessor(DefaultConfig())

	bm, err := p.Load(t.Context(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bm.Modality() != engine.ModalityImage || bm.Width() != 4 || bm.Height() != 3 {
		t.Errorf("bitmap: %v %dx%d", bm.Modality(), bm.Width(), bm.Height())
	}
}

func TestLoadImageBase64(t *testing.T) {
	data := pngBytes(t, 2, 2, color.RGBA{1, 2, 3, 255})
	p := NewProcessor(DefaultConfig())

	for _, input := range []string{
		"data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
		base64.StdEncoding.EncodeToString(append(data, make([]byte, 64)...)),
	} {
		bm, err := p.Load(t.Context(), input)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if bm.Width() != 2 || bm.Height() != 2 {
			t.Errorf("size = %dx%d", bm.Width(), bm.Height())
		}
	}
}

func TestResizeKeepsAspect(t *testing.T) {
	p := NewProcessor(Config{MaxWidth: 50, MaxHeight: 50})
	bm, err := p.LoadBytes(pngBytes(t, 200, 100, color.RGBA{0, 0, 255, 255}), "")
	if err != nil {
		t.Fatal(err)
	}
	if bm.Width() != 50 || bm.Height() != 25 {
		t.Errorf("size = %dx%d, want 50x25", bm.Width(), bm.Height())
	}
}

func TestFitDimensions(t *testing.T) {
	tests := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{100, 100, 200, 200, 100, 100},
		{400, 200, 100, 100, 100, 50},
		{200, 400, 100, 100, 50, 100},
		{1000, 1, 10, 10, 10, 1},
	}
	for _, tt := range tests {
		w, h := fitDimensions(tt.w, tt.h, tt.maxW, tt.maxH)
		if w != tt.wantW || h != tt.wantH {
			t.Errorf("fitDimensions(%d, %d, %d, %d) = %dx%d, want %dx%d",
				tt.w, tt.h, tt.maxW, tt.maxH, w, h, tt.wantW, tt.wantH)
		}
	}
}

func TestToRGB(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{10, 20, 30, 255})
	img.SetNRGBA(1, 0, color.NRGBA{40, 50, 60, 255})
	w, h, rgb := toRGB(img)
	if w != 2 || h != 1 {
		t.Fatalf("size = %dx%d", w, h)
	}
	if diff := cmp.Diff([]byte{10, 20, 30, 40, 50, 60}, rgb); diff != "" {
		t.Errorf("rgb (-want +got):\n%s", diff)
	}
}

func TestLoadErrors(t *testing.T) {
	p := NewProcessor(DefaultConfig())
	if _, err := p.Load(t.Context(), filepath.Join(t.TempDir(), "missing.png")); err == nil {
		t.Error("missing file: no error")
	}
	if _, err := p.LoadBytes([]byte("not an image"), "x.txt"); err == nil {
		t.Error("garbage: no error")
	}
	if _, err := p.Load(t.Context(), "data:image/png;base64"); err == nil {
		t.Error("data URI without payload: no error")
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := p.Load(ctx, "/dev/null"); err == nil {
		t.Error("cancelled context: no error")
	}
}

func TestLoadManyKeepsOrder(t *testing.T) {
	p := NewProcessor(Config{Workers: 2})
	var inputs []string
	for i := 1; i <= 5; i++ {
		inputs = append(inputs, writeFile(t, "img.png", pngBytes(t, i, 1, color.RGBA{uint8(i), 0, 0, 255})))
	}

	out, err := p.LoadMany(t.Context(), inputs)
	if err != nil {
		t.Fatalf("LoadMany: %v", err)
	}
	for i, bm := range out {
		if bm.Width() != i+1 {
			t.Errorf("bitmap %d: width %d", i, bm.Width())
		}
	}

	inputs = append(inputs, filepath.Join(t.TempDir(), "missing.png"))
	if _, err := p.LoadMany(t.Context(), inputs); err == nil {
		t.Error("LoadMany with a missing file: no error")
	}
}

// ---------------------------------------------------------------------------
// Audio
// ---------------------------------------------------------------------------

func TestDecodeWAVMixdown(t *testing.T) {
	data := wavBytes(2, 16000, []int16{16384, 0, -16384, -16384, 32767, 32767})
	samples, rate, err := decodeWAV(data)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 16000 {
		t.Errorf("rate = %d", rate)
	}
	want := []float32{0.25, -0.5, 32767.0 / 32768}
	if diff := cmp.Diff(want, samples, cmpopts.EquateApprox(0, 1e-6)); diff != "" {
		t.Errorf("samples (-want +got):\n%s", diff)
	}
}

func TestDecodeWAVErrors(t *testing.T) {
	good := wavBytes(1, 8000, []int16{1, 2, 3})
	tests := []struct {
		name string
		data []byte
	}{
		{"truncated data", good[:len(good)-2]},
		{"no fmt chunk", append([]byte("RIFF\x00\x00\x00\x00WAVE"), good[36:]...)},
		{"no data chunk", good[:36]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := decodeWAV(tt.data); err == nil {
				t.Error("no error")
			}
		})
	}
}

func TestLoadAudioResamples(t *testing.T) {
	frames := make([]int16, 800)
	path := writeFile(t, "tone.wav", wavBytes(1, 8000, frames))

	p := NewProcessor(Config{SampleRate: 16000})
	bm, err := p.Load(t.Context(), path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if bm.Modality() != engine.ModalityAudio || bm.Len() != 1600 {
		t.Errorf("audio bitmap: %v with %d samples, want 1600", bm.Modality(), bm.Len())
	}
}

func TestLoadRawF32(t *testing.T) {
	var buf bytes.Buffer
	for _, v := range []float32{0.5, -0.25, 1} {
		binary.Write(&buf, binary.LittleEndian, math.Float32bits(v))
	}
	p := NewProcessor(DefaultConfig())
	bm, err := p.LoadBytes(buf.Bytes(), "clip.f32")
	if err != nil {
		t.Fatal(err)
	}
	if bm.Len() != 3 {
		t.Errorf("samples = %d", bm.Len())
	}

	if _, err := p.LoadBytes([]byte{1, 2, 3}, "clip.f32"); err == nil {
		t.Error("odd-sized raw audio: no error")
	}
}

func TestResample(t *testing.T) {
	in := []float32{0, 1, 2, 3}
	if got := resample(in, 16000, 16000); !cmp.Equal(in, got) {
		t.Errorf("same rate changed samples: %v", got)
	}
	up := resample(in, 1, 2)
	want := []float32{0, 0.5, 1, 1.5, 2, 2.5, 3, 3}
	if diff := cmp.Diff(want, up); diff != "" {
		t.Errorf("upsample (-want +got):\n%s", diff)
	}
	if down := resample(in, 2, 1); len(down) != 2 || down[1] != 2 {
		t.Errorf("downsample = %v", down)
	}
}
