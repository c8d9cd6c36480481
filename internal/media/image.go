package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	"golang.org/x/image/webp"
)

// decodeImage decodes an image, trying the registered formats first and then
// the decoder matching the hint's extension.
func decodeImage(data []byte, hint string) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err == nil {
		return img, nil
	}

	switch strings.ToLower(filepath.Ext(hint)) {
	case ".bmp":
		return bmp.Decode(bytes.NewReader(data))
	case ".webp":
		return webp.Decode(bytes.NewReader(data))
	case ".jpg", ".jpeg":
		return jpeg.Decode(bytes.NewReader(data))
	case ".png":
		return png.Decode(bytes.NewReader(data))
	}
	return nil, fmt.Errorf("unsupported image format: %w", err)
}

// resize scales the image to fit within MaxWidth and MaxHeight, keeping the
// aspect ratio.
func (p *Processor) resize(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w <= p.cfg.MaxWidth && h <= p.cfg.MaxHeight {
		return img
	}

	nw, nh := fitDimensions(w, h, p.cfg.MaxWidth, p.cfg.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// fitDimensions computes the largest size within maxW x maxH that keeps the
// aspect ratio. Neither side drops below one pixel.
func fitDimensions(w, h, maxW, maxH int) (int, int) {
	ratio := min(float64(maxW)/float64(w), float64(maxH)/float64(h))
	if ratio >= 1.0 {
		return w, h
	}
	return max(1, int(float64(w)*ratio)), max(1, int(float64(h)*ratio))
}

// toRGB flattens img into packed 8-bit RGB rows. Alpha is dropped.
func toRGB(img image.Image) (int, int, []byte) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]byte, 0, w*h*3)

	if rgba, ok := img.(*image.RGBA); ok {
		for y := range h {
			row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
			for x := 0; x < len(row); x += 4 {
				out = append(out, row[x], row[x+1], row[x+2])
			}
		}
		return w, h, out
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			out = append(out, byte(r>>8), byte(g>>8), byte(bl>>8))
		}
	}
	return w, h, out
}
