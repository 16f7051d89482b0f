// Package preprocess turns uploaded image bytes into the batch tensor the classifier consumes.
//
// Pixel values are always scaled to [0,1] here. Models served by leaf-check must not rescale
// again in-graph.
package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

// DefaultSize is the side length of the square model input.
const DefaultSize = 224

// Channels is the number of color channels in the model input (RGB).
const Channels = 3

// ErrDecode marks uploads that are not a decodable image.
var ErrDecode = errors.New("invalid image data")

// Tensor is a dense float32 tensor in NHWC layout.
type Tensor struct {
	Shape [4]int64
	Data  []float32
}

// Len returns the number of elements implied by the shape.
func (t *Tensor) Len() int {
	n := int64(1)
	for _, d := range t.Shape {
		n *= d
	}
	return int(n)
}

// Decode decodes JPEG, PNG, GIF, BMP, TIFF or WebP bytes into an 8-bit RGBA bitmap.
// Grayscale, paletted and CMYK sources are converted; EXIF orientation is applied.
func Decode(data []byte) (*image.NRGBA, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty upload", ErrDecode)
	}
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return imaging.Clone(img), nil
}

// Preprocessor resizes and normalizes decoded images.
type Preprocessor struct {
	Size   int
	Filter imaging.ResampleFilter
}

// New returns a Preprocessor producing size×size inputs with bilinear resampling.
func New(size int) *Preprocessor {
	if size <= 0 {
		size = DefaultSize
	}
	return &Preprocessor{Size: size, Filter: imaging.Linear}
}

// Preprocess returns a (1, Size, Size, 3) tensor with values in [0,1].
// Alpha is discarded before resampling, so every pixel contributes its stored RGB.
func (p *Preprocessor) Preprocess(img image.Image) (*Tensor, error) {
	if img == nil {
		return nil, fmt.Errorf("%w: nil image", ErrDecode)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("%w: image has no pixels", ErrDecode)
	}

	s := p.Size
	resized := imaging.Resize(opaque(img), s, s, p.Filter)
	if got := resized.Bounds(); got.Dx() != s || got.Dy() != s {
		return nil, fmt.Errorf("resize produced %dx%d, want %dx%d", got.Dx(), got.Dy(), s, s)
	}

	t := &Tensor{
		Shape: [4]int64{1, int64(s), int64(s), Channels},
		Data:  make([]float32, s*s*Channels),
	}
	for y := 0; y < s; y++ {
		row := resized.Pix[y*resized.Stride:]
		for x := 0; x < s; x++ {
			src := row[x*4 : x*4+3]
			dst := t.Data[(y*s+x)*Channels:]
			dst[0] = float32(src[0]) / 255
			dst[1] = float32(src[1]) / 255
			dst[2] = float32(src[2]) / 255
		}
	}
	return t, nil
}

// opaque returns img with every alpha set to 255. imaging weights samples by alpha,
// which would turn transparent regions black.
func opaque(img image.Image) image.Image {
	if o, ok := img.(interface{ Opaque() bool }); ok && o.Opaque() {
		return img
	}
	flat := imaging.Clone(img)
	for i := 3; i < len(flat.Pix); i += 4 {
		flat.Pix[i] = 0xff
	}
	return flat
}
