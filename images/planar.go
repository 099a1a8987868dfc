package images

import (
	"image"

	"github.com/nvr-ai/go-ssd/common"
)

// Normalization maps an 8-bit channel value v of channel c (0=R, 1=G, 2=B)
// to (v*Scale - Mean[c]) / Std[c].
type Normalization struct {
	Scale float32    `json:"scale" yaml:"scale"`
	Mean  [3]float32 `json:"mean" yaml:"mean"`
	Std   [3]float32 `json:"std" yaml:"std"`
}

// DefaultNormalization scales pixels into [0, 1].
func DefaultNormalization() Normalization {
	return Normalization{Scale: 1.0 / 255.0, Std: [3]float32{1, 1, 1}}
}

func (n Normalization) apply(c int, v uint32) float32 {
	std := n.Std[c]
	if std == 0 {
		std = 1
	}
	return (float32(v)*n.Scale - n.Mean[c]) / std
}

// ToPlanar resizes img to width x height with Lanczos3 and writes it into
// dst as three planes (R, G, B), each row-major.
//
// Arguments:
//   - img: The image to convert.
//   - width, height: The target size.
//   - norm: The per-channel normalization.
//   - dst: The destination, at least 3*width*height long.
//
// Returns:
//   - error: A *common.ShapeMismatchError when dst is too small.
func ToPlanar(img image.Image, width, height int, norm Normalization, dst []float32) error {
	plane := width * height
	if width <= 0 || height <= 0 || len(dst) < 3*plane {
		return common.NewShapeMismatchError("planar input", -1, 3*plane, len(dst))
	}
	red := dst[0:plane]
	green := dst[plane : 2*plane]
	blue := dst[2*plane : 3*plane]

	resized := Resize(img, width, height)
	b := resized.Bounds()

	i := 0
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, bl, _ := resized.At(b.Min.X+x, b.Min.Y+y).RGBA()
			red[i] = norm.apply(0, r>>8)
			green[i] = norm.apply(1, g>>8)
			blue[i] = norm.apply(2, bl>>8)
			i++
		}
	}
	return nil
}
