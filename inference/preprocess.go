package inference

import (
	"image"

	"github.com/nvr-ai/go-ssd/images"
)

// PrepareInput prepares the planar NCHW input (N=1) of a backbone session.
//
// Arguments:
//   - img: The image to prepare.
//   - size: The network input size (X is width, Y is height).
//   - norm: The per-channel normalization.
//   - dst: The destination buffer, typically the session's input tensor data.
//
// Returns:
//   - error: A *common.ShapeMismatchError if dst cannot hold 3*size.X*size.Y floats.
func PrepareInput(img image.Image, size image.Point, norm images.Normalization, dst []float32) error {
	return images.ToPlanar(img, size.X, size.Y, norm, dst)
}
