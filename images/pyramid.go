package images

import (
	"context"
	"image"

	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
)

// PyramidBackbone builds a feature pyramid directly from pixels: every
// level is the image resized to the level's spatial size, with the R, G
// and B planes repeated across the level's channels.
//
// It has no learned weights. It stands in for a trained feature extractor
// when exercising the detector end to end.
type PyramidBackbone struct {
	levels []layers.Shape
	norm   Normalization
}

// NewPyramidBackbone creates a backbone producing the given level shapes.
//
// Arguments:
//   - levels: The (channels, height, width) of every level, finest first.
//   - norm: The pixel normalization.
//
// Returns:
//   - *PyramidBackbone: The backbone.
//   - error: A *common.ConfigurationError when a level is empty.
func NewPyramidBackbone(levels []layers.Shape, norm Normalization) (*PyramidBackbone, error) {
	if len(levels) == 0 {
		return nil, common.NewConfigurationError("levels", "at least one level", ">= 1", 0)
	}
	for _, s := range levels {
		if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
			return nil, common.NewConfigurationError("levels", "level dimensions must be positive", "> 0", s.String())
		}
	}
	return &PyramidBackbone{levels: append([]layers.Shape(nil), levels...), norm: norm}, nil
}

// Shapes returns the level shapes the backbone produces.
func (p *PyramidBackbone) Shapes() []layers.Shape {
	return append([]layers.Shape(nil), p.levels...)
}

// Extract resizes img once per level, concurrently.
func (p *PyramidBackbone) Extract(ctx context.Context, img image.Image) (layers.Pyramid, error) {
	out := make(layers.Pyramid, len(p.levels))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range p.levels {
		i, s := i, s
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			f, err := p.level(img, s)
			if err != nil {
				return err
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PyramidBackbone) level(img image.Image, s layers.Shape) (*layers.FeatureMap, error) {
	plane := s.Height * s.Width
	rgb := make([]float32, 3*plane)
	if err := ToPlanar(img, s.Width, s.Height, p.norm, rgb); err != nil {
		return nil, err
	}
	data := make([]float32, s.Size())
	for c := 0; c < s.Channels; c++ {
		src := (c % 3) * plane
		copy(data[c*plane:(c+1)*plane], rgb[src:src+plane])
	}
	return layers.FromData(data, s.Channels, s.Height, s.Width)
}

// Close is a no-op.
func (p *PyramidBackbone) Close() error { return nil }
