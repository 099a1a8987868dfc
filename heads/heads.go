// Package heads projects fused pyramid levels into per-prior location
// offsets and class scores.
package heads

import (
	"context"
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/priors"
)

// LevelChannels is the output width of one level's projections.
type LevelChannels struct {
	BoxesPerCell int `json:"boxes_per_cell"`
	Loc          int `json:"loc"`
	Conf         int `json:"conf"`
}

// Channels derives the loc and conf channel counts of every level from the
// lattice: boxesPerCell*4 and boxesPerCell*numClasses.
func Channels(lattice *priors.Lattice, numClasses int) []LevelChannels {
	spans := lattice.Levels()
	out := make([]LevelChannels, len(spans))
	for i, s := range spans {
		out[i] = LevelChannels{
			BoxesPerCell: s.BoxesPerCell,
			Loc:          s.BoxesPerCell * 4,
			Conf:         s.BoxesPerCell * numClasses,
		}
	}
	return out
}

// Heads holds a loc and a conf 3x3 convolution per pyramid level.
type Heads struct {
	lattice    *priors.Lattice
	numClasses int
	channels   []LevelChannels
	loc, conf  []*layers.Conv2D
}

// New builds the heads for a lattice.
//
// Arguments:
//   - lattice: Fixes the per-level boxes-per-cell and spatial sizes.
//   - inChannels: The channel count of every fused level.
//   - numClasses: Classes including background.
//   - params: "loc<i>" and "conf<i>" convolution weights.
//   - backend: Convolution backend; nil selects the native one.
//
// Returns:
//   - The heads.
//   - A *common.ConfigurationError when the level counts disagree, or the
//     parameter lookup error.
func New(lattice *priors.Lattice, inChannels []int, numClasses int, params layers.Params, backend layers.Backend) (*Heads, error) {
	spans := lattice.Levels()
	if len(inChannels) != len(spans) {
		return nil, common.NewConfigurationError("in_channels", "one channel count per lattice level", len(spans), len(inChannels))
	}
	if numClasses < 2 {
		return nil, common.NewConfigurationError("num_classes", "need background plus one class", ">= 2", numClasses)
	}

	h := &Heads{lattice: lattice, numClasses: numClasses, channels: Channels(lattice, numClasses)}
	geom := layers.ConvGeometry{Kernel: 3, Stride: 1, Pad: 1}
	for i, in := range inChannels {
		loc, err := layers.NewConv2D(fmt.Sprintf("loc%d", i), in, h.channels[i].Loc, geom, params, backend)
		if err != nil {
			return nil, err
		}
		conf, err := layers.NewConv2D(fmt.Sprintf("conf%d", i), in, h.channels[i].Conf, geom, params, backend)
		if err != nil {
			return nil, err
		}
		h.loc = append(h.loc, loc)
		h.conf = append(h.conf, conf)
	}
	return h, nil
}

// Channels returns the per-level projection widths.
func (h *Heads) Channels() []LevelChannels {
	return append([]LevelChannels(nil), h.channels...)
}

// NumClasses returns the class count including background.
func (h *Heads) NumClasses() int { return h.numClasses }

// Forward projects a fused pyramid into a flat Prediction ordered like the
// lattice: level, row, column, variant.
func (h *Heads) Forward(ctx context.Context, pyramid layers.Pyramid) (postprocess.Prediction, error) {
	spans := h.lattice.Levels()
	if len(pyramid) != len(spans) {
		return postprocess.Prediction{}, common.NewShapeMismatchError("heads.pyramid", -1, len(spans), len(pyramid))
	}

	n := h.lattice.Len()
	pred := postprocess.Prediction{
		Loc:        make([]float32, 0, 4*n),
		Conf:       make([]float32, 0, h.numClasses*n),
		NumPriors:  n,
		NumClasses: h.numClasses,
	}
	for i, x := range pyramid {
		if err := ctx.Err(); err != nil {
			return postprocess.Prediction{}, err
		}
		if x.Height() != spans[i].Height || x.Width() != spans[i].Width {
			return postprocess.Prediction{}, common.NewShapeMismatchError("heads.level", i,
				fmt.Sprintf("%dx%d", spans[i].Height, spans[i].Width), fmt.Sprintf("%dx%d", x.Height(), x.Width()))
		}
		loc, err := h.loc[i].Forward(x)
		if err != nil {
			return postprocess.Prediction{}, err
		}
		conf, err := h.conf[i].Forward(x)
		if err != nil {
			return postprocess.Prediction{}, err
		}
		pred.Loc = appendHWC(pred.Loc, loc)
		pred.Conf = appendHWC(pred.Conf, conf)
	}
	return pred, nil
}

// appendHWC appends a CHW map in row, column, channel order.
func appendHWC(dst []float32, x *layers.FeatureMap) []float32 {
	s := x.Shape()
	src := x.Data()
	plane := s.Height * s.Width
	for p := 0; p < plane; p++ {
		for c := 0; c < s.Channels; c++ {
			dst = append(dst, src[c*plane+p])
		}
	}
	return dst
}
