package fusion

import (
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
)

// SideWeight computes a single-channel gated residual from a feature map and
// adds it back across every channel:
//
//	x + tanh(conv1x1(relu(conv1x1(x))))
//
// The first projection doubles the channels, the second reduces them to one.
type SideWeight struct {
	level    int
	channels int
	gate     *layers.Sequential
}

// NewSideWeight builds the block for a level with the given channel count.
// Parameters are "<prefix>.expand" and "<prefix>.reduce".
func NewSideWeight(prefix string, level, channels int, params layers.Params, backend layers.Backend) (*SideWeight, error) {
	expand, err := layers.NewConv2D(prefix+".expand", channels, 2*channels,
		layers.ConvGeometry{Kernel: 1, Stride: 1}, params, backend)
	if err != nil {
		return nil, err
	}
	reduce, err := layers.NewConv2D(prefix+".reduce", 2*channels, 1,
		layers.ConvGeometry{Kernel: 1, Stride: 1}, params, backend)
	if err != nil {
		return nil, err
	}
	return &SideWeight{
		level:    level,
		channels: channels,
		gate:     layers.NewSequential(expand, layers.ReLU{}, reduce, layers.Tanh{}),
	}, nil
}

// Gate returns the bounded single-channel signal for x.
func (s *SideWeight) Gate(x *layers.FeatureMap) (*layers.FeatureMap, error) {
	if x.Channels() != s.channels {
		return nil, common.NewShapeMismatchError("fusion.tap", s.level, s.channels, x.Channels())
	}
	return s.gate.Forward(x)
}

// Apply returns x with the gate added to every channel.
func (s *SideWeight) Apply(x *layers.FeatureMap) (*layers.FeatureMap, error) {
	g, err := s.Gate(x)
	if err != nil {
		return nil, err
	}
	return x.AddBroadcast(g)
}

// Extension blends level k with its deeper neighbour k+1:
//
//	refine(relu(deconv(deeper))) + lateral(target)
//
// The deconvolution doubles the spatial size; an upsampled map one cell larger
// than the target along an axis is cropped to it.
type Extension struct {
	level    int
	in, out  int
	up       *layers.ConvTranspose2D
	upRefine *layers.Sequential
	lateral  *layers.Sequential
}

// NewExtension builds the block fusing a level with out channels and a
// deeper level with in channels. Parameters are "<prefix>.up",
// "<prefix>.up_conv<i>" and "<prefix>.conv<i>".
func NewExtension(prefix string, level, in, out, upDepth, lateralDepth int, params layers.Params, backend layers.Backend) (*Extension, error) {
	up, err := layers.NewConvTranspose2D(prefix+".up", in, out,
		layers.ConvGeometry{Kernel: 2, Stride: 2}, params)
	if err != nil {
		return nil, err
	}
	upRefine, err := refineChain(prefix+".up_conv", out, upDepth, params, backend)
	if err != nil {
		return nil, err
	}
	lateral, err := refineChain(prefix+".conv", out, lateralDepth, params, backend)
	if err != nil {
		return nil, err
	}
	return &Extension{level: level, in: in, out: out, up: up, upRefine: upRefine, lateral: lateral}, nil
}

func refineChain(prefix string, channels, depth int, params layers.Params, backend layers.Backend) (*layers.Sequential, error) {
	seq := layers.NewSequential()
	for i := 0; i < depth; i++ {
		conv, err := layers.NewConv2D(fmt.Sprintf("%s%d", prefix, i), channels, channels,
			layers.ConvGeometry{Kernel: 3, Stride: 1, Pad: 1}, params, backend)
		if err != nil {
			return nil, err
		}
		seq.Layers = append(seq.Layers, conv, layers.ReLU{})
	}
	return seq, nil
}

// Apply returns the fused map for the target level.
func (e *Extension) Apply(target, deeper *layers.FeatureMap) (*layers.FeatureMap, error) {
	if target.Channels() != e.out {
		return nil, common.NewShapeMismatchError("fusion.extension", e.level, e.out, target.Channels())
	}
	if deeper.Channels() != e.in {
		return nil, common.NewShapeMismatchError("fusion.extension", e.level+1, e.in, deeper.Channels())
	}

	up, err := e.up.Forward(deeper)
	if err != nil {
		return nil, err
	}
	h, w := target.Height(), target.Width()
	if up.Height() < h || up.Width() < w || up.Height() > h+1 || up.Width() > w+1 {
		return nil, common.NewShapeMismatchError("fusion.upsample", e.level,
			fmt.Sprintf("%dx%d (+1)", h, w), fmt.Sprintf("%dx%d", up.Height(), up.Width()))
	}
	if up, err = up.Crop(h, w); err != nil {
		return nil, err
	}
	if up, err = (layers.ReLU{}).Forward(up); err != nil {
		return nil, err
	}
	if up, err = e.upRefine.Forward(up); err != nil {
		return nil, err
	}

	own, err := e.lateral.Forward(target)
	if err != nil {
		return nil, err
	}
	return up.Add(own)
}
