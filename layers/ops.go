package layers

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-ssd/common"
)

// ReLU clamps negatives to zero.
type ReLU struct{}

// Kind implements Layer.
func (ReLU) Kind() Kind { return KindReLU }

// Forward implements Layer.
func (ReLU) Forward(x *FeatureMap) (*FeatureMap, error) {
	return x.Map(func(v float32) float32 {
		if v < 0 {
			return 0
		}
		return v
	}), nil
}

// Tanh squashes values into (-1, 1).
type Tanh struct{}

// Kind implements Layer.
func (Tanh) Kind() Kind { return KindTanh }

// Forward implements Layer.
func (Tanh) Forward(x *FeatureMap) (*FeatureMap, error) {
	return x.Map(math32.Tanh), nil
}

// MaxPool2D is a square max pooling window.
type MaxPool2D struct {
	geom ConvGeometry
	ceil bool
}

// NewMaxPool2D builds a pooling layer.
func NewMaxPool2D(geom ConvGeometry, ceil bool) (*MaxPool2D, error) {
	if geom.Kernel <= 0 || geom.Stride <= 0 || geom.Pad < 0 || 2*geom.Pad > geom.Kernel {
		return nil, common.NewConfigurationError("pool", "pool geometry", "kernel > 0, stride > 0, pad <= kernel/2",
			fmt.Sprintf("%+v", geom))
	}
	return &MaxPool2D{geom: geom, ceil: ceil}, nil
}

// Kind implements Layer.
func (p *MaxPool2D) Kind() Kind { return KindPool }

// OutputSize returns the output extent along one axis of length n.
func (p *MaxPool2D) OutputSize(n int) int {
	span := n + 2*p.geom.Pad - p.geom.Kernel
	if !p.ceil {
		return span/p.geom.Stride + 1
	}
	out := (span+p.geom.Stride-1)/p.geom.Stride + 1
	// The last window must start inside the input or left padding.
	if (out-1)*p.geom.Stride >= n+p.geom.Pad {
		out--
	}
	return out
}

// Forward implements Layer.
func (p *MaxPool2D) Forward(x *FeatureMap) (*FeatureMap, error) {
	s := x.Shape()
	oh, ow := p.OutputSize(s.Height), p.OutputSize(s.Width)
	if oh <= 0 || ow <= 0 {
		return nil, common.NewShapeMismatchError("pool", -1, fmt.Sprintf("spatial size >= %d", p.geom.Kernel), s.String())
	}
	y := NewFeatureMap(s.Channels, oh, ow)
	dst, src := y.Data(), x.Data()
	k := p.geom.Kernel
	for c := 0; c < s.Channels; c++ {
		for oy := 0; oy < oh; oy++ {
			for ox := 0; ox < ow; ox++ {
				best := float32(-math32.MaxFloat32)
				for ky := 0; ky < k; ky++ {
					iy := oy*p.geom.Stride - p.geom.Pad + ky
					if iy < 0 || iy >= s.Height {
						continue
					}
					for kx := 0; kx < k; kx++ {
						ix := ox*p.geom.Stride - p.geom.Pad + kx
						if ix < 0 || ix >= s.Width {
							continue
						}
						if v := src[(c*s.Height+iy)*s.Width+ix]; v > best {
							best = v
						}
					}
				}
				dst[(c*oh+oy)*ow+ox] = best
			}
		}
	}
	return y, nil
}

// L2NormEpsilon keeps the per-location norm away from zero.
const L2NormEpsilon = 1e-10

// L2NormScale is the initial value of the learned per-channel weight.
const L2NormScale = 20

// L2Norm normalises each spatial location across channels to unit L2 norm and
// rescales channel c by a learned weight.
type L2Norm struct {
	name   string
	weight []float32
}

// NewL2Norm resolves "<name>.weight" (channels) from params.
func NewL2Norm(name string, channels int, params Params) (*L2Norm, error) {
	if channels <= 0 {
		return nil, common.NewConfigurationError(name, "l2norm channels must be positive", nil, channels)
	}
	w, err := params.Tensor(name+".weight", channels)
	if err != nil {
		return nil, err
	}
	return &L2Norm{name: name, weight: w.Data().([]float32)}, nil
}

// Kind implements Layer.
func (l *L2Norm) Kind() Kind { return KindL2Norm }

// Forward implements Layer.
func (l *L2Norm) Forward(x *FeatureMap) (*FeatureMap, error) {
	s := x.Shape()
	if s.Channels != len(l.weight) {
		return nil, common.NewShapeMismatchError(l.name, -1, len(l.weight), s.Channels)
	}
	plane := s.Height * s.Width
	src := x.Data()
	y := NewFeatureMap(s.Channels, s.Height, s.Width)
	dst := y.Data()
	for i := 0; i < plane; i++ {
		var sum float32
		for c := 0; c < s.Channels; c++ {
			v := src[c*plane+i]
			sum += v * v
		}
		norm := math32.Sqrt(sum) + L2NormEpsilon
		for c := 0; c < s.Channels; c++ {
			dst[c*plane+i] = l.weight[c] * src[c*plane+i] / norm
		}
	}
	return y, nil
}
