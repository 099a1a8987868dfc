package layers

import (
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
)

// Kind tags a layer description.
type Kind string

const (
	KindConv   Kind = "conv"
	KindDeconv Kind = "deconv"
	KindPool   Kind = "pool"
	KindReLU   Kind = "relu"
	KindTanh   Kind = "tanh"
	KindL2Norm Kind = "l2norm"
)

// Layer is one step of a feature-map producer.
type Layer interface {
	Kind() Kind
	Forward(x *FeatureMap) (*FeatureMap, error)
}

// Spec describes a layer declaratively. Only the fields relevant to Kind are
// read.
type Spec struct {
	Kind   Kind   `json:"kind" yaml:"kind"`
	Name   string `json:"name,omitempty" yaml:"name,omitempty"`
	In     int    `json:"in,omitempty" yaml:"in,omitempty"`
	Out    int    `json:"out,omitempty" yaml:"out,omitempty"`
	Kernel int    `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	Stride int    `json:"stride,omitempty" yaml:"stride,omitempty"`
	Pad    int    `json:"pad,omitempty" yaml:"pad,omitempty"`
	// CeilMode rounds pooled output sizes up instead of down.
	CeilMode bool `json:"ceil_mode,omitempty" yaml:"ceil_mode,omitempty"`
}

// Conv returns a convolution spec.
func Conv(name string, in, out, kernel, stride, pad int) Spec {
	return Spec{Kind: KindConv, Name: name, In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad}
}

// Deconv returns a transposed convolution spec.
func Deconv(name string, in, out, kernel, stride, pad int) Spec {
	return Spec{Kind: KindDeconv, Name: name, In: in, Out: out, Kernel: kernel, Stride: stride, Pad: pad}
}

// Build turns specs into layers, pulling weights from params.
//
// Arguments:
//   - specs: The layer descriptions, in execution order.
//   - params: Where convolution weights come from.
//   - backend: The convolution backend; nil selects NativeBackend.
//
// Returns:
//   - The assembled Sequential.
//   - A *common.ConfigurationError for unknown kinds or bad geometry, or the
//     parameter lookup error.
func Build(specs []Spec, params Params, backend Backend) (*Sequential, error) {
	if backend == nil {
		backend = NativeBackend{}
	}
	seq := &Sequential{}
	for i, s := range specs {
		name := s.Name
		if name == "" {
			name = fmt.Sprintf("%s%d", s.Kind, i)
		}
		var (
			layer Layer
			err   error
		)
		switch s.Kind {
		case KindConv:
			layer, err = NewConv2D(name, s.In, s.Out, ConvGeometry{s.Kernel, max1(s.Stride), s.Pad}, params, backend)
		case KindDeconv:
			layer, err = NewConvTranspose2D(name, s.In, s.Out, ConvGeometry{s.Kernel, max1(s.Stride), s.Pad}, params)
		case KindPool:
			layer, err = NewMaxPool2D(ConvGeometry{s.Kernel, max1(s.Stride), s.Pad}, s.CeilMode)
		case KindReLU:
			layer = ReLU{}
		case KindTanh:
			layer = Tanh{}
		case KindL2Norm:
			layer, err = NewL2Norm(name, s.In, params)
		default:
			err = common.NewConfigurationError(fmt.Sprintf("layers[%d].kind", i), "unknown layer kind", nil, s.Kind)
		}
		if err != nil {
			return nil, err
		}
		seq.Layers = append(seq.Layers, layer)
	}
	return seq, nil
}

func max1(v int) int {
	if v < 1 {
		return 1
	}
	return v
}

// Sequential runs layers in order.
type Sequential struct {
	Layers []Layer
}

// NewSequential chains layers.
func NewSequential(layers ...Layer) *Sequential {
	return &Sequential{Layers: layers}
}

// Kind reports the kind of the first layer; an empty Sequential is a
// pass-through and reports "".
func (s *Sequential) Kind() Kind {
	if len(s.Layers) == 0 {
		return ""
	}
	return s.Layers[0].Kind()
}

// Forward implements Layer.
func (s *Sequential) Forward(x *FeatureMap) (*FeatureMap, error) {
	var err error
	for _, l := range s.Layers {
		if x, err = l.Forward(x); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Len returns the number of layers.
func (s *Sequential) Len() int { return len(s.Layers) }
