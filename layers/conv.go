package layers

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/common"
)

// Conv2D is a biased 2-D convolution with a square kernel.
type Conv2D struct {
	name    string
	in, out int
	geom    ConvGeometry
	weight  *tensor.Dense // (out, in, k, k)
	bias    []float32     // (out)
	backend Backend
}

// NewConv2D resolves "<name>.weight" and "<name>.bias" from params.
func NewConv2D(name string, in, out int, geom ConvGeometry, params Params, backend Backend) (*Conv2D, error) {
	if in <= 0 || out <= 0 || geom.Kernel <= 0 || geom.Stride <= 0 || geom.Pad < 0 {
		return nil, common.NewConfigurationError(name, "convolution geometry must be positive",
			nil, fmt.Sprintf("in=%d out=%d %+v", in, out, geom))
	}
	w, err := params.Tensor(name+".weight", out, in, geom.Kernel, geom.Kernel)
	if err != nil {
		return nil, err
	}
	b, err := params.Tensor(name+".bias", out)
	if err != nil {
		return nil, err
	}
	if backend == nil {
		backend = NativeBackend{}
	}
	return &Conv2D{
		name: name, in: in, out: out, geom: geom,
		weight: w, bias: b.Data().([]float32), backend: backend,
	}, nil
}

// Kind implements Layer.
func (c *Conv2D) Kind() Kind { return KindConv }

// Name returns the parameter prefix.
func (c *Conv2D) Name() string { return c.name }

// OutChannels returns the number of output channels.
func (c *Conv2D) OutChannels() int { return c.out }

// Forward implements Layer.
func (c *Conv2D) Forward(x *FeatureMap) (*FeatureMap, error) {
	s := x.Shape()
	if s.Channels != c.in {
		return nil, common.NewShapeMismatchError(c.name, -1, c.in, s.Channels)
	}
	if c.geom.OutputSize(s.Height) <= 0 || c.geom.OutputSize(s.Width) <= 0 {
		return nil, common.NewShapeMismatchError(c.name, -1,
			fmt.Sprintf("spatial size >= %d", c.geom.Kernel-2*c.geom.Pad), s.String())
	}
	y, err := c.backend.Conv2D(x, c.weight, c.geom)
	if err != nil {
		return nil, err
	}
	addBias(y, c.bias)
	return y, nil
}

func addBias(y *FeatureMap, bias []float32) {
	s := y.Shape()
	plane := s.Height * s.Width
	data := y.Data()
	for c, b := range bias {
		row := data[c*plane : (c+1)*plane]
		for i := range row {
			row[i] += b
		}
	}
}

// ConvTranspose2D is a biased transposed convolution. Its output extent is
// (n-1)*stride - 2*pad + kernel along each axis.
type ConvTranspose2D struct {
	name    string
	in, out int
	geom    ConvGeometry
	weight  []float32 // (in, out, k, k)
	bias    []float32
}

// NewConvTranspose2D resolves "<name>.weight" (in, out, k, k) and
// "<name>.bias" from params.
func NewConvTranspose2D(name string, in, out int, geom ConvGeometry, params Params) (*ConvTranspose2D, error) {
	if in <= 0 || out <= 0 || geom.Kernel <= 0 || geom.Stride <= 0 || geom.Pad < 0 {
		return nil, common.NewConfigurationError(name, "deconvolution geometry must be positive",
			nil, fmt.Sprintf("in=%d out=%d %+v", in, out, geom))
	}
	w, err := params.Tensor(name+".weight", in, out, geom.Kernel, geom.Kernel)
	if err != nil {
		return nil, err
	}
	b, err := params.Tensor(name+".bias", out)
	if err != nil {
		return nil, err
	}
	return &ConvTranspose2D{
		name: name, in: in, out: out, geom: geom,
		weight: w.Data().([]float32), bias: b.Data().([]float32),
	}, nil
}

// Kind implements Layer.
func (d *ConvTranspose2D) Kind() Kind { return KindDeconv }

// OutputSize returns the output extent along one axis of length n.
func (d *ConvTranspose2D) OutputSize(n int) int {
	return (n-1)*d.geom.Stride - 2*d.geom.Pad + d.geom.Kernel
}

// Forward implements Layer.
func (d *ConvTranspose2D) Forward(x *FeatureMap) (*FeatureMap, error) {
	s := x.Shape()
	if s.Channels != d.in {
		return nil, common.NewShapeMismatchError(d.name, -1, d.in, s.Channels)
	}
	oh, ow := d.OutputSize(s.Height), d.OutputSize(s.Width)
	if oh <= 0 || ow <= 0 {
		return nil, common.NewShapeMismatchError(d.name, -1, "positive output size", fmt.Sprintf("%dx%d", oh, ow))
	}

	y := NewFeatureMap(d.out, oh, ow)
	dst, src := y.Data(), x.Data()
	k := d.geom.Kernel
	for ic := 0; ic < d.in; ic++ {
		for iy := 0; iy < s.Height; iy++ {
			for ix := 0; ix < s.Width; ix++ {
				v := src[(ic*s.Height+iy)*s.Width+ix]
				if v == 0 {
					continue
				}
				for oc := 0; oc < d.out; oc++ {
					kernel := d.weight[((ic*d.out+oc)*k)*k : ((ic*d.out+oc)*k+k)*k]
					for ky := 0; ky < k; ky++ {
						oy := iy*d.geom.Stride - d.geom.Pad + ky
						if oy < 0 || oy >= oh {
							continue
						}
						base := (oc*oh + oy) * ow
						for kx := 0; kx < k; kx++ {
							ox := ix*d.geom.Stride - d.geom.Pad + kx
							if ox < 0 || ox >= ow {
								continue
							}
							dst[base+ox] += v * kernel[ky*k+kx]
						}
					}
				}
			}
		}
	}
	addBias(y, d.bias)
	return y, nil
}
