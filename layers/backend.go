package layers

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// ConvGeometry describes a square-kernel 2-D convolution.
type ConvGeometry struct {
	Kernel int
	Stride int
	Pad    int
}

// OutputSize returns the output extent along one axis of length n.
func (g ConvGeometry) OutputSize(n int) int {
	return (n+2*g.Pad-g.Kernel)/g.Stride + 1
}

// Backend executes convolutions. Weights are (out, in, k, k); the bias is
// added by the caller.
type Backend interface {
	Conv2D(x *FeatureMap, weight *tensor.Dense, geom ConvGeometry) (*FeatureMap, error)
	Name() string
}

// NativeBackend lowers a convolution to im2col followed by one matrix
// multiply on gorgonia tensors.
type NativeBackend struct{}

// Name implements Backend.
func (NativeBackend) Name() string { return "native" }

// Conv2D implements Backend.
func (NativeBackend) Conv2D(x *FeatureMap, weight *tensor.Dense, geom ConvGeometry) (*FeatureMap, error) {
	ws := weight.Shape()
	out, in, k := ws[0], ws[1], geom.Kernel
	s := x.Shape()
	oh, ow := geom.OutputSize(s.Height), geom.OutputSize(s.Width)

	cols := im2col(x, geom, oh, ow)
	colT := tensor.New(tensor.WithShape(in*k*k, oh*ow), tensor.WithBacking(cols))

	w := tensor.New(tensor.WithShape(out, in*k*k), tensor.WithBacking(weight.Data().([]float32)))
	prod, err := w.MatMul(colT)
	if err != nil {
		return nil, errors.Wrap(err, "conv2d matmul")
	}
	return FromData(prod.Data().([]float32), out, oh, ow)
}

// im2col unfolds every receptive field into one column of an
// (in*k*k) x (oh*ow) matrix, zero padding out-of-range taps.
func im2col(x *FeatureMap, geom ConvGeometry, oh, ow int) []float32 {
	s := x.Shape()
	k := geom.Kernel
	src := x.Data()
	cols := make([]float32, s.Channels*k*k*oh*ow)

	row := 0
	for c := 0; c < s.Channels; c++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				dst := cols[row*oh*ow : (row+1)*oh*ow]
				for y := 0; y < oh; y++ {
					iy := y*geom.Stride - geom.Pad + ky
					if iy < 0 || iy >= s.Height {
						continue
					}
					base := (c*s.Height + iy) * s.Width
					for xx := 0; xx < ow; xx++ {
						ix := xx*geom.Stride - geom.Pad + kx
						if ix < 0 || ix >= s.Width {
							continue
						}
						dst[y*ow+xx] = src[base+ix]
					}
				}
				row++
			}
		}
	}
	return cols
}

// GraphBackend runs each convolution as a gorgonia expression graph on a
// tape machine.
type GraphBackend struct{}

// Name implements Backend.
func (GraphBackend) Name() string { return "gorgonia" }

// Conv2D implements Backend.
func (GraphBackend) Conv2D(x *FeatureMap, weight *tensor.Dense, geom ConvGeometry) (*FeatureMap, error) {
	s := x.Shape()
	ws := weight.Shape()

	g := gorgonia.NewGraph()
	input := tensor.New(tensor.WithShape(1, s.Channels, s.Height, s.Width),
		tensor.WithBacking(append([]float32(nil), x.Data()...)))
	filter := tensor.New(tensor.WithShape(ws...),
		tensor.WithBacking(append([]float32(nil), weight.Data().([]float32)...)))

	im := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(1, s.Channels, s.Height, s.Width),
		gorgonia.WithName("x"), gorgonia.WithValue(input))
	w := gorgonia.NewTensor(g, tensor.Float32, 4, gorgonia.WithShape(ws...),
		gorgonia.WithName("w"), gorgonia.WithValue(filter))

	y, err := gorgonia.Conv2d(im, w, tensor.Shape{geom.Kernel, geom.Kernel},
		[]int{geom.Pad, geom.Pad}, []int{geom.Stride, geom.Stride}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "building conv2d graph")
	}

	vm := gorgonia.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running conv2d graph")
	}

	out, ok := y.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("conv2d graph produced %T", y.Value())
	}
	shape := out.Shape()
	return FromData(append([]float32(nil), out.Data().([]float32)...), shape[1], shape[2], shape[3])
}
