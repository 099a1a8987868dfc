package layers

import (
	"fmt"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/common"
)

// FeatureMap is a single channels x height x width float32 activation.
//
// The backing array is owned by the map. Layers never write into their input;
// every forward pass returns a new FeatureMap.
type FeatureMap struct {
	dense *tensor.Dense
}

// Shape is the (channels, height, width) triple of a feature map.
type Shape struct {
	Channels int `json:"channels" yaml:"channels"`
	Height   int `json:"height" yaml:"height"`
	Width    int `json:"width" yaml:"width"`
}

func (s Shape) String() string {
	return fmt.Sprintf("%dx%dx%d", s.Channels, s.Height, s.Width)
}

// Size is the number of elements described by the shape.
func (s Shape) Size() int { return s.Channels * s.Height * s.Width }

// NewFeatureMap allocates a zeroed feature map.
func NewFeatureMap(channels, height, width int) *FeatureMap {
	return &FeatureMap{dense: tensor.New(
		tensor.Of(tensor.Float32),
		tensor.WithShape(channels, height, width),
	)}
}

// FromData wraps data (laid out channel-major, then row, then column) as a
// feature map.
//
// Arguments:
//   - data: The backing values; the slice is retained, not copied.
//   - channels, height, width: The map dimensions.
//
// Returns:
//   - The feature map.
//   - A *common.ShapeMismatchError when len(data) != channels*height*width.
func FromData(data []float32, channels, height, width int) (*FeatureMap, error) {
	want := Shape{channels, height, width}
	if channels <= 0 || height <= 0 || width <= 0 || len(data) != want.Size() {
		return nil, common.NewShapeMismatchError("feature map backing", -1, want.Size(), len(data))
	}
	return &FeatureMap{dense: tensor.New(
		tensor.WithShape(channels, height, width),
		tensor.WithBacking(data),
	)}, nil
}

// FromDense wraps a 3-D float32 dense tensor.
func FromDense(d *tensor.Dense) (*FeatureMap, error) {
	if d.Dtype() != tensor.Float32 {
		return nil, common.NewShapeMismatchError("feature map dtype", -1, tensor.Float32.String(), d.Dtype().String())
	}
	shape := d.Shape()
	switch len(shape) {
	case 3:
	case 4:
		// A single-image NCHW batch is accepted and squeezed.
		if shape[0] != 1 {
			return nil, common.NewShapeMismatchError("feature map batch", -1, 1, shape[0])
		}
		return FromData(d.Data().([]float32), shape[1], shape[2], shape[3])
	default:
		return nil, common.NewShapeMismatchError("feature map rank", -1, 3, len(shape))
	}
	return &FeatureMap{dense: d}, nil
}

// Shape returns the map's dimensions.
func (f *FeatureMap) Shape() Shape {
	s := f.dense.Shape()
	return Shape{Channels: s[0], Height: s[1], Width: s[2]}
}

// Channels returns the channel count.
func (f *FeatureMap) Channels() int { return f.dense.Shape()[0] }

// Height returns the number of rows.
func (f *FeatureMap) Height() int { return f.dense.Shape()[1] }

// Width returns the number of columns.
func (f *FeatureMap) Width() int { return f.dense.Shape()[2] }

// Data returns the backing array in CHW order.
func (f *FeatureMap) Data() []float32 { return f.dense.Data().([]float32) }

// Dense returns the underlying tensor.
func (f *FeatureMap) Dense() *tensor.Dense { return f.dense }

// At returns the value at (c, y, x).
func (f *FeatureMap) At(c, y, x int) float32 {
	s := f.Shape()
	return f.Data()[(c*s.Height+y)*s.Width+x]
}

// Clone returns a deep copy.
func (f *FeatureMap) Clone() *FeatureMap {
	return &FeatureMap{dense: f.dense.Clone().(*tensor.Dense)}
}

// Map applies fn elementwise and returns the result as a new map.
func (f *FeatureMap) Map(fn func(float32) float32) *FeatureMap {
	s := f.Shape()
	out := NewFeatureMap(s.Channels, s.Height, s.Width)
	dst := out.Data()
	for i, v := range f.Data() {
		dst[i] = fn(v)
	}
	return out
}

// Add returns f + other. Both maps must share a shape.
func (f *FeatureMap) Add(other *FeatureMap) (*FeatureMap, error) {
	if f.Shape() != other.Shape() {
		return nil, common.NewShapeMismatchError("add", -1, f.Shape().String(), other.Shape().String())
	}
	out := f.Clone()
	dst := out.Data()
	for i, v := range other.Data() {
		dst[i] += v
	}
	return out, nil
}

// AddBroadcast returns f plus a single-channel map repeated across every
// channel of f.
func (f *FeatureMap) AddBroadcast(gate *FeatureMap) (*FeatureMap, error) {
	s, g := f.Shape(), gate.Shape()
	if g.Channels != 1 || g.Height != s.Height || g.Width != s.Width {
		return nil, common.NewShapeMismatchError("broadcast add", -1,
			Shape{1, s.Height, s.Width}.String(), g.String())
	}
	out := f.Clone()
	dst, src := out.Data(), gate.Data()
	plane := s.Height * s.Width
	for c := 0; c < s.Channels; c++ {
		row := dst[c*plane : (c+1)*plane]
		for i, v := range src {
			row[i] += v
		}
	}
	return out, nil
}

// Crop returns the top-left height x width window of f.
func (f *FeatureMap) Crop(height, width int) (*FeatureMap, error) {
	s := f.Shape()
	if height > s.Height || width > s.Width || height <= 0 || width <= 0 {
		return nil, common.NewShapeMismatchError("crop", -1,
			fmt.Sprintf("<= %dx%d", s.Height, s.Width), fmt.Sprintf("%dx%d", height, width))
	}
	if height == s.Height && width == s.Width {
		return f, nil
	}
	out := NewFeatureMap(s.Channels, height, width)
	dst, src := out.Data(), f.Data()
	for c := 0; c < s.Channels; c++ {
		for y := 0; y < height; y++ {
			from := (c*s.Height + y) * s.Width
			copy(dst[(c*height+y)*width:(c*height+y+1)*width], src[from:from+width])
		}
	}
	return out, nil
}

// Pyramid is an ordered sequence of feature maps, one per pyramid level,
// finest first.
type Pyramid []*FeatureMap

// Shapes returns the shape of every level.
func (p Pyramid) Shapes() []Shape {
	out := make([]Shape, len(p))
	for i, f := range p {
		out[i] = f.Shape()
	}
	return out
}
