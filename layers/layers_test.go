package layers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/common"
)

func ramp(c, h, w int) *FeatureMap {
	data := make([]float32, c*h*w)
	for i := range data {
		data[i] = float32(i%7) - 3
	}
	f, err := FromData(data, c, h, w)
	if err != nil {
		panic(err)
	}
	return f
}

func TestFeatureMapBasics(t *testing.T) {
	_, err := FromData(make([]float32, 5), 1, 2, 3)
	var shapeErr *common.ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)

	f := ramp(2, 2, 3)
	assert.Equal(t, Shape{2, 2, 3}, f.Shape())
	assert.Equal(t, float32(-3), f.At(0, 0, 0))
	assert.Equal(t, float32(0), f.At(0, 1, 0))

	gate, err := FromData([]float32{1, 1, 1, 2, 2, 2}, 1, 2, 3)
	require.NoError(t, err)
	sum, err := f.AddBroadcast(gate)
	require.NoError(t, err)
	assert.Equal(t, f.At(1, 1, 2)+2, sum.At(1, 1, 2))
	assert.Equal(t, float32(-3), f.At(0, 0, 0), "inputs are never modified")

	_, err = f.AddBroadcast(ramp(2, 2, 3))
	require.ErrorAs(t, err, &shapeErr)

	crop, err := f.Crop(1, 2)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 1, 2}, crop.Shape())
	assert.Equal(t, f.At(1, 0, 1), crop.At(1, 0, 1))

	_, err = f.Crop(3, 3)
	require.ErrorAs(t, err, &shapeErr)

	dense := tensor.New(tensor.WithShape(1, 2, 2, 3), tensor.WithBacking(make([]float32, 12)))
	squeezed, err := FromDense(dense)
	require.NoError(t, err)
	assert.Equal(t, Shape{2, 2, 3}, squeezed.Shape())
}

func TestConv2DKnownValues(t *testing.T) {
	params := MapParams{
		"c.weight": tensor.New(tensor.WithShape(1, 1, 3, 3), tensor.WithBacking([]float32{
			0, 0, 0,
			0, 1, 1,
			0, 0, 0,
		})),
		"c.bias": tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{0.5})),
	}
	conv, err := NewConv2D("c", 1, 1, ConvGeometry{Kernel: 3, Stride: 1, Pad: 1}, params, nil)
	require.NoError(t, err)

	x, err := FromData([]float32{
		1, 2,
		3, 4,
	}, 1, 2, 2)
	require.NoError(t, err)

	y, err := conv.Forward(x)
	require.NoError(t, err)
	// Each output is x[y][x] + x[y][x+1] + bias, with zero padding.
	assert.Equal(t, []float32{3.5, 2.5, 7.5, 4.5}, y.Data())

	_, err = conv.Forward(ramp(2, 2, 2))
	var shapeErr *common.ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, 1, shapeErr.Expected)
	assert.Equal(t, 2, shapeErr.Actual)
}

func TestBackendsAgree(t *testing.T) {
	params := NewInitParams(SeededInit(7, 0.5))
	geoms := []ConvGeometry{
		{Kernel: 3, Stride: 1, Pad: 1},
		{Kernel: 3, Stride: 2, Pad: 1},
		{Kernel: 1, Stride: 1, Pad: 0},
	}
	x := ramp(3, 7, 5)
	for i, g := range geoms {
		w, err := params.Tensor("w"+string(rune('a'+i)), 4, 3, g.Kernel, g.Kernel)
		require.NoError(t, err)

		native, err := NativeBackend{}.Conv2D(x, w, g)
		require.NoError(t, err)
		graph, err := GraphBackend{}.Conv2D(x, w, g)
		require.NoError(t, err)

		require.Equal(t, native.Shape(), graph.Shape())
		assert.InDeltaSlice(t, native.Data(), graph.Data(), 1e-4)
	}
}

func TestConvTranspose2DDoublesSize(t *testing.T) {
	params := NewInitParams(ConstantInit(1))
	deconv, err := NewConvTranspose2D("up", 2, 1, ConvGeometry{Kernel: 2, Stride: 2}, params)
	require.NoError(t, err)

	x := ramp(2, 3, 5)
	y, err := deconv.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, Shape{1, 6, 10}, y.Shape())
	// Kernel 2, stride 2: every output cell sees exactly one input cell.
	assert.Equal(t, x.At(0, 1, 2)+x.At(1, 1, 2)+1, y.At(0, 3, 5))
}

func TestMaxPool2D(t *testing.T) {
	pool, err := NewMaxPool2D(ConvGeometry{Kernel: 2, Stride: 2}, true)
	require.NoError(t, err)
	assert.Equal(t, 38, pool.OutputSize(75))
	assert.Equal(t, 19, pool.OutputSize(38))

	floor, err := NewMaxPool2D(ConvGeometry{Kernel: 2, Stride: 2}, false)
	require.NoError(t, err)
	assert.Equal(t, 37, floor.OutputSize(75))

	x, err := FromData([]float32{
		1, 5, 2,
		3, 4, 9,
		0, 8, 7,
	}, 1, 3, 3)
	require.NoError(t, err)
	y, err := pool.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 9, 8, 7}, y.Data())

	neg, err := FromData([]float32{-4, -3, -2, -1}, 1, 2, 2)
	require.NoError(t, err)
	y, err = floor.Forward(neg)
	require.NoError(t, err)
	assert.Equal(t, []float32{-1}, y.Data())
}

func TestActivations(t *testing.T) {
	x, err := FromData([]float32{-2, 0, 3}, 1, 1, 3)
	require.NoError(t, err)

	relu, err := ReLU{}.Forward(x)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 3}, relu.Data())

	tanh, err := Tanh{}.Forward(x)
	require.NoError(t, err)
	for _, v := range tanh.Data() {
		assert.True(t, v > -1 && v < 1)
	}
}

func TestL2Norm(t *testing.T) {
	params := NewInitParams(ConstantInit(L2NormScale))
	norm, err := NewL2Norm("l2", 2, params)
	require.NoError(t, err)

	x, err := FromData([]float32{3, 0, 4, 0}, 2, 1, 2)
	require.NoError(t, err)
	y, err := norm.Forward(x)
	require.NoError(t, err)
	assert.InDelta(t, 12, y.At(0, 0, 0), 1e-4)
	assert.InDelta(t, 16, y.At(1, 0, 0), 1e-4)
	assert.Equal(t, float32(0), y.At(0, 0, 1), "all-zero locations stay zero")
}

func TestBuildSequential(t *testing.T) {
	specs := []Spec{
		Conv("a", 3, 8, 3, 1, 1),
		{Kind: KindReLU},
		{Kind: KindPool, Kernel: 2, Stride: 2, CeilMode: true},
		Conv("b", 8, 4, 1, 1, 0),
	}
	seq, err := Build(specs, NewInitParams(GlorotInit(1)), nil)
	require.NoError(t, err)
	assert.Equal(t, 4, seq.Len())
	assert.Equal(t, KindConv, seq.Kind())

	y, err := seq.Forward(ramp(3, 5, 5))
	require.NoError(t, err)
	assert.Equal(t, Shape{4, 3, 3}, y.Shape())

	_, err = Build([]Spec{{Kind: "dropout"}}, NewInitParams(ConstantInit(0)), nil)
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestParams(t *testing.T) {
	m := MapParams{"w": tensor.New(tensor.WithShape(2, 2), tensor.WithBacking([]float32{1, 2, 3, 4}))}

	_, err := m.Tensor("missing", 2)
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)

	_, err = m.Tensor("w", 4)
	var shapeErr *common.ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "(2, 2)", shapeErr.Actual)

	a := NewInitParams(SeededInit(3, 1))
	b := NewInitParams(SeededInit(3, 1))
	ta, err := a.Tensor("conv.weight", 2, 2, 1, 1)
	require.NoError(t, err)
	tb, err := b.Tensor("conv.weight", 2, 2, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, ta.Data(), tb.Data())

	again, err := a.Tensor("conv.weight", 2, 2, 1, 1)
	require.NoError(t, err)
	assert.Same(t, ta, again)
	_, err = a.Tensor("conv.weight", 4)
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, "(2, 2, 1, 1)", shapeErr.Actual)

	bias, err := a.Tensor("conv.bias", 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0}, bias.Data())
	assert.ElementsMatch(t, []string{"conv.weight", "conv.bias"}, a.Names())
}
