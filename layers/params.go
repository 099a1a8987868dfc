package layers

import (
	"fmt"
	"math/rand"
	"sync"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/common"
)

// Params resolves learned parameter tensors by name.
//
// Implementations must be safe for concurrent reads once a model is built.
type Params interface {
	// Tensor returns the parameter called name, which must have the given
	// shape. A missing parameter is a *common.ConfigurationError, a parameter
	// of the wrong shape a *common.ShapeMismatchError.
	Tensor(name string, shape ...int) (*tensor.Dense, error)
}

// MapParams serves parameters from a fixed set of named tensors, typically
// supplied by a weight-loading collaborator.
type MapParams map[string]*tensor.Dense

// Tensor implements Params.
func (m MapParams) Tensor(name string, shape ...int) (*tensor.Dense, error) {
	t, ok := m[name]
	if !ok {
		return nil, common.NewConfigurationError(name, "missing parameter", fmt.Sprint(shape), nil)
	}
	if !t.Shape().Eq(tensor.Shape(shape)) {
		return nil, common.NewShapeMismatchError("parameter "+name, -1, fmt.Sprint(shape), fmt.Sprint(t.Shape()))
	}
	return t, nil
}

// InitFn produces values for a freshly initialised parameter. The name lets
// an initialiser special-case biases or scale weights.
type InitFn func(name string, shape ...int) []float32

// InitParams creates parameters on first request with an initialiser and
// returns the same tensor for every later request of the same name.
type InitParams struct {
	init InitFn

	mu      sync.Mutex
	tensors map[string]*tensor.Dense
}

// NewInitParams builds an InitParams around fn.
func NewInitParams(fn InitFn) *InitParams {
	return &InitParams{init: fn, tensors: make(map[string]*tensor.Dense)}
}

// Tensor implements Params.
func (p *InitParams) Tensor(name string, shape ...int) (*tensor.Dense, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.tensors[name]; ok {
		if !t.Shape().Eq(tensor.Shape(shape)) {
			return nil, common.NewShapeMismatchError("parameter "+name, -1, fmt.Sprint(shape), fmt.Sprint(t.Shape()))
		}
		return t, nil
	}
	t := tensor.New(tensor.WithShape(shape...), tensor.WithBacking(p.init(name, shape...)))
	p.tensors[name] = t
	return t, nil
}

// Names lists the parameters created so far.
func (p *InitParams) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.tensors))
	for n := range p.tensors {
		names = append(names, n)
	}
	return names
}

// ConstantInit fills every parameter with v.
func ConstantInit(v float32) InitFn {
	return func(_ string, shape ...int) []float32 {
		out := make([]float32, volume(shape))
		for i := range out {
			out[i] = v
		}
		return out
	}
}

// GlorotInit draws weights from gorgonia's Glorot normal initialiser. Vectors
// (biases) are zeroed.
func GlorotInit(gain float64) InitFn {
	draw := gorgonia.GlorotN(gain)
	return func(_ string, shape ...int) []float32 {
		if len(shape) < 2 {
			return make([]float32, volume(shape))
		}
		return draw(tensor.Float32, shape...).([]float32)
	}
}

// SeededInit draws uniform weights in [-scale, scale) from a private source
// so that two models built with the same seed hold identical parameters.
// Vectors (biases) are zeroed.
func SeededInit(seed int64, scale float32) InitFn {
	var mu sync.Mutex
	rng := rand.New(rand.NewSource(seed))
	return func(_ string, shape ...int) []float32 {
		out := make([]float32, volume(shape))
		if len(shape) < 2 {
			return out
		}
		mu.Lock()
		defer mu.Unlock()
		for i := range out {
			out[i] = (2*rng.Float32() - 1) * scale
		}
		return out
	}
}

func volume(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
