package common

import (
	"fmt"
	"image"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestIoU_Correctness validates the IoU implementation against known cases.
func TestIoU_Correctness(t *testing.T) {
	tests := []struct {
		name     string
		a        BoundingBox
		b        BoundingBox
		expected float32
	}{
		{"identical", BoundingBox{0, 0, 1, 1}, BoundingBox{0, 0, 1, 1}, 1},
		{"no overlap", BoundingBox{0, 0, 0.2, 0.2}, BoundingBox{0.5, 0.5, 0.7, 0.7}, 0},
		{"touching edges", BoundingBox{0, 0, 0.5, 0.5}, BoundingBox{0.5, 0, 1, 0.5}, 0},
		{"quarter offset", BoundingBox{0, 0, 1, 1}, BoundingBox{0.5, 0.5, 1.5, 1.5}, 0.25 / 1.75},
		{"one inside other", BoundingBox{0, 0, 1, 1}, BoundingBox{0.25, 0.25, 0.75, 0.75}, 0.25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, tt.a.IoU(tt.b), 1e-5)
			assert.InDelta(t, tt.a.IoU(tt.b), tt.b.IoU(tt.a), 1e-7, "IoU must be symmetric")
		})
	}
}

func TestFromCenterClampsDegenerateSize(t *testing.T) {
	b := FromCenter(0.5, 0.5, 0, -1)
	assert.Greater(t, b.Area(), float32(0))
	assert.InDelta(t, MinBoxSize, b.Width(), 2e-7)
	assert.InDelta(t, MinBoxSize, b.Height(), 2e-7)
	assert.Equal(t, float32(1), b.IoU(b))
}

func TestPriorBoxCornersAndClamp(t *testing.T) {
	p := PriorBox{CX: 0.25, CY: 0.25, W: 0.1, H: 0.1}
	c := p.Corners()
	assert.InDelta(t, 0.2, c.X1, 1e-6)
	assert.InDelta(t, 0.3, c.Y2, 1e-6)

	wide := PriorBox{CX: 0.9, CY: -0.1, W: 1.3, H: 0.5}
	assert.False(t, wide.InUnitRange())
	assert.True(t, wide.Clamp().InUnitRange())
	assert.Equal(t, float32(1), wide.Clamp().W)
	assert.Equal(t, float32(0), wide.Clamp().CY)
}

func TestScaleToRect(t *testing.T) {
	b := BoundingBox{X1: 0.25, Y1: 0.5, X2: 0.75, Y2: 1}.Scale(200, 100)
	assert.Equal(t, image.Rect(50, 50, 150, 100), b.ToRect())

	// Inverted corners are canonicalised.
	assert.Equal(t, image.Rect(1, 2, 3, 4), BoundingBox{X1: 3, Y1: 4, X2: 1, Y2: 2}.ToRect())
}

func TestTypedErrorsSurviveWrapping(t *testing.T) {
	err := errors.Wrap(NewConfigurationError("min_sizes", "min_size <= max_size", 60, 90), "building lattice")

	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "min_sizes", cfgErr.Field)
	assert.Contains(t, err.Error(), "expected 60, got 90")

	var shapeErr *ShapeMismatchError
	assert.False(t, errors.As(err, &shapeErr))

	err = fmt.Errorf("fusing: %w", NewShapeMismatchError("fusion.tap", 1, 1024, 512))
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, 1, shapeErr.Level)
	assert.Contains(t, err.Error(), "level 1")

	var decErr *DecodeError
	require.ErrorAs(t, errors.WithStack(NewDecodeError("class axis length", 21, 20)), &decErr)
	assert.Equal(t, 21, decErr.Expected)
}
