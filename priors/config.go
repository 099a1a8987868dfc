// Package priors - Scale configuration and deterministic generation of the
// SSD default-box (prior) lattice.
package priors

import (
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
)

// ScaleConfig describes the per-level constants of a detector configuration.
//
// Square inputs set FeatureMaps, Steps and MinDim. Non-square inputs set the
// _w/_h variants instead. Every per-level sequence holds one entry per pyramid
// level.
type ScaleConfig struct {
	// Name identifies the configuration, e.g. "v2_300".
	Name string `json:"name" yaml:"name"`
	// FeatureMaps is the side length of each square feature map.
	FeatureMaps []int `json:"feature_maps,omitempty" yaml:"feature_maps,omitempty"`
	// FeatureMapsW is the width of each feature map for non-square inputs.
	FeatureMapsW []int `json:"feature_maps_w,omitempty" yaml:"feature_maps_w,omitempty"`
	// FeatureMapsH is the height of each feature map for non-square inputs.
	FeatureMapsH []int `json:"feature_maps_h,omitempty" yaml:"feature_maps_h,omitempty"`
	// MinDim is the nominal side of a square input.
	MinDim int `json:"min_dim,omitempty" yaml:"min_dim,omitempty"`
	// MinDimW is the nominal input width for non-square inputs.
	MinDimW int `json:"min_dim_w,omitempty" yaml:"min_dim_w,omitempty"`
	// MinDimH is the nominal input height for non-square inputs.
	MinDimH int `json:"min_dim_h,omitempty" yaml:"min_dim_h,omitempty"`
	// Steps is the number of input pixels per feature-map cell.
	Steps  []int `json:"steps,omitempty" yaml:"steps,omitempty"`
	StepsW []int `json:"steps_w,omitempty" yaml:"steps_w,omitempty"`
	StepsH []int `json:"steps_h,omitempty" yaml:"steps_h,omitempty"`
	// MinSizes and MaxSizes are the box scales in input pixels.
	MinSizes []float32 `json:"min_sizes" yaml:"min_sizes"`
	MaxSizes []float32 `json:"max_sizes" yaml:"max_sizes"`
	// AspectRatios lists the extra aspect ratios per level. Each ratio a
	// yields two boxes, a and 1/a.
	AspectRatios [][]float32 `json:"aspect_ratios" yaml:"aspect_ratios"`
	// Variance is the (center, size) pair used to scale raw offsets.
	Variance []float32 `json:"variance" yaml:"variance"`
	// Clip clamps every prior coordinate to [0, 1].
	Clip bool `json:"clip" yaml:"clip"`
}

// Level holds the resolved constants of one pyramid level.
type Level struct {
	Width, Height  int
	StepW, StepH   float32
	MinSize        float32
	MaxSize        float32
	AspectRatios   []float32
	InputW, InputH int
}

// BoxesPerCell is the number of priors emitted per feature-map cell.
func (l Level) BoxesPerCell() int {
	return BoxesPerCell(len(l.AspectRatios))
}

// BoxesPerCell returns 2 + 2*aspectRatios: the two squares plus one box per
// ratio and one per reciprocal.
func BoxesPerCell(aspectRatios int) int {
	return 2 + 2*aspectRatios
}

// NumLevels returns the number of pyramid levels declared by the config.
func (c ScaleConfig) NumLevels() int {
	if len(c.FeatureMaps) > 0 {
		return len(c.FeatureMaps)
	}
	return len(c.FeatureMapsW)
}

// Square reports whether the config describes a square input.
func (c ScaleConfig) Square() bool {
	return len(c.FeatureMaps) > 0
}

// InputSize returns the nominal input width and height.
func (c ScaleConfig) InputSize() (int, int) {
	if c.Square() {
		return c.MinDim, c.MinDim
	}
	return c.MinDimW, c.MinDimH
}

// VariancePair returns the (center, size) variance.
func (c ScaleConfig) VariancePair() (float32, float32) {
	if len(c.Variance) != 2 {
		return 0, 0
	}
	return c.Variance[0], c.Variance[1]
}

// Key identifies the configuration for caching. Two configs with equal
// fields share a key.
func (c ScaleConfig) Key() string {
	return fmt.Sprintf("%+v", c)
}

// Validate checks the configuration for internal consistency.
//
// Returns:
//   - A *common.ConfigurationError naming the violated invariant, or nil.
func (c ScaleConfig) Validate() error {
	_, err := c.Levels()
	return err
}

// Levels resolves the configuration into per-level constants.
//
// Returns:
//   - The resolved levels in configuration order.
//   - A *common.ConfigurationError when the config is malformed.
func (c ScaleConfig) Levels() ([]Level, error) {
	var (
		widths, heights []int
		stepsW, stepsH  []int
		dimW, dimH      int
	)

	if c.Square() {
		if len(c.FeatureMapsW) > 0 || len(c.FeatureMapsH) > 0 {
			return nil, common.NewConfigurationError("feature_maps",
				"square and per-axis feature maps are mutually exclusive", nil, nil)
		}
		widths, heights = c.FeatureMaps, c.FeatureMaps
		stepsW, stepsH = c.Steps, c.Steps
		dimW, dimH = c.MinDim, c.MinDim
	} else {
		if len(c.FeatureMapsW) == 0 {
			return nil, common.NewConfigurationError("feature_maps", "at least one pyramid level is required", ">0", 0)
		}
		widths, heights = c.FeatureMapsW, c.FeatureMapsH
		stepsW, stepsH = c.StepsW, c.StepsH
		dimW, dimH = c.MinDimW, c.MinDimH
	}

	n := len(widths)
	lengths := []struct {
		field string
		got   int
	}{
		{"feature_maps_h", len(heights)},
		{"steps_w", len(stepsW)},
		{"steps_h", len(stepsH)},
		{"min_sizes", len(c.MinSizes)},
		{"max_sizes", len(c.MaxSizes)},
		{"aspect_ratios", len(c.AspectRatios)},
	}
	for _, l := range lengths {
		if l.got != n {
			field := l.field
			if c.Square() {
				field = squareFieldName(field)
			}
			return nil, common.NewConfigurationError(field, "sequence length must match feature_maps", n, l.got)
		}
	}

	if dimW <= 0 || dimH <= 0 {
		return nil, common.NewConfigurationError("min_dim", "input dimension must be positive", ">0",
			fmt.Sprintf("%dx%d", dimW, dimH))
	}
	if len(c.Variance) != 2 {
		return nil, common.NewConfigurationError("variance", "variance must be a (center, size) pair", 2, len(c.Variance))
	}
	if c.Variance[0] <= 0 || c.Variance[1] <= 0 {
		return nil, common.NewConfigurationError("variance", "variance must be positive", ">0", c.Variance)
	}

	levels := make([]Level, n)
	for i := 0; i < n; i++ {
		if widths[i] <= 0 || heights[i] <= 0 {
			return nil, common.NewConfigurationError(fmt.Sprintf("feature_maps[%d]", i),
				"feature map size must be positive", ">0", fmt.Sprintf("%dx%d", widths[i], heights[i]))
		}
		if stepsW[i] <= 0 || stepsH[i] <= 0 {
			return nil, common.NewConfigurationError(fmt.Sprintf("steps[%d]", i),
				"step must be positive", ">0", fmt.Sprintf("%dx%d", stepsW[i], stepsH[i]))
		}
		if c.MinSizes[i] <= 0 {
			return nil, common.NewConfigurationError(fmt.Sprintf("min_sizes[%d]", i),
				"min_size must be positive", ">0", c.MinSizes[i])
		}
		if c.MinSizes[i] > c.MaxSizes[i] {
			return nil, common.NewConfigurationError(fmt.Sprintf("min_sizes[%d]", i),
				"min_size must not exceed max_size", fmt.Sprintf("<=%v", c.MaxSizes[i]), c.MinSizes[i])
		}
		if err := validateAspectRatios(i, c.AspectRatios[i]); err != nil {
			return nil, err
		}

		levels[i] = Level{
			Width:        widths[i],
			Height:       heights[i],
			StepW:        float32(stepsW[i]),
			StepH:        float32(stepsH[i]),
			MinSize:      c.MinSizes[i],
			MaxSize:      c.MaxSizes[i],
			AspectRatios: c.AspectRatios[i],
			InputW:       dimW,
			InputH:       dimH,
		}
	}

	return levels, nil
}

// validateAspectRatios rejects ratios that would duplicate another variant of
// the same cell, which would break the boxes-per-cell count.
func validateAspectRatios(level int, ratios []float32) error {
	field := fmt.Sprintf("aspect_ratios[%d]", level)
	for i, a := range ratios {
		if a <= 0 {
			return common.NewConfigurationError(field, "aspect ratio must be positive", ">0", a)
		}
		if a == 1 {
			return common.NewConfigurationError(field, "aspect ratio 1 duplicates the square prior", "!=1", a)
		}
		for _, b := range ratios[:i] {
			if a == b || a*b == 1 {
				return common.NewConfigurationError(field,
					"aspect ratio repeats an earlier ratio or its reciprocal", "distinct", ratios)
			}
		}
	}
	return nil
}

func squareFieldName(field string) string {
	switch field {
	case "feature_maps_h":
		return "feature_maps"
	case "steps_w", "steps_h":
		return "steps"
	}
	return field
}
