package fusion

import (
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
)

// TapCount is the number of side-weight injection points in a pyramid.
const TapCount = 3

// Config fixes the pyramid shape contract of a fusion stage.
type Config struct {
	// Levels is the expected shape of every pyramid level, finest first. A
	// zero Height or Width leaves that axis unchecked.
	Levels []layers.Shape `json:"levels" yaml:"levels"`
	// Taps are the pyramid levels that receive a side-weight residual, in
	// injection order.
	Taps []int `json:"taps" yaml:"taps"`
	// FusedLevels is the length of the prefix of levels blended with their
	// deeper neighbour. Deeper levels pass through.
	FusedLevels int `json:"fused_levels" yaml:"fused_levels"`
	// L2NormLevel is the level normalised before it is cached, or -1.
	L2NormLevel int `json:"l2norm_level" yaml:"l2norm_level"`
	// UpRefineDepth is the number of 3x3 convolutions after the upsampling
	// deconvolution; LateralDepth the number applied to the level itself.
	UpRefineDepth int `json:"up_refine_depth" yaml:"up_refine_depth"`
	LateralDepth  int `json:"lateral_depth" yaml:"lateral_depth"`
}

// DefaultConfig returns the reference layout for a pyramid with the given
// per-level shapes: taps at levels 0, 1 and 2, the first four levels fused,
// level 0 L2-normalised, two refining convolutions on each branch.
func DefaultConfig(levels []layers.Shape) Config {
	fused := 4
	if len(levels)-1 < fused {
		fused = len(levels) - 1
	}
	return Config{
		Levels:        append([]layers.Shape(nil), levels...),
		Taps:          []int{0, 1, 2},
		FusedLevels:   fused,
		L2NormLevel:   0,
		UpRefineDepth: 2,
		LateralDepth:  2,
	}
}

// Channels returns the channel count of every level.
func (c Config) Channels() []int {
	out := make([]int, len(c.Levels))
	for i, l := range c.Levels {
		out[i] = l.Channels
	}
	return out
}

// Validate checks the configuration for internal consistency.
func (c Config) Validate() error {
	if len(c.Levels) < 2 {
		return common.NewConfigurationError("levels", "pyramid needs at least two levels", ">= 2", len(c.Levels))
	}
	for i, l := range c.Levels {
		if l.Channels <= 0 || l.Height < 0 || l.Width < 0 {
			return common.NewConfigurationError(fmt.Sprintf("levels[%d]", i), "level shape must be positive", nil, l.String())
		}
	}
	if len(c.Taps) != TapCount {
		return common.NewConfigurationError("taps", "tap count", TapCount, len(c.Taps))
	}
	for i, t := range c.Taps {
		if t < 0 || t >= len(c.Levels) {
			return common.NewConfigurationError(fmt.Sprintf("taps[%d]", i), "tap outside pyramid",
				fmt.Sprintf("[0, %d)", len(c.Levels)), t)
		}
		if i > 0 && t <= c.Taps[i-1] {
			return common.NewConfigurationError("taps", "taps must be strictly increasing", nil, c.Taps)
		}
	}
	if c.FusedLevels < 0 || c.FusedLevels >= len(c.Levels) {
		return common.NewConfigurationError("fused_levels", "fused prefix must leave a deeper neighbour",
			fmt.Sprintf("[0, %d]", len(c.Levels)-1), c.FusedLevels)
	}
	if c.L2NormLevel < -1 || c.L2NormLevel >= len(c.Levels) {
		return common.NewConfigurationError("l2norm_level", "level outside pyramid",
			fmt.Sprintf("[-1, %d)", len(c.Levels)), c.L2NormLevel)
	}
	if c.UpRefineDepth < 0 || c.LateralDepth < 0 {
		return common.NewConfigurationError("up_refine_depth", "depths must be non-negative", nil,
			fmt.Sprintf("%d/%d", c.UpRefineDepth, c.LateralDepth))
	}
	return nil
}

func (c Config) isTap(level int) (int, bool) {
	for i, t := range c.Taps {
		if t == level {
			return i, true
		}
	}
	return -1, false
}
