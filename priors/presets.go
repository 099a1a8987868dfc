package priors

import (
	"sort"
	"strconv"

	"github.com/nvr-ai/go-ssd/common"
)

// Preset names. Each maps to a fixed input resolution.
const (
	Preset300  = "300"
	Preset512  = "512"
	Preset1024 = "1024"
	Preset1025 = "1025"
)

var presets = map[string]ScaleConfig{
	Preset512: {
		Name:         "v2_512",
		FeatureMaps:  []int{64, 32, 16, 8, 4, 2, 1},
		MinDim:       512,
		Steps:        []int{8, 16, 32, 64, 128, 256, 512},
		MinSizes:     []float32{20, 51, 133, 215, 296, 378, 460},
		MaxSizes:     []float32{51, 133, 215, 296, 378, 460, 542},
		AspectRatios: [][]float32{{2}, {2, 3}, {2, 3}, {2, 3}, {2, 3}, {2}, {2}},
		Variance:     []float32{0.1, 0.2},
		Clip:         true,
	},
	Preset300: {
		Name:         "v2_300",
		FeatureMaps:  []int{38, 19, 10, 5, 3, 1},
		MinDim:       300,
		Steps:        []int{8, 16, 32, 64, 100, 300},
		MinSizes:     []float32{30, 60, 111, 162, 213, 264},
		MaxSizes:     []float32{60, 111, 162, 213, 264, 315},
		AspectRatios: [][]float32{{2}, {2, 3}, {2, 3}, {2, 3}, {2}, {2}},
		Variance:     []float32{0.1, 0.2},
		Clip:         true,
	},
	Preset1024: {
		Name:         "v2_1024",
		FeatureMapsW: []int{128, 64, 32, 16, 8, 4, 3},
		FeatureMapsH: []int{52, 26, 13, 7, 4, 2, 1},
		MinDimW:      1024,
		MinDimH:      418,
		StepsW:       []int{16, 32, 64, 128, 256, 512, 1024},
		StepsH:       []int{6, 13, 26, 52, 104, 209, 418},
		MinSizes:     []float32{20, 41, 113, 185, 256, 328, 400},
		MaxSizes:     []float32{41, 113, 185, 256, 328, 400, 472},
		AspectRatios: [][]float32{{2}, {2}, {2}, {2}, {2}, {2}, {2}},
		Variance:     []float32{0.1, 0.2},
		Clip:         true,
	},
	Preset1025: {
		Name:         "v2_1025",
		FeatureMapsW: []int{128, 64, 32, 16, 8, 4, 3},
		FeatureMapsH: []int{52, 26, 13, 7, 4, 2, 1},
		MinDimW:      1024,
		MinDimH:      418,
		StepsW:       []int{16, 32, 64, 128, 256, 512, 1024},
		StepsH:       []int{6, 13, 26, 52, 104, 209, 418},
		MinSizes:     []float32{20, 41, 113, 185, 256, 328, 400},
		MaxSizes:     []float32{41, 113, 185, 256, 328, 400, 472},
		AspectRatios: [][]float32{{2}, {2, 3}, {2, 3}, {2, 3}, {2, 3}, {2}, {2}},
		Variance:     []float32{0.1, 0.2},
		Clip:         true,
	},
}

// Preset returns a copy of the named configuration.
//
// Arguments:
//   - name: One of Preset300, Preset512, Preset1024, Preset1025.
//
// Returns:
//   - The configuration.
//   - A *common.ConfigurationError for unknown names.
func Preset(name string) (ScaleConfig, error) {
	cfg, ok := presets[name]
	if !ok {
		return ScaleConfig{}, common.NewConfigurationError("preset", "unsupported named preset", PresetNames(), name)
	}
	return cfg.clone(), nil
}

// MustPreset is Preset for names known at compile time.
func MustPreset(name string) ScaleConfig {
	cfg, err := Preset(name)
	if err != nil {
		panic(err)
	}
	return cfg
}

// PresetForResolution returns the preset whose nominal input width matches.
func PresetForResolution(width int) (ScaleConfig, error) {
	switch width {
	case 300, 512, 1024:
		return Preset(strconv.Itoa(width))
	}
	return ScaleConfig{}, common.NewConfigurationError("input resolution", "unsupported input resolution",
		[]int{300, 512, 1024}, width)
}

// PresetNames lists the known preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c ScaleConfig) clone() ScaleConfig {
	out := c
	out.FeatureMaps = append([]int(nil), c.FeatureMaps...)
	out.FeatureMapsW = append([]int(nil), c.FeatureMapsW...)
	out.FeatureMapsH = append([]int(nil), c.FeatureMapsH...)
	out.Steps = append([]int(nil), c.Steps...)
	out.StepsW = append([]int(nil), c.StepsW...)
	out.StepsH = append([]int(nil), c.StepsH...)
	out.MinSizes = append([]float32(nil), c.MinSizes...)
	out.MaxSizes = append([]float32(nil), c.MaxSizes...)
	out.Variance = append([]float32(nil), c.Variance...)
	out.AspectRatios = make([][]float32, len(c.AspectRatios))
	for i, ar := range c.AspectRatios {
		out.AspectRatios[i] = append([]float32(nil), ar...)
	}
	return out
}
