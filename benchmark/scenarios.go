// Package benchmark - Scenario driven throughput measurements of SSD engines.
package benchmark

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/models/model"
)

// Resolution represents source image dimensions for benchmarking.
type Resolution struct {
	Width  int    `json:"width" yaml:"width"`
	Height int    `json:"height" yaml:"height"`
	Name   string `json:"name" yaml:"name"`
}

// CommonResolutions are the camera sizes used by the predefined sets.
var CommonResolutions = []Resolution{
	{Width: 640, Height: 480, Name: "640x480"},
	{Width: 1280, Height: 720, Name: "1280x720"},
	{Width: 1920, Height: 1080, Name: "1920x1080"},
}

// Scenario defines a specific test configuration.
type Scenario struct {
	Name   string       `json:"name" yaml:"name"`
	Model  model.Name   `json:"model" yaml:"model"`
	Family model.Family `json:"family" yaml:"family"`
	// Resolution is the size frames are resized to before the engine sees
	// them, standing in for the camera resolution.
	Resolution  Resolution         `json:"resolution" yaml:"resolution"`
	ImageFormat images.ImageFormat `json:"image_format" yaml:"image_format"`
	BatchSize   int                `json:"batch_size" yaml:"batch_size"`
	Iterations  int                `json:"iterations" yaml:"iterations"`
	WarmupRuns  int                `json:"warmup_runs" yaml:"warmup_runs"`
}

// Validate checks the counts and the format.
func (s Scenario) Validate() error {
	switch {
	case s.Model == "":
		return errors.Errorf("scenario %s: model is required", s.Name)
	case s.Resolution.Width <= 0 || s.Resolution.Height <= 0:
		return errors.Errorf("scenario %s: resolution must be positive", s.Name)
	case s.BatchSize <= 0:
		return errors.Errorf("scenario %s: batch size must be positive", s.Name)
	case s.Iterations <= 0:
		return errors.Errorf("scenario %s: iterations must be positive", s.Name)
	}
	for _, f := range images.Formats {
		if s.ImageFormat == f {
			return nil
		}
	}
	return errors.Errorf("scenario %s: unsupported image format %q", s.Name, s.ImageFormat)
}

// ScenarioBuilder helps build test scenarios with fluent API
type ScenarioBuilder struct {
	scenario Scenario
}

// NewScenarioBuilder creates a new scenario builder
func NewScenarioBuilder(name string) *ScenarioBuilder {
	return &ScenarioBuilder{
		scenario: Scenario{
			Name:        name,
			Model:       model.ModelNameSSD300,
			Family:      model.FamilyVOC,
			Resolution:  CommonResolutions[0],
			ImageFormat: images.FormatJPEG,
			BatchSize:   1,
			Iterations:  100,
			WarmupRuns:  10,
		},
	}
}

// WithModel sets the model variant and class family.
func (sb *ScenarioBuilder) WithModel(name model.Name, family model.Family) *ScenarioBuilder {
	sb.scenario.Model = name
	sb.scenario.Family = family
	return sb
}

// WithResolution sets the image resolution
func (sb *ScenarioBuilder) WithResolution(width, height int) *ScenarioBuilder {
	sb.scenario.Resolution = Resolution{
		Width:  width,
		Height: height,
		Name:   fmt.Sprintf("%dx%d", width, height),
	}
	return sb
}

// WithImageFormat sets the image format
func (sb *ScenarioBuilder) WithImageFormat(format images.ImageFormat) *ScenarioBuilder {
	sb.scenario.ImageFormat = format
	return sb
}

// WithIterations sets the number of test iterations
func (sb *ScenarioBuilder) WithIterations(iterations int) *ScenarioBuilder {
	sb.scenario.Iterations = iterations
	return sb
}

// WithWarmupRuns sets the number of warmup runs
func (sb *ScenarioBuilder) WithWarmupRuns(warmups int) *ScenarioBuilder {
	sb.scenario.WarmupRuns = warmups
	return sb
}

// WithBatchSize sets the batch size for processing
func (sb *ScenarioBuilder) WithBatchSize(batchSize int) *ScenarioBuilder {
	sb.scenario.BatchSize = batchSize
	return sb
}

// Build returns the configured test scenario
func (sb *ScenarioBuilder) Build() Scenario {
	return sb.scenario
}

// ScenarioSet represents a collection of related test scenarios
type ScenarioSet struct {
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description" yaml:"description"`
	Scenarios   []Scenario `json:"scenarios" yaml:"scenarios"`
}

// QuickScenarios runs every variant once at 640x480 JPEG.
func QuickScenarios(variants []model.Name) *ScenarioSet {
	set := &ScenarioSet{
		Name:        "Quick Performance Test",
		Description: "Every variant at 640x480 JPEG",
	}
	for _, v := range variants {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("quick_%s", v)).
			WithModel(v, model.FamilyVOC).
			WithIterations(20).
			WithWarmupRuns(2).
			Build())
	}
	return set
}

// ResolutionScenarios compares the common camera resolutions on one variant.
func ResolutionScenarios(variant model.Name) *ScenarioSet {
	set := &ScenarioSet{
		Name:        fmt.Sprintf("Resolution Comparison - %s", variant),
		Description: fmt.Sprintf("Compares source resolutions for %s", variant),
	}
	for _, r := range CommonResolutions {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("resolution_%s_%s", variant, r.Name)).
			WithModel(variant, model.FamilyVOC).
			WithResolution(r.Width, r.Height).
			Build())
	}
	return set
}

// BatchScenarios compares batch sizes on one variant.
func BatchScenarios(variant model.Name, sizes ...int) *ScenarioSet {
	set := &ScenarioSet{
		Name:        fmt.Sprintf("Batch Comparison - %s", variant),
		Description: fmt.Sprintf("Compares batch sizes for %s", variant),
	}
	for _, n := range sizes {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("batch_%s_%d", variant, n)).
			WithModel(variant, model.FamilyVOC).
			WithBatchSize(n).
			Build())
	}
	return set
}

// FormatScenarios compares the decode cost of every image format on one
// variant.
func FormatScenarios(variant model.Name) *ScenarioSet {
	set := &ScenarioSet{
		Name:        fmt.Sprintf("Format Comparison - %s", variant),
		Description: fmt.Sprintf("Compares image formats for %s", variant),
	}
	for _, f := range images.Formats {
		set.Scenarios = append(set.Scenarios, NewScenarioBuilder(fmt.Sprintf("format_%s_%s", variant, f)).
			WithModel(variant, model.FamilyVOC).
			WithImageFormat(f).
			Build())
	}
	return set
}

// SaveScenarioSet writes a scenario set as YAML.
func SaveScenarioSet(set *ScenarioSet, filename string) error {
	data, err := yaml.Marshal(set)
	if err != nil {
		return errors.Wrap(err, "marshalling scenario set")
	}
	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return errors.Wrap(err, "writing scenario file")
	}
	return nil
}

// LoadScenarioSet reads a YAML scenario set. Omitted scenario fields take
// the NewScenarioBuilder defaults.
func LoadScenarioSet(filename string) (*ScenarioSet, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.Wrap(err, "reading scenario file")
	}

	var raw struct {
		Name        string      `yaml:"name"`
		Description string      `yaml:"description"`
		Scenarios   []yaml.Node `yaml:"scenarios"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decoding scenario set")
	}

	set := &ScenarioSet{Name: raw.Name, Description: raw.Description}
	for i := range raw.Scenarios {
		s := NewScenarioBuilder("").Build()
		s.Resolution = Resolution{}
		if err := raw.Scenarios[i].Decode(&s); err != nil {
			return nil, errors.Wrapf(err, "decoding scenario %d", i)
		}
		if s.Resolution.Width == 0 && s.Resolution.Height == 0 {
			s.Resolution = CommonResolutions[0]
		}
		if s.Resolution.Name == "" {
			s.Resolution.Name = fmt.Sprintf("%dx%d", s.Resolution.Width, s.Resolution.Height)
		}
		set.Scenarios = append(set.Scenarios, s)
	}
	return set, nil
}
