// Package model - names, families and build arguments of the SSD variants.
package model

import (
	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/models/postprocess"
)

// Family is the label set a model was trained on.
type Family string

const (
	// FamilyCOCO is the 80 COCO classes plus background.
	FamilyCOCO Family = "coco"
	// FamilyVOC is the 20 Pascal VOC classes plus background.
	FamilyVOC Family = "voc"
)

// Name is the unique identifier of a model variant.
type Name string

const (
	// ModelNameSSD300 is the 300x300 variant with a six-level pyramid.
	ModelNameSSD300 Name = "ssd300"
	// ModelNameSSD512 is the 512x512 variant with a seven-level pyramid.
	ModelNameSSD512 Name = "ssd512"
	// ModelNameSSD1024 is the 1024x418 variant with one aspect ratio per level.
	ModelNameSSD1024 Name = "ssd1024"
	// ModelNameSSD1025 is the 1024x418 variant with the 512 aspect ratios.
	ModelNameSSD1025 Name = "ssd1025"
)

// Variant is the static definition of a named model.
type Variant struct {
	Name Name `json:"name" yaml:"name"`
	// Preset is the priors preset the variant is built on.
	Preset string `json:"preset" yaml:"preset"`
	// Channels is the backbone channel count of every pyramid level.
	Channels []int `json:"channels" yaml:"channels"`
}

// NewModelArgs is the arguments for creating a new model.
type NewModelArgs struct {
	Name   Name   `json:"name" yaml:"name"`
	Family Family `json:"family" yaml:"family"`
	// Channels overrides the variant's per-level channel table.
	Channels []int `json:"channels,omitempty" yaml:"channels,omitempty"`
	// Backend selects the convolution implementation.
	Backend BackendName `json:"backend,omitempty" yaml:"backend,omitempty"`
	// Decoder overrides the default thresholds. NumClasses is always taken
	// from the family.
	Decoder *postprocess.Config `json:"decoder,omitempty" yaml:"decoder,omitempty"`
	Logger  *zap.Logger         `json:"-" yaml:"-"`
}
