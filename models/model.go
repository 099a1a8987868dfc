// Package models - assembled SSD models and their class sets.
package models

import (
	"github.com/nvr-ai/go-ssd/fusion"
	"github.com/nvr-ai/go-ssd/heads"
	"github.com/nvr-ai/go-ssd/layers"
	"github.com/nvr-ai/go-ssd/models/model"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/priors"
)

// Model is a built SSD: the prior lattice, the fusion stage, the prediction
// heads and the decoder, all bound to one scale configuration. Every field is
// read-only after NewModel returns.
type Model struct {
	Variant model.Variant
	Family  model.Family
	Classes *OutputClassSet
	Lattice *priors.Lattice
	Fusion  *fusion.Fusion
	Heads   *heads.Heads
	Decoder *postprocess.Decoder
}

// Name returns the variant name.
func (m *Model) Name() model.Name { return m.Variant.Name }

// NumClasses returns the class count including background.
func (m *Model) NumClasses() int { return m.Classes.Len() }

// ScaleConfig returns the configuration the lattice was generated from.
func (m *Model) ScaleConfig() priors.ScaleConfig { return m.Lattice.Config() }

// Levels returns the backbone feature-map shapes the model expects, finest
// first.
func (m *Model) Levels() []layers.Shape {
	return append([]layers.Shape(nil), m.Fusion.Config().Levels...)
}
