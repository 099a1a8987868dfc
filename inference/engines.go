// Package inference turns images into detections: a Backbone produces the
// feature pyramid and a detector.Detector fuses, predicts and decodes it.
package inference

import (
	"context"
	"image"

	"github.com/nvr-ai/go-ssd/layers"
)

// BackboneKind names a Backbone implementation.
type BackboneKind string

const (
	// BackboneONNX runs an exported feature extractor through onnxruntime.
	BackboneONNX BackboneKind = "onnx"
	// BackbonePyramid resizes the image itself into every level.
	BackbonePyramid BackboneKind = "pyramid"
)

// BackboneKinds is a list of all supported backbones.
var BackboneKinds = []BackboneKind{BackboneONNX, BackbonePyramid}

// Backbone produces the multi-scale feature pyramid for one image.
type Backbone interface {
	// Extract returns one feature map per level, finest first.
	Extract(ctx context.Context, img image.Image) (layers.Pyramid, error)
	// Shapes reports the level shapes Extract produces.
	Shapes() []layers.Shape
	Close() error
}
