// Package common - Box geometry and error types shared by the detector packages.
package common

import (
	"fmt"
	"image"

	"github.com/chewxy/math32"
)

// MinBoxSize is the smallest side length a decoded box is allowed to have.
//
// Degenerate boxes are widened to this size instead of being discarded so that
// their area, and therefore any IoU computed against them, stays defined.
const MinBoxSize float32 = 1e-6

// PriorBox is a default box in center form, normalized to the input size.
type PriorBox struct {
	CX float32 `json:"cx" yaml:"cx"`
	CY float32 `json:"cy" yaml:"cy"`
	W  float32 `json:"w" yaml:"w"`
	H  float32 `json:"h" yaml:"h"`
}

// Corners converts the prior to corner form.
func (p PriorBox) Corners() BoundingBox {
	return BoundingBox{
		X1: p.CX - p.W/2,
		Y1: p.CY - p.H/2,
		X2: p.CX + p.W/2,
		Y2: p.CY + p.H/2,
	}
}

// Clamp returns the prior with every coordinate limited to [0, 1].
func (p PriorBox) Clamp() PriorBox {
	return PriorBox{
		CX: clamp01(p.CX),
		CY: clamp01(p.CY),
		W:  clamp01(p.W),
		H:  clamp01(p.H),
	}
}

// InUnitRange reports whether all four coordinates lie in [0, 1].
func (p PriorBox) InUnitRange() bool {
	for _, v := range [4]float32{p.CX, p.CY, p.W, p.H} {
		if v < 0 || v > 1 {
			return false
		}
	}
	return true
}

func (p PriorBox) String() string {
	return fmt.Sprintf("prior(cx=%.4f, cy=%.4f, w=%.4f, h=%.4f)", p.CX, p.CY, p.W, p.H)
}

// BoundingBox is an axis aligned box in corner form (xmin, ymin, xmax, ymax).
//
// Coordinates are normalized to the network input unless scaled with Scale.
type BoundingBox struct {
	X1 float32 `json:"xmin" yaml:"xmin"`
	Y1 float32 `json:"ymin" yaml:"ymin"`
	X2 float32 `json:"xmax" yaml:"xmax"`
	Y2 float32 `json:"ymax" yaml:"ymax"`
}

// FromCenter builds a corner-form box from a center and a size.
//
// Non-positive sizes are raised to MinBoxSize.
func FromCenter(cx, cy, w, h float32) BoundingBox {
	if !(w > MinBoxSize) {
		w = MinBoxSize
	}
	if !(h > MinBoxSize) {
		h = MinBoxSize
	}
	return BoundingBox{X1: cx - w/2, Y1: cy - h/2, X2: cx + w/2, Y2: cy + h/2}
}

// Width returns the horizontal extent of the box.
func (b BoundingBox) Width() float32 { return b.X2 - b.X1 }

// Height returns the vertical extent of the box.
func (b BoundingBox) Height() float32 { return b.Y2 - b.Y1 }

// Center returns the box center.
func (b BoundingBox) Center() (float32, float32) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Area returns the box area, zero for inverted boxes.
func (b BoundingBox) Area() float32 {
	w, h := b.Width(), b.Height()
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// Intersection calculates the overlapping area between two boxes.
//
// Arguments:
//   - other: The other bounding box.
//
// Returns:
//   - The intersection area, 0 when the boxes do not overlap.
func (b BoundingBox) Intersection(other BoundingBox) float32 {
	iw := math32.Min(b.X2, other.X2) - math32.Max(b.X1, other.X1)
	ih := math32.Min(b.Y2, other.Y2) - math32.Max(b.Y1, other.Y1)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	return iw * ih
}

// Union calculates the area covered by either box.
func (b BoundingBox) Union(other BoundingBox) float32 {
	return b.Area() + other.Area() - b.Intersection(other)
}

// IoU calculates the Intersection over Union between two boxes.
//
// Arguments:
//   - other: The other bounding box.
//
// Returns:
//   - A value in [0, 1]. Boxes with an empty union yield 0.
//
// @example
// a := BoundingBox{X1: 0, Y1: 0, X2: 1, Y2: 1}
// b := BoundingBox{X1: 0.5, Y1: 0.5, X2: 1.5, Y2: 1.5}
// iou := a.IoU(b) // 0.25 / 1.75 ~= 0.1429
func (b BoundingBox) IoU(other BoundingBox) float32 {
	inter := b.Intersection(other)
	if inter == 0 {
		return 0
	}
	union := b.Union(other)
	if union <= 0 {
		return 0
	}
	return inter / union
}

// Scale maps a normalized box to pixel coordinates of a width x height image.
func (b BoundingBox) Scale(width, height int) BoundingBox {
	w, h := float32(width), float32(height)
	return BoundingBox{X1: b.X1 * w, Y1: b.Y1 * h, X2: b.X2 * w, Y2: b.Y2 * h}
}

// ToRect converts a pixel-space box to an integral image.Rectangle. This
// loses fractional pixels around the edges.
func (b BoundingBox) ToRect() image.Rectangle {
	return image.Rect(int(b.X1), int(b.Y1), int(b.X2), int(b.Y2)).Canon()
}

// Clip limits every coordinate to [0, 1].
func (b BoundingBox) Clip() BoundingBox {
	return BoundingBox{X1: clamp01(b.X1), Y1: clamp01(b.Y1), X2: clamp01(b.X2), Y2: clamp01(b.Y2)}
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("(%f, %f), (%f, %f)", b.X1, b.Y1, b.X2, b.Y2)
}

func clamp01(v float32) float32 {
	return math32.Max(0, math32.Min(1, v))
}
