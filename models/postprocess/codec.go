package postprocess

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-ssd/common"
)

// Variance rescales offsets before they are applied to a prior.
type Variance struct {
	Center float32 `json:"center" yaml:"center"`
	Size   float32 `json:"size" yaml:"size"`
}

// DefaultVariance is the (0.1, 0.2) pair used by every preset.
var DefaultVariance = Variance{Center: 0.1, Size: 0.2}

// Decode applies loc offsets to a prior.
//
//	center = prior.center + loc[:2] * variance.Center * prior.size
//	size   = prior.size * exp(loc[2:] * variance.Size)
//
// Non-positive decoded sizes are raised to common.MinBoxSize.
func Decode(loc []float32, prior common.PriorBox, v Variance) common.BoundingBox {
	cx := prior.CX + loc[0]*v.Center*prior.W
	cy := prior.CY + loc[1]*v.Center*prior.H
	w := prior.W * math32.Exp(loc[2]*v.Size)
	h := prior.H * math32.Exp(loc[3]*v.Size)
	return common.FromCenter(cx, cy, w, h)
}

// Encode is the inverse of Decode: the offsets that turn prior into box.
func Encode(box common.BoundingBox, prior common.PriorBox, v Variance) [4]float32 {
	cx, cy := box.Center()
	return [4]float32{
		(cx - prior.CX) / (v.Center * prior.W),
		(cy - prior.CY) / (v.Center * prior.H),
		math32.Log(box.Width()/prior.W) / v.Size,
		math32.Log(box.Height()/prior.H) / v.Size,
	}
}

// Softmax normalizes scores into probabilities in place. The maximum is
// subtracted first so large logits do not overflow.
func Softmax(scores []float32) {
	if len(scores) == 0 {
		return
	}
	peak := scores[0]
	for _, s := range scores[1:] {
		if s > peak {
			peak = s
		}
	}
	var sum float32
	for i, s := range scores {
		e := math32.Exp(s - peak)
		scores[i] = e
		sum += e
	}
	for i := range scores {
		scores[i] /= sum
	}
}
