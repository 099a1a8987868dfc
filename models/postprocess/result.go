// Package postprocess - decodes raw SSD predictions into detections.
package postprocess

import (
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
)

// Result represents a single detection result.
type Result struct {
	// The decoded box in normalized (xmin, ymin, xmax, ymax) form.
	Box common.BoundingBox `json:"box" yaml:"box"`
	// The class probability, in [0, 1].
	Score float32 `json:"score" yaml:"score"`
	// The predicted class index. Index 0 is the background.
	Class int `json:"class" yaml:"class"`
	// The human-readable class name, when a class set is attached.
	Label string `json:"label,omitempty" yaml:"label,omitempty"`
	// The prior the detection was decoded from.
	Anchor int `json:"anchor" yaml:"anchor"`
}

func (r Result) String() string {
	name := r.Label
	if name == "" {
		name = fmt.Sprintf("class %d", r.Class)
	}
	return fmt.Sprintf("%s %.3f %s", name, r.Score, r.Box)
}

// Prediction is the flat per-image output of the prediction heads, aligned
// 1:1 with the prior lattice.
type Prediction struct {
	// Loc holds 4 offsets per prior: (dcx, dcy, dw, dh).
	Loc []float32 `json:"loc"`
	// Conf holds NumClasses raw scores per prior.
	Conf []float32 `json:"conf"`
	// NumPriors is the number of priors.
	NumPriors int `json:"num_priors"`
	// NumClasses includes the background class.
	NumClasses int `json:"num_classes"`
	// Normalized reports that Conf already holds probabilities.
	Normalized bool `json:"normalized,omitempty"`
}

// LocAt returns the offsets of prior i.
func (p Prediction) LocAt(i int) []float32 { return p.Loc[4*i : 4*i+4] }

// ConfAt returns the class scores of prior i.
func (p Prediction) ConfAt(i int) []float32 {
	return p.Conf[i*p.NumClasses : (i+1)*p.NumClasses]
}

// Validate checks that the tensors have the declared sizes.
func (p Prediction) Validate() error {
	if p.NumClasses <= 0 {
		return common.NewDecodeError("class count must be positive", 1, p.NumClasses)
	}
	if len(p.Loc) != 4*p.NumPriors {
		return common.NewDecodeError("loc length is 4 x priors", 4*p.NumPriors, len(p.Loc))
	}
	if len(p.Conf) != p.NumClasses*p.NumPriors {
		return common.NewDecodeError("conf length is classes x priors", p.NumClasses*p.NumPriors, len(p.Conf))
	}
	return nil
}
