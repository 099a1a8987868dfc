package postprocess

import (
	"context"
	"fmt"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/priors"
)

// Default decoder thresholds.
const (
	DefaultConfidenceThreshold float32 = 0.01
	DefaultIoUThreshold        float32 = 0.45
	DefaultTopK                        = 200
	DefaultBackgroundID                = 0
)

// Config controls how raw predictions become detections.
type Config struct {
	// NumClasses is the class-axis length, background included.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// BackgroundID is skipped when collecting candidates.
	BackgroundID int `json:"background_id" yaml:"background_id"`
	// ConfidenceThreshold is the probability a candidate must exceed.
	ConfidenceThreshold float32 `json:"confidence_threshold" yaml:"confidence_threshold"`
	// IoUThreshold is the overlap above which a lower-scored box is dropped.
	IoUThreshold float32 `json:"iou_threshold" yaml:"iou_threshold"`
	// TopK caps the detections kept per class.
	TopK int `json:"top_k" yaml:"top_k"`
	// NumWorkers bounds the classes suppressed concurrently; 0 is unbounded.
	NumWorkers int `json:"num_workers" yaml:"num_workers"`
	// Variance overrides the lattice's configured variance pair.
	Variance *Variance `json:"variance,omitempty" yaml:"variance,omitempty"`
}

// DefaultConfig returns τ=0.01, θ=0.45, k=200 with background class 0.
func DefaultConfig(numClasses int) Config {
	return Config{
		NumClasses:          numClasses,
		BackgroundID:        DefaultBackgroundID,
		ConfidenceThreshold: DefaultConfidenceThreshold,
		IoUThreshold:        DefaultIoUThreshold,
		TopK:                DefaultTopK,
	}
}

// Validate checks the thresholds.
func (c Config) Validate() error {
	switch {
	case c.NumClasses < 2:
		return common.NewConfigurationError("num_classes", "need background plus one class", ">= 2", c.NumClasses)
	case c.BackgroundID < 0 || c.BackgroundID >= c.NumClasses:
		return common.NewConfigurationError("background_id", "background outside class axis",
			fmt.Sprintf("[0, %d)", c.NumClasses), c.BackgroundID)
	case c.ConfidenceThreshold < 0 || c.ConfidenceThreshold >= 1:
		return common.NewConfigurationError("confidence_threshold", "threshold in [0, 1)", nil, c.ConfidenceThreshold)
	case c.IoUThreshold < 0 || c.IoUThreshold > 1:
		return common.NewConfigurationError("iou_threshold", "threshold in [0, 1]", nil, c.IoUThreshold)
	case c.TopK <= 0:
		return common.NewConfigurationError("top_k", "per-class cap must be positive", "> 0", c.TopK)
	case c.Variance != nil && (c.Variance.Center <= 0 || c.Variance.Size <= 0):
		return common.NewConfigurationError("variance", "variance must be positive", nil, *c.Variance)
	}
	return nil
}

// Decoder turns Prediction tensors into per-class suppressed detections for
// one prior lattice. It holds no per-call state and is safe for concurrent
// use.
type Decoder struct {
	cfg            Config
	lattice        *priors.Lattice
	variance       Variance
	labels         []string
	postprocessors []Postprocessor
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithLabels names classes by index.
func WithLabels(labels []string) DecoderOption {
	return func(d *Decoder) { d.labels = append([]string(nil), labels...) }
}

// WithPostprocessors appends filters run after suppression.
func WithPostprocessors(p ...Postprocessor) DecoderOption {
	return func(d *Decoder) { d.postprocessors = append(d.postprocessors, p...) }
}

// NewDecoder binds a decoder configuration to a lattice.
//
// Arguments:
//   - cfg: Thresholds and class count.
//   - lattice: The priors predictions are aligned with.
//   - opts: Labels and post-processors.
//
// Returns:
//   - The decoder.
//   - A *common.ConfigurationError for invalid thresholds.
func NewDecoder(cfg Config, lattice *priors.Lattice, opts ...DecoderOption) (*Decoder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Decoder{cfg: cfg, lattice: lattice}
	if cfg.Variance != nil {
		d.variance = *cfg.Variance
	} else {
		c, s := lattice.Config().VariancePair()
		d.variance = Variance{Center: c, Size: s}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Config returns the decoder configuration.
func (d *Decoder) Config() Config { return d.cfg }

// Lattice returns the priors the decoder is bound to.
func (d *Decoder) Lattice() *priors.Lattice { return d.lattice }

// Decode converts one image's raw predictions into detections.
//
// Scores are softmaxed per prior unless pred.Normalized is set. For every
// non-background class, priors whose probability exceeds the confidence
// threshold are sorted by score (ties by prior index), greedily suppressed
// and capped at TopK. Classes are independent and run concurrently.
//
// Arguments:
//   - ctx: Cancels the whole call.
//   - pred: The prediction tensors, aligned with the lattice.
//
// Returns:
//   - Detections ordered by class, then by descending score.
//   - A *common.DecodeError when the tensors do not match the lattice or the
//     configured class count.
//
// @example
// dec, _ := postprocess.NewDecoder(postprocess.DefaultConfig(21), lattice)
// results, err := dec.Decode(ctx, pred)
func (d *Decoder) Decode(ctx context.Context, pred Prediction) ([]Result, error) {
	if pred.NumClasses != d.cfg.NumClasses {
		return nil, common.NewDecodeError("class axis length matches configured classes", d.cfg.NumClasses, pred.NumClasses)
	}
	if pred.NumPriors != d.lattice.Len() {
		return nil, common.NewDecodeError("prediction count matches prior lattice", d.lattice.Len(), pred.NumPriors)
	}
	if err := pred.Validate(); err != nil {
		return nil, err
	}

	probs := pred.Conf
	if !pred.Normalized {
		probs = append([]float32(nil), pred.Conf...)
		for i := 0; i < pred.NumPriors; i++ {
			Softmax(probs[i*pred.NumClasses : (i+1)*pred.NumClasses])
		}
	}

	var candidates []Result
	for i := 0; i < pred.NumPriors; i++ {
		row := probs[i*pred.NumClasses : (i+1)*pred.NumClasses]
		decoded := false
		var box common.BoundingBox
		for c, p := range row {
			if c == d.cfg.BackgroundID || !(p > d.cfg.ConfidenceThreshold) {
				continue
			}
			if !decoded {
				box = Decode(pred.LocAt(i), d.lattice.At(i), d.variance)
				decoded = true
			}
			candidates = append(candidates, Result{Box: box, Score: p, Class: c, Anchor: i})
		}
	}

	results, err := ApplyNMS(ctx, candidates, &NMSConfig{
		IoUThreshold: d.cfg.IoUThreshold,
		TopK:         d.cfg.TopK,
		ClassAware:   true,
		NumWorkers:   d.cfg.NumWorkers,
	})
	if err != nil {
		return nil, err
	}

	if d.labels != nil {
		for i := range results {
			if c := results[i].Class; c < len(d.labels) {
				results[i].Label = d.labels[c]
			}
		}
	}
	for _, p := range d.postprocessors {
		results = p(results)
	}
	return results, nil
}
