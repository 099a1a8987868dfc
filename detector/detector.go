// Package detector runs the fusion, head and decode stages of an SSD model
// over backbone feature pyramids.
package detector

import (
	"context"
	"runtime"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
	"github.com/nvr-ai/go-ssd/models"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/priors"
	"github.com/nvr-ai/go-ssd/profiler"
)

// Operation names recorded by the profiler.
const (
	OpFusion = "fusion"
	OpHeads  = "heads"
	OpDecode = "decode"
)

// Output is the result of one inference call. In PhaseTrain only Prediction,
// Priors and PriorTensor are set; in PhaseTest only Detections.
type Output struct {
	Phase      Phase                   `json:"phase"`
	Prediction *postprocess.Prediction `json:"prediction,omitempty"`
	Priors     *priors.Lattice         `json:"-"`
	// PriorTensor is the (N, 4) view of Priors, shared by every call.
	PriorTensor *tensor.Dense        `json:"-"`
	Detections  []postprocess.Result `json:"detections"`
}

// Detector encapsulates a built model and the inference state around it.
// It holds no per-call state and is safe for concurrent use.
type Detector struct {
	cfg      Config
	model    *models.Model
	priorT   *tensor.Dense
	logger   *zap.Logger
	profiler *profiler.Tracker
}

// Option configures a Detector.
type Option func(*Detector)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// WithProfiler records stage timings into p.
func WithProfiler(p *profiler.Tracker) Option {
	return func(d *Detector) { d.profiler = p }
}

// New creates a detector.
//
// Arguments:
//   - cfg: The detector configuration.
//   - params: Learned weights; nil initialises them from cfg.Seed.
//   - opts: Logger and profiler options.
//
// Returns:
//   - The detector.
//   - A *common.ConfigurationError when the model cannot be assembled.
func New(cfg Config, params layers.Params, opts ...Option) (*Detector, error) {
	d := &Detector{cfg: cfg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(d)
	}
	if d.profiler == nil {
		d.profiler = profiler.New(profiler.Options{Logger: d.logger})
	}
	switch cfg.Phase {
	case "":
		d.cfg.Phase = PhaseTest
	case PhaseTest, PhaseTrain:
	default:
		return nil, common.NewConfigurationError("phase", "unknown phase", []Phase{PhaseTest, PhaseTrain}, cfg.Phase)
	}
	if cfg.Workers < 0 {
		return nil, common.NewConfigurationError("workers", "worker count must not be negative", ">= 0", cfg.Workers)
	}
	if d.cfg.Workers == 0 {
		d.cfg.Workers = runtime.NumCPU()
	}
	if params == nil {
		params = layers.NewInitParams(layers.SeededInit(cfg.Seed, 0.05))
	}

	args := d.cfg.modelArgs()
	args.Logger = d.logger
	m, err := models.NewModel(args, params)
	if err != nil {
		return nil, err
	}
	d.model = m
	if d.cfg.Phase == PhaseTrain {
		d.priorT = m.Lattice.Tensor()
	}

	d.logger.Info("detector ready",
		zap.String("model", string(cfg.Model)),
		zap.String("phase", string(d.cfg.Phase)),
		zap.Int("workers", d.cfg.Workers))
	return d, nil
}

// Model returns the underlying model.
func (d *Detector) Model() *models.Model { return d.model }

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Stats returns the per-stage timings recorded so far.
func (d *Detector) Stats() []profiler.OperationStats { return d.profiler.Stats() }

// Close releases resources used by the detector.
func (d *Detector) Close() {
	d.profiler.Stop()
}

// Infer runs one backbone pyramid through fusion, the heads and, in test
// phase, the decoder.
//
// Arguments:
//   - ctx: Cancels the whole call; no partial output is ever returned.
//   - pyramid: One feature map per level, matching the model's shapes.
//
// Returns:
//   - The output for the configured phase.
//   - A *common.ShapeMismatchError or *common.DecodeError on contract
//     violations, or the context error.
func (d *Detector) Infer(ctx context.Context, pyramid layers.Pyramid) (*Output, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	done := d.profiler.StartOperation(OpFusion)
	fused, err := d.model.Fusion.Fuse(ctx, pyramid)
	done()
	if err != nil {
		return nil, err
	}
	return d.finish(ctx, fused)
}

// InferStaged drives a staged backbone from its input through fusion, so
// side-weight taps feed the stages that follow them.
func (d *Detector) InferStaged(ctx context.Context, input *layers.FeatureMap, stages []layers.Layer) (*Output, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	done := d.profiler.StartOperation(OpFusion)
	fused, err := d.model.Fusion.Run(ctx, input, stages)
	done()
	if err != nil {
		return nil, err
	}
	return d.finish(ctx, fused)
}

// Decode runs only the decode stage on precomputed predictions.
func (d *Detector) Decode(ctx context.Context, pred postprocess.Prediction) ([]postprocess.Result, error) {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	done := d.profiler.StartOperation(OpDecode)
	defer done()
	return d.model.Decoder.Decode(ctx, pred)
}

func (d *Detector) finish(ctx context.Context, fused layers.Pyramid) (*Output, error) {
	done := d.profiler.StartOperation(OpHeads)
	pred, err := d.model.Heads.Forward(ctx, fused)
	done()
	if err != nil {
		return nil, err
	}

	if d.cfg.Phase == PhaseTrain {
		return &Output{Phase: PhaseTrain, Prediction: &pred, Priors: d.model.Lattice, PriorTensor: d.priorT}, nil
	}

	done = d.profiler.StartOperation(OpDecode)
	dets, err := d.model.Decoder.Decode(ctx, pred)
	done()
	if err != nil {
		return nil, err
	}
	d.logger.Debug("inference complete", zap.Int("detections", len(dets)))
	return &Output{Phase: PhaseTest, Detections: dets}, nil
}

// InferBatch runs every pyramid independently on up to Workers goroutines.
// The first failure or a cancelled context aborts the whole batch.
func (d *Detector) InferBatch(ctx context.Context, pyramids []layers.Pyramid) ([]*Output, error) {
	out := make([]*Output, len(pyramids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.cfg.Workers)
	for i := range pyramids {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			o, err := d.Infer(gctx, pyramids[i])
			if err != nil {
				return err
			}
			out[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Detector) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, d.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}
