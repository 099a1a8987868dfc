package inference

import (
	"context"
	"image"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/detector"
	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/layers"
	"github.com/nvr-ai/go-ssd/models/postprocess"
	"github.com/nvr-ai/go-ssd/profiler"
)

// OpBackbone is the profiler operation recorded around Backbone.Extract.
const OpBackbone = "backbone"

// Engine defines the interface for image-level SSD inference.
type Engine interface {
	// Predict returns the detections for img in normalized coordinates.
	Predict(ctx context.Context, img image.Image) ([]postprocess.Result, error)
	// PredictBatch runs Predict over imgs concurrently; the first failure
	// aborts the batch.
	PredictBatch(ctx context.Context, imgs []image.Image) ([][]postprocess.Result, error)
	// Detector returns the detector behind the engine.
	Detector() *detector.Detector
	Close() error
}

// EngineBuilder assembles an Engine with a fluent API. The first failing
// step is remembered and returned by Build.
type EngineBuilder struct {
	logger   *zap.Logger
	profiler *profiler.Tracker
	detector *detector.Detector
	backbone Backbone
	err      error
}

// NewEngineBuilder creates a new engine builder.
//
// Returns:
//   - *EngineBuilder: The engine builder.
//
// @example
// engine, err := NewEngineBuilder().
//
//	WithDetector(detector.DefaultConfig(), nil).
//	WithPyramidBackbone(images.DefaultNormalization()).
//	Build()
func NewEngineBuilder() *EngineBuilder {
	return &EngineBuilder{logger: zap.NewNop()}
}

// WithLogger sets the logger passed to the detector and backbone session.
// Call it before WithDetector.
func (b *EngineBuilder) WithLogger(l *zap.Logger) *EngineBuilder {
	if l != nil {
		b.logger = l
	}
	return b
}

// WithProfiler records the backbone and detector stage timings into p.
// Call it before WithDetector.
func (b *EngineBuilder) WithProfiler(p *profiler.Tracker) *EngineBuilder {
	b.profiler = p
	return b
}

// WithDetector builds the detector for the engine.
//
// Arguments:
//   - cfg: The detector configuration; its phase must be test.
//   - params: Learned weights; nil initialises them from cfg.Seed.
//
// Returns:
//   - *EngineBuilder: The engine builder.
func (b *EngineBuilder) WithDetector(cfg detector.Config, params layers.Params) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if cfg.Phase == detector.PhaseTrain {
		b.err = common.NewConfigurationError("phase", "engines decode detections", detector.PhaseTest, cfg.Phase)
		return b
	}
	if b.profiler == nil {
		b.profiler = profiler.New(profiler.Options{Logger: b.logger})
	}
	d, err := detector.New(cfg, params, detector.WithLogger(b.logger), detector.WithProfiler(b.profiler))
	if err != nil {
		b.err = err
		return b
	}
	b.detector = d
	return b
}

// WithBackbone sets an already constructed backbone.
func (b *EngineBuilder) WithBackbone(bb Backbone) *EngineBuilder {
	if b.HasError() {
		return b
	}
	b.backbone = bb
	return b
}

// WithSession opens an ONNX backbone session. When cfg.Levels is empty the
// detector's level shapes are used, so WithDetector must come first.
func (b *EngineBuilder) WithSession(cfg SessionConfig) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if len(cfg.Levels) == 0 {
		if b.detector == nil {
			b.err = errors.New("detector not configured")
			return b
		}
		cfg.Levels = b.detector.Model().Levels()
	}
	s, err := NewSession(cfg, b.logger)
	if err != nil {
		b.err = err
		return b
	}
	b.backbone = s
	return b
}

// WithPyramidBackbone uses an images.PyramidBackbone shaped after the
// detector's levels. WithDetector must come first.
func (b *EngineBuilder) WithPyramidBackbone(norm images.Normalization) *EngineBuilder {
	if b.HasError() {
		return b
	}
	if b.detector == nil {
		b.err = errors.New("detector not configured")
		return b
	}
	p, err := images.NewPyramidBackbone(b.detector.Model().Levels(), norm)
	if err != nil {
		b.err = err
		return b
	}
	b.backbone = p
	return b
}

// HasError checks if the engine builder has errors.
//
// Returns:
//   - bool: True if there are errors, false otherwise.
func (b *EngineBuilder) HasError() bool {
	return b.err != nil
}

// MustBuild builds the engine and panics if there is an error.
//
// Returns:
//   - Engine: The engine.
func (b *EngineBuilder) MustBuild() Engine {
	e, err := b.Build()
	if err != nil {
		panic(err)
	}
	return e
}

// Build builds the engine.
//
// Returns:
//   - Engine: The engine.
//   - error: The first builder error, a missing component, or a
//     *common.ShapeMismatchError when the backbone levels do not match the
//     detector.
func (b *EngineBuilder) Build() (Engine, error) {
	if b.HasError() {
		if b.backbone != nil {
			b.backbone.Close()
		}
		if b.detector != nil {
			b.detector.Close()
		}
		return nil, b.err
	}
	if b.detector == nil {
		return nil, errors.New("detector not configured")
	}
	if b.backbone == nil {
		return nil, errors.New("backbone not configured")
	}

	want, got := b.detector.Model().Levels(), b.backbone.Shapes()
	if len(want) != len(got) {
		return nil, common.NewShapeMismatchError("backbone", -1, len(want), len(got))
	}
	for i := range want {
		if want[i] != got[i] {
			return nil, common.NewShapeMismatchError("backbone", i, want[i].String(), got[i].String())
		}
	}

	return &engine{
		logger:   b.logger,
		profiler: b.profiler,
		detector: b.detector,
		backbone: b.backbone,
	}, nil
}

// engine implements the Engine interface.
type engine struct {
	logger   *zap.Logger
	profiler *profiler.Tracker
	detector *detector.Detector
	backbone Backbone
}

// Predict predicts the detections for an image.
//
// Arguments:
//   - ctx: The context for the prediction.
//   - img: The image to predict.
//
// Returns:
//   - []postprocess.Result: The detections, ordered by class then score.
//   - error: The error if any.
func (e *engine) Predict(ctx context.Context, img image.Image) ([]postprocess.Result, error) {
	done := e.profiler.StartOperation(OpBackbone)
	pyramid, err := e.backbone.Extract(ctx, img)
	done()
	if err != nil {
		return nil, errors.Wrap(err, "extracting features")
	}
	out, err := e.detector.Infer(ctx, pyramid)
	if err != nil {
		return nil, err
	}
	return out.Detections, nil
}

func (e *engine) PredictBatch(ctx context.Context, imgs []image.Image) ([][]postprocess.Result, error) {
	out := make([][]postprocess.Result, len(imgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.detector.Config().Workers)
	for i := range imgs {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			dets, err := e.Predict(gctx, imgs[i])
			if err != nil {
				return err
			}
			out[i] = dets
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *engine) Detector() *detector.Detector { return e.detector }

func (e *engine) Close() error {
	e.detector.Close()
	return e.backbone.Close()
}
