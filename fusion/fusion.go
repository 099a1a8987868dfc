package fusion

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/layers"
)

// Fusion refines a backbone pyramid before it reaches the prediction heads.
//
// It runs three pure stages in order: side-weight injection at the taps,
// L2 normalisation of one level, then cross-scale blending of the fused
// prefix. Each stage returns a new pyramid; input maps are never modified.
// A built Fusion is read-only and safe for concurrent use.
type Fusion struct {
	cfg        Config
	sides      []*SideWeight
	norm       *layers.L2Norm
	extensions []*Extension
	logger     *zap.Logger
}

// Option configures a Fusion.
type Option func(*options)

type options struct {
	backend layers.Backend
	logger  *zap.Logger
}

// WithBackend selects the convolution backend.
func WithBackend(b layers.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New builds a fusion stage.
//
// Arguments:
//   - cfg: The pyramid shape contract.
//   - params: Source of the learned weights.
//   - opts: Backend and logger options.
//
// Returns:
//   - The fusion stage.
//   - A *common.ConfigurationError for an inconsistent config, or the
//     parameter lookup error.
func New(cfg Config, params layers.Params, opts ...Option) (*Fusion, error) {
	o := options{backend: layers.NativeBackend{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &Fusion{cfg: cfg, logger: o.logger}
	channels := cfg.Channels()

	for i, level := range cfg.Taps {
		sw, err := NewSideWeight(fmt.Sprintf("sw%d", i), level, channels[level], params, o.backend)
		if err != nil {
			return nil, err
		}
		f.sides = append(f.sides, sw)
	}
	if cfg.L2NormLevel >= 0 {
		norm, err := layers.NewL2Norm("l2norm", channels[cfg.L2NormLevel], params)
		if err != nil {
			return nil, err
		}
		f.norm = norm
	}
	for k := 0; k < cfg.FusedLevels; k++ {
		ext, err := NewExtension(fmt.Sprintf("ext%d", k), k, channels[k+1], channels[k],
			cfg.UpRefineDepth, cfg.LateralDepth, params, o.backend)
		if err != nil {
			return nil, err
		}
		f.extensions = append(f.extensions, ext)
	}

	f.logger.Info("fusion stage built",
		zap.Ints("channels", channels),
		zap.Ints("taps", cfg.Taps),
		zap.Int("fused_levels", cfg.FusedLevels),
		zap.String("backend", o.backend.Name()))
	return f, nil
}

// Config returns the fusion configuration.
func (f *Fusion) Config() Config { return f.cfg }

// Fuse refines a complete backbone pyramid.
//
// Arguments:
//   - ctx: Checked between stages; a cancelled call returns ctx.Err() and no
//     partial pyramid.
//   - in: One map per level.
//
// Returns:
//   - The refined pyramid, with the same shapes as the input.
//   - A *common.ShapeMismatchError if any level disagrees with the config.
func (f *Fusion) Fuse(ctx context.Context, in layers.Pyramid) (layers.Pyramid, error) {
	if err := f.check(in); err != nil {
		return nil, err
	}
	out, err := f.Inject(ctx, in)
	if err != nil {
		return nil, err
	}
	if out, err = f.Normalize(out); err != nil {
		return nil, err
	}
	return f.Blend(ctx, out)
}

// Run drives a staged backbone. stages[i] maps the previous stage output
// (input for i == 0) to level i. Tap levels are injected before the next
// stage reads them, so later taps see the modified maps.
func (f *Fusion) Run(ctx context.Context, input *layers.FeatureMap, stages []layers.Layer) (layers.Pyramid, error) {
	if len(stages) != len(f.cfg.Levels) {
		return nil, common.NewShapeMismatchError("fusion.stages", -1, len(f.cfg.Levels), len(stages))
	}
	sources := make(layers.Pyramid, len(stages))
	x := input
	for i, stage := range stages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var err error
		if x, err = stage.Forward(x); err != nil {
			return nil, err
		}
		if err := f.checkLevel(i, x); err != nil {
			return nil, err
		}
		if t, ok := f.cfg.isTap(i); ok {
			if x, err = f.sides[t].Apply(x); err != nil {
				return nil, err
			}
		}
		sources[i] = x
	}
	out, err := f.Normalize(sources)
	if err != nil {
		return nil, err
	}
	return f.Blend(ctx, out)
}

// Inject applies the side-weight residual at every tap, in tap order.
func (f *Fusion) Inject(ctx context.Context, in layers.Pyramid) (layers.Pyramid, error) {
	out := append(layers.Pyramid(nil), in...)
	for t, level := range f.cfg.Taps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err := f.sides[t].Apply(out[level])
		if err != nil {
			return nil, err
		}
		f.logger.Debug("side weight injected", zap.Int("tap", t), zap.Int("level", level))
		out[level] = x
	}
	return out, nil
}

// Normalize applies the L2 normalisation level, if any.
func (f *Fusion) Normalize(in layers.Pyramid) (layers.Pyramid, error) {
	if f.norm == nil {
		return in, nil
	}
	out := append(layers.Pyramid(nil), in...)
	x, err := f.norm.Forward(out[f.cfg.L2NormLevel])
	if err != nil {
		return nil, err
	}
	out[f.cfg.L2NormLevel] = x
	return out, nil
}

// Blend fuses every level of the prefix with its deeper neighbour. Each
// level reads the unblended neighbour, so the order of evaluation does not
// matter.
func (f *Fusion) Blend(ctx context.Context, in layers.Pyramid) (layers.Pyramid, error) {
	out := append(layers.Pyramid(nil), in...)
	for k, ext := range f.extensions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		x, err := ext.Apply(in[k], in[k+1])
		if err != nil {
			return nil, err
		}
		f.logger.Debug("level fused", zap.Int("level", k), zap.Stringer("shape", x.Shape()))
		out[k] = x
	}
	return out, nil
}

func (f *Fusion) check(in layers.Pyramid) error {
	if len(in) != len(f.cfg.Levels) {
		return common.NewShapeMismatchError("fusion.pyramid", -1, len(f.cfg.Levels), len(in))
	}
	for i, x := range in {
		if err := f.checkLevel(i, x); err != nil {
			return err
		}
	}
	return nil
}

func (f *Fusion) checkLevel(i int, x *layers.FeatureMap) error {
	if x == nil {
		return common.NewShapeMismatchError("fusion.level", i, f.cfg.Levels[i].String(), "nil")
	}
	want, got := f.cfg.Levels[i], x.Shape()
	if got.Channels != want.Channels ||
		(want.Height > 0 && got.Height != want.Height) ||
		(want.Width > 0 && got.Width != want.Width) {
		return common.NewShapeMismatchError("fusion.level", i, want.String(), got.String())
	}
	return nil
}
