package inference

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/inference/providers"
	"github.com/nvr-ai/go-ssd/layers"
)

// SessionConfig describes an exported backbone: one image input and one
// float32 NCHW output per pyramid level.
type SessionConfig struct {
	// ModelPath specifies the path to the ONNX model file.
	ModelPath string `json:"model_path" yaml:"model_path"`
	// InputName is the image input node (default "images").
	InputName string `json:"input_name" yaml:"input_name"`
	// InputSize is the network input size; X is width, Y is height.
	InputSize image.Point `json:"input_size" yaml:"input_size"`
	// OutputNames are the feature outputs, finest first (default "feat0".."featN").
	OutputNames []string `json:"output_names" yaml:"output_names"`
	// Levels are the shapes of the outputs, finest first.
	Levels []layers.Shape `json:"levels" yaml:"levels"`
	// Normalization applied to pixels before they are copied to the input.
	Normalization images.Normalization `json:"normalization" yaml:"normalization"`
	// Provider selects the execution provider.
	Provider providers.Config `json:"provider" yaml:"provider"`
}

// withDefaults fills the node names and normalization.
func (c SessionConfig) withDefaults() SessionConfig {
	if c.InputName == "" {
		c.InputName = "images"
	}
	if len(c.OutputNames) == 0 {
		c.OutputNames = make([]string, len(c.Levels))
		for i := range c.Levels {
			c.OutputNames[i] = fmt.Sprintf("feat%d", i)
		}
	}
	if c.Normalization.Scale == 0 {
		c.Normalization = images.DefaultNormalization()
	}
	if c.Provider.Backend == "" {
		c.Provider = providers.DefaultConfig()
	}
	return c
}

// Validate checks the configuration after defaults are applied.
func (c SessionConfig) Validate() error {
	c = c.withDefaults()
	if c.ModelPath == "" {
		return common.NewConfigurationError("model_path", "model path is required", "non-empty", "")
	}
	if c.InputSize.X <= 0 || c.InputSize.Y <= 0 {
		return common.NewConfigurationError("input_size", "input size must be positive", "> 0", c.InputSize)
	}
	if len(c.Levels) == 0 {
		return common.NewConfigurationError("levels", "at least one output level", ">= 1", 0)
	}
	if len(c.OutputNames) != len(c.Levels) {
		return common.NewConfigurationError("output_names", "one output per level", len(c.Levels), len(c.OutputNames))
	}
	for i, s := range c.Levels {
		if s.Channels <= 0 || s.Height <= 0 || s.Width <= 0 {
			return common.NewConfigurationError(fmt.Sprintf("levels[%d]", i), "level dimensions must be positive", "> 0", s.String())
		}
	}
	return c.Provider.Validate()
}

// Session is a Backbone backed by an ONNX Runtime session with
// preallocated input and output tensors. Runs are serialized because the
// tensors are shared.
type Session struct {
	cfg    SessionConfig
	logger *zap.Logger

	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

// NewSession creates a new backbone session.
//
// Order of operations:
//  1. Environment setup: loads the shared library once per process.
//  2. Tensor allocation: fixed-shape buffers for the image and every level.
//  3. Session options: threading, optimization level and execution provider.
//  4. Session creation: loads the model and binds the tensors.
//
// Arguments:
//   - cfg: The session configuration.
//   - logger: The logger; nil disables logging.
//
// Returns:
//   - *Session: The session. Close it to release native resources.
//   - error: A *common.ConfigurationError or the runtime error.
func NewSession(cfg SessionConfig, logger *zap.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := providers.Initialize(cfg.Provider.LibraryPath); err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, logger: logger}
	input, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, 3, int64(cfg.InputSize.Y), int64(cfg.InputSize.X)),
	)
	if err != nil {
		return nil, errors.Wrap(err, "creating input tensor")
	}
	s.input = input

	outputs := make([]ort.ArbitraryTensor, len(cfg.Levels))
	for i, l := range cfg.Levels {
		t, err := ort.NewEmptyTensor[float32](
			ort.NewShape(1, int64(l.Channels), int64(l.Height), int64(l.Width)),
		)
		if err != nil {
			s.Close()
			return nil, errors.Wrapf(err, "creating output tensor %s", cfg.OutputNames[i])
		}
		s.outputs = append(s.outputs, t)
		outputs[i] = t
	}

	options, err := providers.SessionOptions(cfg.Provider)
	if err != nil {
		s.Close()
		return nil, err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		cfg.OutputNames,
		[]ort.ArbitraryTensor{input},
		outputs,
		options,
	)
	if err != nil {
		s.Close()
		return nil, errors.Wrapf(err, "creating session for %s", cfg.ModelPath)
	}
	s.session = session

	logger.Info("backbone session ready",
		zap.String("model", cfg.ModelPath),
		zap.String("provider", string(cfg.Provider.Backend)),
		zap.Int("levels", len(cfg.Levels)))
	return s, nil
}

// Shapes returns the configured level shapes.
func (s *Session) Shapes() []layers.Shape {
	return append([]layers.Shape(nil), s.cfg.Levels...)
}

// Extract runs the backbone on img. The returned maps own copies of the
// output tensors, so they stay valid across later runs.
func (s *Session) Extract(ctx context.Context, img image.Image) (layers.Pyramid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil, errors.New("session closed")
	}

	if err := PrepareInput(img, s.cfg.InputSize, s.cfg.Normalization, s.input.GetData()); err != nil {
		return nil, err
	}
	if err := s.session.Run(); err != nil {
		return nil, errors.Wrap(err, "running backbone")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pyramid := make(layers.Pyramid, len(s.outputs))
	for i, t := range s.outputs {
		l := s.cfg.Levels[i]
		data := append([]float32(nil), t.GetData()...)
		f, err := layers.FromData(data, l.Channels, l.Height, l.Width)
		if err != nil {
			return nil, err
		}
		pyramid[i] = f
	}
	return pyramid, nil
}

// Close releases the resources associated with the Session.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.session != nil {
		keep(s.session.Destroy())
		s.session = nil
	}
	if s.input != nil {
		keep(s.input.Destroy())
		s.input = nil
	}
	for _, t := range s.outputs {
		keep(t.Destroy())
	}
	s.outputs = nil
	return firstErr
}
