package inference

import (
	"context"
	"image"
	"image/color"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-ssd/common"
	"github.com/nvr-ai/go-ssd/detector"
	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/inference/providers"
	"github.com/nvr-ai/go-ssd/layers"
)

func testDetectorConfig() detector.Config {
	cfg := detector.DefaultConfig()
	cfg.Channels = []int{3, 3, 3, 3, 3, 3}
	cfg.Seed = 7
	cfg.Workers = 2
	return cfg
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 90, A: 255})
		}
	}
	return img
}

// stubBackbone returns constant maps of the configured shapes.
type stubBackbone struct {
	shapes []layers.Shape
	calls  atomic.Int32
	closed bool
}

func (s *stubBackbone) Extract(ctx context.Context, _ image.Image) (layers.Pyramid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	out := make(layers.Pyramid, len(s.shapes))
	for i, sh := range s.shapes {
		out[i] = layers.NewFeatureMap(sh.Channels, sh.Height, sh.Width)
	}
	return out, nil
}

func (s *stubBackbone) Shapes() []layers.Shape { return s.shapes }

func (s *stubBackbone) Close() error {
	s.closed = true
	return nil
}

func TestEnginePredictWithPyramidBackbone(t *testing.T) {
	e, err := NewEngineBuilder().
		WithDetector(testDetectorConfig(), nil).
		WithPyramidBackbone(images.DefaultNormalization()).
		Build()
	require.NoError(t, err)
	defer e.Close()

	img := gradient(120, 90)
	dets, err := e.Predict(context.Background(), img)
	require.NoError(t, err)
	for i, d := range dets {
		assert.NotZero(t, d.Class)
		assert.Greater(t, d.Score, float32(0.01))
		if i > 0 {
			prev := dets[i-1]
			assert.True(t, prev.Class < d.Class || (prev.Class == d.Class && prev.Score >= d.Score))
		}
	}

	again, err := e.Predict(context.Background(), img)
	require.NoError(t, err)
	assert.Equal(t, dets, again)

	names := []string{}
	for _, s := range e.Detector().Stats() {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, OpBackbone)
	assert.Contains(t, names, detector.OpDecode)
}

func TestEnginePredictBatch(t *testing.T) {
	b := NewEngineBuilder().WithDetector(testDetectorConfig(), nil)
	stub := &stubBackbone{}
	stub.shapes = b.detector.Model().Levels()
	e := b.WithBackbone(stub).MustBuild()

	imgs := []image.Image{gradient(10, 10), gradient(20, 10), gradient(10, 20)}
	out, err := e.PredictBatch(context.Background(), imgs)
	require.NoError(t, err)
	require.Len(t, out, 3)
	// Identical pyramids decode to identical detections.
	assert.Equal(t, out[0], out[1])
	assert.Equal(t, out[0], out[2])
	assert.Equal(t, int32(3), stub.calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.PredictBatch(ctx, imgs)
	assert.ErrorIs(t, err, context.Canceled)

	require.NoError(t, e.Close())
	assert.True(t, stub.closed)
}

func TestEngineBuilderErrors(t *testing.T) {
	_, err := NewEngineBuilder().Build()
	assert.EqualError(t, err, "detector not configured")

	_, err = NewEngineBuilder().WithDetector(testDetectorConfig(), nil).Build()
	assert.EqualError(t, err, "backbone not configured")

	_, err = NewEngineBuilder().WithPyramidBackbone(images.DefaultNormalization()).Build()
	assert.EqualError(t, err, "detector not configured")

	train := testDetectorConfig()
	train.Phase = detector.PhaseTrain
	_, err = NewEngineBuilder().WithDetector(train, nil).Build()
	var cfgErr *common.ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "phase", cfgErr.Field)

	b := NewEngineBuilder().WithDetector(testDetectorConfig(), nil)
	shapes := b.detector.Model().Levels()
	shapes[2].Channels = 9
	_, err = b.WithBackbone(&stubBackbone{shapes: shapes}).Build()
	var shapeErr *common.ShapeMismatchError
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, 2, shapeErr.Level)

	_, err = NewEngineBuilder().WithDetector(testDetectorConfig(), nil).
		WithBackbone(&stubBackbone{shapes: shapes[:3]}).Build()
	require.ErrorAs(t, err, &shapeErr)
	assert.Equal(t, -1, shapeErr.Level)

	assert.Panics(t, func() { NewEngineBuilder().MustBuild() })
}

func TestPrepareInput(t *testing.T) {
	dst := make([]float32, 3*8*4)
	require.NoError(t, PrepareInput(gradient(16, 8), image.Pt(8, 4), images.DefaultNormalization(), dst))
	// Blue is constant across the plane.
	for _, v := range dst[64:] {
		assert.InDelta(t, 90.0/255.0, v, 1e-2)
	}

	err := PrepareInput(gradient(16, 8), image.Pt(8, 4), images.DefaultNormalization(), dst[:10])
	var shapeErr *common.ShapeMismatchError
	assert.ErrorAs(t, err, &shapeErr)
}

func TestSessionConfigValidate(t *testing.T) {
	valid := SessionConfig{
		ModelPath: "backbone.onnx",
		InputSize: image.Pt(300, 300),
		Levels:    []layers.Shape{{Channels: 512, Height: 38, Width: 38}, {Channels: 1024, Height: 19, Width: 19}},
	}
	require.NoError(t, valid.Validate())
	def := valid.withDefaults()
	assert.Equal(t, "images", def.InputName)
	assert.Equal(t, []string{"feat0", "feat1"}, def.OutputNames)
	assert.Equal(t, providers.CPUProviderBackend, def.Provider.Backend)

	tests := []struct {
		name   string
		mutate func(*SessionConfig)
		field  string
	}{
		{"no model", func(c *SessionConfig) { c.ModelPath = "" }, "model_path"},
		{"no size", func(c *SessionConfig) { c.InputSize = image.Point{} }, "input_size"},
		{"no levels", func(c *SessionConfig) { c.Levels = nil }, "levels"},
		{"names", func(c *SessionConfig) { c.OutputNames = []string{"a"} }, "output_names"},
		{"bad level", func(c *SessionConfig) { c.Levels = []layers.Shape{{Channels: 0, Height: 1, Width: 1}} }, "levels[0]"},
		{"provider", func(c *SessionConfig) { c.Provider.Backend = "tpu" }, "provider.backend"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			var cfgErr *common.ConfigurationError
			require.ErrorAs(t, cfg.Validate(), &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}

func TestNewSessionRequiresRuntime(t *testing.T) {
	cfg := SessionConfig{
		ModelPath: "testdata/missing.onnx",
		InputSize: image.Pt(32, 32),
		Levels:    []layers.Shape{{Channels: 3, Height: 4, Width: 4}},
	}
	if err := providers.Initialize(""); err != nil {
		t.Skipf("ONNX Runtime unavailable: %v", err)
	}
	_, err := NewSession(cfg, nil)
	assert.Error(t, err, "a missing model file fails session creation")
}
