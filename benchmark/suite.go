package benchmark

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/nvr-ai/go-ssd/detector"
	"github.com/nvr-ai/go-ssd/images"
	"github.com/nvr-ai/go-ssd/inference"
	"github.com/nvr-ai/go-ssd/util"
)

// EngineFactory builds the engine a scenario runs against. The suite closes
// the engine when the scenario ends.
type EngineFactory func(s Scenario) (inference.Engine, error)

// PyramidEngineFactory builds engines over the image pyramid backbone,
// taking the model and family from the scenario and everything else from
// base.
func PyramidEngineFactory(base detector.Config, logger *zap.Logger) EngineFactory {
	return func(s Scenario) (inference.Engine, error) {
		cfg := base
		cfg.Model = s.Model
		if s.Family != "" {
			cfg.Family = s.Family
		}
		return inference.NewEngineBuilder().
			WithLogger(logger).
			WithDetector(cfg, nil).
			WithPyramidBackbone(images.DefaultNormalization()).
			Build()
	}
}

// Options configures a Suite.
type Options struct {
	Factory EngineFactory
	Logger  *zap.Logger
	// OutputDir receives the JSON results and CSV summary; empty skips
	// writing them.
	OutputDir string
}

// Suite manages and executes benchmark scenarios
type Suite struct {
	factory   EngineFactory
	logger    *zap.Logger
	outputDir string

	mu        sync.RWMutex
	corpus    []util.ImageFile
	scenarios []Scenario
	results   []PerformanceMetrics
}

// NewSuite creates a new benchmark suite.
//
// Arguments:
//   - opts: The engine factory, logger and output directory.
//
// Returns:
//   - *Suite: The benchmark suite.
func NewSuite(opts Options) *Suite {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Factory == nil {
		opts.Factory = PyramidEngineFactory(detector.DefaultConfig(), opts.Logger)
	}
	return &Suite{
		factory:   opts.Factory,
		logger:    opts.Logger,
		outputDir: opts.OutputDir,
	}
}

// AddScenario adds a test scenario to the benchmark suite
func (bs *Suite) AddScenario(scenario Scenario) {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	bs.scenarios = append(bs.scenarios, scenario)
}

// AddScenarioSet adds every scenario of set.
func (bs *Suite) AddScenarioSet(set *ScenarioSet) {
	for _, s := range set.Scenarios {
		bs.AddScenario(s)
	}
}

// Scenarios returns the queued scenarios.
func (bs *Suite) Scenarios() []Scenario {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]Scenario(nil), bs.scenarios...)
}

// LoadCorpus loads test images from a directory or a single file.
func (bs *Suite) LoadCorpus(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "reading corpus")
	}

	var files []util.ImageFile
	if info.IsDir() {
		if files, err = util.LoadDirectoryImageFiles(path); err != nil {
			return err
		}
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading %s", path)
		}
		files = []util.ImageFile{{Path: path, Data: data}}
	}
	if len(files) == 0 {
		return errors.Errorf("no images found in %s", path)
	}

	bs.mu.Lock()
	bs.corpus = files
	bs.mu.Unlock()
	return nil
}

// SyntheticCorpus fills the corpus with n gradient frames of the given size.
func (bs *Suite) SyntheticCorpus(n, width, height int) error {
	files := make([]util.ImageFile, 0, n)
	for i := 0; i < n; i++ {
		img := image.NewRGBA(image.Rect(0, 0, width, height))
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				img.SetRGBA(x, y, color.RGBA{
					R: uint8((x + 16*i) * 255 / width),
					G: uint8(y * 255 / height),
					B: uint8(40 * i),
					A: 255,
				})
			}
		}
		enc, err := images.Encode(img, images.FormatPNG)
		if err != nil {
			return err
		}
		files = append(files, util.ImageFile{Path: fmt.Sprintf("synthetic-%d.png", i), Data: enc.Data, Frame: i})
	}

	bs.mu.Lock()
	bs.corpus = files
	bs.mu.Unlock()
	return nil
}

// frames re-encodes the corpus at the scenario resolution and format, so
// every iteration pays the same decode cost a camera frame would.
func (bs *Suite) frames(s Scenario) ([][]byte, error) {
	bs.mu.RLock()
	corpus := bs.corpus
	bs.mu.RUnlock()
	if len(corpus) == 0 {
		return nil, errors.New("benchmark corpus is empty")
	}

	out := make([][]byte, len(corpus))
	for i, f := range corpus {
		img, _, err := images.Decode(f.Data)
		if err != nil {
			return nil, errors.Wrapf(err, "decoding %s", f.Path)
		}
		enc, err := images.Encode(images.Resize(img, s.Resolution.Width, s.Resolution.Height), s.ImageFormat)
		if err != nil {
			return nil, err
		}
		out[i] = enc.Data
	}
	return out, nil
}

// RunScenario executes a single benchmark scenario.
//
// Arguments:
//   - ctx: Cancels the run between iterations.
//   - scenario: The scenario to run.
//
// Returns:
//   - *PerformanceMetrics: The measurements.
//   - error: An invalid scenario, an empty corpus, an engine build failure
//     or ctx's error. Failed iterations only raise the error rate.
func (bs *Suite) RunScenario(ctx context.Context, scenario Scenario) (*PerformanceMetrics, error) {
	if err := scenario.Validate(); err != nil {
		return nil, err
	}
	frames, err := bs.frames(scenario)
	if err != nil {
		return nil, err
	}
	engine, err := bs.factory(scenario)
	if err != nil {
		return nil, errors.Wrapf(err, "building engine for %s", scenario.Name)
	}
	defer engine.Close()

	batch := func(i int) [][]byte {
		out := make([][]byte, scenario.BatchSize)
		for j := range out {
			out[j] = frames[(i*scenario.BatchSize+j)%len(frames)]
		}
		return out
	}

	for i := 0; i < scenario.WarmupRuns; i++ {
		if _, _, _, err := bs.process(ctx, engine, batch(i)); err != nil {
			bs.logger.Debug("warmup failed", zap.String("scenario", scenario.Name), zap.Error(err))
		}
	}

	metrics := &PerformanceMetrics{
		Scenario:  scenario,
		Timestamp: time.Now(),
	}

	var startMem runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&startMem)

	start := time.Now()
	failures := 0
	for i := 0; i < scenario.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		detections, decode, infer, err := bs.process(ctx, engine, batch(i))
		metrics.DecodeDuration += decode
		metrics.InferenceDuration += infer
		if err != nil {
			failures++
			bs.logger.Debug("iteration failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}
		metrics.DetectionCount += detections
	}
	metrics.TotalDuration = time.Since(start)

	frameCount := scenario.Iterations * scenario.BatchSize
	metrics.FramesPerSecond = float64(frameCount) / metrics.TotalDuration.Seconds()
	metrics.ErrorRate = float64(failures) / float64(scenario.Iterations)
	metrics.MemoryStats = memoryDelta(&startMem)
	metrics.CPUStats = currentCPU()
	metrics.Stages = make(map[string]time.Duration)
	for _, s := range engine.Detector().Stats() {
		metrics.Stages[s.Name] = s.Mean
	}

	return metrics, nil
}

func (bs *Suite) process(ctx context.Context, engine inference.Engine, batch [][]byte) (int, time.Duration, time.Duration, error) {
	decodeStart := time.Now()
	imgs := make([]image.Image, len(batch))
	for i, data := range batch {
		img, _, err := images.Decode(data)
		if err != nil {
			return 0, time.Since(decodeStart), 0, err
		}
		imgs[i] = img
	}
	decode := time.Since(decodeStart)

	inferStart := time.Now()
	results, err := engine.PredictBatch(ctx, imgs)
	infer := time.Since(inferStart)
	if err != nil {
		return 0, decode, infer, errors.Wrap(err, "inference failed")
	}

	count := 0
	for _, r := range results {
		count += len(r)
	}
	return count, decode, infer, nil
}

// RunAllScenarios executes all configured benchmark scenarios. A failing
// scenario is logged and skipped; cancellation stops the run.
func (bs *Suite) RunAllScenarios(ctx context.Context) error {
	for _, scenario := range bs.Scenarios() {
		metrics, err := bs.RunScenario(ctx, scenario)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			bs.logger.Warn("scenario failed", zap.String("scenario", scenario.Name), zap.Error(err))
			continue
		}

		bs.mu.Lock()
		bs.results = append(bs.results, *metrics)
		bs.mu.Unlock()

		bs.logger.Info("scenario completed",
			zap.String("scenario", scenario.Name),
			zap.Float64("fps", metrics.FramesPerSecond),
			zap.Int("detections", metrics.DetectionCount))
	}

	if bs.outputDir == "" {
		return nil
	}
	_, err := bs.SaveResults()
	return err
}

// SaveResults persists benchmark results to the output directory.
//
// Returns:
//   - []string: The JSON results file and the CSV summary file.
//   - error: Any filesystem error.
func (bs *Suite) SaveResults() ([]string, error) {
	results := bs.Results()

	if err := os.MkdirAll(bs.outputDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}

	timestamp := time.Now().Format("2006-01-02_15-04-05")
	resultsFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_results_%s.json", timestamp))
	data, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshalling results")
	}
	if err := os.WriteFile(resultsFile, data, 0o644); err != nil {
		return nil, errors.Wrap(err, "writing results file")
	}

	summaryFile := filepath.Join(bs.outputDir, fmt.Sprintf("benchmark_summary_%s.csv", timestamp))
	if err := saveSummaryCSV(summaryFile, results); err != nil {
		return nil, errors.Wrap(err, "writing summary")
	}

	bs.logger.Info("results saved", zap.String("results", resultsFile), zap.String("summary", summaryFile))
	return []string{resultsFile, summaryFile}, nil
}

func saveSummaryCSV(filename string, results []PerformanceMetrics) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	_ = w.Write([]string{"scenario", "model", "resolution", "format", "batch", "fps", "total_ms", "alloc_mb", "detections", "error_rate"})
	for _, r := range results {
		_ = w.Write([]string{
			r.Scenario.Name,
			string(r.Scenario.Model),
			r.Scenario.Resolution.Name,
			string(r.Scenario.ImageFormat),
			strconv.Itoa(r.Scenario.BatchSize),
			strconv.FormatFloat(r.FramesPerSecond, 'f', 2, 64),
			strconv.FormatFloat(float64(r.TotalDuration.Nanoseconds())/1e6, 'f', 2, 64),
			strconv.FormatFloat(float64(r.MemoryStats.AllocBytes)/(1024*1024), 'f', 2, 64),
			strconv.Itoa(r.DetectionCount),
			strconv.FormatFloat(r.ErrorRate, 'f', 4, 64),
		})
	}
	w.Flush()
	return w.Error()
}

// Results returns all benchmark results
func (bs *Suite) Results() []PerformanceMetrics {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return append([]PerformanceMetrics(nil), bs.results...)
}
