package profiler

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OperationStats summarises the timings of one named operation.
type OperationStats struct {
	Name  string        `json:"name"`
	Count int64         `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	// Mean is taken over the retained window.
	Mean time.Duration `json:"mean"`
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	durations []time.Duration
	window    time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
	total     time.Duration
}

func (t *TimeTracker) stats() OperationStats {
	s := OperationStats{Name: t.name, Count: t.count, Total: t.total, Min: t.minTime, Max: t.maxTime}
	if n := len(t.durations); n > 0 {
		s.Mean = t.window / time.Duration(n)
	}
	return s
}

// Options configures a Tracker.
type Options struct {
	// ReportInterval specifies how often Start emits a status report (default: 10s).
	ReportInterval time.Duration
	// MaxSamples bounds the per-operation window used for the mean (default: 600).
	MaxSamples int
	// Logger receives the periodic reports.
	Logger *zap.Logger
}

// Tracker records per-stage durations of the inference pipeline. It is safe
// for concurrent use.
type Tracker struct {
	reportInterval time.Duration
	maxSamples     int
	logger         *zap.Logger
	startTime      time.Time

	mu         sync.RWMutex
	operations map[string]*TimeTracker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a tracker.
//
// Arguments:
// - opts: Configuration options for the tracker
//
// Returns:
// - A configured Tracker instance
func New(opts Options) *Tracker {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 600
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		reportInterval: opts.ReportInterval,
		maxSamples:     opts.MaxSamples,
		logger:         opts.Logger,
		startTime:      time.Now(),
		operations:     make(map[string]*TimeTracker),
	}
}

// StartOperation begins timing an operation.
//
// Arguments:
// - name: The name of the operation to track
//
// Returns:
// - A function to call when the operation completes
func (t *Tracker) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		t.Record(name, time.Since(start))
	}
}

// Record adds one duration sample for name.
func (t *Tracker) Record(name string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tracker, ok := t.operations[name]
	if !ok {
		tracker = &TimeTracker{name: name, minTime: d, maxTime: d}
		t.operations[name] = tracker
	}

	tracker.durations = append(tracker.durations, d)
	tracker.window += d
	if len(tracker.durations) > t.maxSamples {
		tracker.window -= tracker.durations[0]
		tracker.durations = tracker.durations[1:]
	}
	tracker.count++
	tracker.total += d
	if d < tracker.minTime {
		tracker.minTime = d
	}
	if d > tracker.maxTime {
		tracker.maxTime = d
	}
}

// Stats returns a snapshot of every operation, sorted by name.
func (t *Tracker) Stats() []OperationStats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]OperationStats, 0, len(t.operations))
	for _, tracker := range t.operations {
		out = append(out, tracker.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start emits a status report every ReportInterval until Stop.
// Calling Start twice has no effect.
func (t *Tracker) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.reportInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				t.report()
			}
		}
	}()
}

// Stop halts reporting and waits for the reporter to exit.
func (t *Tracker) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.cancel = nil
	t.mu.Unlock()

	if cancel != nil {
		cancel()
		t.wg.Wait()
	}
}

func (t *Tracker) report() {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	fields := []zap.Field{
		zap.Duration("uptime", time.Since(t.startTime)),
		zap.Int("goroutines", runtime.NumGoroutine()),
		zap.Uint64("heap_alloc", mem.HeapAlloc),
	}
	for _, s := range t.Stats() {
		fields = append(fields, zap.Duration(s.Name+".mean", s.Mean), zap.Int64(s.Name+".count", s.Count))
	}
	t.logger.Info("pipeline status", fields...)
}
