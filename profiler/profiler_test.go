package profiler

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTrackerRecords(t *testing.T) {
	tr := New(Options{MaxSamples: 2})
	tr.Record("decode", 10*time.Millisecond)
	tr.Record("decode", 30*time.Millisecond)
	tr.Record("decode", 50*time.Millisecond)
	tr.Record("fuse", time.Millisecond)

	stats := tr.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "decode", stats[0].Name)
	assert.Equal(t, int64(3), stats[0].Count)
	assert.Equal(t, 90*time.Millisecond, stats[0].Total)
	assert.Equal(t, 10*time.Millisecond, stats[0].Min)
	assert.Equal(t, 50*time.Millisecond, stats[0].Max)
	assert.Equal(t, 40*time.Millisecond, stats[0].Mean, "mean over the last two samples")
}

func TestStartOperationConcurrent(t *testing.T) {
	tr := New(Options{})
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			done := tr.StartOperation("heads")
			done()
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(16), tr.Stats()[0].Count)
}

func TestTrackerReports(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	tr := New(Options{ReportInterval: 5 * time.Millisecond, Logger: zap.New(core)})
	tr.Record("fuse", time.Millisecond)

	tr.Start()
	tr.Start()
	require.Eventually(t, func() bool { return logs.FilterMessage("pipeline status").Len() > 0 },
		time.Second, 5*time.Millisecond)
	tr.Stop()
	tr.Stop()
}
