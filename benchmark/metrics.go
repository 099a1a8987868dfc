package benchmark

import (
	"runtime"
	"time"
)

// PerformanceMetrics captures detailed performance data
type PerformanceMetrics struct {
	Scenario      Scenario      `json:"scenario"`
	Timestamp     time.Time     `json:"timestamp"`
	TotalDuration time.Duration `json:"total_duration"`
	// DecodeDuration covers image decoding and resizing to the scenario
	// resolution, summed over all iterations.
	DecodeDuration time.Duration `json:"decode_duration"`
	// InferenceDuration covers the engine calls, summed over all iterations.
	InferenceDuration time.Duration `json:"inference_duration"`
	// Stages holds the mean time of each detector stage.
	Stages          map[string]time.Duration `json:"stages"`
	FramesPerSecond float64                  `json:"frames_per_second"`
	MemoryStats     MemoryMetrics            `json:"memory_stats"`
	CPUStats        CPUMetrics               `json:"cpu_stats"`
	DetectionCount  int                      `json:"detection_count"`
	ErrorRate       float64                  `json:"error_rate"`
}

// MemoryMetrics captures memory usage statistics. Totals and GC counts are
// deltas over the run, the rest are end-of-run readings.
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	NumCPU     int `json:"num_cpu"`
	GOMAXPROCS int `json:"gomaxprocs"`
}

// memoryDelta collects garbage and reads memory statistics relative to start.
func memoryDelta(start *runtime.MemStats) MemoryMetrics {
	var end runtime.MemStats
	runtime.GC()
	runtime.ReadMemStats(&end)
	return MemoryMetrics{
		AllocBytes:      end.Alloc,
		TotalAllocBytes: end.TotalAlloc - start.TotalAlloc,
		SysBytes:        end.Sys,
		NumGC:           end.NumGC - start.NumGC,
		HeapAllocBytes:  end.HeapAlloc,
		HeapSysBytes:    end.HeapSys,
	}
}

func currentCPU() CPUMetrics {
	return CPUMetrics{NumCPU: runtime.NumCPU(), GOMAXPROCS: runtime.GOMAXPROCS(0)}
}
