// Package resources holds the engine's dormant throughput-sampling
// infrastructure: a per-host ring of recent speed samples, fed by the engine
// on every SPEED event. Its only reader is HostPool.AdjustMaxThreadCount,
// which calls ShouldScaleUp/ShouldScaleDown and discards the results, so the
// samples never change a host's cap (SPEC_FULL.md §4.2/§9/§10.3).
package resources

import (
	"sync"
	"time"
)

const (
	maxThroughputSamples      = 20
	minScaleUpThroughputMBps  = 5.0
	maxScaleUpVarianceMBps    = 2.0
	scaleDownThresholdPercent = 0.6
)

// Sample is a single instantaneous-throughput measurement for a host.
type Sample struct {
	Timestamp   time.Time
	BytesPerSec float64
}

// ThroughputMonitor tracks recent throughput per datanode. It is safe for
// concurrent use from multiple TransferWorkers sharing a host.
type ThroughputMonitor struct {
	mu      sync.Mutex
	samples map[string][]Sample
}

// NewThroughputMonitor constructs an empty monitor.
func NewThroughputMonitor() *ThroughputMonitor {
	return &ThroughputMonitor{samples: make(map[string][]Sample)}
}

// Record appends a throughput sample for datanode, retaining only the most
// recent maxThroughputSamples.
func (tm *ThroughputMonitor) Record(datanode string, bytesPerSecond float64) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := append(tm.samples[datanode], Sample{Timestamp: time.Now(), BytesPerSec: bytesPerSecond})
	if len(samples) > maxThroughputSamples {
		samples = samples[len(samples)-maxThroughputSamples:]
	}
	tm.samples[datanode] = samples
}

// ShouldScaleUp reports whether a host's recent throughput is high and
// stable enough that a future adaptive HostPool could justify raising its
// cap. Called by HostPool.AdjustMaxThreadCount, which ignores the result
// (§4.2 no-op hook).
func (tm *ThroughputMonitor) ShouldScaleUp(datanode string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := tm.samples[datanode]
	if len(samples) < 3 {
		return false
	}

	avg := average(samples)
	variance := varianceOf(samples, avg)

	avgMBps := avg / (1024 * 1024)
	varianceMBps := variance / (1024 * 1024)

	return avgMBps > minScaleUpThroughputMBps && varianceMBps < maxScaleUpVarianceMBps
}

// ShouldScaleDown reports whether recent throughput has dropped enough
// relative to the prior window to justify lowering a host's cap.
func (tm *ThroughputMonitor) ShouldScaleDown(datanode string) bool {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	samples := tm.samples[datanode]
	if len(samples) < 6 {
		return false
	}

	recent := samples[len(samples)-3:]
	older := samples[len(samples)-6 : len(samples)-3]

	recentAvg := average(recent)
	olderAvg := average(older)

	return recentAvg < olderAvg*scaleDownThresholdPercent
}

// Cleanup discards samples for a host. The engine never tears a HostPool
// down mid-run and does not call it.
func (tm *ThroughputMonitor) Cleanup(datanode string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	delete(tm.samples, datanode)
}

func average(samples []Sample) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += s.BytesPerSec
	}
	return sum / float64(len(samples))
}

func varianceOf(samples []Sample, avg float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sumSquares float64
	for _, s := range samples {
		diff := s.BytesPerSec - avg
		sumSquares += diff * diff
	}
	return sumSquares / float64(len(samples))
}
