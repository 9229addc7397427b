package uio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the interrupt wait latency histogram buckets in
// nanoseconds. Buckets cover from 10us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 7

// Metrics tracks register and interrupt statistics for a uio device
type Metrics struct {
	// Register access counters
	RegisterReads      atomic.Uint64 // Successful register reads
	RegisterWrites     atomic.Uint64 // Successful register writes
	RegisterErrors     atomic.Uint64 // Rejected register accesses
	ReadbackMismatches atomic.Uint64 // Writes whose read-back differed

	// Interrupt counters
	Unmasks          atomic.Uint64 // Unmask tokens written
	UnmaskErrors     atomic.Uint64 // Failed unmask writes
	IRQDelivered     atomic.Uint64 // Waits that returned an interrupt
	IRQTimedOut      atomic.Uint64 // Waits that expired
	IRQErrors        atomic.Uint64 // Waits that failed
	IRQCanceled      atomic.Uint64 // Waits aborted by cancellation or close
	MissedInterrupts atomic.Uint64 // Interrupts skipped between two deliveries
	LastSequence     atomic.Uint32 // Event count of the latest delivery

	// Wait latency (delivered interrupts only)
	TotalWaitNs atomic.Uint64
	WaitCount   atomic.Uint64

	// Each bucket[i] counts deliveries with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Open timestamp (UnixNano)
	StopTime  atomic.Int64 // Close timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordRegisterRead records a register read
func (m *Metrics) RecordRegisterRead(success bool) {
	if success {
		m.RegisterReads.Add(1)
	} else {
		m.RegisterErrors.Add(1)
	}
}

// RecordRegisterWrite records a register write and its read-back
func (m *Metrics) RecordRegisterWrite(value, readback uint32, success bool) {
	if !success {
		m.RegisterErrors.Add(1)
		return
	}
	m.RegisterWrites.Add(1)
	if value != readback {
		m.ReadbackMismatches.Add(1)
	}
}

// RecordUnmask records an unmask token write
func (m *Metrics) RecordUnmask(success bool) {
	if success {
		m.Unmasks.Add(1)
	} else {
		m.UnmaskErrors.Add(1)
	}
}

// RecordIRQ records the outcome of one interrupt wait
func (m *Metrics) RecordIRQ(outcome Outcome, seq uint32, latencyNs uint64) {
	switch outcome {
	case Delivered:
		m.IRQDelivered.Add(1)
		m.LastSequence.Store(seq)
		m.recordLatency(latencyNs)
	case TimedOut:
		m.IRQTimedOut.Add(1)
	case Canceled:
		m.IRQCanceled.Add(1)
	default:
		m.IRQErrors.Add(1)
	}
}

// RecordMissed records interrupts skipped between two deliveries
func (m *Metrics) RecordMissed(n uint32) {
	m.MissedInterrupts.Add(uint64(n))
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalWaitNs.Add(latencyNs)
	m.WaitCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	RegisterReads      uint64
	RegisterWrites     uint64
	RegisterErrors     uint64
	ReadbackMismatches uint64

	Unmasks          uint64
	UnmaskErrors     uint64
	IRQDelivered     uint64
	IRQTimedOut      uint64
	IRQErrors        uint64
	IRQCanceled      uint64
	MissedInterrupts uint64
	LastSequence     uint32

	AvgWaitNs uint64
	UptimeNs  uint64

	// Wait latency percentiles (in nanoseconds)
	WaitP50Ns uint64
	WaitP99Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalWaits    uint64
	InterruptRate float64 // Deliveries per second of uptime
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		RegisterReads:      m.RegisterReads.Load(),
		RegisterWrites:     m.RegisterWrites.Load(),
		RegisterErrors:     m.RegisterErrors.Load(),
		ReadbackMismatches: m.ReadbackMismatches.Load(),
		Unmasks:            m.Unmasks.Load(),
		UnmaskErrors:       m.UnmaskErrors.Load(),
		IRQDelivered:       m.IRQDelivered.Load(),
		IRQTimedOut:        m.IRQTimedOut.Load(),
		IRQErrors:          m.IRQErrors.Load(),
		IRQCanceled:        m.IRQCanceled.Load(),
		MissedInterrupts:   m.MissedInterrupts.Load(),
		LastSequence:       m.LastSequence.Load(),
	}

	snap.TotalWaits = snap.IRQDelivered + snap.IRQTimedOut + snap.IRQErrors + snap.IRQCanceled

	waitCount := m.WaitCount.Load()
	if waitCount > 0 {
		snap.AvgWaitNs = m.TotalWaitNs.Load() / waitCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.InterruptRate = float64(snap.IRQDelivered) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if waitCount > 0 {
		snap.WaitP50Ns = m.calculatePercentile(0.50)
		snap.WaitP99Ns = m.calculatePercentile(0.99)
	}

	return snap
}

// calculatePercentile estimates the wait latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.WaitCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.RegisterReads.Store(0)
	m.RegisterWrites.Store(0)
	m.RegisterErrors.Store(0)
	m.ReadbackMismatches.Store(0)
	m.Unmasks.Store(0)
	m.UnmaskErrors.Store(0)
	m.IRQDelivered.Store(0)
	m.IRQTimedOut.Store(0)
	m.IRQErrors.Store(0)
	m.IRQCanceled.Store(0)
	m.MissedInterrupts.Store(0)
	m.LastSequence.Store(0)
	m.TotalWaitNs.Store(0)
	m.WaitCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveRegisterRead is called for each register read
	ObserveRegisterRead(offset uint32, success bool)

	// ObserveRegisterWrite is called for each register write with the read-back value
	ObserveRegisterWrite(offset, value, readback uint32, success bool)

	// ObserveUnmask is called for each unmask attempt
	ObserveUnmask(success bool)

	// ObserveIRQ is called when an interrupt wait completes
	ObserveIRQ(outcome Outcome, seq uint32, latencyNs uint64)

	// ObserveMissed is called when the event count skipped interrupts
	ObserveMissed(n uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveRegisterRead(uint32, bool)                  {}
func (NoOpObserver) ObserveRegisterWrite(uint32, uint32, uint32, bool) {}
func (NoOpObserver) ObserveUnmask(bool)                                {}
func (NoOpObserver) ObserveIRQ(Outcome, uint32, uint64)                {}
func (NoOpObserver) ObserveMissed(uint32)                              {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRegisterRead(offset uint32, success bool) {
	o.metrics.RecordRegisterRead(success)
}

func (o *MetricsObserver) ObserveRegisterWrite(offset, value, readback uint32, success bool) {
	o.metrics.RecordRegisterWrite(value, readback, success)
}

func (o *MetricsObserver) ObserveUnmask(success bool) {
	o.metrics.RecordUnmask(success)
}

func (o *MetricsObserver) ObserveIRQ(outcome Outcome, seq uint32, latencyNs uint64) {
	o.metrics.RecordIRQ(outcome, seq, latencyNs)
}

func (o *MetricsObserver) ObserveMissed(n uint32) {
	o.metrics.RecordMissed(n)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
