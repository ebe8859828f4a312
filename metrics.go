package dnvme

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the send latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks command channel statistics for one device
type Metrics struct {
	// Submission counters
	AdminCommands atomic.Uint64 // Commands sent on the admin SQ
	IOCommands    atomic.Uint64 // Commands sent on I/O SQs
	AdminBytes    atomic.Uint64 // Data bytes attached to admin commands
	IOBytes       atomic.Uint64 // Data bytes attached to I/O commands

	// Error counters
	SendErrors    atomic.Uint64 // Send (or doorbell) failures
	PrepareErrors atomic.Uint64 // Queue prepare failures
	ReapErrors    atomic.Uint64 // Inquire or reap failures

	// Completion path
	InquireCalls  atomic.Uint64
	ReapCalls     atomic.Uint64
	EntriesReaped atomic.Uint64

	// Queue lifecycle
	QueuesCreated atomic.Uint64
	QueuesDeleted atomic.Uint64

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative send latency in nanoseconds
	OpCount        atomic.Uint64 // Sends measured (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of sends with latency <= LatencyBuckets[i]
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

// RecordSubmit records one send on the admin or an I/O queue
func (m *Metrics) RecordSubmit(admin bool, bytes uint64, latencyNs uint64, success bool) {
	if admin {
		m.AdminCommands.Add(1)
	} else {
		m.IOCommands.Add(1)
	}
	if !success {
		m.SendErrors.Add(1)
	} else if admin {
		m.AdminBytes.Add(bytes)
	} else {
		m.IOBytes.Add(bytes)
	}
	m.recordLatency(latencyNs)
}

// RecordPrepare records a queue prepare
func (m *Metrics) RecordPrepare(success bool) {
	if !success {
		m.PrepareErrors.Add(1)
	}
}

// RecordQueue records a queue create (created=true) or delete
func (m *Metrics) RecordQueue(created bool) {
	if created {
		m.QueuesCreated.Add(1)
	} else {
		m.QueuesDeleted.Add(1)
	}
}

// RecordInquire records a reap inquiry
func (m *Metrics) RecordInquire(success bool) {
	m.InquireCalls.Add(1)
	if !success {
		m.ReapErrors.Add(1)
	}
}

// RecordReap records a reap and the number of entries it returned
func (m *Metrics) RecordReap(entries uint32, success bool) {
	m.ReapCalls.Add(1)
	if success {
		m.EntriesReaped.Add(uint64(entries))
	} else {
		m.ReapErrors.Add(1)
	}
}

// recordLatency records send latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

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
	AdminCommands uint64
	IOCommands    uint64
	AdminBytes    uint64
	IOBytes       uint64

	SendErrors    uint64
	PrepareErrors uint64
	ReapErrors    uint64

	InquireCalls  uint64
	ReapCalls     uint64
	EntriesReaped uint64

	QueuesCreated uint64
	QueuesDeleted uint64

	// Performance
	AvgLatencyNs uint64
	UptimeNs     uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalCommands uint64
	CommandRate   float64 // Commands per second
	ErrorRate     float64 // Percentage of failed sends
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		AdminCommands: m.AdminCommands.Load(),
		IOCommands:    m.IOCommands.Load(),
		AdminBytes:    m.AdminBytes.Load(),
		IOBytes:       m.IOBytes.Load(),
		SendErrors:    m.SendErrors.Load(),
		PrepareErrors: m.PrepareErrors.Load(),
		ReapErrors:    m.ReapErrors.Load(),
		InquireCalls:  m.InquireCalls.Load(),
		ReapCalls:     m.ReapCalls.Load(),
		EntriesReaped: m.EntriesReaped.Load(),
		QueuesCreated: m.QueuesCreated.Load(),
		QueuesDeleted: m.QueuesDeleted.Load(),
	}
	snap.TotalCommands = snap.AdminCommands + snap.IOCommands

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.CommandRate = float64(snap.TotalCommands) / (float64(snap.UptimeNs) / 1e9)
	}
	if snap.TotalCommands > 0 {
		snap.ErrorRate = float64(snap.SendErrors) / float64(snap.TotalCommands) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

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
	for _, c := range []*atomic.Uint64{
		&m.AdminCommands, &m.IOCommands, &m.AdminBytes, &m.IOBytes,
		&m.SendErrors, &m.PrepareErrors, &m.ReapErrors,
		&m.InquireCalls, &m.ReapCalls, &m.EntriesReaped,
		&m.QueuesCreated, &m.QueuesDeleted,
		&m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveSubmit is called for each command handed to the transport
	ObserveSubmit(admin bool, bytes uint64, latencyNs uint64, success bool)

	// ObservePrepare is called for each I/O queue prepare
	ObservePrepare(success bool)

	// ObserveQueue is called when an I/O queue is created or deleted
	ObserveQueue(created bool)

	// ObserveInquire is called for each reap inquiry
	ObserveInquire(success bool)

	// ObserveReap is called for each reap with the entries returned
	ObserveReap(entries uint32, success bool)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(bool, uint64, uint64, bool) {}
func (NoOpObserver) ObservePrepare(bool)                      {}
func (NoOpObserver) ObserveQueue(bool)                        {}
func (NoOpObserver) ObserveInquire(bool)                      {}
func (NoOpObserver) ObserveReap(uint32, bool)                 {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(admin bool, bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordSubmit(admin, bytes, latencyNs, success)
}

func (o *MetricsObserver) ObservePrepare(success bool) {
	o.metrics.RecordPrepare(success)
}

func (o *MetricsObserver) ObserveQueue(created bool) {
	o.metrics.RecordQueue(created)
}

func (o *MetricsObserver) ObserveInquire(success bool) {
	o.metrics.RecordInquire(success)
}

func (o *MetricsObserver) ObserveReap(entries uint32, success bool) {
	o.metrics.RecordReap(entries, success)
}

// Compile-time interface check
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
