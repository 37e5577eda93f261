package loopmon

import (
	"sync"
	"time"
)

// Metric names recorded by the built-in instrumentation
const (
	CallbackDuration      = "callback_duration"
	UnhandledExceptions   = "unhandled_exceptions"
	Requests              = "requests"
	ExcessCallbackLatency = "ioloop_excess_callback_latency"
	LoopHandlers          = "ioloop_handlers"
	LoopPendingCallbacks  = "ioloop_pending_callbacks"
)

// Recorder is the write side of the aggregator handed to collectors and
// instrumentation.
type Recorder interface {
	Count(name string, delta int64)
	KV(name string, value float64)
}

// Summary accumulates observations between two snapshots
type Summary struct {
	Sum   float64
	Count int64
}

// Avg returns Sum/Count, or zero for an empty summary
func (s Summary) Avg() float64 {
	if s.Count == 0 {
		return 0
	}
	return s.Sum / float64(s.Count)
}

// MetricSet is the ephemeral state cleared by every snapshot
type MetricSet struct {
	Counters  map[string]int64
	Summaries map[string]Summary
	MaxGauges map[string]float64
}

func newMetricSet() MetricSet {
	return MetricSet{
		Counters:  make(map[string]int64),
		Summaries: make(map[string]Summary),
		MaxGauges: make(map[string]float64),
	}
}

// Snapshot is an immutable read of the aggregator plus process resources
type Snapshot struct {
	Timestamp     time.Time          `json:"-"`
	Process       ProcessStats       `json:"process"`
	Counters      map[string]int64   `json:"counters"`
	MaxGauges     map[string]float64 `json:"max_gauges"`
	AvgGauges     map[string]float64 `json:"avg_gauges"`
	SummaryCounts map[string]int64   `json:"summary_counts"`
}

// ProcessStats are resource metrics captured at snapshot time
type ProcessStats struct {
	MemInfo MemInfo  `json:"mem_info"`
	CPU     CPUTimes `json:"cpu"`
	NumFDs  int      `json:"num_fds"`
}

// MemInfo holds process memory usage in bytes
type MemInfo struct {
	RSSBytes uint64 `json:"rss_bytes"`
	VSZBytes uint64 `json:"vsz_bytes"`
}

// CPUTimes holds cumulative CPU time in seconds
type CPUTimes struct {
	UserTime   float64 `json:"user_time"`
	SystemTime float64 `json:"system_time"`
}

// Aggregator holds counters, summaries and max gauges until the next snapshot
type Aggregator struct {
	mutex sync.Mutex
	set   MetricSet

	readProcess func() ProcessStats
}

// NewAggregator creates an empty aggregator
func NewAggregator() *Aggregator {
	return &Aggregator{
		set:         newMetricSet(),
		readProcess: ReadProcessStats,
	}
}

// Count adds delta to a counter
func (a *Aggregator) Count(name string, delta int64) {
	a.mutex.Lock()
	a.set.Counters[name] += delta
	a.mutex.Unlock()
}

// KV records one observation into the named summary and max gauge
func (a *Aggregator) KV(name string, value float64) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	s := a.set.Summaries[name]
	s.Sum += value
	s.Count++
	a.set.Summaries[name] = s

	if current, exists := a.set.MaxGauges[name]; !exists || value > current {
		a.set.MaxGauges[name] = value
	}
}

// Counter returns a counter's value without resetting it
func (a *Aggregator) Counter(name string) int64 {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.set.Counters[name]
}

// Summary returns a summary without resetting it
func (a *Aggregator) Summary(name string) (Summary, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	s, ok := a.set.Summaries[name]
	return s, ok
}

// Snapshot returns the current values and clears them. It is not idempotent:
// a second call with no activity in between returns empty maps.
func (a *Aggregator) Snapshot() Snapshot {
	process := a.readProcess()

	a.mutex.Lock()
	set := a.set
	a.set = newMetricSet()
	a.mutex.Unlock()

	snapshot := Snapshot{
		Timestamp:     time.Now(),
		Process:       process,
		Counters:      set.Counters,
		MaxGauges:     set.MaxGauges,
		AvgGauges:     make(map[string]float64, len(set.Summaries)),
		SummaryCounts: make(map[string]int64, len(set.Summaries)),
	}
	for name, s := range set.Summaries {
		snapshot.AvgGauges[name] = s.Avg()
		snapshot.SummaryCounts[name] = s.Count
	}
	return snapshot
}
