package mcp

import (
	"fmt"
	"math"
	"runtime"
	"sort"
	"sync"
	"time"
)

// DefaultSlowCallThreshold flags tool calls slower than this.
const DefaultSlowCallThreshold = 100 * time.Millisecond

// Metrics aggregates per-tool call statistics for one server.
type Metrics struct {
	mu sync.RWMutex

	counts     map[string]int64
	errors     map[string]int64
	latency    map[string][]time.Duration
	maxSamples int

	slowThreshold time.Duration
	slowCounts    map[string]int64

	startTime time.Time
}

// NewMetrics builds an empty collector.
func NewMetrics() *Metrics {
	return &Metrics{
		counts:        make(map[string]int64),
		errors:        make(map[string]int64),
		latency:       make(map[string][]time.Duration),
		maxSamples:    1000,
		slowThreshold: DefaultSlowCallThreshold,
		slowCounts:    make(map[string]int64),
		startTime:     time.Now(),
	}
}

// SetSlowCallThreshold changes the slow-call cutoff. Zero disables
// slow-call counting.
func (m *Metrics) SetSlowCallThreshold(threshold time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowThreshold = threshold
}

// RecordCall records one tool call, successful or not.
func (m *Metrics) RecordCall(tool string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counts[tool]++

	samples := m.latency[tool]
	if len(samples) >= m.maxSamples {
		samples = samples[1:]
	}
	m.latency[tool] = append(samples, latency)

	if m.slowThreshold > 0 && latency >= m.slowThreshold {
		m.slowCounts[tool]++
	}
}

// RecordError records a failed tool call.
func (m *Metrics) RecordError(tool string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[tool]++
}

// Snapshot is a point-in-time view of all collected metrics.
type Snapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	UptimeSeconds   float64       `json:"uptimeSeconds"`
	Tools           []ToolMetrics `json:"tools"`
	TotalCalls      int64         `json:"totalCalls"`
	TotalSlowCalls  int64         `json:"totalSlowCalls"`
	SlowThresholdMS float64       `json:"slowThresholdMs"`
	MemoryAllocMB   uint64        `json:"memoryAllocMb"`
	GoroutineCount  int           `json:"goroutineCount"`
}

// ToolMetrics holds the counters for a single tool.
type ToolMetrics struct {
	Tool         string       `json:"tool"`
	TotalCount   int64        `json:"totalCount"`
	SuccessCount int64        `json:"successCount"`
	ErrorCount   int64        `json:"errorCount"`
	SlowCount    int64        `json:"slowCount,omitempty"`
	Latency      LatencyStats `json:"latency"`
}

// LatencyStats holds latency percentiles in milliseconds.
type LatencyStats struct {
	MinMS float64 `json:"minMs"`
	P50MS float64 `json:"p50Ms"`
	P95MS float64 `json:"p95Ms"`
	P99MS float64 `json:"p99Ms"`
	MaxMS float64 `json:"maxMs"`
	AvgMS float64 `json:"avgMs"`
}

// Take returns a snapshot, most-called tools first.
func (m *Metrics) Take() Snapshot {
	m.mu.RLock()

	toolSet := make(map[string]struct{})
	for tool := range m.counts {
		toolSet[tool] = struct{}{}
	}
	for tool := range m.errors {
		toolSet[tool] = struct{}{}
	}

	countsCopy := make(map[string]int64, len(toolSet))
	errorsCopy := make(map[string]int64, len(toolSet))
	latCopy := make(map[string][]time.Duration, len(toolSet))
	slowCopy := make(map[string]int64, len(m.slowCounts))
	for tool := range toolSet {
		countsCopy[tool] = m.counts[tool]
		errorsCopy[tool] = m.errors[tool]
		if samples := m.latency[tool]; len(samples) > 0 {
			latCopy[tool] = append([]time.Duration(nil), samples...)
		}
	}
	for tool, n := range m.slowCounts {
		slowCopy[tool] = n
	}
	threshold := m.slowThreshold

	m.mu.RUnlock()

	uptime := math.Ceil(time.Since(m.startTime).Seconds())
	if uptime == 0 {
		uptime = 1
	}

	tools := make([]ToolMetrics, 0, len(toolSet))
	var totalCalls, totalSlow int64
	for tool := range toolSet {
		count := countsCopy[tool]
		errs := errorsCopy[tool]
		success := count - errs
		if success < 0 {
			success = 0
		}
		totalCalls += count
		totalSlow += slowCopy[tool]

		tm := ToolMetrics{
			Tool:         tool,
			TotalCount:   count,
			SuccessCount: success,
			ErrorCount:   errs,
			SlowCount:    slowCopy[tool],
		}
		if samples := latCopy[tool]; len(samples) > 0 {
			tm.Latency = latencyStats(samples)
		}
		tools = append(tools, tm)
	}
	sort.Slice(tools, func(i, j int) bool {
		if tools[i].TotalCount != tools[j].TotalCount {
			return tools[i].TotalCount > tools[j].TotalCount
		}
		return tools[i].Tool < tools[j].Tool
	})

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return Snapshot{
		Timestamp:       time.Now(),
		UptimeSeconds:   uptime,
		Tools:           tools,
		TotalCalls:      totalCalls,
		TotalSlowCalls:  totalSlow,
		SlowThresholdMS: float64(threshold) / float64(time.Millisecond),
		MemoryAllocMB:   mem.Alloc / 1024 / 1024,
		GoroutineCount:  runtime.NumGoroutine(),
	}
}

// Summary returns a one-line digest suitable for periodic logging.
func (m *Metrics) Summary() string {
	snap := m.Take()

	var latencySum float64
	var sampled int
	for _, tm := range snap.Tools {
		if tm.Latency.AvgMS > 0 {
			latencySum += tm.Latency.AvgMS
			sampled++
		}
	}
	avgLatency := float64(0)
	if sampled > 0 {
		avgLatency = latencySum / float64(sampled)
	}
	rate := float64(0)
	if snap.UptimeSeconds > 0 {
		rate = float64(snap.TotalCalls) / snap.UptimeSeconds
	}

	return fmt.Sprintf("calls=%d rate=%.2f/s avg_latency=%.2fms slow=%d mem=%dMB goroutines=%d",
		snap.TotalCalls, rate, avgLatency, snap.TotalSlowCalls, snap.MemoryAllocMB, snap.GoroutineCount)
}

// latencyStats computes percentiles from raw samples.
func latencyStats(samples []time.Duration) LatencyStats {
	sorted := make([]time.Duration, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	n := len(sorted)
	p50 := min(n-1, n*50/100)
	p95 := min(n-1, n*95/100)
	p99 := min(n-1, n*99/100)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	avg := sum / time.Duration(n)

	toMS := func(d time.Duration) float64 {
		return float64(d) / float64(time.Millisecond)
	}
	return LatencyStats{
		MinMS: toMS(sorted[0]),
		P50MS: toMS(sorted[p50]),
		P95MS: toMS(sorted[p95]),
		P99MS: toMS(sorted[p99]),
		MaxMS: toMS(sorted[n-1]),
		AvgMS: toMS(avg),
	}
}
