// Package health implements the health monitor (spec.md §4.10 — component
// C10): per-channel metric table with Warning/Critical thresholds, anomaly
// patterns, failure-override rules, system-wide rollup, and alert dedup.
// Grounded on other_examples/tphakala-birdnet-go's RTSPHealthWatchdog
// (per-stream consecutive-timeout tracking under a ticking monitor loop),
// generalized from a single audio-stream watchdog to the full per-channel
// metric table spec.md specifies.
package health

import (
	"sync"
	"time"

	"github.com/n0remac/rtsp-vision/config"
)

// Status is a metric or overall health classification.
type Status int

const (
	Healthy Status = iota
	Warning
	Critical
	Failed
	Unknown
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Warning:
		return "warning"
	case Critical:
		return "critical"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

func worse(a, b Status) Status {
	if a > b {
		return a
	}
	return b
}

// Metrics holds the raw per-channel values the rest of the engine reports
// into the health monitor (spec.md §3 "HealthData").
type Metrics struct {
	FrameRate          float32
	DropRate           float32
	LatencyMS          float32
	Bandwidth          float32
	ErrorRate          float32
	ConnectionStable   bool
	CPU                float32
	MemoryMB           float32
}

// Alert is one active (channel, metric) alert, deduped by that pair
// (spec.md §4.10 "alert dedup is keyed by (channel, metric)").
type Alert struct {
	Metric string
	Status Status
	At     time.Time
}

type channelHealth struct {
	metrics             Metrics
	metricStatus        map[string]Status
	overall             Status
	consecutiveFailures int
	lastUpdate          time.Time
	lastHealthy         time.Time
	alerts              map[string]Alert

	fpsHistory     []float32
	latencyHistory []float32
	reconnectCount int
	memoryHistory  []float32
}

// Monitor tracks per-channel health and produces system-wide rollups.
type Monitor struct {
	cfg config.HealthConfig

	mu       sync.Mutex
	channels map[int]*channelHealth
}

// New constructs a Monitor using cfg's thresholds.
func New(cfg config.HealthConfig) *Monitor {
	return &Monitor{cfg: cfg, channels: make(map[int]*channelHealth)}
}

func (m *Monitor) channel(id int) *channelHealth {
	ch, ok := m.channels[id]
	if !ok {
		ch = &channelHealth{metricStatus: make(map[string]Status), alerts: make(map[string]Alert)}
		m.channels[id] = ch
	}
	return ch
}

// Report records a metrics sample for channelID and recomputes its status
// (spec.md §4.10's metric table + failure-override rules).
func (m *Monitor) Report(channelID int, metrics Metrics) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := m.channel(channelID)

	// Staleness must be measured against the gap since the PREVIOUS report,
	// not this one — lastUpdate is about to be refreshed below, so capture
	// the gap first or the no-update-to-Failed rule (spec.md §4.10) can
	// never fire.
	var sinceLastUpdate time.Duration
	if !ch.lastUpdate.IsZero() {
		sinceLastUpdate = time.Since(ch.lastUpdate)
	}
	ch.metrics = metrics
	ch.lastUpdate = time.Now()

	ch.fpsHistory = appendBounded(ch.fpsHistory, metrics.FrameRate, 30)
	ch.latencyHistory = appendBounded(ch.latencyHistory, metrics.LatencyMS, 30)
	ch.memoryHistory = appendBounded(ch.memoryHistory, metrics.MemoryMB, 30)

	overall := m.classifyLocked(ch, sinceLastUpdate)

	if overall == Healthy {
		ch.lastHealthy = ch.lastUpdate
		ch.consecutiveFailures = 0
	} else if overall >= Critical {
		ch.consecutiveFailures++
	}

	if ch.consecutiveFailures >= m.cfg.MaxConsecutiveFailure {
		overall = Failed
	}
	ch.overall = overall
	return overall
}

func appendBounded(hist []float32, v float32, cap int) []float32 {
	hist = append(hist, v)
	if len(hist) > cap {
		hist = hist[len(hist)-cap:]
	}
	return hist
}

// classifyLocked recomputes ch's per-metric statuses and overall status.
// sinceLastUpdate is the gap since the prior Report call on this channel
// (zero on the channel's first report), used for the no-update-to-Failed
// override below.
func (m *Monitor) classifyLocked(ch *channelHealth, sinceLastUpdate time.Duration) Status {
	met := ch.metrics
	set := func(name string, s Status) {
		ch.metricStatus[name] = s
		if s >= Warning {
			ch.alerts[name] = Alert{Metric: name, Status: s, At: time.Now()}
		} else {
			delete(ch.alerts, name)
		}
	}

	overall := Healthy

	fps := classifyLowerBound(met.FrameRate, m.cfg.MinFPS, m.cfg.MinFPS*0.5)
	set("frame_rate", fps)
	overall = worse(overall, fps)

	drop := classifyUpperBound(met.DropRate, m.cfg.MaxDropRate, m.cfg.MaxDropRate*2)
	set("drop_rate", drop)
	overall = worse(overall, drop)

	lat := classifyUpperBound(met.LatencyMS, m.cfg.MaxLatencyMS, m.cfg.MaxLatencyMS*2)
	set("latency", lat)
	overall = worse(overall, lat)

	errRate := classifyUpperBound(met.ErrorRate, m.cfg.MaxErrorRate, m.cfg.MaxErrorRate*2)
	set("error_rate", errRate)
	overall = worse(overall, errRate)

	conn := Healthy
	if !met.ConnectionStable {
		conn = Critical
	}
	set("connection", conn)
	overall = worse(overall, conn)

	cpu := Healthy
	if met.CPU > 80 {
		cpu = Warning
	}
	set("cpu", cpu)
	overall = worse(overall, cpu)

	mem := Healthy
	if met.MemoryMB > 100 {
		mem = Warning
	}
	set("memory", mem)
	overall = worse(overall, mem)

	if sinceLastUpdate > m.cfg.CriticalThreshold {
		overall = Failed
	}

	return overall
}

func classifyLowerBound(v, warnThresh, critThresh float32) Status {
	if v < critThresh {
		return Critical
	}
	if v < warnThresh {
		return Warning
	}
	return Healthy
}

func classifyUpperBound(v, warnThresh, critThresh float32) Status {
	if v > critThresh {
		return Critical
	}
	if v > warnThresh {
		return Warning
	}
	return Healthy
}

// RecordReconnect increments the channel's reconnect counter, feeding the
// connection-instability anomaly pattern.
func (m *Monitor) RecordReconnect(channelID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channel(channelID).reconnectCount++
}

// Anomaly names one triggered anomaly pattern (spec.md §4.10).
type Anomaly struct {
	Name   string
	Status Status
}

// CheckAnomalies runs the four anomaly patterns against channelID's recent
// history (spec.md §4.10).
func (m *Monitor) CheckAnomalies(channelID int) []Anomaly {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	var out []Anomaly

	if peak, min, avg, ok := minMaxAvg(ch.fpsHistory); ok && avg > 0 {
		if (peak-min)/avg > 0.5 {
			out = append(out, Anomaly{Name: "frame_rate_fluctuation", Status: Warning})
		}
	}
	if peak, _, avg, ok := minMaxAvg(ch.latencyHistory); ok && avg > 0 {
		if peak > 3*avg {
			out = append(out, Anomaly{Name: "latency_spike", Status: Critical})
		}
	}
	if ch.reconnectCount > 5 {
		out = append(out, Anomaly{Name: "connection_instability", Status: Critical})
	}
	if trendingUp(ch.memoryHistory) {
		out = append(out, Anomaly{Name: "memory_trend", Status: Warning})
	}
	return out
}

func minMaxAvg(vals []float32) (peak, min, avg float32, ok bool) {
	if len(vals) == 0 {
		return 0, 0, 0, false
	}
	peak, min = vals[0], vals[0]
	var sum float32
	for _, v := range vals {
		if v > peak {
			peak = v
		}
		if v < min {
			min = v
		}
		sum += v
	}
	return peak, min, sum / float32(len(vals)), true
}

// trendingUp reports whether the second half of the history averages
// meaningfully higher than the first half — a simple trend detector for
// the memory-usage anomaly (spec.md §4.10's "Memory-usage trend over
// threshold").
func trendingUp(vals []float32) bool {
	if len(vals) < 6 {
		return false
	}
	mid := len(vals) / 2
	_, _, firstAvg, _ := minMaxAvg(vals[:mid])
	_, _, secondAvg, _ := minMaxAvg(vals[mid:])
	return secondAvg > firstAvg*1.2
}

// Overall returns channelID's current overall status.
func (m *Monitor) Overall(channelID int) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return Unknown
	}
	return ch.overall
}

// Alerts returns a copy of channelID's active alerts.
func (m *Monitor) Alerts(channelID int) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelID]
	if !ok {
		return nil
	}
	out := make([]Alert, 0, len(ch.alerts))
	for _, a := range ch.alerts {
		out = append(out, a)
	}
	return out
}

// SystemStatus rolls channel statuses up per spec.md §4.10: Failed if
// >50% of channels are Failed; Critical if >30% are Critical; Warning if
// >50% are Warning; else Healthy.
func (m *Monitor) SystemStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.channels) == 0 {
		return Healthy
	}
	var failed, critical, warning int
	for _, ch := range m.channels {
		switch ch.overall {
		case Failed:
			failed++
		case Critical:
			critical++
		case Warning:
			warning++
		}
	}
	n := float64(len(m.channels))
	if float64(failed)/n > 0.5 {
		return Failed
	}
	if float64(critical)/n > 0.3 {
		return Critical
	}
	if float64(warning)/n > 0.5 {
		return Warning
	}
	return Healthy
}
