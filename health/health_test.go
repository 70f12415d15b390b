package health

import (
	"testing"
	"time"

	"github.com/n0remac/rtsp-vision/config"
)

func healthyMetrics() Metrics {
	return Metrics{
		FrameRate:        30,
		DropRate:         0,
		LatencyMS:        50,
		ErrorRate:        0,
		ConnectionStable: true,
		CPU:              10,
		MemoryMB:         20,
	}
}

func TestReportHealthyMetricsYieldsHealthy(t *testing.T) {
	m := New(config.DefaultHealthConfig())
	got := m.Report(1, healthyMetrics())
	if got != Healthy {
		t.Fatalf("Report(healthy metrics) = %v, want Healthy", got)
	}
	if m.Overall(1) != Healthy {
		t.Fatalf("Overall() = %v, want Healthy", m.Overall(1))
	}
}

func TestReportLowFrameRateIsCritical(t *testing.T) {
	m := New(config.DefaultHealthConfig())
	metrics := healthyMetrics()
	metrics.FrameRate = 1 // well under MinFPS*0.5
	got := m.Report(1, metrics)
	if got != Critical {
		t.Fatalf("Report(near-zero fps) = %v, want Critical", got)
	}
}

func TestConsecutiveCriticalFailuresForceFailed(t *testing.T) {
	cfg := config.DefaultHealthConfig()
	cfg.MaxConsecutiveFailure = 2
	m := New(cfg)
	bad := healthyMetrics()
	bad.ConnectionStable = false // classifies as Critical every report

	m.Report(1, bad)
	got := m.Report(1, bad)
	if got != Failed {
		t.Fatalf("Report() after %d consecutive Critical reports = %v, want Failed", cfg.MaxConsecutiveFailure, got)
	}
}

func TestConnectionInstabilityAnomalyAfterManyReconnects(t *testing.T) {
	m := New(config.DefaultHealthConfig())
	m.Report(1, healthyMetrics())
	for i := 0; i < 6; i++ {
		m.RecordReconnect(1)
	}
	anomalies := m.CheckAnomalies(1)
	found := false
	for _, a := range anomalies {
		if a.Name == "connection_instability" {
			found = true
		}
	}
	if !found {
		t.Fatalf("CheckAnomalies() = %+v, want connection_instability present", anomalies)
	}
}

func TestAlertsDedupedByMetric(t *testing.T) {
	m := New(config.DefaultHealthConfig())
	bad := healthyMetrics()
	bad.DropRate = 1 // well above MaxDropRate*2 -> Critical, sets an alert

	m.Report(1, bad)
	m.Report(1, bad)
	alerts := m.Alerts(1)
	count := 0
	for _, a := range alerts {
		if a.Metric == "drop_rate" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("drop_rate alert count = %d, want exactly 1 (deduped by metric)", count)
	}
}

func TestReportStaleGapSinceLastUpdateForcesFailed(t *testing.T) {
	cfg := config.DefaultHealthConfig()
	cfg.CriticalThreshold = 50 * time.Millisecond
	m := New(cfg)

	m.Report(1, healthyMetrics())

	// Back-date the channel's lastUpdate to simulate a gap between reports
	// (e.g. the monitor loop stalled) rather than sleeping the test.
	m.mu.Lock()
	m.channels[1].lastUpdate = time.Now().Add(-2 * cfg.CriticalThreshold)
	m.mu.Unlock()

	got := m.Report(1, healthyMetrics())
	if got != Failed {
		t.Fatalf("Report() after a stale gap since the last update = %v, want Failed", got)
	}
}

func TestReportFirstCallNeverTriggersStaleOverride(t *testing.T) {
	cfg := config.DefaultHealthConfig()
	cfg.CriticalThreshold = 0 // would trip on any nonzero gap if not guarded
	m := New(cfg)

	got := m.Report(1, healthyMetrics())
	if got != Healthy {
		t.Fatalf("Report() on first call = %v, want Healthy (no prior lastUpdate to measure a gap against)", got)
	}
}

func TestSystemStatusRollsUpByMajority(t *testing.T) {
	m := New(config.DefaultHealthConfig())
	if m.SystemStatus() != Healthy {
		t.Fatalf("SystemStatus() with no channels = %v, want Healthy", m.SystemStatus())
	}

	bad := healthyMetrics()
	bad.ConnectionStable = false
	// Report one Critical sample on 2 of 3 channels — below the
	// consecutive-failure limit, so they stay Critical rather than Failed and
	// the Failed>50% rule cannot fire — then verify the Critical>30% rollup.
	m.Report(1, bad)
	m.Report(2, bad)
	m.Report(3, healthyMetrics())

	got := m.SystemStatus()
	if got != Critical {
		t.Fatalf("SystemStatus() = %v, want Critical (2/3 channels Critical)", got)
	}
}
