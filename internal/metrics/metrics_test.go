package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

type fakeEngine struct{}

func (fakeEngine) PlayerCount() int            { return 3 }
func (fakeEngine) FramesSentTotal() uint64     { return 1500 }
func (fakeEngine) FramesNulledTotal() uint64   { return 12 }
func (fakeEngine) PacketsDroppedTotal() uint64 { return 2 }

type fakePool struct{}

func (fakePool) RetainedBytes() int64 { return 4096 }
func (fakePool) PoolHits() uint64     { return 100 }
func (fakePool) PoolMisses() uint64   { return 5 }

func collectAll(t *testing.T, c prometheus.Collector) map[string]float64 {
	t.Helper()

	reg := prometheus.NewRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	out := make(map[string]float64)
	for _, fam := range families {
		for _, m := range fam.GetMetric() {
			out[fam.GetName()] = metricValue(m)
		}
	}
	return out
}

func metricValue(m *dto.Metric) float64 {
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue()
	}
	return m.GetGauge().GetValue()
}

func TestCollectorValues(t *testing.T) {
	c := NewCollector(fakeEngine{}, fakePool{}, nil)
	got := collectAll(t, c)

	want := map[string]float64{
		"wavelink_players_active":        3,
		"wavelink_frames_sent_total":     1500,
		"wavelink_frames_nulled_total":   12,
		"wavelink_packets_dropped_total": 2,
		"wavelink_pool_retained_bytes":   4096,
		"wavelink_pool_hits_total":       100,
		"wavelink_pool_misses_total":     5,
	}
	for name, v := range want {
		if got[name] != v {
			t.Errorf("%s = %v, want %v", name, got[name], v)
		}
	}

	if _, ok := got["wavelink_sessions_active"]; ok {
		t.Error("nil session provider must not emit the sessions metric")
	}
	if got["wavelink_uptime_seconds"] < 0 {
		t.Error("uptime must be non-negative")
	}
}

func TestCollectorNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, nil)
	got := collectAll(t, c)

	for name := range got {
		if !strings.HasPrefix(name, "wavelink_uptime") {
			t.Errorf("unexpected metric %s with nil providers", name)
		}
	}
}
