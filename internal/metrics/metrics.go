// Package metrics exposes engine statistics as Prometheus metrics,
// gathered at scrape time from narrow provider interfaces so the hot
// path carries no metrics dependencies.
package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// EngineStatsProvider exposes the audio engine's aggregate counters.
type EngineStatsProvider interface {
	PlayerCount() int
	FramesSentTotal() uint64
	FramesNulledTotal() uint64
	PacketsDroppedTotal() uint64
}

// PoolStatsProvider exposes buffer pool counters.
type PoolStatsProvider interface {
	RetainedBytes() int64
	PoolHits() uint64
	PoolMisses() uint64
}

// SessionCounter returns the number of connected control plane
// sessions.
type SessionCounter interface {
	SessionCount() int
}

// Collector is a prometheus.Collector that gathers Wavelink metrics at
// scrape time. Any provider may be nil if unavailable.
type Collector struct {
	engine    EngineStatsProvider
	pool      PoolStatsProvider
	sessions  SessionCounter
	startTime time.Time

	playersDesc      *prometheus.Desc
	framesSentDesc   *prometheus.Desc
	framesNulledDesc *prometheus.Desc
	packetsDropDesc  *prometheus.Desc
	poolBytesDesc    *prometheus.Desc
	poolHitsDesc     *prometheus.Desc
	poolMissesDesc   *prometheus.Desc
	sessionsDesc     *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a metrics collector over the given providers.
func NewCollector(engine EngineStatsProvider, pool PoolStatsProvider, sessions SessionCounter) *Collector {
	return &Collector{
		engine:    engine,
		pool:      pool,
		sessions:  sessions,
		startTime: time.Now(),

		playersDesc: prometheus.NewDesc(
			"wavelink_players_active",
			"Number of live guild players.",
			nil, nil,
		),
		framesSentDesc: prometheus.NewDesc(
			"wavelink_frames_sent_total",
			"RTP frames transmitted across all guilds.",
			nil, nil,
		),
		framesNulledDesc: prometheus.NewDesc(
			"wavelink_frames_nulled_total",
			"Speak loop ticks that produced no real audio.",
			nil, nil,
		),
		packetsDropDesc: prometheus.NewDesc(
			"wavelink_packets_dropped_total",
			"UDP datagrams dropped at send.",
			nil, nil,
		),
		poolBytesDesc: prometheus.NewDesc(
			"wavelink_pool_retained_bytes",
			"Bytes retained by the sample buffer pool.",
			nil, nil,
		),
		poolHitsDesc: prometheus.NewDesc(
			"wavelink_pool_hits_total",
			"Buffer pool acquisitions served from a bucket.",
			nil, nil,
		),
		poolMissesDesc: prometheus.NewDesc(
			"wavelink_pool_misses_total",
			"Buffer pool acquisitions that allocated.",
			nil, nil,
		),
		sessionsDesc: prometheus.NewDesc(
			"wavelink_sessions_active",
			"Connected control plane websocket sessions.",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"wavelink_uptime_seconds",
			"Seconds since the server started.",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.playersDesc
	ch <- c.framesSentDesc
	ch <- c.framesNulledDesc
	ch <- c.packetsDropDesc
	ch <- c.poolBytesDesc
	ch <- c.poolHitsDesc
	ch <- c.poolMissesDesc
	ch <- c.sessionsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.engine != nil {
		ch <- prometheus.MustNewConstMetric(c.playersDesc, prometheus.GaugeValue, float64(c.engine.PlayerCount()))
		ch <- prometheus.MustNewConstMetric(c.framesSentDesc, prometheus.CounterValue, float64(c.engine.FramesSentTotal()))
		ch <- prometheus.MustNewConstMetric(c.framesNulledDesc, prometheus.CounterValue, float64(c.engine.FramesNulledTotal()))
		ch <- prometheus.MustNewConstMetric(c.packetsDropDesc, prometheus.CounterValue, float64(c.engine.PacketsDroppedTotal()))
	}
	if c.pool != nil {
		ch <- prometheus.MustNewConstMetric(c.poolBytesDesc, prometheus.GaugeValue, float64(c.pool.RetainedBytes()))
		ch <- prometheus.MustNewConstMetric(c.poolHitsDesc, prometheus.CounterValue, float64(c.pool.PoolHits()))
		ch <- prometheus.MustNewConstMetric(c.poolMissesDesc, prometheus.CounterValue, float64(c.pool.PoolMisses()))
	}
	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(c.sessionsDesc, prometheus.GaugeValue, float64(c.sessions.SessionCount()))
	}
	ch <- prometheus.MustNewConstMetric(c.uptimeDesc, prometheus.GaugeValue, time.Since(c.startTime).Seconds())
}

// Register adds the collector to the default registry, logging instead
// of failing on double registration.
func (c *Collector) Register(logger *slog.Logger) {
	if err := prometheus.Register(c); err != nil {
		logger.Warn("metrics collector registration failed", "error", err)
	}
}
