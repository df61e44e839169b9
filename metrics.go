package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics exposes operational gauges/counters on an optional
// metrics.listen address. Not named by spec.md, but both
// grimm.is/flywall and jianxcao-caddy-waf instrument their daemons
// this way with prometheus/client_golang (SPEC_FULL.md §2) — the
// observability an operator needs to run this unattended.
type Metrics struct {
	IPTableSize      prometheus.Gauge
	RulesInstalled   prometheus.Gauge
	ReportQueueDepth prometheus.Gauge
	BlacklistSynced  prometheus.Counter
	BlacklistFailed  prometheus.Counter
	MatchesTotal     *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		IPTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostblock_ip_table_size",
			Help: "Number of addresses currently tracked in the in-memory IP table.",
		}),
		RulesInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostblock_rules_installed",
			Help: "Number of addresses with has_rule currently true.",
		}),
		ReportQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hostblock_report_queue_depth",
			Help: "Number of items waiting in the report queue.",
		}),
		BlacklistSynced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostblock_blacklist_sync_success_total",
			Help: "Number of successful blacklist sync cycles.",
		}),
		BlacklistFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hostblock_blacklist_sync_failure_total",
			Help: "Number of failed blacklist sync cycles.",
		}),
		MatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hostblock_matches_total",
			Help: "Number of pattern matches by class (activity, refused).",
		}, []string{"class"}),
	}
	prometheus.MustRegister(m.IPTableSize, m.RulesInstalled, m.ReportQueueDepth, m.BlacklistSynced, m.BlacklistFailed, m.MatchesTotal)
	return m
}

// Serve starts the metrics HTTP listener in the background. A failure
// to bind is logged, not fatal — metrics are observability, not core
// function.
func (m *Metrics) Serve(addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logrus.Errorf("hostblock: metrics listener on %s: %v", addr, err)
		}
	}()
}

// Refresh recomputes the gauges from current store/queue state. Called
// once per supervisor tick.
func (m *Metrics) Refresh(store *RecordStore, queue *ReportQueue) {
	ips := store.All()
	m.IPTableSize.Set(float64(len(ips)))
	rules := 0
	for _, st := range ips {
		if st.HasRule {
			rules++
		}
	}
	m.RulesInstalled.Set(float64(rules))
	m.ReportQueueDepth.Set(float64(queue.Len()))
}
