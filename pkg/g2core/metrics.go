package g2core

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all g2core Prometheus collectors on an isolated registry so
// they never collide with a process-wide default registry. A nil *Metrics
// is safe: the core records through the unexported nil-receiver helper
// methods below, the same nil-safety convention the rest of the package
// follows.
type Metrics struct {
	Registry *prometheus.Registry

	NeighboursConnected *prometheus.GaugeVec // labels: role
	RoutingTableSize    prometheus.Gauge
	TicksSkipped        prometheus.Counter
	TicksRun            prometheus.Counter

	SearchPacketsSent   *prometheus.CounterVec // labels: kind (query, qkr, qna)
	SearchBudgetExhausted prometheus.Counter
	SearchesActive      prometheus.Gauge
	HitsReceived        prometheus.Counter

	AdaptiveHubDowngrades prometheus.Counter
	HubBalanceSwitches    *prometheus.CounterVec // labels: to_role

	BuildInfo *prometheus.GaugeVec
}

// NewMetrics creates a Metrics instance with all collectors registered.
func NewMetrics(version, goVersion string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		NeighboursConnected: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "g2core_neighbours_connected",
			Help: "Number of connected neighbours by role.",
		}, []string{"role"}),

		RoutingTableSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "g2core_routing_table_entries",
			Help: "Number of live entries in the routing table.",
		}),

		TicksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "g2core_ticks_skipped_total",
			Help: "Ticks dropped or inbound connections rejected because a core mutex try-lock timed out.",
		}),

		TicksRun: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "g2core_ticks_run_total",
			Help: "Ticks that acquired the core mutex and ran maintenance.",
		}),

		SearchPacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g2core_search_packets_total",
			Help: "Packets emitted by the managed search engine.",
		}, []string{"kind"}),

		SearchBudgetExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "g2core_search_budget_exhausted_total",
			Help: "Ticks where the global search packet budget reached zero.",
		}),

		SearchesActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "g2core_searches_active",
			Help: "Number of searches currently in the active state.",
		}),

		HitsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "g2core_hits_received_total",
			Help: "Query hits ingested across all searches.",
		}),

		AdaptiveHubDowngrades: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "g2core_adaptive_hub_downgrades_total",
			Help: "Times the adaptive-hub evaluator reduced advertised leaf capacity.",
		}),

		HubBalanceSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "g2core_hub_balance_switches_total",
			Help: "Role switches performed by the hub balancer.",
		}, []string{"to_role"}),

		BuildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "g2core_info",
			Help: "Build information for the running g2core instance.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.NeighboursConnected,
		m.RoutingTableSize,
		m.TicksSkipped,
		m.TicksRun,
		m.SearchPacketsSent,
		m.SearchBudgetExhausted,
		m.SearchesActive,
		m.HitsReceived,
		m.AdaptiveHubDowngrades,
		m.HubBalanceSwitches,
		m.BuildInfo,
	)
	m.BuildInfo.WithLabelValues(version, goVersion).Set(1)
	return m
}

// Handler returns an http.Handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// nil-safe increment helpers so call sites in the hot path never need a
// "if m.metrics != nil" guard.

func (m *Metrics) tickSkipped() {
	if m == nil {
		return
	}
	m.TicksSkipped.Inc()
}

func (m *Metrics) tickRun() {
	if m == nil {
		return
	}
	m.TicksRun.Inc()
}

func (m *Metrics) searchPacketSent(kind string) {
	if m == nil {
		return
	}
	m.SearchPacketsSent.WithLabelValues(kind).Inc()
}

func (m *Metrics) searchBudgetExhausted() {
	if m == nil {
		return
	}
	m.SearchBudgetExhausted.Inc()
}

func (m *Metrics) hitsReceived(n int) {
	if m == nil {
		return
	}
	m.HitsReceived.Add(float64(n))
}

func (m *Metrics) adaptiveHubDowngrade() {
	if m == nil {
		return
	}
	m.AdaptiveHubDowngrades.Inc()
}

func (m *Metrics) hubBalanceSwitch(toRole Role) {
	if m == nil {
		return
	}
	m.HubBalanceSwitches.WithLabelValues(toRole.String()).Inc()
}

func (m *Metrics) setNeighbourCounts(hubs, leaves, unknown int) {
	if m == nil {
		return
	}
	m.NeighboursConnected.WithLabelValues("hub").Set(float64(hubs))
	m.NeighboursConnected.WithLabelValues("leaf").Set(float64(leaves))
	m.NeighboursConnected.WithLabelValues("unknown").Set(float64(unknown))
}

func (m *Metrics) setRoutingTableSize(n int) {
	if m == nil {
		return
	}
	m.RoutingTableSize.Set(float64(n))
}

func (m *Metrics) setSearchesActive(n int) {
	if m == nil {
		return
	}
	m.SearchesActive.Set(float64(n))
}
