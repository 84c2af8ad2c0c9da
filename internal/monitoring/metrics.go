package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// These gauges mirror the core's internal state, so an operator can
// see flow control and async-table pressure before they turn into
// dropped completions or saturated monitors.
var (
	ClientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "casrv_clients_active",
		Help: "Current number of connected stream clients",
	})

	ChannelsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "casrv_channels_active",
		Help: "Current number of claimed channels across all clients",
	})

	MonitorsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "casrv_monitors_active",
		Help: "Current number of active monitors (EVENT_ADD subscriptions)",
	})

	AsyncTableDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "casrv_async_table_depth",
		Help: "In-progress async I/O records per client",
	}, []string{"client_id"})

	EventQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "casrv_event_queue_depth",
		Help: "Pending event-queue entries per client",
	}, []string{"client_id"})

	EventQueueState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "casrv_event_queue_state",
		Help: "Event queue flow-control state per client (0=Flowing, 1=Saturated, 2=Purging)",
	}, []string{"client_id"})

	DroppedCompletionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "casrv_dropped_completions_total",
		Help: "Adapter completions discarded because their async record was already gone (channel cleared or client disconnected)",
	}, []string{"client_id"})

	ChannelsRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casrv_channels_rejected_total",
		Help: "CLAIM_CHANNEL requests refused by the admission gate",
	})

	BeaconsSentTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "casrv_beacons_sent_total",
		Help: "Beacon datagrams sent",
	})
)

func init() {
	prometheus.MustRegister(
		ClientsActive,
		ChannelsActive,
		MonitorsActive,
		AsyncTableDepth,
		EventQueueDepth,
		EventQueueState,
		DroppedCompletionsTotal,
		ChannelsRejectedTotal,
		BeaconsSentTotal,
	)
}

// Handler returns the Prometheus scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
