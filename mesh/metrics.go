package mesh

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "windowmesh_messages_received_total",
		Help: "Messages ingested from the session channel, by type.",
	}, []string{"type"})
	layoutRecomputes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "windowmesh_layout_recomputes_total",
		Help: "Global layout recomputations committed by this peer.",
	})
	leadershipTransitions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "windowmesh_leadership_transitions_total",
		Help: "Times this peer assumed or relinquished leadership.",
	})
	knownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "windowmesh_known_peers",
		Help: "Peers currently present in the peer map, self included.",
	})
)

func init() {
	prometheus.MustRegister(
		messagesReceived,
		layoutRecomputes,
		leadershipTransitions,
		knownPeers,
	)
}
