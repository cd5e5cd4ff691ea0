package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RoomsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zenspace",
		Name:      "rooms_active",
		Help:      "Number of project rooms with at least one connected peer.",
	})
	PeersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "zenspace",
		Name:      "peers_connected",
		Help:      "Number of websocket peers joined to a room.",
	})
	MessagesRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zenspace",
		Name:      "messages_relayed_total",
		Help:      "Chat messages relayed to room peers.",
	})
	PeersDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "zenspace",
		Name:      "peers_dropped_total",
		Help:      "Peers disconnected because their outbox was full.",
	})
	AIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenspace",
		Name:      "ai_requests_total",
		Help:      "AI generation requests by outcome.",
	}, []string{"outcome"})
	FileTreeWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenspace",
		Name:      "filetree_writes_total",
		Help:      "File tree persistence attempts by trigger and outcome.",
	}, []string{"trigger", "outcome"})
	ConnectionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "zenspace",
		Name:      "connections_rejected_total",
		Help:      "Websocket handshakes rejected by the connection gate.",
	}, []string{"reason"})
)

// Outcome label values.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
