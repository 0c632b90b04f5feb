package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce   sync.Once
	wsConnections  prometheus.Gauge
	wsFramesTotal  *prometheus.CounterVec
	wsDroppedTotal prometheus.Counter
	appendsTotal   *prometheus.CounterVec
	typingExpiries prometheus.Counter
	relayTotal     *prometheus.CounterVec
	pushTotal      *prometheus.CounterVec
	httpLatency    *prometheus.HistogramVec
)

// Register initialises the collectors on the default registry.
func Register() {
	registerOnce.Do(func() {
		wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatroom_ws_connections",
			Help: "Live realtime connections on this instance.",
		})
		wsFramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_ws_frames_total",
			Help: "Inbound realtime frames by type.",
		}, []string{"type"})
		wsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_ws_slow_clients_total",
			Help: "Connections closed because their outbound queue was full.",
		})
		appendsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_messages_appended_total",
			Help: "Messages durably appended, by message type.",
		}, []string{"type"})
		typingExpiries = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatroom_typing_expired_total",
			Help: "Typing indicators stopped by the server timeout.",
		})
		relayTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_relay_messages_total",
			Help: "Events exchanged with other instances.",
		}, []string{"direction"})
		pushTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatroom_push_total",
			Help: "Web push deliveries by outcome.",
		}, []string{"outcome"})
		httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatroom_http_request_seconds",
			Help:    "Latency of REST requests.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route", "status"})

		prometheus.MustRegister(wsConnections, wsFramesTotal, wsDroppedTotal, appendsTotal,
			typingExpiries, relayTotal, pushTotal, httpLatency)
	})
}

func WSConnections() prometheus.Gauge {
	Register()
	return wsConnections
}

func WSFrames() *prometheus.CounterVec {
	Register()
	return wsFramesTotal
}

func WSDropped() prometheus.Counter {
	Register()
	return wsDroppedTotal
}

func Appends() *prometheus.CounterVec {
	Register()
	return appendsTotal
}

func TypingExpiries() prometheus.Counter {
	Register()
	return typingExpiries
}

func Relay() *prometheus.CounterVec {
	Register()
	return relayTotal
}

func Push() *prometheus.CounterVec {
	Register()
	return pushTotal
}

func HTTPLatency() *prometheus.HistogramVec {
	Register()
	return httpLatency
}
