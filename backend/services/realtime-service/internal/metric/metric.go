package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fathima-sithara/inventory-realtime/backend/shared/metrics"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ws_active_connections",
		Help: "Active websocket connections",
	})
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "presence_online_users",
		Help: "Users with at least one live connection",
	})
	PublishedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Events published through the hub",
	}, []string{"kind"})
	DroppedFrames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ws_dropped_frames_total",
		Help: "Outbound frames dropped because a subscriber queue was full",
	}, []string{"policy"})
	CodecPassthrough = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "message_codec_passthrough_total",
		Help: "Message bodies returned unchanged because they could not be decrypted",
	}, []string{"code"})
	SinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "event_sink_errors_total",
		Help: "Events that an outbound sink failed to deliver",
	}, []string{"sink"})
)

func Init() error {
	return metrics.Register(Connections, OnlineUsers, PublishedEvents, DroppedFrames, CodecPassthrough, SinkErrors)
}
