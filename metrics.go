package plexus

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outofforest/plexus/wire"
)

type metrics struct {
	framesSent       *prometheus.CounterVec
	framesReceived   *prometheus.CounterVec
	bytesSent        prometheus.Counter
	bytesReceived    prometheus.Counter
	participants     prometheus.Gauge
	channels         *prometheus.GaugeVec
	messagesQueued   prometheus.GaugeFunc
	violations       prometheus.Counter
	rejectedChannels prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, queued func() float64) (*metrics, error) {
	m := &metrics{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "frames_sent_total",
			Help:      "Number of frames sent, by kind.",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "frames_received_total",
			Help:      "Number of frames received, by kind.",
		}, []string{"kind"}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "payload_bytes_sent_total",
			Help:      "Number of message payload bytes accepted for sending.",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "payload_bytes_received_total",
			Help:      "Number of message payload bytes delivered to streams.",
		}),
		participants: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "participants",
			Help:      "Number of connected participants.",
		}),
		channels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "channels",
			Help:      "Number of active channels, by protocol.",
		}, []string{"protocol"}),
		messagesQueued: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "plexus",
			Name:      "messages_queued",
			Help:      "Number of messages waiting in the priority manager.",
		}, queued),
		violations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "protocol_violations_total",
			Help:      "Number of channels closed due to protocol violation.",
		}),
		rejectedChannels: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "plexus",
			Name:      "rejected_channels_total",
			Help:      "Number of channels rejected after handshake.",
		}),
	}

	if reg == nil {
		return m, nil
	}

	for _, c := range []prometheus.Collector{
		m.framesSent,
		m.framesReceived,
		m.bytesSent,
		m.bytesReceived,
		m.participants,
		m.channels,
		m.messagesQueued,
		m.violations,
		m.rejectedChannels,
	} {
		if err := reg.Register(c); err != nil {
			return nil, errors.WithStack(err)
		}
	}
	return m, nil
}

// frameKind names the frame. Every frame type known to the marshaller must be listed here.
func frameKind(frame any) string {
	switch frame.(type) {
	case *wire.Handshake:
		return "handshake"
	case *wire.OpenStream:
		return "open_stream"
	case *wire.CloseStream:
		return "close_stream"
	case *wire.DataHeader:
		return "data_header"
	case *wire.Data:
		return "data"
	case *wire.Shutdown:
		return "shutdown"
	default:
		return ""
	}
}
