package plexus

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/outofforest/plexus/wire"
)

// maxDatagramPayload is the largest fragment which still fits a UDP datagram together with frame overhead.
const maxDatagramPayload = 65000

// Config is the config of scheduler.
type Config struct {
	// PeerID is the identity of this process. Random one is generated if empty.
	PeerID wire.PeerID

	// TickInterval is the period of the outgoing scheduler.
	TickInterval time.Duration

	// FragmentsPerTick is the maximum number of data frames produced on every tick.
	FragmentsPerTick int

	// FragmentSize is the maximum payload size of a single data frame.
	FragmentSize uint64

	// MaxMessageSize is the maximum length of a message accepted from the peer.
	MaxMessageSize uint64

	// HandshakeTimeout is the time given to the peer to complete the handshake.
	HandshakeTimeout time.Duration

	// ShutdownTimeout is the time given to participants to flush their streams when scheduler shuts down.
	ShutdownTimeout time.Duration

	// ChannelQueueSize is the number of frames buffered for every physical connection.
	ChannelQueueSize int

	// MaxIncomingMessages is the maximum number of messages being reassembled at once for each participant.
	MaxIncomingMessages int

	// RecentlyClosedStreams is the number of closed stream IDs remembered by each participant,
	// so frames still in flight for them are dropped quietly.
	RecentlyClosedStreams int

	// Clock is the source of time.
	Clock clock.Clock

	// Registerer receives metrics. Metrics are not exported if nil.
	Registerer prometheus.Registerer
}

func (c Config) withDefaults() (Config, error) {
	if c.PeerID == (wire.PeerID{}) {
		c.PeerID = newPeerID()
	}
	if c.TickInterval == 0 {
		c.TickInterval = 10 * time.Millisecond
	}
	if c.FragmentsPerTick == 0 {
		c.FragmentsPerTick = 1024
	}
	if c.FragmentSize == 0 {
		c.FragmentSize = 1400
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 64 * 1024 * 1024
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.ChannelQueueSize == 0 {
		c.ChannelQueueSize = 1024
	}
	if c.MaxIncomingMessages == 0 {
		c.MaxIncomingMessages = 4096
	}
	if c.RecentlyClosedStreams == 0 {
		c.RecentlyClosedStreams = 128
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}

	switch {
	case c.TickInterval < 0:
		return Config{}, errors.Errorf("invalid tick interval %s", c.TickInterval)
	case c.FragmentsPerTick < 0:
		return Config{}, errors.Errorf("invalid number of fragments per tick %d", c.FragmentsPerTick)
	case c.FragmentSize > maxDatagramPayload:
		return Config{}, errors.Errorf("fragment size %d exceeds %d", c.FragmentSize, maxDatagramPayload)
	case c.HandshakeTimeout < 0:
		return Config{}, errors.Errorf("invalid handshake timeout %s", c.HandshakeTimeout)
	case c.ShutdownTimeout < 0:
		return Config{}, errors.Errorf("invalid shutdown timeout %s", c.ShutdownTimeout)
	case c.ChannelQueueSize < 0:
		return Config{}, errors.Errorf("invalid channel queue size %d", c.ChannelQueueSize)
	case c.MaxIncomingMessages < 0:
		return Config{}, errors.Errorf("invalid number of incoming messages %d", c.MaxIncomingMessages)
	case c.RecentlyClosedStreams < 0:
		return Config{}, errors.Errorf("invalid number of recently closed streams %d", c.RecentlyClosedStreams)
	}

	return c, nil
}

// maxFrameSize is the size limit of a single frame on the wire.
func (c Config) maxFrameSize() uint64 {
	return c.FragmentSize + 128
}
