package plexus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/plexus/wire"
)

func TestConfigDefaults(t *testing.T) {
	requireT := require.New(t)

	config, err := Config{}.withDefaults()
	requireT.NoError(err)
	requireT.NotEqual(wire.PeerID{}, config.PeerID)
	requireT.Equal(10*time.Millisecond, config.TickInterval)
	requireT.Equal(1024, config.FragmentsPerTick)
	requireT.EqualValues(1400, config.FragmentSize)
	requireT.Equal(10*time.Second, config.HandshakeTimeout)
	requireT.Equal(10*time.Second, config.ShutdownTimeout)
	requireT.Equal(4096, config.MaxIncomingMessages)
	requireT.NotNil(config.Clock)
	requireT.Nil(config.Registerer)

	config2, err := Config{}.withDefaults()
	requireT.NoError(err)
	requireT.NotEqual(config.PeerID, config2.PeerID)
}

func TestConfigKeepsValues(t *testing.T) {
	requireT := require.New(t)

	peerID := newPeerID()
	config, err := Config{
		PeerID:       peerID,
		FragmentSize: 4,
		TickInterval: time.Second,
	}.withDefaults()
	requireT.NoError(err)
	requireT.Equal(peerID, config.PeerID)
	requireT.EqualValues(4, config.FragmentSize)
	requireT.Equal(time.Second, config.TickInterval)
	requireT.EqualValues(132, config.maxFrameSize())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{name: "tick", config: Config{TickInterval: -1}},
		{name: "fragmentsPerTick", config: Config{FragmentsPerTick: -1}},
		{name: "fragmentSize", config: Config{FragmentSize: maxDatagramPayload + 1}},
		{name: "handshakeTimeout", config: Config{HandshakeTimeout: -1}},
		{name: "shutdownTimeout", config: Config{ShutdownTimeout: -1}},
		{name: "channelQueueSize", config: Config{ChannelQueueSize: -1}},
		{name: "maxIncomingMessages", config: Config{MaxIncomingMessages: -1}},
		{name: "recentlyClosedStreams", config: Config{RecentlyClosedStreams: -1}},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := test.config.withDefaults()
			require.Error(t, err)
		})
	}
}
