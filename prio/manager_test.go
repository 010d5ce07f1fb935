package prio

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/plexus/wire"
)

const fragmentSize = 10

var (
	peer1 = wire.PeerID{0x01}
	peer2 = wire.PeerID{0x02}
)

func newManager() *Manager {
	return New(Config{FragmentSize: fragmentSize})
}

func TestFragmentation(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	payload := []byte("0123456789abcdefghijXYZ")
	m.Enqueue(Message{
		PeerID:    peer1,
		StreamID:  1,
		MessageID: 7,
		Priority:  16,
		Payload:   payload,
	})

	frames := m.Fill(100, nil)
	requireT.Len(frames, 4)
	requireT.Equal(&wire.DataHeader{MessageID: 7, StreamID: 1, Length: 23}, frames[0].Frame)
	requireT.Equal(&wire.Data{MessageID: 7, Start: 0, Payload: payload[:10]}, frames[1].Frame)
	requireT.Equal(&wire.Data{MessageID: 7, Start: 10, Payload: payload[10:20]}, frames[2].Frame)
	requireT.Equal(&wire.Data{MessageID: 7, Start: 20, Payload: payload[20:]}, frames[3].Frame)
	for _, f := range frames {
		requireT.Equal(peer1, f.PeerID)
		requireT.Equal(wire.StreamID(1), f.StreamID)
	}

	requireT.Empty(m.Fill(100, nil))
	requireT.Zero(m.Len())
}

func TestEmptyMessageProducesHeaderOnly(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1})

	frames := m.Fill(100, nil)
	requireT.Len(frames, 1)
	requireT.Equal(&wire.DataHeader{MessageID: 1, StreamID: 1}, frames[0].Frame)
}

func TestBudgetIsHonored(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Payload: bytes.Repeat([]byte{0x01}, 100)})

	requireT.Len(m.Fill(3, nil), 3)
	requireT.Equal(1, m.Len())
	requireT.Len(m.Fill(100, nil), 8)
	requireT.Zero(m.Len())
}

func TestStreamOrderIsPreserved(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	for i := range 5 {
		m.Enqueue(Message{
			PeerID:    peer1,
			StreamID:  1,
			MessageID: wire.MessageID(i),
			Payload:   bytes.Repeat([]byte{byte(i)}, 25),
		})
	}

	var mids []wire.MessageID
	for _, f := range m.Fill(1000, nil) {
		if h, ok := f.Frame.(*wire.DataHeader); ok {
			mids = append(mids, h.MessageID)
		}
	}
	requireT.Equal([]wire.MessageID{0, 1, 2, 3, 4}, mids)
}

func TestStreamsOfSamePriorityAreInterleaved(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Payload: bytes.Repeat([]byte{0x01}, 1000)})
	m.Enqueue(Message{PeerID: peer2, StreamID: 1, MessageID: 2, Payload: bytes.Repeat([]byte{0x02}, 10)})

	frames := m.Fill(4, nil)
	requireT.Len(frames, 4)
	requireT.Equal(peer1, frames[0].PeerID)
	requireT.Equal(peer2, frames[1].PeerID)
	requireT.Equal(peer1, frames[2].PeerID)
	requireT.Equal(peer2, frames[3].PeerID)
	requireT.Equal(1, m.Len())

	requireT.True(m.Contains(peer2, 1))
	m.Release(frames)
	requireT.False(m.Contains(peer2, 1))
	requireT.True(m.Contains(peer1, 1))
}

func TestHighPriorityIsNotStarvedByBulk(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	for i := range 100 {
		m.Enqueue(Message{
			PeerID:    peer1,
			StreamID:  1,
			MessageID: wire.MessageID(i),
			Priority:  32,
			Payload:   bytes.Repeat([]byte{0x01}, 1000),
		})
	}
	m.Fill(50, nil)

	m.Enqueue(Message{PeerID: peer1, StreamID: 2, MessageID: 1000, Priority: 0, Payload: []byte("ping")})

	frames := m.Fill(10, nil)
	requireT.Equal(wire.StreamID(2), frames[0].StreamID)
	requireT.Equal(wire.StreamID(2), frames[1].StreamID)
	requireT.Equal(wire.StreamID(1), frames[2].StreamID)
}

func TestLowPriorityIsNotStarved(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	for i := range 1000 {
		m.Enqueue(Message{
			PeerID:    peer1,
			StreamID:  1,
			MessageID: wire.MessageID(i),
			Priority:  0,
			Payload:   bytes.Repeat([]byte{0x01}, 100),
		})
	}
	m.Enqueue(Message{PeerID: peer1, StreamID: 2, MessageID: 5000, Priority: 16, Payload: []byte("low")})

	counts := map[wire.StreamID]int{}
	for _, f := range m.Fill(100, nil) {
		counts[f.StreamID]++
	}
	requireT.Equal(2, counts[2])
	requireT.Equal(98, counts[1])
}

func TestContainsTracksUnreleasedFrames(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	requireT.False(m.Contains(peer1, 1))

	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Payload: []byte("Hello World")})
	requireT.True(m.Contains(peer1, 1))
	requireT.False(m.Contains(peer1, 2))
	requireT.False(m.Contains(peer2, 1))

	frames := m.Fill(100, nil)
	requireT.Len(frames, 3)
	requireT.Zero(m.Len())
	requireT.True(m.Contains(peer1, 1))

	m.Release(frames[:2])
	requireT.True(m.Contains(peer1, 1))

	m.Release(frames[2:])
	requireT.False(m.Contains(peer1, 1))
}

func TestDrop(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Payload: []byte("a")})
	m.Enqueue(Message{PeerID: peer1, StreamID: 2, MessageID: 2, Priority: 5, Payload: []byte("b")})
	m.Enqueue(Message{PeerID: peer2, StreamID: 1, MessageID: 1, Payload: []byte("c")})

	m.Drop(peer1)
	requireT.False(m.Contains(peer1, 1))
	requireT.False(m.Contains(peer1, 2))
	requireT.True(m.Contains(peer2, 1))
	requireT.Equal(1, m.Len())

	frames := m.Fill(100, nil)
	requireT.Len(frames, 2)
	for _, f := range frames {
		requireT.Equal(peer2, f.PeerID)
	}
}

func TestDropStream(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Payload: []byte("a")})
	m.Enqueue(Message{PeerID: peer1, StreamID: 2, MessageID: 2, Payload: []byte("b")})

	m.DropStream(peer1, 1)
	requireT.False(m.Contains(peer1, 1))
	requireT.True(m.Contains(peer1, 2))

	frames := m.Fill(100, nil)
	requireT.Len(frames, 2)
	requireT.Equal(wire.StreamID(2), frames[0].StreamID)
}

func TestPriorityIsClamped(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Priority: 1000, Payload: []byte("a")})
	requireT.Len(m.Fill(100, nil), 2)
}

func TestFillSkipsPeers(t *testing.T) {
	requireT := require.New(t)

	m := newManager()
	m.Enqueue(Message{PeerID: peer1, StreamID: 1, MessageID: 1, Priority: 0, Payload: []byte("a")})
	m.Enqueue(Message{PeerID: peer2, StreamID: 1, MessageID: 2, Priority: 0, Payload: []byte("b")})
	m.Enqueue(Message{PeerID: peer1, StreamID: 2, MessageID: 3, Priority: 10, Payload: []byte("c")})

	skipPeer1 := func(peerID wire.PeerID) bool {
		return peerID == peer1
	}

	frames := m.Fill(100, skipPeer1)
	requireT.Len(frames, 2)
	for _, f := range frames {
		requireT.Equal(peer2, f.PeerID)
	}
	m.Release(frames)

	requireT.Empty(m.Fill(100, skipPeer1))
	requireT.True(m.Contains(peer1, 1))
	requireT.True(m.Contains(peer1, 2))
	requireT.Equal(2, m.Len())

	frames = m.Fill(100, nil)
	requireT.Len(frames, 4)
	requireT.Equal(&wire.DataHeader{MessageID: 1, StreamID: 1, Length: 1}, frames[0].Frame)
	for _, f := range frames {
		requireT.Equal(peer1, f.PeerID)
	}
}
