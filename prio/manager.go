package prio

import (
	"math"
	"sync"

	"github.com/outofforest/plexus/wire"
)

// PriorityMax is the least urgent priority accepted by the manager.
const PriorityMax wire.Priority = 63

// weights[p] is the cost charged to priority p for every emitted frame.
// Class finishing its next frame at the lowest cost is served first, so under contention
// priority 0 gets 1.15^p times more frames than priority p, and no class is ever starved.
var weights = func() [PriorityMax + 1]uint64 {
	var w [PriorityMax + 1]uint64
	for i := range w {
		w[i] = uint64(100 * math.Pow(1.15, float64(i)))
	}
	return w
}()

// Message is the message waiting to be sent.
type Message struct {
	PeerID    wire.PeerID
	StreamID  wire.StreamID
	MessageID wire.MessageID
	Priority  wire.Priority
	Payload   []byte
}

// Frame is the frame produced for the peer.
type Frame struct {
	PeerID   wire.PeerID
	StreamID wire.StreamID

	// Frame is either *wire.DataHeader or *wire.Data.
	Frame any
}

// Config is the config of manager.
type Config struct {
	FragmentSize uint64
}

type streamKey struct {
	PeerID   wire.PeerID
	StreamID wire.StreamID
}

type outgoing struct {
	msg        Message
	headerSent bool
	offset     uint64
}

type flow struct {
	key  streamKey
	msgs []*outgoing
}

type level struct {
	weight uint64
	flows  map[streamKey]*flow
	order []streamKey
	next  int
	cost  uint64
}

// Manager is the queue of messages waiting to be sent, shared by all the participants.
// On every scheduling tick it converts queued messages into frames, honoring priorities of streams.
type Manager struct {
	fragmentSize uint64

	mu      sync.Mutex
	levels  [PriorityMax + 1]*level
	pending map[streamKey]uint64
	queued  int
}

// New creates new manager.
func New(config Config) *Manager {
	m := &Manager{
		fragmentSize: config.FragmentSize,
		pending:      map[streamKey]uint64{},
	}
	for i := range m.levels {
		m.levels[i] = &level{
			weight: weights[i],
			flows:  map[streamKey]*flow{},
		}
	}
	return m
}

// Enqueue adds message to the queue.
func (m *Manager) Enqueue(msg Message) {
	if msg.Priority > PriorityMax {
		msg.Priority = PriorityMax
	}
	key := streamKey{PeerID: msg.PeerID, StreamID: msg.StreamID}

	m.mu.Lock()
	defer m.mu.Unlock()

	lvl := m.levels[msg.Priority]
	if len(lvl.order) == 0 {
		lvl.cost = m.minActiveCost()
	}

	f := lvl.flows[key]
	if f == nil {
		f = &flow{key: key}
		lvl.flows[key] = f
		lvl.order = append(lvl.order, key)
	}
	f.msgs = append(f.msgs, &outgoing{msg: msg})

	m.pending[key]++
	m.queued++
}

// Fill produces up to budget frames. Every returned frame is considered pending
// until Release is called for it. Messages of peers for which skip returns true stay in the queue.
// Skip may be nil.
func (m *Manager) Fill(budget int, skip func(peerID wire.PeerID) bool) []Frame {
	if skip == nil {
		skip = func(wire.PeerID) bool { return false }
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var frames []Frame
	for len(frames) < budget {
		lvl, index := m.cheapestLevel(skip)
		if lvl == nil {
			break
		}
		frames = append(frames, m.pop(lvl, index))
	}
	return frames
}

// Release marks frames returned by Fill as handed over to channels.
func (m *Manager) Release(frames []Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, f := range frames {
		m.decPending(streamKey{PeerID: f.PeerID, StreamID: f.StreamID})
	}
}

// Contains tells if there are messages or unreleased frames of the stream.
func (m *Manager) Contains(peerID wire.PeerID, streamID wire.StreamID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.pending[streamKey{PeerID: peerID, StreamID: streamID}] > 0
}

// Len returns the number of queued messages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.queued
}

// Drop removes all the queued messages of the peer.
func (m *Manager) Drop(peerID wire.PeerID) {
	m.drop(func(key streamKey) bool {
		return key.PeerID == peerID
	})
}

// DropStream removes all the queued messages of the stream.
func (m *Manager) DropStream(peerID wire.PeerID, streamID wire.StreamID) {
	m.drop(func(key streamKey) bool {
		return key.PeerID == peerID && key.StreamID == streamID
	})
}

func (m *Manager) drop(match func(key streamKey) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, lvl := range m.levels {
		for i := 0; i < len(lvl.order); {
			key := lvl.order[i]
			if !match(key) {
				i++
				continue
			}
			f := lvl.flows[key]
			for range f.msgs {
				m.decPending(key)
				m.queued--
			}
			m.removeFlow(lvl, i)
		}
	}
}

// cheapestLevel returns the level to serve next and the index of its flow to pop from.
func (m *Manager) cheapestLevel(skip func(peerID wire.PeerID) bool) (*level, int) {
	var cheapest *level
	var cheapestIndex int
	for _, lvl := range m.levels {
		if len(lvl.order) == 0 {
			continue
		}
		if cheapest != nil && lvl.cost+lvl.weight >= cheapest.cost+cheapest.weight {
			continue
		}
		if index, ok := lvl.nextFlow(skip); ok {
			cheapest = lvl
			cheapestIndex = index
		}
	}
	return cheapest, cheapestIndex
}

// nextFlow finds the next flow in round robin order which is not skipped.
func (lvl *level) nextFlow(skip func(peerID wire.PeerID) bool) (int, bool) {
	for i := range lvl.order {
		index := (lvl.next + i) % len(lvl.order)
		if !skip(lvl.order[index].PeerID) {
			return index, true
		}
	}
	return 0, false
}

func (m *Manager) minActiveCost() uint64 {
	var minCost uint64
	found := false
	for _, lvl := range m.levels {
		if len(lvl.order) == 0 {
			continue
		}
		if !found || lvl.cost < minCost {
			minCost = lvl.cost
			found = true
		}
	}
	return minCost
}

func (m *Manager) pop(lvl *level, index int) Frame {
	key := lvl.order[index]
	f := lvl.flows[key]
	o := f.msgs[0]

	frame := Frame{
		PeerID:   o.msg.PeerID,
		StreamID: o.msg.StreamID,
	}

	length := uint64(len(o.msg.Payload))
	if !o.headerSent {
		o.headerSent = true
		frame.Frame = &wire.DataHeader{
			MessageID: o.msg.MessageID,
			StreamID:  o.msg.StreamID,
			Length:    length,
		}
	} else {
		end := min(o.offset+m.fragmentSize, length)
		frame.Frame = &wire.Data{
			MessageID: o.msg.MessageID,
			Start:     o.offset,
			Payload:   o.msg.Payload[o.offset:end],
		}
		o.offset = end
	}

	lvl.cost += lvl.weight
	m.pending[key]++

	if o.headerSent && o.offset == length {
		f.msgs[0] = nil
		f.msgs = f.msgs[1:]
		m.decPending(key)
		m.queued--
	}

	if len(f.msgs) == 0 {
		m.removeFlow(lvl, index)
		return frame
	}

	lvl.next = index + 1
	return frame
}

func (m *Manager) removeFlow(lvl *level, index int) {
	delete(lvl.flows, lvl.order[index])
	lvl.order = append(lvl.order[:index], lvl.order[index+1:]...)
	if len(lvl.order) == 0 {
		lvl.next = 0
		return
	}
	lvl.next = index % len(lvl.order)
}

func (m *Manager) decPending(key streamKey) {
	if m.pending[key] <= 1 {
		delete(m.pending, key)
		return
	}
	m.pending[key]--
}
