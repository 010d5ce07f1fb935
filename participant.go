package plexus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/s2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/plexus/prio"
	"github.com/outofforest/plexus/wire"
)

// acceptorStreamIDOffset splits stream ID space between peers, so IDs allocated by both sides never collide.
// Connecting side allocates from 0.
const acceptorStreamIDOffset wire.StreamID = 1 << 63

const (
	drainInterval     = 10 * time.Millisecond
	drainSlowInterval = 100 * time.Millisecond
	drainSlowAfter    = 100
	drainWarnAfter    = 200
)

type incomingMessage struct {
	streamID  wire.StreamID
	length    uint64
	received  uint64
	payload   []byte
	fragments map[uint64]struct{}
	discard   bool
}

// Participant is the connected peer. Any number of streams are multiplexed over its channel.
type Participant struct {
	localID        wire.PeerID
	remoteID       wire.PeerID
	streamIDOffset wire.StreamID
	config         Config
	prio           *prio.Manager
	metrics        *metrics
	log            *zap.Logger
	onTeardown     func(p *Participant)

	nextMessageID atomic.Uint64
	opened        *queue[*Stream]
	done          chan struct{}

	mu             sync.RWMutex
	channels       []*channel
	streams        map[wire.StreamID]*Stream
	recentlyClosed *lru.Cache[wire.StreamID, struct{}]
	nextStreamID   wire.StreamID
	closing        bool
	tornDown       bool
	err            error

	incomingMu sync.Mutex
	incoming   *lru.Cache[wire.MessageID, *incomingMessage]
	delivered  *lru.Cache[wire.MessageID, struct{}]
}

type participantConfig struct {
	LocalID  wire.PeerID
	RemoteID wire.PeerID
	Accepted bool
	Config   Config
	Prio     *prio.Manager
	Metrics  *metrics
	Log      *zap.Logger

	// OnTeardown is called once participant is disconnected, right before Done is closed.
	OnTeardown func(p *Participant)
}

func newParticipant(config participantConfig, ch *channel) (*Participant, error) {
	recentlyClosed, err := lru.New[wire.StreamID, struct{}](config.Config.RecentlyClosedStreams)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	incoming, err := lru.New[wire.MessageID, *incomingMessage](config.Config.MaxIncomingMessages)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	delivered, err := lru.New[wire.MessageID, struct{}](config.Config.MaxIncomingMessages)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	var offset wire.StreamID
	if config.Accepted {
		offset = acceptorStreamIDOffset
	}

	return &Participant{
		localID:        config.LocalID,
		remoteID:       config.RemoteID,
		streamIDOffset: offset,
		config:         config.Config,
		prio:           config.Prio,
		metrics:        config.Metrics,
		log:            config.Log,
		onTeardown:     config.OnTeardown,
		opened:         newQueue[*Stream](),
		done:           make(chan struct{}),
		channels:       []*channel{ch},
		streams:        map[wire.StreamID]*Stream{},
		recentlyClosed: recentlyClosed,
		incoming:       incoming,
		delivered:      delivered,
	}, nil
}

// PeerID returns ID of the peer.
func (p *Participant) PeerID() wire.PeerID {
	return p.remoteID
}

// OpenStream opens new stream. Stream is usable immediately, without waiting for the peer.
func (p *Participant) OpenStream(priority wire.Priority, promises wire.Promises) (*Stream, error) {
	if priority > prio.PriorityMax {
		return nil, errors.Errorf("priority %d exceeds %d", priority, prio.PriorityMax)
	}
	if promises&wire.PromiseEncrypted != 0 {
		return nil, errors.New("encrypted streams are not supported")
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil, errors.WithStack(ErrParticipantDisconnected)
	}
	id := p.streamIDOffset + p.nextStreamID
	p.nextStreamID++
	s := newStream(p, id, priority, promises)
	p.streams[id] = s
	p.mu.Unlock()

	if err := p.sendFrame(&wire.OpenStream{
		StreamID: id,
		Priority: priority,
		Promises: promises,
	}); err != nil {
		p.mu.Lock()
		delete(p.streams, id)
		p.mu.Unlock()

		return nil, err
	}

	return s, nil
}

// Opened waits for the next stream opened by the peer.
func (p *Participant) Opened(ctx context.Context) (*Stream, error) {
	return p.opened.Pop(ctx)
}

// Disconnect flushes all the streams, tells the peer we are leaving and waits until participant is torn down.
func (p *Participant) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return p.waitDone(ctx)
	}
	p.closing = true
	streams := make([]*Stream, 0, len(p.streams))
	for _, s := range p.streams {
		streams = append(streams, s)
	}
	p.mu.Unlock()

	for _, s := range streams {
		s.closed.Store(true)
		if err := p.waitDrained(ctx, s.id); err != nil {
			p.abort()
			return err
		}
	}

	if err := p.sendFrame(&wire.Shutdown{}); err != nil {
		p.abort()
	}
	return p.waitDone(ctx)
}

// Done is closed when participant is disconnected.
func (p *Participant) Done() <-chan struct{} {
	return p.done
}

// Err returns the reason of disconnection. It is nil if participant was disconnected locally.
func (p *Participant) Err() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.err
}

func (p *Participant) waitDone(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		p.abort()
		return errors.WithStack(ctx.Err())
	}
}

// abort closes connections without notifying the peer.
func (p *Participant) abort() {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for _, ch := range p.channels {
		_ = ch.conn.Close()
	}
}

func (p *Participant) send(s *Stream, payload []byte) error {
	if err := p.checkSize(payload); err != nil {
		return err
	}
	if s.promises&wire.PromiseCompressed != 0 {
		payload = s2.Encode(nil, payload)
		if err := p.checkSize(payload); err != nil {
			return err
		}
	}

	// Lock is held until message is enqueued, so closeStream never misses it.
	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case s.closed.Load():
		return errors.WithStack(ErrStreamClosed)
	case p.closing:
		return errors.WithStack(ErrParticipantDisconnected)
	case len(p.channels) == 0:
		return errors.WithStack(ErrSendFailed)
	}

	p.prio.Enqueue(prio.Message{
		PeerID:    p.remoteID,
		StreamID:  s.id,
		MessageID: wire.MessageID(p.nextMessageID.Add(1)),
		Priority:  s.priority,
		Payload:   payload,
	})
	p.metrics.bytesSent.Add(float64(len(payload)))
	return nil
}

// checkSize rejects messages the peer would refuse to receive.
func (p *Participant) checkSize(payload []byte) error {
	if uint64(len(payload)) > p.config.MaxMessageSize {
		return errors.Wrapf(ErrSendFailed, "message of %d bytes exceeds limit of %d",
			len(payload), p.config.MaxMessageSize)
	}
	return nil
}

// channel returns the channel frames are sent to. Only the first channel is used, so frames are never
// reordered between channels.
func (p *Participant) channel() (*channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.channels) == 0 {
		return nil, errors.WithStack(ErrSendFailed)
	}
	return p.channels[0], nil
}

// sendFrame queues frame on the channel.
func (p *Participant) sendFrame(frame any) error {
	ch, err := p.channel()
	if err != nil {
		return err
	}
	return ch.Send(frame)
}

// trySendFrame queues frame on the channel unless its queue is full.
func (p *Participant) trySendFrame(frame any) (bool, error) {
	ch, err := p.channel()
	if err != nil {
		return false, err
	}
	return ch.TrySend(frame)
}

func (p *Participant) closeStream(ctx context.Context, s *Stream) error {
	var exists bool
	for {
		if err := p.waitDrained(ctx, s.id); err != nil {
			return err
		}

		p.mu.Lock()
		if !p.tornDown && p.prio.Contains(p.remoteID, s.id) {
			// Send racing with Close managed to enqueue the message.
			p.mu.Unlock()
			continue
		}
		_, exists = p.streams[s.id]
		if exists {
			delete(p.streams, s.id)
			p.recentlyClosed.Add(s.id, struct{}{})
		}
		p.mu.Unlock()
		break
	}

	s.received.Close(errors.WithStack(ErrStreamClosed))

	if !exists {
		return nil
	}
	return p.sendFrame(&wire.CloseStream{StreamID: s.id})
}

// waitDrained waits until priority manager has no frames of the stream.
func (p *Participant) waitDrained(ctx context.Context, streamID wire.StreamID) error {
	for checks := 1; p.prio.Contains(p.remoteID, streamID); checks++ {
		interval, warn := drainBackoff(checks)
		if warn {
			p.log.Warn("Stream is still being flushed",
				zap.Uint64("stream", uint64(streamID)),
				zap.Int("checks", checks))
		}

		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-p.done:
			return nil
		case <-p.config.Clock.After(interval):
		}
	}
	return nil
}

// drainBackoff returns the delay before the next drain check and tells if it's time to complain.
func drainBackoff(checks int) (time.Duration, bool) {
	interval := drainInterval
	if checks >= drainSlowAfter {
		interval = drainSlowInterval
	}
	return interval, checks == drainWarnAfter
}

// runChannel processes frames received on the channel. Participant is torn down once its last channel is gone.
func (p *Participant) runChannel(ctx context.Context, ch *channel) error {
	err := ch.run(ctx, func(frame any) error {
		return p.handleFrame(ch, frame)
	})

	if p.removeChannel(ch) {
		p.teardown(disconnectReason(err))
	}

	switch {
	case errors.Is(err, errLocalShutdown), errors.Is(err, errRemoteShutdown), errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, ErrProtocolViolation):
		p.metrics.violations.Inc()
	}
	return err
}

func disconnectReason(err error) error {
	switch {
	case errors.Is(err, errLocalShutdown), errors.Is(err, context.Canceled):
		return nil
	case errors.Is(err, errRemoteShutdown):
		return errors.WithStack(ErrParticipantDisconnected)
	default:
		return err
	}
}

func (p *Participant) removeChannel(ch *channel) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, ch2 := range p.channels {
		if ch2 == ch {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			break
		}
	}
	return len(p.channels) == 0
}

func (p *Participant) teardown(reason error) {
	p.mu.Lock()
	if p.tornDown {
		p.mu.Unlock()
		return
	}
	p.tornDown = true
	p.closing = true
	p.err = reason
	streams := p.streams
	p.streams = map[wire.StreamID]*Stream{}
	p.mu.Unlock()

	for _, s := range streams {
		s.closed.Store(true)
		s.received.Close(errors.WithStack(ErrParticipantDisconnected))
	}
	p.opened.Close(errors.WithStack(ErrParticipantDisconnected))
	p.prio.Drop(p.remoteID)

	p.incomingMu.Lock()
	p.incoming.Purge()
	p.incomingMu.Unlock()

	if p.onTeardown != nil {
		p.onTeardown(p)
	}
	close(p.done)

	if reason != nil {
		p.log.Info("Participant disconnected", zap.Error(reason))
	} else {
		p.log.Info("Participant disconnected")
	}
}

func (p *Participant) handleFrame(ch *channel, frame any) error {
	switch f := frame.(type) {
	case *wire.Handshake:
		return violation("unexpected handshake")
	case *wire.OpenStream:
		return p.onOpenStream(f)
	case *wire.CloseStream:
		return p.onCloseStream(f)
	case *wire.DataHeader:
		return p.onDataHeader(f, ch.reliable)
	case *wire.Data:
		return p.onData(f, ch.reliable)
	case *wire.Shutdown:
		return errors.WithStack(errRemoteShutdown)
	default:
		return violation("unknown frame %T", frame)
	}
}

func (p *Participant) onOpenStream(f *wire.OpenStream) error {
	switch {
	case p.isLocalStreamID(f.StreamID):
		return violation("stream %d belongs to local range", f.StreamID)
	case f.Priority > prio.PriorityMax:
		return violation("priority %d exceeds %d", f.Priority, prio.PriorityMax)
	case f.Promises&wire.PromiseEncrypted != 0:
		return violation("encrypted streams are not supported")
	}

	s := newStream(p, f.StreamID, f.Priority, f.Promises)

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	if _, exists := p.streams[f.StreamID]; exists {
		p.mu.Unlock()
		return violation("stream %d already exists", f.StreamID)
	}
	p.streams[f.StreamID] = s
	p.recentlyClosed.Remove(f.StreamID)
	p.mu.Unlock()

	p.opened.Push(s)
	return nil
}

func (p *Participant) onCloseStream(f *wire.CloseStream) error {
	p.mu.Lock()
	s, exists := p.streams[f.StreamID]
	if exists {
		delete(p.streams, f.StreamID)
		p.recentlyClosed.Add(f.StreamID, struct{}{})
	}
	recentlyClosed := p.recentlyClosed.Contains(f.StreamID)
	p.mu.Unlock()

	if !exists {
		if recentlyClosed {
			return nil
		}
		return violation("closing unknown stream %d", f.StreamID)
	}

	s.closed.Store(true)
	p.prio.DropStream(p.remoteID, f.StreamID)
	s.received.Close(errors.WithStack(ErrStreamClosed))
	return nil
}

func (p *Participant) onDataHeader(f *wire.DataHeader, reliable bool) error {
	if f.Length > p.config.MaxMessageSize {
		return violation("message %d declares %d bytes, limit is %d", f.MessageID, f.Length, p.config.MaxMessageSize)
	}

	p.mu.RLock()
	_, exists := p.streams[f.StreamID]
	recentlyClosed := !exists && p.recentlyClosed.Contains(f.StreamID)
	p.mu.RUnlock()

	if !exists && !recentlyClosed {
		return violation("message %d for unknown stream %d", f.MessageID, f.StreamID)
	}

	p.incomingMu.Lock()
	defer p.incomingMu.Unlock()

	if p.incoming.Contains(f.MessageID) || p.delivered.Contains(f.MessageID) {
		if reliable {
			return violation("duplicated message %d", f.MessageID)
		}
		return nil
	}
	if reliable && p.incoming.Len() >= p.config.MaxIncomingMessages {
		return violation("message %d exceeds limit of %d messages being received", f.MessageID,
			p.config.MaxIncomingMessages)
	}

	msg := &incomingMessage{
		streamID: f.StreamID,
		length:   f.Length,
		discard:  recentlyClosed,
	}
	if !reliable {
		msg.fragments = map[uint64]struct{}{}
	}

	if f.Length == 0 {
		msg.payload = []byte{}
		return p.complete(f.MessageID, msg)
	}

	// On unreliable channel the oldest message is evicted, its fragments were most likely lost.
	if p.incoming.Add(f.MessageID, msg) {
		p.log.Debug("Incomplete message evicted")
	}
	return nil
}

func (p *Participant) onData(f *wire.Data, reliable bool) error {
	p.incomingMu.Lock()
	defer p.incomingMu.Unlock()

	msg, exists := p.incoming.Get(f.MessageID)
	if !exists {
		if reliable {
			return violation("data for unknown message %d", f.MessageID)
		}
		p.log.Debug("Dropping fragment of unknown message", zap.Uint64("message", uint64(f.MessageID)))
		return nil
	}

	end := f.Start + uint64(len(f.Payload))
	if end < f.Start || end > msg.length {
		return violation("fragment %d-%d exceeds length %d of message %d", f.Start, end, msg.length, f.MessageID)
	}

	if reliable {
		if f.Start != msg.received {
			return violation("fragment of message %d starts at %d, expected %d", f.MessageID, f.Start, msg.received)
		}
	} else {
		if _, exists := msg.fragments[f.Start]; exists {
			return nil
		}
		msg.fragments[f.Start] = struct{}{}
	}

	if !msg.discard {
		// Buffer grows with received data only, declared length is not trusted.
		if missing := end - min(end, uint64(len(msg.payload))); missing > 0 {
			msg.payload = append(msg.payload, make([]byte, missing)...)
		}
		copy(msg.payload[f.Start:], f.Payload)
	}
	msg.received += uint64(len(f.Payload))

	if msg.received < msg.length {
		return nil
	}

	p.incoming.Remove(f.MessageID)
	return p.complete(f.MessageID, msg)
}

func (p *Participant) complete(messageID wire.MessageID, msg *incomingMessage) error {
	p.delivered.Add(messageID, struct{}{})
	return p.deliver(msg)
}

func (p *Participant) deliver(msg *incomingMessage) error {
	if msg.discard {
		p.log.Debug("Dropping message of closed stream", zap.Uint64("stream", uint64(msg.streamID)))
		return nil
	}

	p.mu.RLock()
	s := p.streams[msg.streamID]
	p.mu.RUnlock()

	if s == nil {
		return nil
	}

	payload := msg.payload
	if s.promises&wire.PromiseCompressed != 0 {
		n, err := s2.DecodedLen(payload)
		if err != nil {
			return violation("decompressing message of stream %d failed: %s", msg.streamID, err)
		}
		if uint64(n) > p.config.MaxMessageSize {
			return violation("message of stream %d decompresses to %d bytes, limit is %d",
				msg.streamID, n, p.config.MaxMessageSize)
		}
		payload, err = s2.Decode(nil, payload)
		if err != nil {
			return violation("decompressing message of stream %d failed: %s", msg.streamID, err)
		}
	}

	s.received.Push(payload)
	p.metrics.bytesReceived.Add(float64(len(msg.payload)))
	return nil
}

func (p *Participant) isLocalStreamID(id wire.StreamID) bool {
	return (id >= acceptorStreamIDOffset) == (p.streamIDOffset == acceptorStreamIDOffset)
}
