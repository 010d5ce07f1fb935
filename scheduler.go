package plexus

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/outofforest/plexus/prio"
	"github.com/outofforest/plexus/wire"
	"github.com/outofforest/resonance"
)

type listenerState int

const (
	listenerIdle listenerState = iota
	listenerListening
	listenerClosed
)

type listener struct {
	address Address
	close   func() error

	mu    sync.Mutex
	state listenerState
}

func (l *listener) setState(state listenerState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == listenerClosed {
		return false
	}
	l.state = state
	return true
}

// Close closes the listener. Subsequent calls do nothing.
func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == listenerClosed {
		return nil
	}
	l.state = listenerClosed

	if err := l.close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.WithStack(err)
	}
	return nil
}

// backlog keeps frames produced for the participant whose channel queue was full.
type backlog struct {
	participant *Participant
	frames      []prio.Frame
}

type spawnRequest struct {
	Name string
	Task func(ctx context.Context) error
}

// Scheduler accepts and initiates connections, maps them to participants and transmits messages
// queued by all of them.
type Scheduler struct {
	config  Config
	prio    *prio.Manager
	metrics *metrics

	spawnCh       chan spawnRequest
	stopping      chan struct{}
	connected     *queue[*Participant]
	nextChannelID atomic.Uint64

	// backlogs is accessed by the ticker only.
	backlogs map[wire.PeerID]*backlog

	mu           sync.RWMutex
	closing      bool
	participants map[wire.PeerID]*Participant
	channels     map[uint64]wire.PeerID
	listeners    map[Address]*listener
}

// New creates new scheduler.
func New(config Config) (*Scheduler, error) {
	config, err := config.withDefaults()
	if err != nil {
		return nil, err
	}

	pm := prio.New(prio.Config{
		FragmentSize: config.FragmentSize,
	})
	m, err := newMetrics(config.Registerer, func() float64 {
		return float64(pm.Len())
	})
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		config:       config,
		prio:         pm,
		metrics:      m,
		spawnCh:      make(chan spawnRequest),
		stopping:     make(chan struct{}),
		connected:    newQueue[*Participant](),
		participants: map[wire.PeerID]*Participant{},
		channels:     map[uint64]wire.PeerID{},
		listeners:    map[Address]*listener{},
		backlogs:     map[wire.PeerID]*backlog{},
	}, nil
}

// PeerID returns ID of the local peer.
func (s *Scheduler) PeerID() wire.PeerID {
	return s.config.PeerID
}

// Run runs the scheduler. When ctx is canceled, participants are disconnected gracefully before
// listeners are closed.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.connected.Close(errors.WithStack(ErrSchedulerClosed))

	// Connections outlive ctx until they are flushed by shutdown.
	runCtx := context.WithoutCancel(ctx)

	return parallel.Run(runCtx, func(runCtx context.Context, spawn parallel.SpawnFn) error {
		spawn("ticker", parallel.Fail, func(runCtx context.Context) error {
			log := logger.Get(runCtx)

			ticker := s.config.Clock.Ticker(s.config.TickInterval)
			defer ticker.Stop()

			for {
				select {
				case <-runCtx.Done():
					return errors.WithStack(runCtx.Err())
				case <-ticker.C:
					s.tick(log)
				}
			}
		})
		spawn("requests", parallel.Fail, func(runCtx context.Context) error {
			for {
				select {
				case <-ctx.Done():
					close(s.stopping)
					if err := s.shutdown(runCtx); err != nil {
						return err
					}
					return errors.WithStack(ctx.Err())
				case req := <-s.spawnCh:
					spawn(req.Name, parallel.Continue, req.Task)
				}
			}
		})

		return nil
	})
}

// Listen starts accepting connections on the address. Bound address is returned, so port 0 may be used.
func (s *Scheduler) Listen(ctx context.Context, address Address) (Address, error) {
	var serve func(ctx context.Context, bound Address) error
	var l *listener

	switch address.Protocol {
	case ProtocolTCP:
		ls, err := net.Listen("tcp", address.HostPort)
		if err != nil {
			return Address{}, &AddressError{Kind: ErrBindFailed, Address: address, Err: errors.WithStack(err)}
		}
		l = &listener{address: TCP(ls.Addr().String()), close: ls.Close}
		serve = func(ctx context.Context, bound Address) error {
			return resonance.RunServer(ctx, ls, s.connConfig(),
				func(ctx context.Context, c *resonance.Connection) error {
					s.accept(ctx, bound, newTCPConn(c), true)
					return nil
				})
		}
	case ProtocolUDP:
		addr, err := net.ResolveUDPAddr("udp", address.HostPort)
		if err != nil {
			return Address{}, &AddressError{Kind: ErrBindFailed, Address: address, Err: errors.WithStack(err)}
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return Address{}, &AddressError{Kind: ErrBindFailed, Address: address, Err: errors.WithStack(err)}
		}
		l = &listener{address: UDP(conn.LocalAddr().String()), close: conn.Close}
		serve = func(ctx context.Context, bound Address) error {
			return newUDPListener(conn, s.config.ChannelQueueSize).run(ctx,
				func(ctx context.Context, c *udpConn) {
					s.accept(ctx, bound, c, false)
				})
		}
	default:
		return Address{}, &AddressError{
			Kind:    ErrBindFailed,
			Address: address,
			Err:     errors.Errorf("unsupported protocol %q", address.Protocol),
		}
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = l.Close()
		return Address{}, errors.WithStack(ErrSchedulerClosed)
	}
	s.listeners[l.address] = l
	s.mu.Unlock()

	if err := s.spawn(ctx, "listener", func(ctx context.Context) error {
		s.serve(ctx, l, serve)
		return nil
	}); err != nil {
		s.removeListener(l)
		return Address{}, err
	}

	return l.address, nil
}

// Connect connects to the peer. It returns once handshake is completed.
func (s *Scheduler) Connect(ctx context.Context, address Address) (*Participant, error) {
	type result struct {
		P   *Participant
		Err error
	}

	resultCh := make(chan result, 1)
	var once sync.Once
	reply := func(p *Participant, err error) {
		once.Do(func() {
			resultCh <- result{P: p, Err: err}
		})
	}

	if err := s.spawn(ctx, "connect", func(ctx context.Context) error {
		s.connect(ctx, address, reply)
		return nil
	}); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	case res := <-resultCh:
		return res.P, res.Err
	}
}

// Connected waits for the next participant connected to one of our listeners.
func (s *Scheduler) Connected(ctx context.Context) (*Participant, error) {
	return s.connected.Pop(ctx)
}

func (s *Scheduler) spawn(ctx context.Context, name string, task func(ctx context.Context) error) error {
	select {
	case <-ctx.Done():
		return errors.WithStack(ctx.Err())
	case <-s.stopping:
		return errors.WithStack(ErrSchedulerClosed)
	case s.spawnCh <- spawnRequest{Name: name, Task: task}:
		return nil
	}
}

func (s *Scheduler) serve(ctx context.Context, l *listener, serve func(ctx context.Context, bound Address) error) {
	log := logger.Get(ctx).With(zap.Stringer("address", l.address))

	defer s.removeListener(l)

	if !l.setState(listenerListening) {
		return
	}
	log.Info("Listening")

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			_ = l.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return serve(ctx, l.address)
		})
		return nil
	})

	if err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, context.Canceled) {
		log.Error("Listener failed", zap.Error(err))
	}
}

func (s *Scheduler) removeListener(l *listener) {
	_ = l.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listeners[l.address] == l {
		delete(s.listeners, l.address)
	}
}

func (s *Scheduler) accept(ctx context.Context, address Address, conn frameConn, reliable bool) {
	err := s.runChannel(ctx, address, conn, reliable, true, func(p *Participant, err error) {
		if err == nil {
			s.connected.Push(p)
		}
	})
	s.logChannelError(ctx, address, err)
}

func (s *Scheduler) connect(ctx context.Context, address Address, reply func(p *Participant, err error)) {
	var connected atomic.Bool
	onReady := func(p *Participant, err error) {
		connected.Store(true)
		reply(p, err)
	}

	var err error
	switch address.Protocol {
	case ProtocolTCP:
		err = resonance.RunClient(ctx, address.HostPort, s.connConfig(),
			func(ctx context.Context, c *resonance.Connection) error {
				return s.runChannel(ctx, address, newTCPConn(c), true, false, onReady)
			})
	case ProtocolUDP:
		err = s.connectUDP(ctx, address, onReady)
	default:
		err = errors.Errorf("unsupported protocol %q", address.Protocol)
	}

	if !connected.Load() {
		if err == nil {
			err = errors.New("connection closed during handshake")
		}
		reply(nil, &AddressError{Kind: ErrConnectFailed, Address: address, Err: err})
	}
	s.logChannelError(ctx, address, err)
}

func (s *Scheduler) connectUDP(ctx context.Context, address Address, reply func(p *Participant, err error)) error {
	conn, c, err := dialUDP(address.HostPort, s.config.ChannelQueueSize)
	if err != nil {
		return err
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("reader", parallel.Continue, func(ctx context.Context) error {
			readDialedUDP(conn, c)
			return nil
		})
		spawn("channel", parallel.Fail, func(ctx context.Context) error {
			defer c.Close()

			return s.runChannel(ctx, address, c, false, false, reply)
		})
		return nil
	})
}

// runChannel handshakes the connection, attaches it to the participant and runs it until it is closed.
// Reply is called once participant is ready.
func (s *Scheduler) runChannel(
	ctx context.Context,
	address Address,
	conn frameConn,
	reliable, accepted bool,
	reply func(p *Participant, err error),
) error {
	ch := newChannel(s.nextChannelID.Add(1), address, conn, reliable, s.config.ChannelQueueSize, s.metrics)

	// On TCP listener speaks first. UDP listener learns about the peer only from its first datagram,
	// so there connector speaks first.
	remoteID, err := ch.handshake(s.config.PeerID, accepted == reliable, s.config.HandshakeTimeout, s.config.Clock)
	if err != nil {
		_ = conn.Close()
		return err
	}

	p, err := s.attach(ctx, ch, remoteID, accepted)
	if err != nil {
		_ = conn.Close()
		s.metrics.rejectedChannels.Inc()
		return err
	}
	defer s.detachChannel(ch)

	reply(p, nil)

	return p.runChannel(ctx, ch)
}

func (s *Scheduler) attach(ctx context.Context, ch *channel, remoteID wire.PeerID, accepted bool) (*Participant, error) {
	if remoteID == s.config.PeerID {
		return nil, errors.WithStack(errSelfConnection)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return nil, errors.WithStack(ErrSchedulerClosed)
	}
	if _, exists := s.participants[remoteID]; exists {
		return nil, errors.Wrapf(errDuplicatePeer, "peer %s", peerString(remoteID))
	}

	p, err := newParticipant(participantConfig{
		LocalID:    s.config.PeerID,
		RemoteID:   remoteID,
		Accepted:   accepted,
		Config:     s.config,
		Prio:       s.prio,
		Metrics:    s.metrics,
		Log:        logger.Get(ctx).With(peerField("peer", remoteID)),
		OnTeardown: s.detachParticipant,
	}, ch)
	if err != nil {
		return nil, err
	}

	s.participants[remoteID] = p
	s.channels[ch.id] = remoteID
	s.metrics.participants.Inc()
	s.metrics.channels.WithLabelValues(string(ch.address.Protocol)).Inc()

	p.log.Info("Participant connected",
		zap.Stringer("address", ch.address),
		zap.Bool("accepted", accepted))

	return p, nil
}

func (s *Scheduler) detachParticipant(p *Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.participants[p.remoteID] == p {
		delete(s.participants, p.remoteID)
		s.metrics.participants.Dec()
	}
}

func (s *Scheduler) detachChannel(ch *channel) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.channels[ch.id]; exists {
		delete(s.channels, ch.id)
		s.metrics.channels.WithLabelValues(string(ch.address.Protocol)).Dec()
	}
}

func (s *Scheduler) logChannelError(ctx context.Context, address Address, err error) {
	if err == nil || ctx.Err() != nil {
		return
	}

	log := logger.Get(ctx).With(zap.Stringer("address", address))
	switch {
	case errors.Is(err, errSelfConnection), errors.Is(err, errDuplicatePeer):
		log.Warn("Channel rejected", zap.Error(err))
	case errors.Is(err, ErrProtocolViolation):
		log.Error("Protocol violation", zap.Error(err))
	default:
		log.Error("Channel failed", zap.Error(err))
	}
}

// tick transmits the next batch of frames produced by priority manager. It never blocks, frames which
// don't fit into the queue of a channel wait for the next tick and the participant gets no new frames
// until then.
func (s *Scheduler) tick(log *zap.Logger) {
	for peerID, b := range s.backlogs {
		if p := s.participant(peerID); p != b.participant {
			s.prio.Release(b.frames)
			delete(s.backlogs, peerID)
			continue
		}
		b.frames = s.transmit(log, b.participant, b.frames)
		if len(b.frames) == 0 {
			delete(s.backlogs, peerID)
		}
	}

	frames := s.prio.Fill(s.config.FragmentsPerTick, func(peerID wire.PeerID) bool {
		_, exists := s.backlogs[peerID]
		return exists
	})

	var peers []wire.PeerID
	framesByPeer := map[wire.PeerID][]prio.Frame{}
	for _, f := range frames {
		if _, exists := framesByPeer[f.PeerID]; !exists {
			peers = append(peers, f.PeerID)
		}
		framesByPeer[f.PeerID] = append(framesByPeer[f.PeerID], f)
	}

	for _, peerID := range peers {
		peerFrames := framesByPeer[peerID]
		p := s.participant(peerID)
		if p == nil {
			s.prio.Release(peerFrames)
			continue
		}
		if rest := s.transmit(log, p, peerFrames); len(rest) > 0 {
			s.backlogs[peerID] = &backlog{participant: p, frames: rest}
		}
	}
}

// transmit hands frames over to the participant's channel until its queue is full.
// Frames which were not handed over are returned.
func (s *Scheduler) transmit(log *zap.Logger, p *Participant, frames []prio.Frame) []prio.Frame {
	for i, f := range frames {
		sent, err := p.trySendFrame(f.Frame)
		if err != nil {
			log.Debug("Dropping frames", peerField("peer", p.remoteID), zap.Error(err))
			s.prio.Release(frames)
			return nil
		}
		if !sent {
			s.prio.Release(frames[:i])
			return frames[i:]
		}
	}
	s.prio.Release(frames)
	return nil
}

func (s *Scheduler) participant(peerID wire.PeerID) *Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.participants[peerID]
}

// shutdown disconnects all the participants and closes listeners.
func (s *Scheduler) shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	participants := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		participants = append(participants, p)
	}
	listeners := make([]*listener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	log := logger.Get(ctx)

	shutdownCtx, cancel := s.config.Clock.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := parallel.Run(shutdownCtx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for _, p := range participants {
			spawn("disconnect", parallel.Continue, func(ctx context.Context) error {
				if err := p.Disconnect(ctx); err != nil {
					p.log.Warn("Participant not disconnected gracefully", zap.Error(err))
				}
				return nil
			})
		}
		return nil
	}); err != nil {
		log.Error("Disconnecting participants failed", zap.Error(err))
	}

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	return err
}

func (s *Scheduler) connConfig() resonance.Config {
	return resonance.Config{
		MaxMessageSize: s.config.maxFrameSize(),
	}
}
