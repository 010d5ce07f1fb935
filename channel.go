package plexus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"

	"github.com/outofforest/parallel"
	"github.com/outofforest/plexus/wire"
	"github.com/outofforest/resonance"
)

// frameConn is the physical link frames are encoded onto.
type frameConn interface {
	SendFrame(frame any) error
	ReceiveFrame() (any, error)
	Close() error
}

type tcpConn struct {
	c *resonance.Connection
	m wire.Marshaller
}

func newTCPConn(c *resonance.Connection) *tcpConn {
	return &tcpConn{
		c: c,
		m: wire.NewMarshaller(),
	}
}

func (c *tcpConn) SendFrame(frame any) error {
	return c.c.SendProton(frame, c.m)
}

func (c *tcpConn) ReceiveFrame() (any, error) {
	return c.c.ReceiveProton(c.m)
}

func (c *tcpConn) Close() error {
	c.c.Close()
	return nil
}

// channel drives one physical connection: it decodes received frames and hands them to the owner,
// and encodes frames queued by the owner.
type channel struct {
	id       uint64
	address  Address
	conn     frameConn
	reliable bool
	metrics  *metrics

	outCh        chan any
	done         chan struct{}
	doneOnce     sync.Once
	shutdownSent atomic.Bool
}

func newChannel(id uint64, address Address, conn frameConn, reliable bool, queueSize int, m *metrics) *channel {
	return &channel{
		id:       id,
		address:  address,
		conn:     conn,
		reliable: reliable,
		metrics:  m,
		outCh:    make(chan any, queueSize),
		done:     make(chan struct{}),
	}
}

// Send queues frame for sending.
func (ch *channel) Send(frame any) error {
	select {
	case <-ch.done:
		return errors.WithStack(ErrSendFailed)
	default:
	}

	select {
	case ch.outCh <- frame:
		return nil
	case <-ch.done:
		return errors.WithStack(ErrSendFailed)
	}
}

// TrySend queues frame for sending if there is space in the queue. It never blocks.
func (ch *channel) TrySend(frame any) (bool, error) {
	select {
	case <-ch.done:
		return false, errors.WithStack(ErrSendFailed)
	default:
	}

	select {
	case ch.outCh <- frame:
		return true, nil
	case <-ch.done:
		return false, errors.WithStack(ErrSendFailed)
	default:
		return false, nil
	}
}

// handshake exchanges Handshake frames and returns the identity of the peer.
// Side having sendFirst set speaks first, the other one waits for it before revealing itself.
func (ch *channel) handshake(localID wire.PeerID, sendFirst bool, timeout time.Duration, clk clock.Clock) (wire.PeerID, error) {
	timer := clk.AfterFunc(timeout, func() {
		_ = ch.conn.Close()
	})
	defer timer.Stop()

	hello := &wire.Handshake{
		Magic:   wire.Magic,
		Version: wire.Version,
		PeerID:  localID,
	}

	if sendFirst {
		if err := ch.sendFrame(hello); err != nil {
			return wire.PeerID{}, err
		}
	}

	frame, err := ch.receiveFrame()
	if err != nil {
		return wire.PeerID{}, errors.Wrap(err, "handshake failed")
	}

	remote, ok := frame.(*wire.Handshake)
	switch {
	case !ok:
		return wire.PeerID{}, violation("handshake expected, got %T", frame)
	case remote.Magic != wire.Magic:
		return wire.PeerID{}, violation("invalid magic %x", remote.Magic)
	case remote.Version != wire.Version:
		return wire.PeerID{}, violation("unsupported version %d", remote.Version)
	}

	if !sendFirst {
		if err := ch.sendFrame(hello); err != nil {
			return wire.PeerID{}, err
		}
	}

	return remote.PeerID, nil
}

// run pumps frames until the connection fails, handler rejects a frame or Shutdown frame is sent.
func (ch *channel) run(ctx context.Context, handle func(frame any) error) error {
	defer ch.doneOnce.Do(func() {
		close(ch.done)
	})

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("receiver", parallel.Fail, func(ctx context.Context) error {
			for {
				frame, err := ch.receiveFrame()
				if err != nil {
					switch {
					case ch.shutdownSent.Load():
						return errors.WithStack(errLocalShutdown)
					case ctx.Err() != nil:
						return errors.WithStack(ctx.Err())
					default:
						return err
					}
				}
				if err := handle(frame); err != nil {
					return err
				}
			}
		})
		spawn("sender", parallel.Fail, func(ctx context.Context) error {
			defer ch.conn.Close()

			for {
				select {
				case <-ctx.Done():
					_ = ch.sendFrame(&wire.Shutdown{})
					return errors.WithStack(ctx.Err())
				case frame := <-ch.outCh:
					if err := ch.sendFrame(frame); err != nil {
						return err
					}
					if _, ok := frame.(*wire.Shutdown); ok {
						ch.shutdownSent.Store(true)
						return errors.WithStack(errLocalShutdown)
					}
				}
			}
		})

		return nil
	})
}

func (ch *channel) sendFrame(frame any) error {
	if err := ch.conn.SendFrame(frame); err != nil {
		return err
	}
	ch.metrics.framesSent.WithLabelValues(frameKind(frame)).Inc()
	return nil
}

func (ch *channel) receiveFrame() (any, error) {
	frame, err := ch.conn.ReceiveFrame()
	if err != nil {
		return nil, err
	}
	ch.metrics.framesReceived.WithLabelValues(frameKind(frame)).Inc()
	return frame, nil
}
