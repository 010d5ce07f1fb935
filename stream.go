package plexus

import (
	"bytes"
	"context"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/plexus/wire"
	"github.com/outofforest/proton"
)

// Stream is the logical, independently ordered channel of messages exchanged with the participant.
type Stream struct {
	id          wire.StreamID
	priority    wire.Priority
	promises    wire.Promises
	participant *Participant

	closed   atomic.Bool
	received *queue[[]byte]
}

func newStream(p *Participant, id wire.StreamID, priority wire.Priority, promises wire.Promises) *Stream {
	return &Stream{
		id:          id,
		priority:    priority,
		promises:    promises,
		participant: p,
		received:    newQueue[[]byte](),
	}
}

// ID returns ID of the stream.
func (s *Stream) ID() wire.StreamID {
	return s.id
}

// Priority returns priority of the stream.
func (s *Stream) Priority() wire.Priority {
	return s.priority
}

// Promises returns delivery guarantees of the stream.
func (s *Stream) Promises() wire.Promises {
	return s.promises
}

// Participant returns participant the stream belongs to.
func (s *Stream) Participant() *Participant {
	return s.participant
}

// Send queues message for sending. It doesn't wait until message is transmitted.
func (s *Stream) Send(payload []byte) error {
	return s.send(bytes.Clone(payload))
}

// SendProton marshals message and queues it for sending.
func (s *Stream) SendProton(msg any, m proton.Marshaller) error {
	payload, err := wire.Encode(msg, m)
	if err != nil {
		return err
	}
	return s.send(payload)
}

// Recv waits for the next message. Messages received before stream was closed are returned first.
func (s *Stream) Recv(ctx context.Context) ([]byte, error) {
	return s.received.Pop(ctx)
}

// RecvProton waits for the next message and unmarshals it.
func (s *Stream) RecvProton(ctx context.Context, m proton.Marshaller) (any, error) {
	payload, err := s.Recv(ctx)
	if err != nil {
		return nil, err
	}
	return wire.Decode(payload, m)
}

// Close closes the stream. It waits until all the messages queued before are sent.
func (s *Stream) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.participant.closeStream(ctx, s)
}

func (s *Stream) send(payload []byte) error {
	if s.closed.Load() {
		return errors.WithStack(ErrStreamClosed)
	}
	return s.participant.send(s, payload)
}
