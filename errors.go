package plexus

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrBindFailed is returned when address can't be listened on.
	ErrBindFailed = errors.New("bind failed")

	// ErrConnectFailed is returned when peer can't be connected.
	ErrConnectFailed = errors.New("connect failed")

	// ErrParticipantDisconnected is returned when peer is gone.
	ErrParticipantDisconnected = errors.New("participant disconnected")

	// ErrStreamClosed is returned when stream has been closed, locally or by the peer.
	ErrStreamClosed = errors.New("stream closed")

	// ErrSendFailed is returned when there is no channel to send frames to the peer.
	ErrSendFailed = errors.New("send failed")

	// ErrProtocolViolation is returned when peer sends frame which is invalid in the current state.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrSchedulerClosed is returned when scheduler is not running anymore.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

var (
	errSelfConnection = errors.New("connected to myself")
	errDuplicatePeer  = errors.New("peer is already connected")
	errRemoteShutdown = errors.New("peer shut down")
	errLocalShutdown  = errors.New("participant shut down")
)

// AddressError is returned when listening on or connecting to an address fails.
type AddressError struct {
	Kind    error
	Address Address
	Err     error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Address, e.Err)
}

// Unwrap returns the kind and the cause of the error.
func (e *AddressError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func violation(format string, args ...any) error {
	return errors.Wrapf(ErrProtocolViolation, format, args...)
}
