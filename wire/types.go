package wire

type (
	// PeerID identifies a process taking part in the network.
	PeerID [16]byte

	// StreamID identifies logical stream within a participant.
	StreamID uint64

	// MessageID identifies message transmitted as a sequence of data frames.
	MessageID uint64

	// Priority is the scheduling class of a stream. Lower value is served first.
	Priority uint64

	// Promises is the set of delivery guarantees requested for a stream.
	Promises uint64
)

// Delivery guarantees of a stream.
const (
	PromiseOrdered Promises = 1 << iota
	PromiseConsistency
	PromiseCompressed
	PromiseEncrypted
)

const (
	// Magic is carried by handshake to recognize our protocol.
	Magic uint64 = 0x706c65787573

	// Version is the version of the protocol.
	Version uint64 = 1
)

// Handshake is the first frame exchanged on every physical connection.
type Handshake struct {
	Magic   uint64
	Version uint64
	PeerID  PeerID
}

// OpenStream announces new stream to the peer.
type OpenStream struct {
	StreamID StreamID
	Priority Priority
	Promises Promises
}

// CloseStream announces that stream is gone.
type CloseStream struct {
	StreamID StreamID
}

// DataHeader starts transmission of a message.
type DataHeader struct {
	MessageID MessageID
	StreamID  StreamID
	Length    uint64
}

// Data carries fragment of a message.
type Data struct {
	MessageID MessageID
	Start     uint64
	Payload   []byte
}

// Shutdown announces that the sender is going away.
type Shutdown struct {
}
