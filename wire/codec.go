package wire

import (
	"github.com/pkg/errors"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
)

// Encode serializes message into self-contained buffer: message ID followed by the marshalled message.
// It is used wherever message boundaries are provided by the carrier, like UDP datagrams or stream messages.
func Encode(msg any, m proton.Marshaller) ([]byte, error) {
	id, err := m.ID(msg)
	if err != nil {
		return nil, err
	}
	size, err := m.Size(msg)
	if err != nil {
		return nil, err
	}

	var n uint64 = 1
	helpers.UInt64Size(id, &n)

	buf := make([]byte, n+size)
	var o uint64
	helpers.UInt64Marshal(id, buf, &o)

	_, written, err := m.Marshal(msg, buf[o:])
	if err != nil {
		return nil, err
	}
	return buf[:o+written], nil
}

// Decode deserializes message produced by Encode.
func Decode(buf []byte, m proton.Marshaller) (retMsg any, retErr error) {
	if len(buf) == 0 {
		return nil, errors.New("empty buffer")
	}

	defer helpers.RecoverUnmarshal(&retErr)

	var id, o uint64
	helpers.UInt64Unmarshal(&id, buf, &o)

	msg, size, err := m.Unmarshal(id, buf[o:])
	if err != nil {
		return nil, err
	}
	if o+size != uint64(len(buf)) {
		return nil, errors.Errorf("message %T occupies %d bytes, buffer has %d", msg, o+size, len(buf))
	}
	return msg, nil
}
