package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeData(t *testing.T) {
	requireT := require.New(t)

	m := NewMarshaller()
	payload := make([]byte, 1400)
	for i := range payload {
		payload[i] = byte(i)
	}

	buf, err := Encode(&Data{
		MessageID: 300,
		Start:     1 << 40,
		Payload:   payload,
	}, m)
	requireT.NoError(err)

	msg, err := Decode(buf, m)
	requireT.NoError(err)
	requireT.Equal(&Data{
		MessageID: 300,
		Start:     1 << 40,
		Payload:   payload,
	}, msg)
}

func TestEncodeDecodeHandshake(t *testing.T) {
	requireT := require.New(t)

	m := NewMarshaller()
	hs := &Handshake{
		Magic:   Magic,
		Version: Version,
		PeerID:  PeerID{0x01, 0x02, 0x03, 0xff},
	}

	buf, err := Encode(hs, m)
	requireT.NoError(err)

	msg, err := Decode(buf, m)
	requireT.NoError(err)
	requireT.Equal(hs, msg)
}

func TestEncodeDecodeShutdown(t *testing.T) {
	requireT := require.New(t)

	m := NewMarshaller()
	buf, err := Encode(&Shutdown{}, m)
	requireT.NoError(err)

	msg, err := Decode(buf, m)
	requireT.NoError(err)
	requireT.IsType(&Shutdown{}, msg)
}

func TestDecodeEmptyBuffer(t *testing.T) {
	_, err := Decode(nil, NewMarshaller())
	require.Error(t, err)
}

func TestDecodeUnknownID(t *testing.T) {
	_, err := Decode([]byte{0x7f, 0x00}, NewMarshaller())
	require.Error(t, err)
}

func TestDecodeTruncated(t *testing.T) {
	requireT := require.New(t)

	m := NewMarshaller()
	buf, err := Encode(&Data{
		MessageID: 1,
		Payload:   []byte("Hello World"),
	}, m)
	requireT.NoError(err)

	_, err = Decode(buf[:len(buf)-3], m)
	requireT.Error(err)
}

func TestDecodeTrailingBytes(t *testing.T) {
	requireT := require.New(t)

	m := NewMarshaller()
	buf, err := Encode(&CloseStream{StreamID: 5}, m)
	requireT.NoError(err)

	_, err = Decode(append(buf, 0x00), m)
	requireT.Error(err)
}

func TestEncodeUnknownMessage(t *testing.T) {
	_, err := Encode(&struct{}{}, NewMarshaller())
	require.Error(t, err)
}
