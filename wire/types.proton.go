package wire

import (
	"reflect"
	"unsafe"

	"github.com/outofforest/proton"
	"github.com/outofforest/proton/helpers"
	"github.com/pkg/errors"
)

const (
	id0 uint64 = iota + 1
	id1
	id2
	id3
	id4
	id5
)

var _ proton.Marshaller = Marshaller{}

// NewMarshaller creates marshaller.
func NewMarshaller() Marshaller {
	return Marshaller{}
}

// Marshaller marshals and unmarshals messages.
type Marshaller struct {
}

// Messages returns list of the message types supported by marshaller.
func (m Marshaller) Messages() []any {
	return []any {
		Handshake{},
		OpenStream{},
		CloseStream{},
		DataHeader{},
		Data{},
		Shutdown{},
	}
}

// ID returns ID of message type.
func (m Marshaller) ID(msg any) (uint64, error) {
	switch msg.(type) {
	case *Handshake:
		return id0, nil
	case *OpenStream:
		return id1, nil
	case *CloseStream:
		return id2, nil
	case *DataHeader:
		return id3, nil
	case *Data:
		return id4, nil
	case *Shutdown:
		return id5, nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Size computes the size of marshalled message.
func (m Marshaller) Size(msg any) (uint64, error) {
	switch msg2 := msg.(type) {
	case *Handshake:
		return size0(msg2), nil
	case *OpenStream:
		return size1(msg2), nil
	case *CloseStream:
		return size2(msg2), nil
	case *DataHeader:
		return size3(msg2), nil
	case *Data:
		return size4(msg2), nil
	case *Shutdown:
		return size5(msg2), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Marshal marshals message.
func (m Marshaller) Marshal(msg any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMarshal(&retErr)

	switch msg2 := msg.(type) {
	case *Handshake:
		return id0, marshal0(msg2, buf), nil
	case *OpenStream:
		return id1, marshal1(msg2, buf), nil
	case *CloseStream:
		return id2, marshal2(msg2, buf), nil
	case *DataHeader:
		return id3, marshal3(msg2, buf), nil
	case *Data:
		return id4, marshal4(msg2, buf), nil
	case *Shutdown:
		return id5, marshal5(msg2, buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msg)
	}
}

// Unmarshal unmarshals message.
func (m Marshaller) Unmarshal(id uint64, buf []byte) (retMsg any, retSize uint64, retErr error) {
	defer helpers.RecoverUnmarshal(&retErr)

	switch id {
	case id0:
		msg := &Handshake{}
		return msg, unmarshal0(msg, buf), nil
	case id1:
		msg := &OpenStream{}
		return msg, unmarshal1(msg, buf), nil
	case id2:
		msg := &CloseStream{}
		return msg, unmarshal2(msg, buf), nil
	case id3:
		msg := &DataHeader{}
		return msg, unmarshal3(msg, buf), nil
	case id4:
		msg := &Data{}
		return msg, unmarshal4(msg, buf), nil
	case id5:
		msg := &Shutdown{}
		return msg, unmarshal5(msg, buf), nil
	default:
		return nil, 0, errors.Errorf("unknown ID %d", id)
	}
}

// MakePatch creates a patch.
func (m Marshaller) MakePatch(msgDst, msgSrc any, buf []byte) (retID, retSize uint64, retErr error) {
	defer helpers.RecoverMakePatch(&retErr)

	switch msg2 := msgDst.(type) {
	case *Handshake:
		return id0, makePatch0(msg2, msgSrc.(*Handshake), buf), nil
	case *OpenStream:
		return id1, makePatch1(msg2, msgSrc.(*OpenStream), buf), nil
	case *CloseStream:
		return id2, makePatch2(msg2, msgSrc.(*CloseStream), buf), nil
	case *DataHeader:
		return id3, makePatch3(msg2, msgSrc.(*DataHeader), buf), nil
	case *Data:
		return id4, makePatch4(msg2, msgSrc.(*Data), buf), nil
	case *Shutdown:
		return id5, makePatch5(msg2, msgSrc.(*Shutdown), buf), nil
	default:
		return 0, 0, errors.Errorf("unknown message type %T", msgDst)
	}
}

// ApplyPatch applies patch.
func (m Marshaller) ApplyPatch(msg any, buf []byte) (retSize uint64, retErr error) {
	defer helpers.RecoverApplyPatch(&retErr)

	switch msg2 := msg.(type) {
	case *Handshake:
		return applyPatch0(msg2, buf), nil
	case *OpenStream:
		return applyPatch1(msg2, buf), nil
	case *CloseStream:
		return applyPatch2(msg2, buf), nil
	case *DataHeader:
		return applyPatch3(msg2, buf), nil
	case *Data:
		return applyPatch4(msg2, buf), nil
	case *Shutdown:
		return applyPatch5(msg2, buf), nil
	default:
		return 0, errors.Errorf("unknown message type %T", msg)
	}
}

func size0(m *Handshake) uint64 {
	var n uint64 = 18
	{
		// Magic

		helpers.UInt64Size(m.Magic, &n)
	}
	{
		// Version

		helpers.UInt64Size(m.Version, &n)
	}
	return n
}

func marshal0(m *Handshake, b []byte) uint64 {
	var o uint64
	{
		// Magic

		helpers.UInt64Marshal(m.Magic, b, &o)
	}
	{
		// Version

		helpers.UInt64Marshal(m.Version, b, &o)
	}
	{
		// PeerID

		copy(b[o:o+16], unsafe.Slice(&m.PeerID[0], 16))
		o += 16
	}

	return o
}

func unmarshal0(m *Handshake, b []byte) uint64 {
	var o uint64
	{
		// Magic

		helpers.UInt64Unmarshal(&m.Magic, b, &o)
	}
	{
		// Version

		helpers.UInt64Unmarshal(&m.Version, b, &o)
	}
	{
		// PeerID

		copy(unsafe.Slice(&m.PeerID[0], 16), b[o:o+16])
		o += 16
	}

	return o
}

func makePatch0(m, mSrc *Handshake, b []byte) uint64 {
	var o uint64 = 1
	{
		// Magic

		if reflect.DeepEqual(m.Magic, mSrc.Magic) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.Magic, b, &o)
		}
	}
	{
		// Version

		if reflect.DeepEqual(m.Version, mSrc.Version) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Version, b, &o)
		}
	}
	{
		// PeerID

		if reflect.DeepEqual(m.PeerID, mSrc.PeerID) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			copy(b[o:o+16], unsafe.Slice(&m.PeerID[0], 16))
			o += 16
		}
	}

	return o
}

func applyPatch0(m *Handshake, b []byte) uint64 {
	var o uint64 = 1
	{
		// Magic

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.Magic, b, &o)
		}
	}
	{
		// Version

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Version, b, &o)
		}
	}
	{
		// PeerID

		if b[0]&0x04 != 0 {
			copy(unsafe.Slice(&m.PeerID[0], 16), b[o:o+16])
			o += 16
		}
	}

	return o
}

func size1(m *OpenStream) uint64 {
	var n uint64 = 3
	{
		// StreamID

		helpers.UInt64Size(m.StreamID, &n)
	}
	{
		// Priority

		helpers.UInt64Size(m.Priority, &n)
	}
	{
		// Promises

		helpers.UInt64Size(m.Promises, &n)
	}
	return n
}

func marshal1(m *OpenStream, b []byte) uint64 {
	var o uint64
	{
		// StreamID

		helpers.UInt64Marshal(m.StreamID, b, &o)
	}
	{
		// Priority

		helpers.UInt64Marshal(m.Priority, b, &o)
	}
	{
		// Promises

		helpers.UInt64Marshal(m.Promises, b, &o)
	}

	return o
}

func unmarshal1(m *OpenStream, b []byte) uint64 {
	var o uint64
	{
		// StreamID

		helpers.UInt64Unmarshal(&m.StreamID, b, &o)
	}
	{
		// Priority

		helpers.UInt64Unmarshal(&m.Priority, b, &o)
	}
	{
		// Promises

		helpers.UInt64Unmarshal(&m.Promises, b, &o)
	}

	return o
}

func makePatch1(m, mSrc *OpenStream, b []byte) uint64 {
	var o uint64 = 1
	{
		// StreamID

		if reflect.DeepEqual(m.StreamID, mSrc.StreamID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.StreamID, b, &o)
		}
	}
	{
		// Priority

		if reflect.DeepEqual(m.Priority, mSrc.Priority) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Priority, b, &o)
		}
	}
	{
		// Promises

		if reflect.DeepEqual(m.Promises, mSrc.Promises) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Promises, b, &o)
		}
	}

	return o
}

func applyPatch1(m *OpenStream, b []byte) uint64 {
	var o uint64 = 1
	{
		// StreamID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.StreamID, b, &o)
		}
	}
	{
		// Priority

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Priority, b, &o)
		}
	}
	{
		// Promises

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Promises, b, &o)
		}
	}

	return o
}

func size2(m *CloseStream) uint64 {
	var n uint64 = 1
	{
		// StreamID

		helpers.UInt64Size(m.StreamID, &n)
	}
	return n
}

func marshal2(m *CloseStream, b []byte) uint64 {
	var o uint64
	{
		// StreamID

		helpers.UInt64Marshal(m.StreamID, b, &o)
	}

	return o
}

func unmarshal2(m *CloseStream, b []byte) uint64 {
	var o uint64
	{
		// StreamID

		helpers.UInt64Unmarshal(&m.StreamID, b, &o)
	}

	return o
}

func makePatch2(m, mSrc *CloseStream, b []byte) uint64 {
	var o uint64 = 1
	{
		// StreamID

		if reflect.DeepEqual(m.StreamID, mSrc.StreamID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.StreamID, b, &o)
		}
	}

	return o
}

func applyPatch2(m *CloseStream, b []byte) uint64 {
	var o uint64 = 1
	{
		// StreamID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.StreamID, b, &o)
		}
	}

	return o
}

func size3(m *DataHeader) uint64 {
	var n uint64 = 3
	{
		// MessageID

		helpers.UInt64Size(m.MessageID, &n)
	}
	{
		// StreamID

		helpers.UInt64Size(m.StreamID, &n)
	}
	{
		// Length

		helpers.UInt64Size(m.Length, &n)
	}
	return n
}

func marshal3(m *DataHeader, b []byte) uint64 {
	var o uint64
	{
		// MessageID

		helpers.UInt64Marshal(m.MessageID, b, &o)
	}
	{
		// StreamID

		helpers.UInt64Marshal(m.StreamID, b, &o)
	}
	{
		// Length

		helpers.UInt64Marshal(m.Length, b, &o)
	}

	return o
}

func unmarshal3(m *DataHeader, b []byte) uint64 {
	var o uint64
	{
		// MessageID

		helpers.UInt64Unmarshal(&m.MessageID, b, &o)
	}
	{
		// StreamID

		helpers.UInt64Unmarshal(&m.StreamID, b, &o)
	}
	{
		// Length

		helpers.UInt64Unmarshal(&m.Length, b, &o)
	}

	return o
}

func makePatch3(m, mSrc *DataHeader, b []byte) uint64 {
	var o uint64 = 1
	{
		// MessageID

		if reflect.DeepEqual(m.MessageID, mSrc.MessageID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.MessageID, b, &o)
		}
	}
	{
		// StreamID

		if reflect.DeepEqual(m.StreamID, mSrc.StreamID) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.StreamID, b, &o)
		}
	}
	{
		// Length

		if reflect.DeepEqual(m.Length, mSrc.Length) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			helpers.UInt64Marshal(m.Length, b, &o)
		}
	}

	return o
}

func applyPatch3(m *DataHeader, b []byte) uint64 {
	var o uint64 = 1
	{
		// MessageID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.MessageID, b, &o)
		}
	}
	{
		// StreamID

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.StreamID, b, &o)
		}
	}
	{
		// Length

		if b[0]&0x04 != 0 {
			helpers.UInt64Unmarshal(&m.Length, b, &o)
		}
	}

	return o
}

func size4(m *Data) uint64 {
	var n uint64 = 3
	{
		// MessageID

		helpers.UInt64Size(m.MessageID, &n)
	}
	{
		// Start

		helpers.UInt64Size(m.Start, &n)
	}
	{
		// Payload

		{
			l := uint64(len(m.Payload))
			helpers.UInt64Size(l, &n)
			n += l
		}
	}
	return n
}

func marshal4(m *Data, b []byte) uint64 {
	var o uint64
	{
		// MessageID

		helpers.UInt64Marshal(m.MessageID, b, &o)
	}
	{
		// Start

		helpers.UInt64Marshal(m.Start, b, &o)
	}
	{
		// Payload

		{
			l := uint64(len(m.Payload))
			helpers.UInt64Marshal(l, b, &o)
			copy(b[o:o+l], m.Payload)
			o += l
		}
	}

	return o
}

func unmarshal4(m *Data, b []byte) uint64 {
	var o uint64
	{
		// MessageID

		helpers.UInt64Unmarshal(&m.MessageID, b, &o)
	}
	{
		// Start

		helpers.UInt64Unmarshal(&m.Start, b, &o)
	}
	{
		// Payload

		{
			var l uint64
			helpers.UInt64Unmarshal(&l, b, &o)
			if l > 0 {
				m.Payload = make([]byte, l)
				copy(m.Payload, b[o:o+l])
				o += l
			}
		}
	}

	return o
}

func makePatch4(m, mSrc *Data, b []byte) uint64 {
	var o uint64 = 1
	{
		// MessageID

		if reflect.DeepEqual(m.MessageID, mSrc.MessageID) {
			b[0] &= 0xFE
		} else {
			b[0] |= 0x01
			helpers.UInt64Marshal(m.MessageID, b, &o)
		}
	}
	{
		// Start

		if reflect.DeepEqual(m.Start, mSrc.Start) {
			b[0] &= 0xFD
		} else {
			b[0] |= 0x02
			helpers.UInt64Marshal(m.Start, b, &o)
		}
	}
	{
		// Payload

		if reflect.DeepEqual(m.Payload, mSrc.Payload) {
			b[0] &= 0xFB
		} else {
			b[0] |= 0x04
			{
				l := uint64(len(m.Payload))
				helpers.UInt64Marshal(l, b, &o)
				copy(b[o:o+l], m.Payload)
				o += l
			}
		}
	}

	return o
}

func applyPatch4(m *Data, b []byte) uint64 {
	var o uint64 = 1
	{
		// MessageID

		if b[0]&0x01 != 0 {
			helpers.UInt64Unmarshal(&m.MessageID, b, &o)
		}
	}
	{
		// Start

		if b[0]&0x02 != 0 {
			helpers.UInt64Unmarshal(&m.Start, b, &o)
		}
	}
	{
		// Payload

		if b[0]&0x04 != 0 {
			{
				var l uint64
				helpers.UInt64Unmarshal(&l, b, &o)
				if l > 0 {
					m.Payload = make([]byte, l)
					copy(m.Payload, b[o:o+l])
					o += l
				}
			}
		}
	}

	return o
}

func size5(m *Shutdown) uint64 {
	var n uint64
	return n
}

func marshal5(m *Shutdown, b []byte) uint64 {
	var o uint64

	return o
}

func unmarshal5(m *Shutdown, b []byte) uint64 {
	var o uint64

	return o
}

func makePatch5(m, mSrc *Shutdown, b []byte) uint64 {
	var o uint64

	return o
}

func applyPatch5(m *Shutdown, b []byte) uint64 {
	var o uint64

	return o
}
