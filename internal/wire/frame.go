// Package wire implements the fixed-size channel-manager frame header
// exchanged over a mailbox transport: encode/decode of the bit-exact,
// big-endian layout defined by the channel manager protocol.
package wire

import (
	"encoding/binary"
	"fmt"
)

// FrameType distinguishes system frames from channel-manager frames on the
// shared mailbox. Only Chan is handled by this module; Sys is reserved.
type FrameType uint8

const (
	Sys  FrameType = 0xAA
	Chan FrameType = 0x55
)

// Op is the channel-manager op-code carried by every Chan frame.
type Op uint8

const (
	ConnReq   Op = 0
	ConnAck   Op = 1
	ConnClose Op = 2
	DataMsg   Op = 3
)

func (o Op) String() string {
	switch o {
	case ConnReq:
		return "CONN_REQ"
	case ConnAck:
		return "CONN_ACK"
	case ConnClose:
		return "CONN_CLOSE"
	case DataMsg:
		return "DATA_MSG"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 16

// MaxMessage is the default transport maximum message length, header
// included, for a DATA_MSG frame.
const MaxMessage = 4096

// Header is the fixed header preceding every frame. Field widths and byte
// order are bit-exact with the wire format in spec.md §6.
type Header struct {
	SrcDestID uint32
	DstDestID uint32
	SrcMbox   uint8
	DstMbox   uint8
	Type      FrameType
	Op        Op
	DstCh     uint16
	SrcCh     uint16
	MsgLen    uint16
	// Rsvd is carried for wire fidelity; always zero on encode.
	Rsvd uint16
}

// Encode writes h in network byte order into a HeaderSize-byte buffer,
// allocating one if buf is nil or too small.
func (h Header) Encode(buf []byte) []byte {
	if len(buf) < HeaderSize {
		buf = make([]byte, HeaderSize)
	}
	binary.BigEndian.PutUint32(buf[0:4], h.SrcDestID)
	binary.BigEndian.PutUint32(buf[4:8], h.DstDestID)
	buf[8] = h.SrcMbox
	buf[9] = h.DstMbox
	buf[10] = uint8(h.Type)
	buf[11] = uint8(h.Op)
	binary.BigEndian.PutUint16(buf[12:14], h.DstCh)
	binary.BigEndian.PutUint16(buf[14:16], h.SrcCh)
	// Only the first HeaderSize bytes are written here; msg_len/rsvd
	// (bytes 16..20) are written by EncodeFull.
	return buf
}

// HeaderWithLenSize is the size of the header plus the trailing msg_len/rsvd words used by
// DATA_MSG frames (spec.md §4.1, §6).
const HeaderWithLenSize = HeaderSize + 4

// EncodeFull encodes the header plus msg_len/rsvd into a
// HeaderWithLenSize-byte buffer.
func (h Header) EncodeFull(buf []byte) []byte {
	if len(buf) < HeaderWithLenSize {
		buf = make([]byte, HeaderWithLenSize)
	}
	h.Encode(buf[:HeaderSize])
	binary.BigEndian.PutUint16(buf[16:18], h.MsgLen)
	binary.BigEndian.PutUint16(buf[18:20], h.Rsvd)
	return buf
}

// Decode parses a HeaderWithLenSize-byte (or larger) buffer into a Header.
func Decode(buf []byte) (Header, error) {
	if len(buf) < HeaderWithLenSize {
		return Header{}, fmt.Errorf("wire: short frame: %d bytes, need %d", len(buf), HeaderWithLenSize)
	}
	var h Header
	h.SrcDestID = binary.BigEndian.Uint32(buf[0:4])
	h.DstDestID = binary.BigEndian.Uint32(buf[4:8])
	h.SrcMbox = buf[8]
	h.DstMbox = buf[9]
	h.Type = FrameType(buf[10])
	h.Op = Op(buf[11])
	h.DstCh = binary.BigEndian.Uint16(buf[12:14])
	h.SrcCh = binary.BigEndian.Uint16(buf[14:16])
	h.MsgLen = binary.BigEndian.Uint16(buf[16:18])
	h.Rsvd = binary.BigEndian.Uint16(buf[18:20])
	return h, nil
}

// Frame is a decoded header plus any trailing DATA_MSG payload bytes.
type Frame struct {
	Header  Header
	Payload []byte
}

// EncodeData builds a complete DATA_MSG frame: header with MsgLen set to
// the total frame length, followed by payload. The returned slice is newly
// allocated.
func EncodeData(h Header, payload []byte) ([]byte, error) {
	total := HeaderWithLenSize + len(payload)
	if total > MaxMessage {
		return nil, fmt.Errorf("wire: frame of %d bytes exceeds max message size %d", total, MaxMessage)
	}
	h.Type = Chan
	h.Op = DataMsg
	h.MsgLen = uint16(total)
	buf := make([]byte, total)
	h.EncodeFull(buf[:HeaderWithLenSize])
	copy(buf[HeaderWithLenSize:], payload)
	return buf, nil
}

// EncodeControl builds a header-only control frame (CONN_REQ, CONN_ACK,
// CONN_CLOSE) with no payload.
func EncodeControl(h Header, op Op) []byte {
	h.Type = Chan
	h.Op = op
	buf := make([]byte, HeaderWithLenSize)
	h.EncodeFull(buf)
	return buf
}

// DecodeFrame splits a raw mailbox message into header and payload.
func DecodeFrame(buf []byte) (Frame, error) {
	h, err := Decode(buf)
	if err != nil {
		return Frame{}, err
	}
	f := Frame{Header: h}
	if h.Op == DataMsg && len(buf) > HeaderWithLenSize {
		f.Payload = buf[HeaderWithLenSize:]
	}
	return f, nil
}
