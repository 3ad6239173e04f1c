package mcbp

import (
	"encoding/binary"
	"fmt"
)

// Header is the decoded 24-byte packet header. VBucket carries the status
// code in responses.
type Header struct {
	Magic    Magic
	Opcode   Opcode
	FrameLen uint8
	KeyLen   uint16
	ExtLen   uint8
	Datatype Datatype
	VBucket  uint16
	BodyLen  uint32
	Opaque   uint32
	CAS      uint64
}

// Status returns the response status stored in the vbucket field.
func (h *Header) Status() Status {
	return Status(h.VBucket)
}

// TotalLen is the size of the full frame including the header.
func (h *Header) TotalLen() int {
	return HeaderLen + int(h.BodyLen)
}

// ValueLen is the size of the value portion of the body.
func (h *Header) ValueLen() int {
	return int(h.BodyLen) - int(h.FrameLen) - int(h.ExtLen) - int(h.KeyLen)
}

// Encode writes h into buf, which must hold at least HeaderLen bytes.
func (h *Header) Encode(buf []byte) {
	_ = buf[HeaderLen-1]
	buf[0] = byte(h.Magic)
	buf[1] = byte(h.Opcode)
	if h.Magic.IsFlex() {
		buf[2] = h.FrameLen
		buf[3] = byte(h.KeyLen)
	} else {
		binary.BigEndian.PutUint16(buf[2:], h.KeyLen)
	}
	buf[4] = h.ExtLen
	buf[5] = byte(h.Datatype)
	binary.BigEndian.PutUint16(buf[6:], h.VBucket)
	binary.BigEndian.PutUint32(buf[8:], h.BodyLen)
	binary.BigEndian.PutUint32(buf[12:], h.Opaque)
	binary.BigEndian.PutUint64(buf[16:], h.CAS)
}

// DecodeHeader parses the first HeaderLen bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	var h Header
	if len(buf) < HeaderLen {
		return h, &ProtocolError{Message: fmt.Sprintf("short header: %d bytes", len(buf))}
	}

	h.Magic = Magic(buf[0])
	if !h.Magic.IsRequest() && !h.Magic.IsResponse() {
		return h, &ProtocolError{Message: fmt.Sprintf("invalid magic 0x%02x", buf[0])}
	}

	h.Opcode = Opcode(buf[1])
	if h.Magic.IsFlex() {
		h.FrameLen = buf[2]
		h.KeyLen = uint16(buf[3])
	} else {
		h.KeyLen = binary.BigEndian.Uint16(buf[2:])
	}
	h.ExtLen = buf[4]
	h.Datatype = Datatype(buf[5])
	h.VBucket = binary.BigEndian.Uint16(buf[6:])
	h.BodyLen = binary.BigEndian.Uint32(buf[8:])
	h.Opaque = binary.BigEndian.Uint32(buf[12:])
	h.CAS = binary.BigEndian.Uint64(buf[16:])

	if int(h.FrameLen)+int(h.ExtLen)+int(h.KeyLen) > int(h.BodyLen) {
		return h, &ProtocolError{Message: fmt.Sprintf(
			"body length %d shorter than frame(%d)+extras(%d)+key(%d)",
			h.BodyLen, h.FrameLen, h.ExtLen, h.KeyLen)}
	}
	return h, nil
}
