package mcbp

import (
	"fmt"
	"io"
)

// Request is an outgoing packet. Slices are copied on Encode.
type Request struct {
	Opcode        Opcode
	Datatype      Datatype
	VBucket       uint16
	Opaque        uint32
	CAS           uint64
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// Header returns the header Encode will write.
func (r *Request) Header() Header {
	magic := MagicReq
	if len(r.FramingExtras) > 0 {
		magic = MagicReqFlex
	}
	return Header{
		Magic:    magic,
		Opcode:   r.Opcode,
		FrameLen: uint8(len(r.FramingExtras)),
		KeyLen:   uint16(len(r.Key)),
		ExtLen:   uint8(len(r.Extras)),
		Datatype: r.Datatype,
		VBucket:  r.VBucket,
		BodyLen:  uint32(len(r.FramingExtras) + len(r.Extras) + len(r.Key) + len(r.Value)),
		Opaque:   r.Opaque,
		CAS:      r.CAS,
	}
}

// Size is the encoded length of the request.
func (r *Request) Size() int {
	return HeaderLen + len(r.FramingExtras) + len(r.Extras) + len(r.Key) + len(r.Value)
}

// Encode writes the request into buf and returns the bytes written.
// buf must hold at least Size() bytes.
func (r *Request) Encode(buf []byte) int {
	h := r.Header()
	h.Encode(buf)
	n := HeaderLen
	n += copy(buf[n:], r.FramingExtras)
	n += copy(buf[n:], r.Extras)
	n += copy(buf[n:], r.Key)
	n += copy(buf[n:], r.Value)
	return n
}

// Bytes encodes the request into a new slice.
func (r *Request) Bytes() []byte {
	buf := make([]byte, r.Size())
	r.Encode(buf)
	return buf
}

// DecodeRequest parses a complete request frame. The request's slices
// alias frame.
func DecodeRequest(frame []byte) (*Request, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if !h.Magic.IsRequest() {
		return nil, &ProtocolError{Message: fmt.Sprintf("magic 0x%02x is not a request", byte(h.Magic))}
	}
	if len(frame) < h.TotalLen() {
		return nil, &ProtocolError{Message: "truncated frame"}
	}

	body := frame[HeaderLen:h.TotalLen()]
	r := &Request{
		Opcode:   h.Opcode,
		Datatype: h.Datatype,
		VBucket:  h.VBucket,
		Opaque:   h.Opaque,
		CAS:      h.CAS,
	}
	off := 0
	r.FramingExtras = body[off : off+int(h.FrameLen)]
	off += int(h.FrameLen)
	r.Extras = body[off : off+int(h.ExtLen)]
	off += int(h.ExtLen)
	r.Key = body[off : off+int(h.KeyLen)]
	off += int(h.KeyLen)
	r.Value = body[off:]
	return r, nil
}

// ReadRequest reads one request frame from r.
func ReadRequest(r io.Reader) (*Request, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return nil, err
	}
	frame := make([]byte, h.TotalLen())
	copy(frame, hdr[:])
	if _, err := io.ReadFull(r, frame[HeaderLen:]); err != nil {
		return nil, &ConnectionError{Op: "read", Err: err}
	}
	return DecodeRequest(frame)
}
