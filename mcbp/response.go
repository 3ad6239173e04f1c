package mcbp

import (
	"io"

	"github.com/golang/snappy"
)

// Response is a decoded packet. Its slices alias the frame it was decoded from.
type Response struct {
	Header
	FramingExtras []byte
	Extras        []byte
	Key           []byte
	Value         []byte
}

// DecodeResponse parses a complete frame (header and body).
func DecodeResponse(frame []byte) (*Response, error) {
	h, err := DecodeHeader(frame)
	if err != nil {
		return nil, err
	}
	if len(frame) < h.TotalLen() {
		return nil, &ProtocolError{Message: "truncated frame"}
	}

	body := frame[HeaderLen:h.TotalLen()]
	r := &Response{Header: h}

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

// Status returns the response status.
func (r *Response) Status() Status {
	return r.Header.Status()
}

// IsSnappy reports whether the value is snappy compressed.
func (r *Response) IsSnappy() bool {
	return r.Datatype&DatatypeSnappy != 0
}

// DecodedValue returns the value, inflating it when the server compressed it.
func (r *Response) DecodedValue() ([]byte, error) {
	if !r.IsSnappy() {
		return r.Value, nil
	}
	out, err := snappy.Decode(nil, r.Value)
	if err != nil {
		return nil, &ProtocolError{Message: "invalid snappy value", Err: err}
	}
	return out, nil
}

// CompressValue returns a snappy encoding of value and whether it is worth
// sending compressed (the result must be at least minRatio smaller).
func CompressValue(value []byte, minSize int, minRatio float64) ([]byte, bool) {
	if len(value) < minSize {
		return value, false
	}
	out := snappy.Encode(nil, value)
	if float64(len(out)) > float64(len(value))*minRatio {
		return value, false
	}
	return out, true
}

// ReadResponse reads one complete frame from r. It is used on connections
// that are not yet attached to a pipeline, such as during negotiation.
func ReadResponse(r io.Reader) (*Response, error) {
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
	return DecodeResponse(frame)
}

// Bytes encodes the response into a new slice. Header lengths are derived
// from the slices; Magic, Opcode, Datatype, status, Opaque and CAS are
// taken from the header.
func (r *Response) Bytes() []byte {
	h := r.Header
	if h.Magic == 0 {
		h.Magic = MagicRes
	}
	if len(r.FramingExtras) > 0 {
		h.Magic = MagicResFlex
	}
	h.FrameLen = uint8(len(r.FramingExtras))
	h.KeyLen = uint16(len(r.Key))
	h.ExtLen = uint8(len(r.Extras))
	h.BodyLen = uint32(len(r.FramingExtras) + len(r.Extras) + len(r.Key) + len(r.Value))

	buf := make([]byte, h.TotalLen())
	h.Encode(buf)
	n := HeaderLen
	n += copy(buf[n:], r.FramingExtras)
	n += copy(buf[n:], r.Extras)
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.Value)
	return buf
}
