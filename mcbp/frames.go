package mcbp

import (
	"encoding/binary"
	"math"
	"time"
)

type frameID uint8

const (
	frameReqSyncDurability = frameID(1)
	frameResSrvDuration    = frameID(0)
)

func appendFrame(dst []byte, id frameID, payload []byte) []byte {
	dst = append(dst, byte(id)<<4|byte(len(payload)))
	return append(dst, payload...)
}

// AppendDurabilityFrame appends a synchronous durability frame. A zero
// timeout leaves the server default in place.
func AppendDurabilityFrame(dst []byte, level DurabilityLevel, timeout time.Duration) []byte {
	if timeout <= 0 {
		return appendFrame(dst, frameReqSyncDurability, []byte{byte(level)})
	}

	ms := timeout.Milliseconds()
	if ms > math.MaxUint16 {
		ms = math.MaxUint16
	}
	if ms == 0 {
		ms = 1
	}
	payload := []byte{byte(level), 0, 0}
	binary.BigEndian.PutUint16(payload[1:], uint16(ms))
	return appendFrame(dst, frameReqSyncDurability, payload)
}

// Frame is one decoded flexible framing entry.
type Frame struct {
	ID      uint8
	Payload []byte
}

// ParseFrames splits flexible framing extras into frames.
func ParseFrames(buf []byte) ([]Frame, error) {
	var frames []Frame
	for len(buf) > 0 {
		id := buf[0] >> 4
		size := int(buf[0] & 0x0f)
		buf = buf[1:]

		if id == 0x0f {
			if len(buf) < 1 {
				return nil, &ProtocolError{Message: "truncated frame id"}
			}
			id += buf[0]
			buf = buf[1:]
		}
		if size == 0x0f {
			if len(buf) < 1 {
				return nil, &ProtocolError{Message: "truncated frame length"}
			}
			size += int(buf[0])
			buf = buf[1:]
		}
		if len(buf) < size {
			return nil, &ProtocolError{Message: "truncated frame payload"}
		}
		frames = append(frames, Frame{ID: id, Payload: buf[:size]})
		buf = buf[size:]
	}
	return frames, nil
}

// ServerDuration returns the server-side processing time reported in the
// response framing extras, if present.
func (r *Response) ServerDuration() (time.Duration, bool) {
	if len(r.FramingExtras) == 0 {
		return 0, false
	}
	frames, err := ParseFrames(r.FramingExtras)
	if err != nil {
		return 0, false
	}
	for _, f := range frames {
		if frameID(f.ID) == frameResSrvDuration && len(f.Payload) == 2 {
			enc := binary.BigEndian.Uint16(f.Payload)
			us := math.Pow(float64(enc), 1.74) / 2
			return time.Duration(us) * time.Microsecond, true
		}
	}
	return 0, false
}
