// Package mcreq holds requests on their way to a server: packets, the
// per-server pipeline that tracks them until answered, and the command
// queue that maps keys to pipelines.
package mcreq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/snappy"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/netbuf"
)

// Flags describe a packet's progress and ownership.
type Flags uint16

const (
	// FlagFlushed is set once every byte of the packet was written.
	FlagFlushed Flags = 1 << iota
	// FlagInvoked is set once the callback ran or the packet was
	// otherwise handled.
	FlagInvoked
	// FlagDetached marks packets whose bytes live outside the pipeline's
	// buffer manager, such as renewed packets.
	FlagDetached
	// FlagPrivate marks packets created by the client itself (config
	// fetches, observe polls) rather than by a user operation.
	FlagPrivate
	// FlagNoCID marks packets whose key carries no collection prefix.
	FlagNoCID
)

// StateFlags are cleared when a packet is renewed.
const StateFlags = FlagFlushed | FlagInvoked

// Handler receives the final response or error of a packet.
type Handler func(pkt *Packet, resp *mcbp.Response, err error)

// Packet is one request scheduled on a pipeline.
type Packet struct {
	Opaque       uint32
	Opcode       mcbp.Opcode
	VBucket      int
	Key          []byte
	CollectionID uint32
	CAS          uint64

	Start    time.Time
	Deadline time.Time

	Flags Flags

	// Retries counts how often the packet was rescheduled. RetryErr is
	// the error that caused the first retry and Backoff paces them.
	Retries  int
	RetryErr error
	Backoff  backoff.BackOff

	Callback Handler
	Cookie   any

	// Config is the cluster config that was current when the packet was
	// built. The packet holds a reference until it is done.
	Config *clconfig.ConfigInfo

	span netbuf.Span
	data []byte

	pl   *Pipeline
	prev *Packet
	next *Packet
}

// Bytes returns the encoded request.
func (p *Packet) Bytes() []byte {
	if p.Flags&FlagDetached != 0 {
		return p.data
	}
	return p.span.Bytes()
}

// Size is the encoded length of the request.
func (p *Packet) Size() int {
	if p.Flags&FlagDetached != 0 {
		return len(p.data)
	}
	return p.span.Size
}

// Header decodes the request header.
func (p *Packet) Header() mcbp.Header {
	h, _ := mcbp.DecodeHeader(p.Bytes())
	return h
}

// Pipeline returns the pipeline the packet is queued on, if any.
func (p *Packet) Pipeline() *Pipeline {
	return p.pl
}

// Is reports whether all of f are set.
func (p *Packet) Is(f Flags) bool {
	return p.Flags&f == f
}

// Elapsed is the time since the packet was scheduled.
func (p *Packet) Elapsed(now time.Time) time.Duration {
	return now.Sub(p.Start)
}

func (p *Packet) String() string {
	return fmt.Sprintf("packet(opaque=%d opcode=%v vb=%d key=%q)", p.Opaque, p.Opcode, p.VBucket, p.Key)
}

// renew returns a detached copy carrying opaque. Compressed values are
// inflated since the new destination may not have negotiated snappy.
func (p *Packet) renew(opaque uint32) (*Packet, error) {
	src := p.Bytes()
	h, err := mcbp.DecodeHeader(src)
	if err != nil {
		return nil, err
	}

	var data []byte
	if h.Datatype&mcbp.DatatypeSnappy != 0 {
		bodyStart := mcbp.HeaderLen + int(h.FrameLen) + int(h.ExtLen) + int(h.KeyLen)
		value, err := snappy.Decode(nil, src[bodyStart:h.TotalLen()])
		if err != nil {
			return nil, &mcbp.ProtocolError{Message: "cannot inflate value", Err: err}
		}
		h.Datatype &^= mcbp.DatatypeSnappy
		h.BodyLen = uint32(bodyStart - mcbp.HeaderLen + len(value))

		var buf bytes.Buffer
		buf.Grow(h.TotalLen())
		hdr := make([]byte, mcbp.HeaderLen)
		h.Encode(hdr)
		buf.Write(hdr)
		buf.Write(src[mcbp.HeaderLen:bodyStart])
		buf.Write(value)
		data = buf.Bytes()
	} else {
		data = bytes.Clone(src[:h.TotalLen()])
	}
	binary.BigEndian.PutUint32(data[12:], opaque)

	dst := &Packet{
		Opaque:       opaque,
		Opcode:       p.Opcode,
		VBucket:      p.VBucket,
		Key:          p.Key,
		CollectionID: p.CollectionID,
		CAS:          p.CAS,
		Start:        p.Start,
		Deadline:     p.Deadline,
		Flags:        (p.Flags &^ StateFlags) | FlagDetached,
		Retries:      p.Retries,
		RetryErr:     p.RetryErr,
		Backoff:      p.Backoff,
		Callback:     p.Callback,
		Cookie:       p.Cookie,
		Config:       p.Config,
		data:         data,
	}
	if dst.Config != nil {
		dst.Config.Incref()
	}
	return dst, nil
}

// SetVBucket rewrites the vbucket of the encoded request.
func (p *Packet) SetVBucket(vb int) {
	p.VBucket = vb
	binary.BigEndian.PutUint16(p.Bytes()[6:], uint16(vb))
}
