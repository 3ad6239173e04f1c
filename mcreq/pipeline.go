package mcreq

import (
	"time"

	"github.com/pior/couchkv/netbuf"
)

// WipeAction is returned by IterWipe callbacks.
type WipeAction int

const (
	WipeKeep WipeAction = iota
	WipeRemove
)

// FailFunc is called for every packet dropped by Fail or Timeout.
type FailFunc func(pl *Pipeline, pkt *Packet, err error)

// Pipeline tracks the packets sent to a single server. Packets stay in the
// pipeline from Enqueue until a response or error removes them, ordered
// by enqueue time except for re-enqueued packets, which are placed by
// deadline.
//
// A Pipeline is owned by the event loop and is not safe for concurrent
// use.
type Pipeline struct {
	// Index is the position of the server in the config, or -1 for the
	// fallback pipeline.
	Index int

	// FlushStart is called when scheduled packets are ready to be written.
	FlushStart func(pl *Pipeline)

	nb *netbuf.Manager

	head, tail *Packet
	byOpaque   map[uint32]*Packet

	queued   []*Packet
	parent   *CmdQueue
	inflight int
}

func NewPipeline(index int, settings netbuf.Settings) *Pipeline {
	return &Pipeline{
		Index:    index,
		nb:       netbuf.New(settings),
		byOpaque: make(map[uint32]*Packet),
	}
}

// Buffers exposes the send queue to the writer.
func (pl *Pipeline) Buffers() *netbuf.Manager {
	return pl.nb
}

// Parent returns the command queue the pipeline belongs to.
func (pl *Pipeline) Parent() *CmdQueue {
	return pl.parent
}

// Len is the number of packets awaiting a response.
func (pl *Pipeline) Len() int {
	return len(pl.byOpaque)
}

func (pl *Pipeline) Empty() bool {
	return pl.head == nil
}

func (pl *Pipeline) pushBack(pkt *Packet) {
	pkt.pl = pl
	pkt.prev = pl.tail
	pkt.next = nil
	if pl.tail != nil {
		pl.tail.next = pkt
	} else {
		pl.head = pkt
	}
	pl.tail = pkt
	pl.byOpaque[pkt.Opaque] = pkt
}

func (pl *Pipeline) insertByDeadline(pkt *Packet) {
	at := pl.tail
	for at != nil && at.Deadline.After(pkt.Deadline) {
		at = at.prev
	}

	pkt.pl = pl
	pl.byOpaque[pkt.Opaque] = pkt
	if at == nil {
		pkt.prev = nil
		pkt.next = pl.head
		if pl.head != nil {
			pl.head.prev = pkt
		} else {
			pl.tail = pkt
		}
		pl.head = pkt
		return
	}

	pkt.prev = at
	pkt.next = at.next
	if at.next != nil {
		at.next.prev = pkt
	} else {
		pl.tail = pkt
	}
	at.next = pkt
}

func (pl *Pipeline) unlink(pkt *Packet) {
	if pkt.prev != nil {
		pkt.prev.next = pkt.next
	} else {
		pl.head = pkt.next
	}
	if pkt.next != nil {
		pkt.next.prev = pkt.prev
	} else {
		pl.tail = pkt.prev
	}
	pkt.prev, pkt.next = nil, nil
	delete(pl.byOpaque, pkt.Opaque)
}

func (pl *Pipeline) queueBytes(pkt *Packet) {
	if pkt.Flags&FlagDetached != 0 {
		pl.nb.Enqueue(pkt.data)
	} else {
		pl.nb.EnqueueSpan(pkt.span)
	}
	pl.nb.PDUEnqueue(pkt, pkt.Size())
}

// Enqueue appends pkt to the pipeline and queues its bytes for writing.
func (pl *Pipeline) Enqueue(pkt *Packet) {
	pl.pushBack(pkt)
	pl.queueBytes(pkt)
}

// Reenqueue queues pkt again, placing it by deadline so that the
// timeout scan stays ordered.
func (pl *Pipeline) Reenqueue(pkt *Packet) {
	pl.insertByDeadline(pkt)
	pl.queueBytes(pkt)
}

// Find returns the packet with the given opaque.
func (pl *Pipeline) Find(opaque uint32) *Packet {
	return pl.byOpaque[opaque]
}

// Remove unlinks and returns the packet with the given opaque.
func (pl *Pipeline) Remove(opaque uint32) *Packet {
	pkt := pl.byOpaque[opaque]
	if pkt != nil {
		pl.unlink(pkt)
	}
	return pkt
}

// Each calls fn for each pending packet in order until fn returns false.
func (pl *Pipeline) Each(fn func(pkt *Packet) bool) {
	for pkt := pl.head; pkt != nil; {
		next := pkt.next
		if !fn(pkt) {
			return
		}
		pkt = next
	}
}

// Oldest returns the first pending packet.
func (pl *Pipeline) Oldest() *Packet {
	return pl.head
}

// NextDeadline returns the earliest deadline of any pending packet.
func (pl *Pipeline) NextDeadline() (time.Time, bool) {
	var next time.Time
	found := false
	for pkt := pl.head; pkt != nil; pkt = pkt.next {
		if !found || pkt.Deadline.Before(next) {
			next = pkt.Deadline
			found = true
		}
	}
	return next, found
}

// PacketHandled marks pkt as answered. Its bytes are released once they
// have also been written.
func (pl *Pipeline) PacketHandled(pkt *Packet) {
	pkt.Flags |= FlagInvoked
	if pkt.Flags&FlagFlushed != 0 {
		pl.packetDone(pkt)
	}
}

func (pl *Pipeline) packetDone(pkt *Packet) {
	if pkt.Flags&FlagDetached != 0 {
		pkt.data = nil
	} else if pkt.span.Valid() {
		pl.nb.Release(pkt.span)
		pkt.span = netbuf.Span{}
	}
	if pkt.Config != nil {
		pkt.Config.Decref()
		pkt.Config = nil
	}
}

// StartFlush hands out queued bytes for writing.
func (pl *Pipeline) StartFlush(maxIOV int) ([][]byte, int) {
	iovs, n := pl.nb.StartFlush(maxIOV)
	pl.inflight += n
	return iovs, n
}

// EndFlush records that n bytes were written. Packets written in full are
// marked flushed and released if already handled.
func (pl *Pipeline) EndFlush(n int) {
	pl.inflight -= n
	pl.nb.EndFlush2(n, func(pdu any) {
		pkt := pdu.(*Packet)
		pkt.Flags |= FlagFlushed
		if pkt.Flags&FlagInvoked != 0 {
			pl.packetDone(pkt)
		}
	})
}

// HasFlushData reports whether bytes are waiting to be written.
func (pl *Pipeline) HasFlushData() bool {
	return pl.nb.HasFlushData()
}

// Timeout fails every packet whose deadline is not after now. A zero now
// fails every packet. It returns the number of packets failed.
func (pl *Pipeline) Timeout(err error, now time.Time, fail FailFunc) int {
	var expired []*Packet
	for pkt := pl.head; pkt != nil; pkt = pkt.next {
		if now.IsZero() || !pkt.Deadline.After(now) {
			expired = append(expired, pkt)
		}
	}
	for _, pkt := range expired {
		pl.unlink(pkt)
		if fail != nil {
			fail(pl, pkt, err)
		}
		pl.PacketHandled(pkt)
	}
	return len(expired)
}

// Fail fails every pending packet.
func (pl *Pipeline) Fail(err error, fail FailFunc) int {
	return pl.Timeout(err, time.Time{}, fail)
}

// IterWipe calls fn for every pending packet. Packets for which fn
// returns WipeRemove are unlinked. fn takes ownership of them.
func (pl *Pipeline) IterWipe(fn func(pl *Pipeline, pkt *Packet) WipeAction) int {
	removed := 0
	for pkt := pl.head; pkt != nil; {
		next := pkt.next
		if fn(pl, pkt) == WipeRemove {
			pl.unlink(pkt)
			removed++
		}
		pkt = next
	}
	return removed
}

// ResetTimeouts restarts the clock of every pending packet at now while
// keeping each packet's timeout duration.
func (pl *Pipeline) ResetTimeouts(now time.Time) {
	for pkt := pl.head; pkt != nil; pkt = pkt.next {
		d := pkt.Deadline.Sub(pkt.Start)
		pkt.Start = now
		pkt.Deadline = now.Add(d)
	}
}

// DiscardUnsent marks every queued byte as written, including bytes
// handed to a writer that never reported back. It is used once a
// connection is gone so that handled packets can be released.
func (pl *Pipeline) DiscardUnsent() {
	if pl.inflight > 0 {
		pl.EndFlush(pl.inflight)
	}
	for {
		_, n := pl.StartFlush(0)
		if n == 0 {
			return
		}
		pl.EndFlush(n)
	}
}
