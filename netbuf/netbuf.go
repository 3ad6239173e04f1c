// Package netbuf manages the outbound bytes of a server pipeline.
//
// Encoded packets live in spans reserved from a small set of blocks. Spans are
// queued for sending in order, handed to the writer in batches, and released
// when the owning packet completes, which may happen out of order.
package netbuf

import (
	"errors"
	"fmt"
	"io"
)

const (
	DefaultBaseAlloc   = 32768
	DefaultCacheBlocks = 16
)

var ErrInvalidSize = errors.New("netbuf: invalid span size")

// Settings tunes block allocation. Zero values select the defaults.
type Settings struct {
	// BaseAlloc is the minimum size of a block. Larger reservations double it
	// until they fit.
	BaseAlloc int

	// CacheBlocks bounds the spare list to twice this many blocks.
	CacheBlocks int
}

// Span is a reserved region of a block.
type Span struct {
	blk    *block
	Offset int
	Size   int
}

// Bytes returns the span's backing memory. It is only valid until Release.
func (s Span) Bytes() []byte {
	if s.blk == nil {
		return nil
	}
	return s.blk.root[s.Offset : s.Offset+s.Size]
}

func (s Span) Valid() bool {
	return s.blk != nil
}

type sendElem struct {
	buf []byte
}

type pduElem struct {
	pdu  any
	size int
}

// Manager is owned by a single pipeline and is not safe for concurrent use.
type Manager struct {
	data pool

	pending []*sendElem
	// lastReq indexes the last element handed out by StartFlush, lastOff is
	// how much of it was handed out.
	lastReq int
	lastOff int

	pdus      []pduElem
	pduOffset int
}

func New(settings Settings) *Manager {
	if settings.BaseAlloc <= 0 {
		settings.BaseAlloc = DefaultBaseAlloc
	}
	if settings.CacheBlocks <= 0 {
		settings.CacheBlocks = DefaultCacheBlocks
	}
	return &Manager{
		data: pool{
			baseAlloc: settings.BaseAlloc,
			maxBlocks: settings.CacheBlocks * 2,
		},
		lastReq: -1,
	}
}

// Reserve allocates a span of size bytes.
func (m *Manager) Reserve(size int) (Span, error) {
	if size <= 0 {
		return Span{}, ErrInvalidSize
	}
	blk, off := m.data.reserve(size)
	return Span{blk: blk, Offset: off, Size: size}, nil
}

// Release gives the span back. Releasing a span twice corrupts the block.
func (m *Manager) Release(span Span) {
	if span.blk == nil {
		return
	}
	m.data.release(span.blk, span.Offset, span.Size)
}

// Enqueue appends buf to the send queue, coalescing it with the previous
// element when the two are adjacent in memory.
func (m *Manager) Enqueue(buf []byte) {
	if len(buf) == 0 {
		return
	}
	if n := len(m.pending); n > 0 {
		last := m.pending[n-1]
		if adjacent(last.buf, buf) {
			last.buf = last.buf[:len(last.buf)+len(buf)]
			return
		}
	}
	m.pending = append(m.pending, &sendElem{buf: buf})
}

func (m *Manager) EnqueueSpan(span Span) {
	m.Enqueue(span.Bytes())
}

func adjacent(a, b []byte) bool {
	if len(a) == 0 || cap(a)-len(a) < len(b) {
		return false
	}
	return &a[:len(a)+1][len(a)] == &b[0]
}

// PDUEnqueue records a packet whose size bytes are part of the send queue.
// EndFlush2 reports it once all of those bytes have been written.
func (m *Manager) PDUEnqueue(pdu any, size int) {
	m.pdus = append(m.pdus, pduElem{pdu: pdu, size: size})
}

// StartFlush returns up to maxIOV buffers that have not been handed out
// yet, and their total length. Buffers already returned by a previous call
// are skipped until EndFlush accounts for them.
func (m *Manager) StartFlush(maxIOV int) ([][]byte, int) {
	var iovs [][]byte
	total := 0

	next := 0
	win := -1
	if m.lastReq >= 0 {
		last := m.pending[m.lastReq]
		if m.lastOff != len(last.buf) {
			win = m.lastReq
			iovs = append(iovs, last.buf[m.lastOff:])
			total += len(last.buf) - m.lastOff
		}
		next = m.lastReq + 1
	}

	for ; next < len(m.pending) && (maxIOV <= 0 || len(iovs) < maxIOV); next++ {
		iovs = append(iovs, m.pending[next].buf)
		total += len(m.pending[next].buf)
		win = next
	}

	if win >= 0 {
		m.lastReq = win
		m.lastOff = len(m.pending[win].buf)
	}
	return iovs, total
}

// EndFlush consumes n written bytes from the head of the send queue.
func (m *Manager) EndFlush(n int) {
	for n > 0 && len(m.pending) > 0 {
		win := m.pending[0]
		chop := min(len(win.buf), n)
		win.buf = win.buf[chop:]
		n -= chop

		if len(win.buf) == 0 {
			m.pending[0] = nil
			m.pending = m.pending[1:]
			switch {
			case m.lastReq == 0:
				m.lastReq = -1
				m.lastOff = 0
			case m.lastReq > 0:
				m.lastReq--
			}
		} else if m.lastReq == 0 {
			m.lastOff -= chop
		}
	}
	if n > 0 {
		panic(fmt.Sprintf("netbuf: %d flushed bytes were never queued", n))
	}
	if len(m.pending) == 0 {
		m.pending = nil
	}
}

// EndFlush2 is EndFlush that also reports, in order, every PDU whose bytes
// have now been written in full. Bytes of a partially written PDU carry over
// to the next call.
func (m *Manager) EndFlush2(n int, done func(pdu any)) {
	m.EndFlush(n)

	n += m.pduOffset
	for len(m.pdus) > 0 {
		cur := m.pdus[0]
		if cur.size > n {
			break
		}
		n -= cur.size
		m.pdus[0] = pduElem{}
		m.pdus = m.pdus[1:]
		if done != nil {
			done(cur.pdu)
		}
		if n == 0 {
			break
		}
	}
	m.pduOffset = n
	if len(m.pdus) == 0 {
		m.pdus = nil
	}
}

// NumIOV reports how many buffers are waiting in the send queue.
func (m *Manager) NumIOV() int {
	return len(m.pending)
}

func (m *Manager) HasFlushData() bool {
	return len(m.pending) > 0 || len(m.pdus) > 0
}

// IsClean reports whether every span was released and both queues drained.
func (m *Manager) IsClean() bool {
	return m.data.clean() && len(m.pending) == 0 && len(m.pdus) == 0
}

// Reset drops both queues without touching reserved spans. Used when the
// connection is replaced and everything not yet written must be re-sent.
func (m *Manager) Reset() {
	m.pending = nil
	m.lastReq = -1
	m.lastOff = 0
	m.pdus = nil
	m.pduOffset = 0
}

// Dump writes the allocator and queue state, for debugging.
func (m *Manager) Dump(w io.Writer) {
	fmt.Fprintf(w, "ACTIVE:\n")
	for _, blk := range m.data.active {
		if blk.empty() {
			fmt.Fprintf(w, "  BLOCK %p %dB: EMPTY\n", blk, len(blk.root))
			continue
		}
		fmt.Fprintf(w, "  BLOCK %p %dB: start=%d wrap=%d cursor=%d deallocs=%d\n",
			blk, len(blk.root), blk.start, blk.wrap, blk.cursor, len(blk.deallocs))
	}
	fmt.Fprintf(w, "AVAILABLE:\n")
	for _, blk := range m.data.avail {
		fmt.Fprintf(w, "  BLOCK %p %dB\n", blk, len(blk.root))
	}
	fmt.Fprintf(w, "SENDQ:\n")
	for i, e := range m.pending {
		fmt.Fprintf(w, "  [len=%d]\n", len(e.buf))
		if i == m.lastReq {
			fmt.Fprintf(w, "  <flush limit @%d>\n", m.lastOff)
		}
	}
	fmt.Fprintf(w, "PDUS: %d (offset %d)\n", len(m.pdus), m.pduOffset)
}
