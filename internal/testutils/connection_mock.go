package testutils

import (
	"bytes"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pior/couchkv/mcbp"
)

// ConnectionMock is a net.Conn answering every request written to it with
// the next scripted response. The response takes the request's opaque and
// opcode, so scripts only need to set status, extras and value.
type ConnectionMock struct {
	mu        sync.Mutex
	responses []*mcbp.Response
	readBuf   bytes.Buffer
	writeBuf  bytes.Buffer
	requests  []*mcbp.Request
	closed    bool
}

// NewConnectionMock creates a mock replying with responses, in order.
func NewConnectionMock(responses ...*mcbp.Response) *ConnectionMock {
	return &ConnectionMock{responses: responses}
}

// Status builds a scripted response carrying status and value.
func Status(status mcbp.Status, value []byte) *mcbp.Response {
	return &mcbp.Response{Header: mcbp.Header{VBucket: uint16(status)}, Value: value}
}

func (m *ConnectionMock) Read(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	if m.readBuf.Len() == 0 {
		return 0, io.EOF
	}
	return m.readBuf.Read(b)
}

func (m *ConnectionMock) Write(b []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, net.ErrClosed
	}
	m.writeBuf.Write(b)

	for m.writeBuf.Len() >= mcbp.HeaderLen {
		h, err := mcbp.DecodeHeader(m.writeBuf.Bytes())
		if err != nil {
			return len(b), err
		}
		if m.writeBuf.Len() < h.TotalLen() {
			break
		}
		frame := bytes.Clone(m.writeBuf.Next(h.TotalLen()))
		req, err := mcbp.DecodeRequest(frame)
		if err != nil {
			return len(b), err
		}
		m.requests = append(m.requests, req)

		if len(m.responses) == 0 {
			continue
		}
		resp := *m.responses[0]
		m.responses = m.responses[1:]
		resp.Opcode = req.Opcode
		resp.Opaque = req.Opaque
		m.readBuf.Write(resp.Bytes())
	}
	return len(b), nil
}

func (m *ConnectionMock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Closed reports whether Close was called.
func (m *ConnectionMock) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *ConnectionMock) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (m *ConnectionMock) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 11210}
}

func (m *ConnectionMock) SetDeadline(t time.Time) error      { return nil }
func (m *ConnectionMock) SetReadDeadline(t time.Time) error  { return nil }
func (m *ConnectionMock) SetWriteDeadline(t time.Time) error { return nil }

// Requests returns the requests written so far.
func (m *ConnectionMock) Requests() []*mcbp.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mcbp.Request(nil), m.requests...)
}

// Opcodes returns the opcodes of the requests written so far.
func (m *ConnectionMock) Opcodes() []mcbp.Opcode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]mcbp.Opcode, len(m.requests))
	for i, r := range m.requests {
		out[i] = r.Opcode
	}
	return out
}
