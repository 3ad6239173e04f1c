package couchkv

import (
	"bytes"
	"net"
	"time"

	"github.com/pior/couchkv/internal/evloop"
)

const readChunkSize = 16 * 1024

// ioHandler receives the events of an attached session on the loop.
type ioHandler interface {
	onRead(chunk []byte)
	onWritten(n int, err error)
	onReadError(err error)
	onDetached()
}

// connIO pumps an attached session. A reader goroutine posts received
// chunks and a writer goroutine writes one batch of buffers at a time.
// All fields are owned by the loop.
type connIO struct {
	res     Resource
	conn    net.Conn
	sched   evloop.Scheduler
	handler ioHandler

	writes  chan net.Buffers
	writing bool

	live     int
	detached bool
	graceful bool
	finished bool
}

func startIO(res Resource, sched evloop.Scheduler, handler ioHandler) *connIO {
	c := &connIO{
		res:     res,
		conn:    res.Value().Conn(),
		sched:   sched,
		handler: handler,
		writes:  make(chan net.Buffers, 1),
		live:    2,
	}
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *connIO) readLoop() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			chunk := bytes.Clone(buf[:n])
			c.sched.Post(func() {
				if !c.detached {
					c.handler.onRead(chunk)
				}
			})
		}
		if err != nil {
			c.sched.Post(func() { c.readDone(err) })
			return
		}
	}
}

func (c *connIO) writeLoop() {
	for bufs := range c.writes {
		n, err := bufs.WriteTo(c.conn)
		c.sched.Post(func() {
			c.writing = false
			if err != nil {
				c.graceful = false
			}
			if !c.detached {
				c.handler.onWritten(int(n), err)
			}
		})
	}
	c.sched.Post(func() {
		c.live--
		c.maybeFinish()
	})
}

func (c *connIO) readDone(err error) {
	c.live--
	if c.detached {
		if ne, ok := err.(net.Error); !ok || !ne.Timeout() {
			c.graceful = false
		}
	} else {
		c.handler.onReadError(err)
	}
	c.maybeFinish()
}

// write hands iovs to the writer. Only one batch may be outstanding.
func (c *connIO) write(iovs [][]byte) bool {
	if c.detached || c.writing {
		return false
	}
	c.writing = true
	c.writes <- net.Buffers(append([][]byte(nil), iovs...))
	return true
}

// detach stops the goroutines. A graceful detach returns the session to
// its pool once both have exited; otherwise the socket is closed and the
// session destroyed.
func (c *connIO) detach(graceful bool) {
	if c.detached {
		return
	}
	c.detached = true
	c.graceful = graceful
	close(c.writes)
	if graceful {
		_ = c.conn.SetReadDeadline(time.Now())
	} else {
		_ = c.conn.Close()
	}
	c.maybeFinish()
}

func (c *connIO) maybeFinish() {
	if !c.detached || c.live > 0 || c.finished {
		return
	}
	c.finished = true
	if c.graceful {
		_ = c.conn.SetDeadline(time.Time{})
		c.res.Release()
	} else {
		c.res.Destroy()
	}
	c.handler.onDetached()
}
