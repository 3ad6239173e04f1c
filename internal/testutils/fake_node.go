package testutils

import (
	"bufio"
	"encoding/binary"
	"net"
	"slices"
	"strconv"
	"sync"

	"github.com/pior/couchkv/mcbp"
)

// FakeVBucketUUID is the vbucket uuid every FakeNode reports.
const FakeVBucketUUID = 0xfeed

// Handler may answer a request in place of the node. Returning nil lets the
// node's default handling reply.
type Handler func(req *mcbp.Request) *mcbp.Response

type fakeItem struct {
	value    []byte
	flags    uint32
	cas      uint64
	datatype mcbp.Datatype
}

// FakeNode is an in-process data node speaking the binary protocol on a
// loopback listener. It implements negotiation, GET_CLUSTER_CONFIG, basic
// key-value commands and the observe commands.
type FakeNode struct {
	ln net.Listener

	mu       sync.Mutex
	items    map[string]fakeItem
	seqnos   map[uint16]uint64
	cas      uint64
	config   []byte
	handler  Handler
	features []mcbp.Feature
	requests map[mcbp.Opcode]int
	conns    map[net.Conn]struct{}

	wg sync.WaitGroup
}

// StartFakeNode listens on a random loopback port.
func StartFakeNode() (*FakeNode, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	n := &FakeNode{
		ln:       ln,
		items:    make(map[string]fakeItem),
		seqnos:   make(map[uint16]uint64),
		requests: make(map[mcbp.Opcode]int),
		conns:    make(map[net.Conn]struct{}),
	}
	n.wg.Add(1)
	go n.accept()
	return n, nil
}

func (n *FakeNode) Addr() string {
	return n.ln.Addr().String()
}

func (n *FakeNode) Port() int {
	_, port, _ := net.SplitHostPort(n.Addr())
	p, _ := strconv.Atoi(port)
	return p
}

// SetConfig sets the payload returned by GET_CLUSTER_CONFIG.
func (n *FakeNode) SetConfig(config []byte) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.config = config
}

func (n *FakeNode) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

// SetFeatures restricts the HELLO features the node grants. By default it
// grants every requested feature.
func (n *FakeNode) SetFeatures(features ...mcbp.Feature) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.features = features
}

// Put stores a document as if it had been written by another client.
func (n *FakeNode) Put(key string, value []byte, flags uint32) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cas++
	n.items[key] = fakeItem{value: value, flags: flags, cas: n.cas}
	return n.cas
}

// Requests returns how many requests of op the node received.
func (n *FakeNode) Requests(op mcbp.Opcode) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests[op]
}

// DropConnections closes every accepted connection.
func (n *FakeNode) DropConnections() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for c := range n.conns {
		_ = c.Close()
	}
}

func (n *FakeNode) Close() error {
	err := n.ln.Close()
	n.DropConnections()
	n.wg.Wait()
	return err
}

func (n *FakeNode) accept() {
	defer n.wg.Done()
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			return
		}
		n.mu.Lock()
		n.conns[conn] = struct{}{}
		n.mu.Unlock()

		n.wg.Add(1)
		go n.serve(conn)
	}
}

func (n *FakeNode) serve(conn net.Conn) {
	defer n.wg.Done()
	defer func() {
		n.mu.Lock()
		delete(n.conns, conn)
		n.mu.Unlock()
		_ = conn.Close()
	}()

	r := bufio.NewReader(conn)
	for {
		req, err := mcbp.ReadRequest(r)
		if err != nil {
			return
		}
		resp := n.handle(req)
		if resp == nil {
			continue
		}
		resp.Opcode = req.Opcode
		resp.Opaque = req.Opaque
		if _, err := conn.Write(resp.Bytes()); err != nil {
			return
		}
	}
}

func (n *FakeNode) handle(req *mcbp.Request) *mcbp.Response {
	n.mu.Lock()
	n.requests[req.Opcode]++
	h := n.handler
	n.mu.Unlock()

	if h != nil {
		if resp := h(req); resp != nil {
			return resp
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	key := string(req.Key)
	switch req.Opcode {
	case mcbp.CmdHello:
		requested, err := mcbp.DecodeHello(req.Value)
		if err != nil {
			return status(mcbp.StatusInvalidArgs)
		}
		granted := requested
		if n.features != nil {
			granted = slices.DeleteFunc(slices.Clone(requested), func(f mcbp.Feature) bool {
				return !slices.Contains(n.features, f)
			})
		}
		return &mcbp.Response{Value: mcbp.EncodeHello(granted)}

	case mcbp.CmdSASLListMechs:
		return &mcbp.Response{Value: []byte("PLAIN")}

	case mcbp.CmdSASLAuth, mcbp.CmdSelectBucket, mcbp.CmdNoop:
		return status(mcbp.StatusSuccess)

	case mcbp.CmdGetClusterConfig:
		if n.config == nil {
			return status(mcbp.StatusKeyNotFound)
		}
		return &mcbp.Response{Header: mcbp.Header{Datatype: mcbp.DatatypeJSON}, Value: n.config}

	case mcbp.CmdGet:
		it, ok := n.items[key]
		if !ok {
			return status(mcbp.StatusKeyNotFound)
		}
		return &mcbp.Response{
			Header: mcbp.Header{CAS: it.cas, Datatype: it.datatype},
			Extras: binary.BigEndian.AppendUint32(nil, it.flags),
			Value:  it.value,
		}

	case mcbp.CmdSet, mcbp.CmdAdd, mcbp.CmdReplace:
		it, exists := n.items[key]
		switch {
		case req.Opcode == mcbp.CmdAdd && exists:
			return status(mcbp.StatusKeyExists)
		case req.Opcode == mcbp.CmdReplace && !exists:
			return status(mcbp.StatusKeyNotFound)
		case req.CAS != 0 && (!exists || it.cas != req.CAS):
			if !exists {
				return status(mcbp.StatusKeyNotFound)
			}
			return status(mcbp.StatusKeyExists)
		}
		var flags uint32
		if len(req.Extras) >= 4 {
			flags = binary.BigEndian.Uint32(req.Extras)
		}
		n.cas++
		n.items[key] = fakeItem{value: slices.Clone(req.Value), flags: flags, cas: n.cas, datatype: req.Datatype}
		return n.mutated(req.VBucket)

	case mcbp.CmdDelete:
		it, ok := n.items[key]
		if !ok {
			return status(mcbp.StatusKeyNotFound)
		}
		if req.CAS != 0 && it.cas != req.CAS {
			return status(mcbp.StatusKeyExists)
		}
		delete(n.items, key)
		n.cas++
		return n.mutated(req.VBucket)

	case mcbp.CmdObserve:
		return n.observe(req.Value)

	case mcbp.CmdObserveSeqno:
		body := []byte{0}
		body = binary.BigEndian.AppendUint16(body, req.VBucket)
		body = binary.BigEndian.AppendUint64(body, FakeVBucketUUID)
		body = binary.BigEndian.AppendUint64(body, n.seqnos[req.VBucket])
		body = binary.BigEndian.AppendUint64(body, n.seqnos[req.VBucket])
		return &mcbp.Response{Value: body}
	}
	return status(mcbp.StatusUnknownCommand)
}

func (n *FakeNode) mutated(vb uint16) *mcbp.Response {
	n.seqnos[vb]++
	extras := binary.BigEndian.AppendUint64(nil, FakeVBucketUUID)
	extras = binary.BigEndian.AppendUint64(extras, n.seqnos[vb])
	return &mcbp.Response{Header: mcbp.Header{CAS: n.cas}, Extras: extras}
}

// observe reports every stored key as persisted and every other key as
// deleted and persisted.
func (n *FakeNode) observe(body []byte) *mcbp.Response {
	var out []byte
	for len(body) >= 4 {
		vb := binary.BigEndian.Uint16(body)
		nkey := int(binary.BigEndian.Uint16(body[2:]))
		if len(body) < 4+nkey {
			return status(mcbp.StatusInvalidArgs)
		}
		key := body[4 : 4+nkey]
		body = body[4+nkey:]

		state, cas := mcbp.ObserveNotFound, uint64(0)
		if it, ok := n.items[string(key)]; ok {
			state, cas = mcbp.ObservePersisted, it.cas
		}
		out = binary.BigEndian.AppendUint16(out, vb)
		out = binary.BigEndian.AppendUint16(out, uint16(len(key)))
		out = append(out, key...)
		out = append(out, state)
		out = binary.BigEndian.AppendUint64(out, cas)
	}
	return &mcbp.Response{Value: out}
}

func status(s mcbp.Status) *mcbp.Response {
	return &mcbp.Response{Header: mcbp.Header{VBucket: uint16(s)}}
}
