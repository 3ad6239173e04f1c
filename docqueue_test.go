package couchkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/docreq"
	"github.com/pior/couchkv/mcbp"
)

func TestInstance_DocQueue(t *testing.T) {
	ti := newTestInstance(t, testConfig(t, 3, 1), nil)
	ti.start(t)
	cfg := ti.queue.Config().Config
	owner := ti.Servers()[1]
	ti.attach(t, owner)

	var delivered []*docreq.Request
	released := false
	q := ti.NewDocQueue(docreq.Options{
		OnReady:   func(_ *docreq.Queue, req *docreq.Request) { delivered = append(delivered, req) },
		OnRelease: func(*docreq.Queue) { released = true },
	})
	assert.Equal(t, 1, ti.pending.count(pendingCounter))

	key := keyOn(t, cfg, 1)
	require.NoError(t, q.Add(&docreq.Request{Key: []byte(key)}))
	ti.sched.RunPending()

	pkts := userPackets(owner)
	require.Len(t, pkts, 1)
	assert.Equal(t, mcbp.CmdGet, pkts[0].Opcode)
	assert.Equal(t, key, string(pkts[0].Key))

	ti.respond(owner, pkts[0], mcbp.StatusSuccess, &mcbp.Response{Value: []byte("doc"), Header: mcbp.Header{CAS: 42}})

	require.Len(t, delivered, 1)
	assert.NoError(t, delivered[0].Err)
	assert.Equal(t, []byte("doc"), delivered[0].Value)
	assert.Equal(t, uint64(42), delivered[0].CAS)
	assert.False(t, ti.pending.idle(), "the queue still holds the instance")

	q.Unref()
	assert.True(t, released)
	assert.True(t, ti.pending.idle())
}

func TestInstance_DocQueueMissingDocument(t *testing.T) {
	ti := newTestInstance(t, testConfig(t, 2, 0), nil)
	ti.start(t)
	owner := ti.Servers()[0]
	ti.attach(t, owner)

	var delivered []*docreq.Request
	q := ti.NewDocQueue(docreq.Options{
		OnReady: func(_ *docreq.Queue, req *docreq.Request) { delivered = append(delivered, req) },
	})
	require.NoError(t, q.Add(&docreq.Request{Key: []byte(keyOn(t, ti.queue.Config().Config, 0))}))
	ti.sched.RunPending()

	ti.respond(owner, userPackets(owner)[0], mcbp.StatusKeyNotFound, nil)
	require.Len(t, delivered, 1)
	assert.ErrorIs(t, delivered[0].Err, ErrDocumentNotFound)

	q.Unref()
	assert.True(t, ti.pending.idle())
}
