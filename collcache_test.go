package couchkv

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
)

func TestCollectionPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"app.users", "app.users"},
		{"users", "_default.users"},
		{".users", "_default.users"},
		{"app.", "app._default"},
		{"_default._default", defaultCollection},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, collectionPath(splitCollectionPath(tt.in)), tt.in)
	}
}

func collectionIDExtras(cid uint32) []byte {
	out := binary.BigEndian.AppendUint64(nil, 7)
	return binary.BigEndian.AppendUint32(out, cid)
}

func newCollectionsInstance(t *testing.T) *testInstance {
	t.Helper()
	ti := newTestInstance(t, testConfig(t, 3, 1), func(s *Settings) { s.UseCollections = true })
	ti.start(t)
	for _, srv := range ti.Servers() {
		ti.attach(t, srv)
	}
	return ti
}

func lookupPacket(t *testing.T, srv *Server) *mcreq.Packet {
	t.Helper()
	pkts := probes(srv, mcbp.CmdCollectionsGetID)
	require.Len(t, pkts, 1)
	return pkts[0]
}

func TestDispatch_ResolvesCollection(t *testing.T) {
	ti := newCollectionsInstance(t)
	cfg := ti.queue.Config().Config
	key := keyOn(t, cfg, 1)
	srv0, owner := ti.Servers()[0], ti.Servers()[1]

	var res results
	get := &Command{Opcode: mcbp.CmdGet, Key: []byte(key), Collection: "app.users"}
	require.NoError(t, ti.Dispatch(get, res.callback))
	require.NoError(t, ti.Dispatch(get, res.callback))

	lookup := lookupPacket(t, srv0)
	assert.Empty(t, userPackets(owner))

	ti.respond(srv0, lookup, mcbp.StatusSuccess, &mcbp.Response{Extras: collectionIDExtras(8)})

	pkts := userPackets(owner)
	require.Len(t, pkts, 2, "both operations waited for the same lookup")
	for _, pkt := range pkts {
		assert.Equal(t, uint32(8), pkt.CollectionID)
		assert.Equal(t, key, string(pkt.Key))
	}
	cid, ok := ti.collections.lookup("app.users")
	assert.True(t, ok)
	assert.Equal(t, uint32(8), cid)

	// Cached names need no lookup.
	require.NoError(t, ti.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte(key), Collection: "app.users"}, res.callback))
	assert.Len(t, userPackets(owner), 3)
	assert.Empty(t, probes(srv0, mcbp.CmdCollectionsGetID))
}

func TestDispatch_DefaultCollectionNeedsNoLookup(t *testing.T) {
	ti := newCollectionsInstance(t)
	key := keyOn(t, ti.queue.Config().Config, 0)
	srv0 := ti.Servers()[0]

	var res results
	require.NoError(t, ti.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte(key), Collection: "_default._default"}, res.callback))
	require.NoError(t, ti.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte(key), Collection: "_default"}, res.callback))

	assert.Empty(t, probes(srv0, mcbp.CmdCollectionsGetID))
	assert.Len(t, userPackets(srv0), 2, "a bare _default is the default collection of the default scope")
	assert.Zero(t, ti.pending.count(pendingCounter))
}

func TestDispatch_CollectionLookupFails(t *testing.T) {
	ti := newCollectionsInstance(t)
	key := keyOn(t, ti.queue.Config().Config, 1)
	srv0 := ti.Servers()[0]

	var res results
	require.NoError(t, ti.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte(key), Collection: "app.missing"}, res.callback))
	ti.respond(srv0, lookupPacket(t, srv0), mcbp.StatusCollectionUnknown, nil)

	require.Len(t, res.got, 1)
	assert.ErrorIs(t, res.got[0].Err, ErrCollectionNotFound)
	assert.Equal(t, key, res.got[0].Key)
	_, ok := ti.collections.lookup("app.missing")
	assert.False(t, ok)
	assert.True(t, ti.pending.idle())
}

func TestServer_UnknownCollectionResolvesAgain(t *testing.T) {
	ti := newCollectionsInstance(t)
	key := keyOn(t, ti.queue.Config().Config, 1)
	srv0, owner := ti.Servers()[0], ti.Servers()[1]
	ti.collections.put("app.users", 8)

	var res results
	require.NoError(t, ti.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte(key), Collection: "app.users"}, res.callback))
	pkt := userPackets(owner)[0]
	require.Equal(t, uint32(8), pkt.CollectionID)

	ti.respond(owner, pkt, mcbp.StatusCollectionUnknown, nil)
	assert.Empty(t, res.got)
	_, ok := ti.collections.nameOf(8)
	assert.False(t, ok, "the stale id is forgotten")

	ti.respond(srv0, lookupPacket(t, srv0), mcbp.StatusSuccess, &mcbp.Response{Extras: collectionIDExtras(9)})
	ti.sched.Advance(0)

	retried := userPackets(owner)
	require.Len(t, retried, 1)
	assert.Equal(t, uint32(9), retried[0].CollectionID)

	ti.respond(owner, retried[0], mcbp.StatusSuccess, &mcbp.Response{Value: []byte("v")})
	require.Len(t, res.got, 1)
	assert.NoError(t, res.got[0].Err)
}

func TestDispatch_CollectionsDisabled(t *testing.T) {
	ti := newTestInstance(t, testConfig(t, 3, 1), nil)
	ti.start(t)
	err := ti.Dispatch(&Command{Opcode: mcbp.CmdGet, Key: []byte("k"), Collection: "app.users"}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)
}
