package couchkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/mcbp"
)

func TestServer_NotMyVBucketRetriesOnGuess(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, nil)
	ti.start(t)

	var res results
	srv := pendingGet(t, ti, cfg, 0, &res)
	pkt := userPackets(srv)[0]
	vb := pkt.VBucket

	ti.respond(srv, pkt, mcbp.StatusNotMyVBucket, nil)
	assert.Empty(t, res.got)
	assert.Equal(t, uint64(1), ti.Stats().Client.NotMyVBucket)

	guessed := ti.guesses.EffectiveMaster(vb, 0)
	require.NotEqual(t, 0, guessed, "a new master is guessed")
	require.Equal(t, 1, ti.retryq.Len())

	ti.sched.Advance(9 * time.Millisecond)
	assert.Equal(t, 1, ti.retryq.Len())
	ti.sched.Advance(time.Millisecond)
	assert.True(t, ti.retryq.Empty())

	target := ti.Servers()[guessed]
	ti.attach(t, target)
	retried := userPackets(target)
	require.Len(t, retried, 1)
	assert.Equal(t, pkt.Key, retried[0].Key)
	assert.Empty(t, userPackets(srv))

	ti.respond(target, retried[0], mcbp.StatusSuccess, &mcbp.Response{Value: []byte("bar")})
	require.Len(t, res.got, 1)
	assert.NoError(t, res.got[0].Err)
	assert.Equal(t, []byte("bar"), res.got[0].Value)
	assert.True(t, ti.pending.idle())
}

func TestServer_NotMyVBucketCarriesConfig(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, nil)
	ti.start(t)

	var res results
	srv := pendingGet(t, ti, cfg, 0, &res)
	pkt := userPackets(srv)[0]
	moved := cfg.WithVBucketMaster(pkt.VBucket, 2).WithRevision(2)

	ti.respond(srv, pkt, mcbp.StatusNotMyVBucket, &mcbp.Response{Value: configJSON(t, moved)})
	ti.sched.Advance(10 * time.Millisecond)

	assert.Equal(t, int64(2), ti.queue.Config().Config.Revision)
	assert.Equal(t, 2, ti.guesses.EffectiveMaster(pkt.VBucket, 2), "the config overrides the guess")
	assert.Empty(t, res.got)

	target := ti.Servers()[2]
	ti.attach(t, target)
	retried := userPackets(target)
	require.Len(t, retried, 1)
	assert.Equal(t, pkt.Key, retried[0].Key)

	ti.respond(target, retried[0], mcbp.StatusSuccess, &mcbp.Response{Value: []byte("bar")})
	require.Len(t, res.got, 1)
	assert.NoError(t, res.got[0].Err)
	assert.Equal(t, []byte("bar"), res.got[0].Value)
	assert.True(t, ti.pending.idle())
}

func TestServer_NotMyVBucketWithoutRetries(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, func(s *Settings) {
		s.RetryPolicies = DefaultSettings().RetryPolicies
		s.RetryPolicies[RetryOnVBMapError] = RetryNone
	})
	ti.start(t)

	var res results
	srv := pendingGet(t, ti, cfg, 0, &res)
	ti.respond(srv, userPackets(srv)[0], mcbp.StatusNotMyVBucket, nil)

	require.Len(t, res.got, 1)
	assert.ErrorIs(t, res.got[0].Err, ErrNotMyVBucket)
	assert.True(t, ti.retryq.Empty())
}
