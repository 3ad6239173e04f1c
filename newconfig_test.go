package couchkv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pior/couchkv/vbucket"
)

func TestReplaceConfig_KeepsServers(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, nil)
	ti.start(t)
	before := ti.Servers()
	require.Len(t, before, 3)

	ti.installConfig(t, cfg.WithVBucketMaster(0, 2).WithRevision(2))

	after := ti.Servers()
	require.Len(t, after, 3)
	for i := range before {
		assert.Same(t, before[i], after[i])
	}
	assert.Equal(t, uint64(2), ti.Stats().Client.ConfigsApplied)
}

func TestReplaceConfig_RelocatesMovedVBuckets(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, nil)
	ti.start(t)

	key := keyOn(t, cfg, 0)
	vb := cfg.KeyToVBucket([]byte(key))
	var res results
	require.NoError(t, ti.GetAsync(key, res.callback))
	require.NoError(t, ti.GetAsync(keyOn(t, cfg.WithVBucketMaster(vb, 1), 0), res.callback))

	srvs := ti.Servers()
	require.Len(t, userPackets(srvs[0]), 2)

	ti.installConfig(t, cfg.WithVBucketMaster(vb, 2).WithRevision(2))

	assert.Len(t, userPackets(srvs[0]), 1, "packets of unmoved vbuckets stay")
	moved := userPackets(srvs[2])
	require.Len(t, moved, 1)
	assert.Equal(t, key, string(moved[0].Key))
	assert.Equal(t, uint64(1), ti.Stats().Client.Relocated)
	assert.Empty(t, res.got)
}

func TestReplaceConfig_TopologyPolicyNone(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, func(s *Settings) {
		s.RetryPolicies = DefaultSettings().RetryPolicies
		s.RetryPolicies[RetryOnTopologyChange] = RetryNone
	})
	ti.start(t)

	key := keyOn(t, cfg, 0)
	vb := cfg.KeyToVBucket([]byte(key))
	var res results
	require.NoError(t, ti.GetAsync(key, res.callback))

	ti.installConfig(t, cfg.WithVBucketMaster(vb, 2).WithRevision(2))

	srvs := ti.Servers()
	assert.Len(t, userPackets(srvs[0]), 1)
	assert.Empty(t, userPackets(srvs[2]))
	assert.Zero(t, ti.Stats().Client.Relocated)
}

func TestReplaceConfig_RemovedServer(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	shrunk, err := vbucket.GenerateDefault(2, 1, 16)
	require.NoError(t, err)
	shrunk = shrunk.WithRevision(2)

	t.Run("packets move to the remaining servers", func(t *testing.T) {
		ti := newTestInstance(t, cfg, nil)
		ti.start(t)
		gone := ti.Servers()[2]

		var res results
		require.NoError(t, ti.GetAsync(keyOn(t, cfg, 2), res.callback))
		ti.installConfig(t, shrunk)

		require.Len(t, ti.Servers(), 2)
		assert.Equal(t, serverClosed, gone.state)
		assert.Empty(t, res.got)

		pending := 0
		for _, srv := range ti.Servers() {
			pending += len(userPackets(srv))
		}
		assert.Equal(t, 1, pending)
	})

	t.Run("packets fail without topology retries", func(t *testing.T) {
		ti := newTestInstance(t, cfg, func(s *Settings) {
			s.RetryPolicies = DefaultSettings().RetryPolicies
			s.RetryPolicies[RetryOnTopologyChange] = RetryNone
		})
		ti.start(t)

		var res results
		require.NoError(t, ti.GetAsync(keyOn(t, cfg, 2), res.callback))
		ti.installConfig(t, shrunk)

		require.Len(t, res.got, 1)
		assert.ErrorIs(t, res.got[0].Err, ErrMapChanged)
	})
}

func TestReplaceConfig_SignalsRetryQueue(t *testing.T) {
	cfg := testConfig(t, 3, 1)
	ti := newTestInstance(t, cfg, nil)
	ti.start(t)

	var res results
	key := keyOn(t, cfg, 1)
	require.NoError(t, ti.GetAsync(key, res.callback))
	srv := ti.Servers()[1]
	pkt := userPackets(srv)[0]
	require.NotNil(t, srv.pl.Remove(pkt.Opaque))
	renewed, err := ti.queue.Renew(pkt)
	require.NoError(t, err)
	ti.retryq.Add(renewed, ErrNotMyVBucket, nil)
	require.Equal(t, 1, ti.retryq.Len())

	ti.installConfig(t, cfg.WithRevision(2).WithForwardMap())

	assert.True(t, ti.retryq.Empty(), "a new config sends queued packets right away")
	assert.Len(t, userPackets(srv), 1)
}

func TestInferBucketType(t *testing.T) {
	cfg := testConfig(t, 2, 1)
	couch := cfg.WithRevision(2)
	couch.Caps |= vbucket.CapCouchAPI

	bucketless, err := vbucket.Generate(vbucket.GenerateOptions{
		Servers:    cfg.Servers,
		Bucketless: true,
	})
	require.NoError(t, err)

	assert.Equal(t, BucketTypeCouchbase, inferBucketType(couch))
	assert.Equal(t, BucketTypeEphemeral, inferBucketType(cfg))
	assert.Equal(t, BucketTypeMemcached, inferBucketType(cfg.AsKetama()))
	assert.Equal(t, BucketTypeUnknown, inferBucketType(bucketless))
}
