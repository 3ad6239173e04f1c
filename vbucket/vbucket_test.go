package vbucket

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const terseConfig = `{
  "rev": 7,
  "revEpoch": 1,
  "name": "default",
  "uuid": "7a1b",
  "nodeLocator": "vbucket",
  "bucketCapabilities": ["couchapi", "xattr", "durableWrite", "collections", "cccp"],
  "nodes": [
    {"hostname": "$HOST:8091", "ports": {"direct": 11210}},
    {"hostname": "10.0.0.2:8091", "ports": {"direct": 11210}},
    {"hostname": "10.0.0.3:8091", "ports": {"direct": 11210}}
  ],
  "nodesExt": [
    {"services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "capi": 8092, "n1ql": 8093}, "thisNode": true},
    {"hostname": "10.0.0.2", "services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "capi": 8092}},
    {"hostname": "10.0.0.3", "services": {"kv": 11210, "kvSSL": 11207, "mgmt": 8091, "capi": 8092}},
    {"hostname": "10.0.0.4", "services": {"kv": 11210, "mgmt": 8091, "n1ql": 8093}}
  ],
  "vBucketServerMap": {
    "hashAlgorithm": "CRC",
    "numReplicas": 1,
    "serverList": ["$HOST:11210", "10.0.0.2:11210", "10.0.0.3:11210"],
    "vBucketMap": [[0, 1], [1, 2], [2, 0], [0, 2]],
    "vBucketMapForward": [[1, 2], [1, 2], [2, 0], [0, 2]]
  },
  "clusterCapabilities": {"n1ql": ["enhancedPreparedStatements"]}
}`

func mustParse(t *testing.T, data string, opts ParseOptions) *Config {
	t.Helper()
	cfg, err := Parse([]byte(data), opts)
	require.NoError(t, err)
	return cfg
}

func TestParse_Terse(t *testing.T) {
	cfg := mustParse(t, terseConfig, ParseOptions{SourceHost: "192.168.1.10"})

	assert.Equal(t, int64(7), cfg.Revision)
	assert.Equal(t, int64(1), cfg.RevEpoch)
	assert.Equal(t, "default", cfg.BucketName)
	assert.Equal(t, "7a1b", cfg.BucketUUID)
	assert.Equal(t, DistVBucket, cfg.Distribution)
	assert.Equal(t, 1, cfg.NumReplicas)
	assert.Equal(t, 4, cfg.NumVBuckets())
	require.Equal(t, 4, cfg.NumServers())
	assert.Equal(t, 3, cfg.NumDataServers)

	assert.Equal(t, "192.168.1.10:11210", cfg.Servers[0].Authority)
	assert.Equal(t, "10.0.0.2:11210", cfg.Servers[1].Authority)
	assert.Equal(t, "192.168.1.10:8091", cfg.HostPort(0, SvcMgmt, false))
	assert.Equal(t, "10.0.0.2:11207", cfg.HostPort(1, SvcData, true))
	assert.Equal(t, "", cfg.HostPort(3, SvcData, false), "node absent from 'nodes' is not a data node")
	assert.Equal(t, "10.0.0.4:8093", cfg.HostPort(3, SvcN1QL, false))
	assert.Equal(t, "http://192.168.1.10:8092/default", cfg.CapiBase(0, false))
	assert.Equal(t, "http://192.168.1.10:8093/query/service", cfg.RestURL(0, SvcN1QL, false))

	assert.True(t, cfg.HasCap(CapCouchAPI))
	assert.True(t, cfg.HasCap(CapDurableWrite))
	assert.False(t, cfg.HasCap(CapDCP))
	assert.True(t, cfg.HasClusterCap(ClusterCapEnhancedPreparedStatements))

	require.NotNil(t, cfg.ForwardVBuckets)
	assert.Equal(t, []int{1, 2}, cfg.ForwardVBuckets[0])
	assert.Equal(t, 5, cfg.Servers[0].NumVBuckets)
}

func TestParse_IPv6SourceHost(t *testing.T) {
	cfg := mustParse(t, terseConfig, ParseOptions{SourceHost: "::1"})
	assert.Equal(t, "::1", cfg.Servers[0].Hostname)
	assert.Equal(t, "[::1]:11210", cfg.Servers[0].Authority)
	assert.Equal(t, "http://[::1]:8092/default", cfg.CapiBase(0, false))
}

func TestParse_MissingRevision(t *testing.T) {
	cfg := mustParse(t, `{"nodesExt":[{"hostname":"h1","services":{"mgmt":8091}}]}`, ParseOptions{})
	assert.Equal(t, int64(-1), cfg.Revision)
	assert.Equal(t, DistUnknown, cfg.Distribution)
	assert.True(t, cfg.IsBucketless())

	vb, srv := cfg.MapKey([]byte("foo"))
	assert.Equal(t, -1, vb)
	assert.Equal(t, -1, srv)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"no nodes", `{"name":"b","nodeLocator":"vbucket"}`},
		{"no server map", `{"name":"b","nodeLocator":"vbucket","nodesExt":[{"hostname":"h","services":{"kv":11210}}]}`},
		{"no replicas", `{"name":"b","nodeLocator":"vbucket","nodesExt":[{"hostname":"h","services":{"kv":11210}}],"vBucketServerMap":{"vBucketMap":[[0]]}}`},
		{"empty map", `{"name":"b","nodeLocator":"vbucket","nodesExt":[{"hostname":"h","services":{"kv":11210}}],"vBucketServerMap":{"numReplicas":0,"vBucketMap":[]}}`},
		{"above bounds", `{"name":"b","nodeLocator":"vbucket","nodesExt":[{"hostname":"h","services":{"kv":11210}}],"vBucketServerMap":{"numReplicas":0,"vBucketMap":[[1]]}}`},
		{"bad legacy host", `{"name":"b","nodeLocator":"vbucket","nodes":[{"hostname":"nohost","ports":{"direct":1}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), ParseOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}

	_, err := Parse([]byte("{not json"), ParseOptions{})
	assert.Error(t, err)
}

func TestParse_LegacyNodesFollowServerList(t *testing.T) {
	data := `{
	  "name": "b", "nodeLocator": "vbucket",
	  "nodes": [
	    {"hostname": "10.0.0.2:8091", "couchApiBase": "http://10.0.0.2:8092/b", "ports": {"direct": 11210}},
	    {"hostname": "10.0.0.1:8091", "ports": {"direct": 11210}}
	  ],
	  "vBucketServerMap": {
	    "numReplicas": 0,
	    "serverList": ["10.0.0.1:11210", "10.0.0.2:11210", "10.0.0.9:11210"],
	    "vBucketMap": [[0], [1], [2]]
	  }
	}`
	cfg := mustParse(t, data, ParseOptions{})
	require.Len(t, cfg.Servers, 3)
	assert.Equal(t, "10.0.0.1:11210", cfg.Servers[0].Authority)
	assert.Equal(t, "10.0.0.2:11210", cfg.Servers[1].Authority)
	assert.Equal(t, 8092, cfg.Servers[1].Services.Views)
	assert.Equal(t, "/b", cfg.Servers[1].ViewPath)
	assert.Equal(t, "10.0.0.9:11210", cfg.Servers[2].Authority)
	assert.Equal(t, 3, cfg.NumDataServers)
}

func TestParse_AlternateAddresses(t *testing.T) {
	data := `{
	  "rev": 1, "name": "b", "nodeLocator": "vbucket",
	  "nodesExt": [
	    {"hostname": "10.0.0.1", "services": {"kv": 11210, "mgmt": 8091},
	     "alternateAddresses": {"external": {"hostname": "ext1.example.com", "ports": {"kv": 31210}}}}
	  ],
	  "vBucketServerMap": {"numReplicas": 0, "vBucketMap": [[0]]}
	}`
	cfg := mustParse(t, data, ParseOptions{SourceHost: "ext1.example.com"})
	assert.Equal(t, "external", cfg.Network)
	assert.Equal(t, "ext1.example.com:31210", cfg.HostPort(0, SvcData, false))
	assert.Equal(t, "ext1.example.com:8091", cfg.HostPort(0, SvcMgmt, false))
	assert.Equal(t, "ext1.example.com", cfg.Hostname(0))

	cfg = mustParse(t, data, ParseOptions{SourceHost: "10.0.0.1"})
	assert.Equal(t, "default", cfg.Network)
	assert.Equal(t, "10.0.0.1:11210", cfg.HostPort(0, SvcData, false))
}

func TestConfig_MapKey(t *testing.T) {
	cfg := mustParse(t, terseConfig, ParseOptions{SourceHost: "h"})

	tests := []struct {
		key    string
		vb     int
		master int
	}{
		{"foo", 3, 0},
		{"bar", 3, 0},
		{"hello", 0, 0},
	}
	for _, tt := range tests {
		vb, srv := cfg.MapKey([]byte(tt.key))
		assert.Equal(t, tt.vb, vb, tt.key)
		assert.Equal(t, tt.master, srv, tt.key)
	}

	assert.Equal(t, 2, cfg.VBReplica(3, 0))
	assert.Equal(t, -1, cfg.VBReplica(3, 1))
	assert.True(t, cfg.HasVBucket(1, 2))
	assert.False(t, cfg.HasVBucket(1, 0))
}

func TestConfig_KeyToVBucketLargeMap(t *testing.T) {
	cfg, err := GenerateDefault(4, 1, 1024)
	require.NoError(t, err)
	assert.Equal(t, 115, cfg.KeyToVBucket([]byte("foo")))
	assert.Equal(t, 767, cfg.KeyToVBucket([]byte("bar")))
	assert.Equal(t, 528, cfg.KeyToVBucket([]byte("hello")))
}

func TestConfig_Ketama(t *testing.T) {
	data := `{
	  "rev": 3, "name": "cache", "nodeLocator": "ketama",
	  "nodesExt": [
	    {"hostname": "10.0.0.2", "services": {"kv": 11210}},
	    {"hostname": "10.0.0.3", "services": {"kv": 11210}},
	    {"hostname": "10.0.0.1", "services": {"kv": 11210}}
	  ]
	}`
	cfg := mustParse(t, data, ParseOptions{})
	assert.Equal(t, DistKetama, cfg.Distribution)
	assert.Equal(t, "10.0.0.1:11210", cfg.Servers[0].Authority, "servers are sorted for the ring")

	expect := map[string]string{
		"foo":   "10.0.0.3:11210",
		"bar":   "10.0.0.2:11210",
		"hello": "10.0.0.2:11210",
		"key1":  "10.0.0.1:11210",
		"key2":  "10.0.0.3:11210",
	}
	for key, authority := range expect {
		vb, srv := cfg.MapKey([]byte(key))
		assert.Equal(t, 0, vb)
		require.GreaterOrEqual(t, srv, 0)
		assert.Equal(t, authority, cfg.Servers[srv].Authority, key)
	}
}

func TestConfig_RemapFrom(t *testing.T) {
	withFwd := mustParse(t, terseConfig, ParseOptions{SourceHost: "h"})
	assert.Equal(t, 1, withFwd.NMVRemap(0, 0, false), "forward map wins")
	assert.Equal(t, 0, withFwd.NMVRemap(0, 2, true), "bad server is not the master")

	cfg, err := GenerateDefault(3, 1, 6)
	require.NoError(t, err)
	assert.Equal(t, -1, cfg.NMVRemap(0, 0, false))
	assert.Equal(t, 1, cfg.NMVRemap(0, 0, true))

	// a guess already moved vb 0 to server 1, and 1 refused too
	assert.Equal(t, 2, cfg.RemapFrom(0, 1, 1, true))
	assert.Equal(t, -1, cfg.RemapFrom(99, 0, 0, true))
}

func TestConfig_RemapFromSkipsServersWithoutVBuckets(t *testing.T) {
	cfg, err := Generate(GenerateOptions{
		Servers: []Server{
			{Hostname: "a", Services: Services{Data: 11210}},
			{Hostname: "b", Services: Services{Data: 11210}},
			{Hostname: "c", Services: Services{Data: 11210}},
		},
		NumVBuckets: 2,
	})
	require.NoError(t, err)
	assert.Zero(t, cfg.Servers[2].NumVBuckets)
	assert.Equal(t, 0, cfg.RemapFrom(1, 1, 1, true))

	single, err := Generate(GenerateOptions{
		Servers:     []Server{{Hostname: "a", Services: Services{Data: 11210}}},
		NumVBuckets: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, -1, single.NMVRemap(0, 0, true))
}

func TestCompare(t *testing.T) {
	a, err := GenerateDefault(3, 1, 16)
	require.NoError(t, err)

	d := Compare(a, a)
	assert.True(t, d.Empty())
	assert.Zero(t, d.VBChanges)

	b := a.WithVBucketMaster(4, 2)
	d = Compare(a, b)
	assert.Equal(t, 1, d.VBChanges)
	assert.Equal(t, MapModified, d.ChangeType())

	c, err := GenerateDefault(4, 1, 16)
	require.NoError(t, err)
	d = Compare(a, c)
	assert.Len(t, d.ServersAdded, 1)
	assert.Contains(t, d.ServersAdded[0], "localhost:1003")
	assert.Empty(t, d.ServersRemoved)
	assert.True(t, d.SequenceChanged)
	assert.Equal(t, ServersModified|MapModified, d.ChangeType())

	d = Compare(c, a)
	assert.Len(t, d.ServersRemoved, 1)

	e, err := GenerateDefault(3, 1, 32)
	require.NoError(t, err)
	assert.Equal(t, -1, Compare(a, e).VBChanges)
}

func TestGenerate(t *testing.T) {
	cfg, err := GenerateDefault(3, 1, 8)
	require.NoError(t, err)
	assert.Equal(t, "default", cfg.BucketName)
	assert.Equal(t, int64(-1), cfg.Revision)
	assert.Equal(t, 3, cfg.NumDataServers)
	for vb := range 8 {
		assert.Equal(t, vb%3, cfg.VBMaster(vb))
		assert.Equal(t, (vb+1)%3, cfg.VBReplica(vb, 0))
	}
	assert.Equal(t, "localhost:1001", cfg.Servers[1].Authority)
	assert.Equal(t, "http://localhost:2001/default", cfg.CapiBase(1, false))

	_, err = GenerateDefault(2, 2, 8)
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = GenerateDefault(6, 5, 8)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Generate(GenerateOptions{
		Servers: []Server{
			{Hostname: "a", Services: Services{Mgmt: 8091}},
			{Hostname: "b", Services: Services{Data: 11210}},
		},
	})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfig_DerivedCopiesDoNotMutate(t *testing.T) {
	cfg, err := GenerateDefault(3, 1, 4)
	require.NoError(t, err)

	fwd := cfg.WithForwardMap()
	assert.Nil(t, cfg.ForwardVBuckets)
	assert.Equal(t, []int{1, 2}, fwd.ForwardVBuckets[0])

	moved := cfg.WithVBucketMaster(0, 2)
	assert.Equal(t, 0, cfg.VBMaster(0))
	assert.Equal(t, 2, moved.VBMaster(0))

	rev := cfg.WithRevision(9)
	assert.Equal(t, int64(-1), cfg.Revision)
	assert.Equal(t, int64(9), rev.Revision)

	k := cfg.AsKetama()
	assert.Equal(t, DistKetama, k.Distribution)
	assert.Equal(t, DistVBucket, cfg.Distribution)
	_, srv := k.MapKey([]byte("foo"))
	assert.GreaterOrEqual(t, srv, 0)
}

func TestConfig_MarshalJSONRoundTrip(t *testing.T) {
	orig := mustParse(t, terseConfig, ParseOptions{SourceHost: "10.0.0.1"})

	data, err := json.Marshal(orig)
	require.NoError(t, err)

	cfg := mustParse(t, string(data), ParseOptions{})
	assert.Equal(t, orig.Revision, cfg.Revision)
	assert.Equal(t, orig.RevEpoch, cfg.RevEpoch)
	assert.Equal(t, orig.BucketName, cfg.BucketName)
	assert.Equal(t, orig.BucketUUID, cfg.BucketUUID)
	assert.Equal(t, orig.VBuckets, cfg.VBuckets)
	assert.Equal(t, orig.Caps, cfg.Caps)
	assert.Equal(t, orig.ClusterCaps, cfg.ClusterCaps)
	require.Len(t, cfg.Servers, len(orig.Servers))
	for i := range orig.Servers {
		assert.Equal(t, orig.Servers[i].Authority, cfg.Servers[i].Authority)
	}
	assert.True(t, Compare(orig, cfg).Empty())
}
