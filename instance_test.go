package couchkv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/internal/testutils"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/vbucket"
)

type cluster struct {
	nodes []*testutils.FakeNode
	cfg   *vbucket.Config
}

// startCluster runs n fake nodes serving a config that spreads the
// vbuckets over all of them.
func startCluster(t *testing.T, n, replicas int) *cluster {
	t.Helper()
	c := &cluster{}
	servers := make([]vbucket.Server, n)
	for i := range servers {
		node, err := testutils.StartFakeNode()
		require.NoError(t, err)
		t.Cleanup(func() { _ = node.Close() })
		c.nodes = append(c.nodes, node)
		servers[i] = vbucket.Server{Hostname: "127.0.0.1", Services: vbucket.Services{Data: node.Port()}}
	}
	cfg, err := vbucket.Generate(vbucket.GenerateOptions{Servers: servers, NumReplicas: replicas, NumVBuckets: 16})
	require.NoError(t, err)
	c.serve(t, cfg.WithRevision(1))
	return c
}

func (c *cluster) serve(t *testing.T, cfg *vbucket.Config) {
	t.Helper()
	c.cfg = cfg
	payload := configJSON(t, cfg)
	for _, node := range c.nodes {
		node.SetConfig(payload)
	}
}

// node returns the fake node serving server index ix of the config.
func (c *cluster) node(ix int) *testutils.FakeNode {
	return c.nodes[ix]
}

// connect bootstraps a live instance against the first node.
func (c *cluster) connect(t *testing.T, tweak func(s *Settings)) *Instance {
	t.Helper()
	s := Settings{
		Bucket:           "default",
		Providers:        []clconfig.Method{clconfig.MethodCCCP},
		Logger:           zap.NewNop(),
		OperationTimeout: 2 * time.Second,
	}
	if tweak != nil {
		tweak(&s)
	}

	loop := evloop.New()
	inst, err := newInstance(s.withDefaults(), bootstrapSpec{memdHosts: []string{c.nodes[0].Addr()}}, loop, nil)
	require.NoError(t, err)
	inst.loop = loop
	t.Cleanup(inst.Close)

	require.NoError(t, inst.Connect())
	require.NoError(t, inst.Wait(testContext(t)))
	require.NoError(t, inst.BootstrapStatus())
	return inst
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestInstance_Bootstrap(t *testing.T) {
	c := startCluster(t, 2, 1)
	inst := c.connect(t, nil)

	assert.Len(t, inst.Servers(), 2)
	assert.Equal(t, int64(1), inst.queue.Config().Config.Revision)
	assert.Equal(t, BucketTypeEphemeral, inst.BucketType())
	assert.Equal(t, 1, c.nodes[0].Requests(mcbp.CmdGetClusterConfig))
}

func TestInstance_KeyValue(t *testing.T) {
	c := startCluster(t, 2, 1)
	inst := c.connect(t, nil)
	ctx := testContext(t)

	_, err := inst.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	stored, err := inst.Upsert(ctx, "greeting", []byte("hello"))
	require.NoError(t, err)
	assert.NotZero(t, stored.CAS)

	got, err := inst.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got.Value)
	assert.Equal(t, stored.CAS, got.CAS)

	_, err = inst.Store(ctx, "greeting", []byte("again"), StoreOptions{Mode: StoreInsert})
	assert.ErrorIs(t, err, ErrDocumentExists)

	_, err = inst.Store(ctx, "greeting", []byte("hi"), StoreOptions{Mode: StoreReplace, CAS: stored.CAS, Flags: 7})
	require.NoError(t, err)
	got, err = inst.Get(ctx, "greeting")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), got.Value)
	assert.Equal(t, uint32(7), got.Flags)

	_, err = inst.Remove(ctx, "greeting")
	require.NoError(t, err)
	_, err = inst.Get(ctx, "greeting")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	assert.True(t, inst.pending.idle())
}

func TestInstance_NotMyVBucketWithConfig(t *testing.T) {
	c := startCluster(t, 2, 1)
	inst := c.connect(t, nil)
	ctx := testContext(t)

	key := "moving"
	vb, owner := c.cfg.MapKey([]byte(key))
	other := 1 - owner
	moved := c.cfg.WithVBucketMaster(vb, other).WithRevision(2)
	c.node(other).Put(key, []byte("here"), 0)
	c.serve(t, moved)

	payload := configJSON(t, moved)
	c.node(owner).SetHandler(func(req *mcbp.Request) *mcbp.Response {
		if req.Opcode != mcbp.CmdGet {
			return nil
		}
		return &mcbp.Response{
			Header: mcbp.Header{VBucket: uint16(mcbp.StatusNotMyVBucket), Datatype: mcbp.DatatypeJSON},
			Value:  payload,
		}
	})

	got, err := inst.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("here"), got.Value)
	assert.Equal(t, int64(2), inst.queue.Config().Config.Revision)
	assert.Equal(t, uint64(1), inst.Stats().Client.NotMyVBucket)
}

func TestInstance_Durability(t *testing.T) {
	c := startCluster(t, 2, 1)
	inst := c.connect(t, nil)
	ctx := testContext(t)

	stored, err := inst.Upsert(ctx, "durable", []byte("v"))
	require.NoError(t, err)

	var results []*DurabilityResult
	items := []DurabilityItem{{Key: []byte("durable"), CAS: stored.CAS}}
	require.NoError(t, inst.Durability(items, DurabilityOptions{PersistTo: 1}, func(r []*DurabilityResult) {
		results = r
	}))
	require.NoError(t, inst.Wait(ctx))

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.True(t, results[0].PersistedMaster)
}

func TestInstance_DurabilitySeqno(t *testing.T) {
	c := startCluster(t, 2, 1)
	inst := c.connect(t, func(s *Settings) { s.UseMutationTokens = true })
	ctx := testContext(t)

	stored, err := inst.Upsert(ctx, "durable", []byte("v"))
	require.NoError(t, err)
	require.False(t, stored.Token.IsZero())

	var results []*DurabilityResult
	items := []DurabilityItem{{Key: []byte("durable"), Token: stored.Token}}
	require.NoError(t, inst.Durability(items, DurabilityOptions{PersistTo: 1}, func(r []*DurabilityResult) {
		results = r
	}))
	require.NoError(t, inst.Wait(ctx))

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	_, owner := c.cfg.MapKey([]byte("durable"))
	assert.Positive(t, c.node(owner).Requests(mcbp.CmdObserveSeqno))
}

func TestInstance_ReconnectAfterDrop(t *testing.T) {
	c := startCluster(t, 1, 0)
	inst := c.connect(t, nil)
	ctx := testContext(t)

	_, err := inst.Upsert(ctx, "k", []byte("v"))
	require.NoError(t, err)

	c.nodes[0].DropConnections()

	// The broken socket may fail one request; the next one reconnects.
	for range 3 {
		if _, err = inst.Get(ctx, "k"); err == nil {
			break
		}
	}
	require.NoError(t, err)
}

func TestInstance_CloseFailsPending(t *testing.T) {
	c := startCluster(t, 1, 0)
	inst := c.connect(t, nil)

	var res results
	require.NoError(t, inst.GetAsync("k", res.callback))
	inst.Close()

	require.Len(t, res.got, 1)
	assert.ErrorIs(t, res.got[0].Err, ErrShutdown)
	assert.ErrorIs(t, inst.GetAsync("k", res.callback), ErrShutdown)
}
