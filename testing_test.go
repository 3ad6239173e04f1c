package couchkv

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
	"github.com/pior/couchkv/vbucket"
)

var epoch = time.Unix(1700000000, 0)

// fakeConnector serves GET_CLUSTER_CONFIG from canned payloads and never
// completes a session acquisition, so scheduled packets stay pending until
// a test answers them.
type fakeConnector struct {
	sched    *evloop.Manual
	configs  map[string][]byte
	execErr  error
	hang     bool
	execs    []string
	acquires []string
	resets   int
	closed   bool
}

func (c *fakeConnector) Acquire(host string, _ time.Duration, _ func(Resource, error)) func() {
	c.acquires = append(c.acquires, host)
	return func() {}
}

func (c *fakeConnector) Exec(host string, _ time.Duration, req *mcbp.Request, done func(*mcbp.Response, error)) {
	c.execs = append(c.execs, host)
	if c.hang {
		return
	}
	c.sched.Post(func() {
		if c.execErr != nil {
			done(nil, c.execErr)
			return
		}
		payload, ok := c.configs[host]
		if !ok {
			done(nil, errors.Wrapf(ErrConnect, "%s: connection refused", host))
			return
		}
		done(&mcbp.Response{Header: mcbp.Header{Magic: mcbp.MagicRes, Opcode: req.Opcode}, Value: payload}, nil)
	})
}

func (c *fakeConnector) Stats() []HostPoolStats { return nil }

func (c *fakeConnector) Reset() { c.resets++ }

func (c *fakeConnector) Close() { c.closed = true }

// serve makes every server of cfg hand out cfg.
func (c *fakeConnector) serve(t *testing.T, cfg *vbucket.Config) {
	t.Helper()
	payload := configJSON(t, cfg)
	for _, host := range cfg.HostPorts(vbucket.SvcData, false) {
		c.configs[host] = payload
	}
}

func testConfig(t *testing.T, nservers, nreplicas int) *vbucket.Config {
	t.Helper()
	cfg, err := vbucket.GenerateDefault(nservers, nreplicas, 16)
	require.NoError(t, err)
	return cfg.WithRevision(1)
}

func configJSON(t *testing.T, cfg *vbucket.Config) []byte {
	t.Helper()
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	return payload
}

type testInstance struct {
	*Instance
	sched *evloop.Manual
	conn  *fakeConnector
}

// newTestInstance builds an instance on a manual scheduler whose
// bootstrap nodes are the servers of cfg.
func newTestInstance(t *testing.T, cfg *vbucket.Config, tweak func(s *Settings)) *testInstance {
	t.Helper()
	sched := evloop.NewManual(epoch)
	conn := &fakeConnector{sched: sched, configs: make(map[string][]byte)}
	conn.serve(t, cfg)

	s := Settings{
		Bucket:    "default",
		Providers: []clconfig.Method{clconfig.MethodCCCP},
		Logger:    zaptest.NewLogger(t),
	}
	if tweak != nil {
		tweak(&s)
	}
	spec := bootstrapSpec{memdHosts: cfg.HostPorts(vbucket.SvcData, false)}

	inst, err := newInstance(s.withDefaults(), spec, sched, conn)
	require.NoError(t, err)
	t.Cleanup(inst.Close)
	return &testInstance{Instance: inst, sched: sched, conn: conn}
}

// start runs the initial config fetch to completion.
func (ti *testInstance) start(t *testing.T) {
	t.Helper()
	require.NoError(t, ti.Connect())
	ti.sched.Advance(time.Millisecond)
	require.NoError(t, ti.BootstrapStatus())
}

// installConfig offers cfg as if a node had sent it.
func (ti *testInstance) installConfig(t *testing.T, cfg *vbucket.Config) {
	t.Helper()
	ti.conn.serve(t, cfg)
	require.NoError(t, ti.cccp.Update(cfg.HostPort(0, vbucket.SvcData, false), configJSON(t, cfg)))
	ti.sched.RunPending()
}

// attach gives srv a connection that accepts no writes, so that replies can
// be fed to it with respond.
func (ti *testInstance) attach(t *testing.T, srv *Server) {
	t.Helper()
	srv.io = &connIO{writing: true}
	t.Cleanup(func() { srv.io = nil })
}

// respond feeds srv a reply to pkt.
func (ti *testInstance) respond(srv *Server, pkt *mcreq.Packet, status mcbp.Status, resp *mcbp.Response) {
	if resp == nil {
		resp = &mcbp.Response{}
	}
	resp.Magic = mcbp.MagicRes
	resp.Opcode = pkt.Opcode
	resp.Opaque = pkt.Opaque
	resp.VBucket = uint16(status)
	srv.onRead(resp.Bytes())
	ti.sched.RunPending()
}

// userPackets lists the packets of user operations pending on srv.
func userPackets(srv *Server) []*mcreq.Packet {
	var out []*mcreq.Packet
	srv.pl.Each(func(pkt *mcreq.Packet) bool {
		if !pkt.Is(mcreq.FlagPrivate) {
			out = append(out, pkt)
		}
		return true
	})
	return out
}

// keyOn returns a key whose vbucket master is server ix.
func keyOn(t *testing.T, cfg *vbucket.Config, ix int) string {
	t.Helper()
	for i := range 10000 {
		key := fmt.Sprintf("key-%d", i)
		if _, server := cfg.MapKey([]byte(key)); server == ix {
			return key
		}
	}
	t.Fatalf("no key maps to server %d", ix)
	return ""
}

type results struct {
	got []*Result
}

func (r *results) callback(res *Result) {
	r.got = append(r.got, res)
}

// newClusterInstance builds a bucketless instance bootstrapped by the
// cluster-admin provider. Its data nodes are the servers of cfg.
func newClusterInstance(t *testing.T, cfg *vbucket.Config) *testInstance {
	t.Helper()
	sched := evloop.NewManual(epoch)
	conn := &fakeConnector{sched: sched, configs: make(map[string][]byte)}

	s := Settings{
		Providers: []clconfig.Method{clconfig.MethodClusterAdmin},
		Logger:    zaptest.NewLogger(t),
	}
	spec := bootstrapSpec{
		memdHosts: cfg.HostPorts(vbucket.SvcData, false),
		httpHosts: cfg.HostPorts(vbucket.SvcMgmt, false),
	}

	inst, err := newInstance(s.withDefaults(), spec, sched, conn)
	require.NoError(t, err)
	t.Cleanup(inst.Close)
	return &testInstance{Instance: inst, sched: sched, conn: conn}
}
