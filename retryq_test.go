package couchkv

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
	"github.com/pior/couchkv/netbuf"
)

type retryFixture struct {
	q         *retryQueue
	cq        *mcreq.CmdQueue
	sched     *evloop.Manual
	settings  *Settings
	pipelines []*mcreq.Pipeline
	flushes   map[int]int
	failed    map[uint32]error
	refreshes int
}

func newRetryFixture(t *testing.T, tweak func(s *Settings)) *retryFixture {
	t.Helper()
	s := Settings{}
	if tweak != nil {
		tweak(&s)
	}
	s = s.withDefaults()

	f := &retryFixture{
		sched:    evloop.NewManual(epoch),
		settings: &s,
		flushes:  make(map[int]int),
		failed:   make(map[uint32]error),
	}
	f.cq = mcreq.NewCmdQueue(f.sched.Now)
	f.cq.Timeout = s.OperationTimeout

	cfg := testConfig(t, 3, 1)
	f.pipelines = make([]*mcreq.Pipeline, cfg.NumServers())
	for i := range f.pipelines {
		f.pipelines[i] = mcreq.NewPipeline(i, netbuf.Settings{})
		f.pipelines[i].FlushStart = func(pl *mcreq.Pipeline) { f.flushes[pl.Index]++ }
	}
	f.cq.SetPipelines(f.pipelines, clconfig.NewConfigInfo(cfg, clconfig.MethodCCCP))

	f.q = newRetryQueue(f.sched, f.settings, f.cq, zaptest.NewLogger(t))
	f.q.fail = func(pkt *mcreq.Packet, err error) { f.failed[pkt.Opaque] = err }
	f.q.refresh = func() { f.refreshes++ }
	return f
}

// packet builds a detached GET for key, as the retry queue receives them.
func (f *retryFixture) packet(t *testing.T, key string) (*mcreq.Packet, *mcreq.Pipeline) {
	t.Helper()
	pkt, pl, err := f.cq.BasicPacket(&mcbp.Request{Opcode: mcbp.CmdGet}, []byte(key), 0, mcreq.PacketOptions{})
	require.NoError(t, err)
	pkt.Start = f.sched.Now()
	pkt.Deadline = pkt.Start.Add(f.settings.OperationTimeout)

	renewed, err := f.cq.Renew(pkt)
	require.NoError(t, err)
	f.cq.Discard(pl, pkt)
	return renewed, pl
}

func TestRetryQueue_Backoff(t *testing.T) {
	f := newRetryFixture(t, nil)
	pkt, pl := f.packet(t, "foo")
	cause := errors.Wrap(ErrNetwork, "connection reset")

	f.q.Add(pkt, cause, nil)
	assert.Equal(t, 1, f.q.Len())
	assert.Equal(t, 1, pkt.Retries)

	f.sched.Advance(9 * time.Millisecond)
	assert.True(t, pl.Empty())

	f.sched.Advance(time.Millisecond)
	assert.Same(t, pkt, pl.Find(pkt.Opaque))
	assert.Equal(t, 1, f.flushes[pl.Index])
	assert.True(t, f.q.Empty())

	// The second attempt waits twice as long.
	require.NotNil(t, pl.Remove(pkt.Opaque))
	f.q.Add(pkt, cause, nil)
	f.sched.Advance(19 * time.Millisecond)
	assert.True(t, pl.Empty())
	f.sched.Advance(time.Millisecond)
	assert.False(t, pl.Empty())
	assert.Equal(t, 2, pkt.Retries)
	assert.Equal(t, cause, pkt.RetryErr, "the first error is kept")
}

func TestRetryQueue_BackoffCappedAtMaxInterval(t *testing.T) {
	f := newRetryFixture(t, func(s *Settings) {
		s.RetryInterval = 100 * time.Millisecond
		s.RetryMaxInterval = 150 * time.Millisecond
		s.OperationTimeout = time.Minute
	})
	pkt, pl := f.packet(t, "foo")

	f.q.Add(pkt, ErrNotMyVBucket, nil)
	f.sched.Advance(100 * time.Millisecond)
	require.NotNil(t, pl.Remove(pkt.Opaque))

	f.q.Add(pkt, ErrNotMyVBucket, nil)
	f.sched.Advance(149 * time.Millisecond)
	assert.True(t, pl.Empty())
	f.sched.Advance(time.Millisecond)
	assert.False(t, pl.Empty())
}

func TestRetryQueue_DeadlineFailsWithCause(t *testing.T) {
	f := newRetryFixture(t, func(s *Settings) {
		s.RetryInterval = 100 * time.Millisecond
		s.OperationTimeout = 15 * time.Millisecond
	})
	pkt, pl := f.packet(t, "foo")

	f.q.NMVAdd(pkt)
	f.sched.Advance(15 * time.Millisecond)

	require.Contains(t, f.failed, pkt.Opaque)
	err := f.failed[pkt.Opaque]
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, ErrNotMyVBucket)
	assert.True(t, f.q.Empty())
	assert.True(t, pl.Empty())
	assert.Zero(t, f.sched.PendingTimers())
}

func TestRetryQueue_NMVImmediate(t *testing.T) {
	f := newRetryFixture(t, func(s *Settings) { s.NMVRetryImmediate = true })
	pkt, pl := f.packet(t, "foo")

	f.q.NMVAdd(pkt)
	f.sched.Advance(0)
	assert.False(t, pl.Empty())
	assert.True(t, f.q.Empty())
}

func TestRetryQueue_UCAddIsImmediate(t *testing.T) {
	f := newRetryFixture(t, nil)
	pkt, pl := f.packet(t, "foo")

	f.q.UCAdd(pkt, ErrCollectionNotFound)
	f.sched.Advance(0)
	assert.False(t, pl.Empty())
}

func TestRetryQueue_Signal(t *testing.T) {
	f := newRetryFixture(t, nil)
	a, plA := f.packet(t, "foo")
	b, plB := f.packet(t, "bar")

	f.q.Add(a, ErrNotMyVBucket, nil)
	f.q.Add(b, ErrNotMyVBucket, nil)
	f.q.Signal()

	assert.True(t, f.q.Empty())
	assert.NotNil(t, plA.Find(a.Opaque))
	assert.NotNil(t, plB.Find(b.Opaque))
	assert.Zero(t, f.sched.PendingTimers())
}

func TestRetryQueue_NoPipelineRequeues(t *testing.T) {
	f := newRetryFixture(t, nil)
	pkt, _ := f.packet(t, "foo")
	pkt.VBucket = 99

	f.q.Add(pkt, ErrNotMyVBucket, nil)
	f.q.Signal()

	assert.Equal(t, 1, f.refreshes)
	assert.Equal(t, 1, f.q.Len())
	assert.ErrorIs(t, pkt.RetryErr, ErrNoMatchingServer)
	assert.Empty(t, f.failed)
}

func TestRetryQueue_SpecBudgetExhausted(t *testing.T) {
	f := newRetryFixture(t, nil)
	pkt, pl := f.packet(t, "foo")
	spec := &RetrySpec{Strategy: RetryConstant, Interval: 5 * time.Millisecond, MaxDuration: 5 * time.Millisecond}

	f.q.Add(pkt, ErrTemporaryFailure, spec)
	f.sched.Advance(5 * time.Millisecond)
	require.NotNil(t, pl.Remove(pkt.Opaque))

	f.q.Add(pkt, ErrTemporaryFailure, spec)
	assert.ErrorIs(t, f.failed[pkt.Opaque], ErrTemporaryFailure)
	assert.True(t, f.q.Empty())
}

func TestRetryQueue_ResetTimeouts(t *testing.T) {
	f := newRetryFixture(t, func(s *Settings) {
		s.RetryInterval = time.Second
		s.OperationTimeout = 50 * time.Millisecond
	})
	pkt, _ := f.packet(t, "foo")
	f.q.Add(pkt, ErrNotMyVBucket, nil)

	f.sched.Advance(40 * time.Millisecond)
	f.q.ResetTimeouts(f.sched.Now())
	assert.Equal(t, epoch.Add(90*time.Millisecond), pkt.Deadline)

	f.sched.Advance(20 * time.Millisecond)
	assert.Empty(t, f.failed)

	f.sched.Advance(40 * time.Millisecond)
	assert.ErrorIs(t, f.failed[pkt.Opaque], ErrTimeout)
}

func TestRetryQueue_Close(t *testing.T) {
	f := newRetryFixture(t, nil)
	a, _ := f.packet(t, "foo")
	b, _ := f.packet(t, "bar")
	f.q.Add(a, ErrNotMyVBucket, nil)
	f.q.Add(b, ErrNotMyVBucket, nil)

	f.q.Close()
	assert.True(t, f.q.Empty())
	assert.ErrorIs(t, f.failed[a.Opaque], ErrShutdown)
	assert.ErrorIs(t, f.failed[b.Opaque], ErrShutdown)
	assert.Zero(t, f.sched.PendingTimers())
}

func TestShouldRetry(t *testing.T) {
	get := &mcreq.Packet{Opcode: mcbp.CmdGet}
	set := &mcreq.Packet{Opcode: mcbp.CmdSet}
	casSet := &mcreq.Packet{Opcode: mcbp.CmdSet, CAS: 42}
	observe := &mcreq.Packet{Opcode: mcbp.CmdObserve}
	netErr := errors.Wrap(ErrNetwork, "broken pipe")

	policies := func(mode RetryMode, p RetryPolicy) func(s *Settings) {
		return func(s *Settings) { s.RetryPolicies[mode] = p }
	}

	tests := []struct {
		name  string
		tweak func(s *Settings)
		pkt   *mcreq.Packet
		err   error
		want  bool
	}{
		{"nmv get", nil, get, ErrNotMyVBucket, true},
		{"nmv set", nil, set, ErrNotMyVBucket, true},
		{"observe never", nil, observe, ErrNotMyVBucket, false},
		{"timeout never", nil, get, ErrTimeout, false},
		{"map changed never", nil, get, ErrMapChanged, false},
		{"not retryable", nil, get, ErrDocumentNotFound, false},
		{"socket error", nil, set, netErr, true},
		{"socket error disabled", policies(RetryOnSocketError, RetryNone), get, netErr, false},
		{"missing node default", nil, get, ErrNoMatchingServer, false},
		{"missing node get policy read", policies(RetryOnMissingNode, RetryGet), get, ErrNoMatchingServer, true},
		{"missing node get policy write", policies(RetryOnMissingNode, RetryGet), set, ErrNoMatchingServer, false},
		{"safe policy plain write", policies(RetryOnVBMapError, RetrySafe), set, ErrNotMyVBucket, false},
		{"safe policy cas write", policies(RetryOnVBMapError, RetrySafe), casSet, ErrNotMyVBucket, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := DefaultSettings()
			if tt.tweak != nil {
				tt.tweak(&s)
			}
			assert.Equal(t, tt.want, ShouldRetry(&s, tt.pkt, tt.err))
		})
	}
}
