package couchkv

import (
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/mcreq"
)

type retryEntry struct {
	pkt   *mcreq.Packet
	tryAt time.Time
	seq   uint64
}

func byTryTime(a, b *retryEntry) bool {
	if !a.tryAt.Equal(b.tryAt) {
		return a.tryAt.Before(b.tryAt)
	}
	return a.seq < b.seq
}

func byDeadline(a, b *retryEntry) bool {
	if !a.pkt.Deadline.Equal(b.pkt.Deadline) {
		return a.pkt.Deadline.Before(b.pkt.Deadline)
	}
	return a.seq < b.seq
}

// retryQueue holds packets that failed with a retryable error until they
// are due again or their deadline passes.
type retryQueue struct {
	sched    evloop.Scheduler
	settings *Settings
	queue    *mcreq.CmdQueue
	logger   *zap.Logger
	stats    *clientStatsCollector

	// refresh asks for a throttled config refresh.
	refresh func()
	// fail completes a packet with err.
	fail func(pkt *mcreq.Packet, err error)

	byTry      *btree.BTreeG[*retryEntry]
	byDeadline *btree.BTreeG[*retryEntry]
	timer      evloop.Timer
	seq        uint64
}

func newRetryQueue(sched evloop.Scheduler, settings *Settings, queue *mcreq.CmdQueue, logger *zap.Logger) *retryQueue {
	q := &retryQueue{
		sched:      sched,
		settings:   settings,
		queue:      queue,
		logger:     logger.Named("retryq"),
		stats:      &clientStatsCollector{},
		refresh:    func() {},
		fail:       func(*mcreq.Packet, error) {},
		byTry:      btree.NewG(8, byTryTime),
		byDeadline: btree.NewG(8, byDeadline),
	}
	q.timer = sched.NewTimer(func() { q.Flush(true) })
	return q
}

func (q *retryQueue) newBackOff(spec *RetrySpec) backoff.BackOff {
	if spec != nil {
		return spec.BackOff()
	}
	multiplier := q.settings.RetryBackoff
	if multiplier < 1 {
		multiplier = 1
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.settings.RetryInterval,
		RandomizationFactor: 0,
		Multiplier:          multiplier,
		MaxInterval:         q.settings.RetryMaxInterval,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Add schedules pkt for another attempt. spec, when set, overrides the
// configured backoff.
func (q *retryQueue) Add(pkt *mcreq.Packet, err error, spec *RetrySpec) {
	q.add(pkt, err, spec, false)
}

// NMVAdd schedules a packet rejected with NOT_MY_VBUCKET.
func (q *retryQueue) NMVAdd(pkt *mcreq.Packet) {
	q.add(pkt, ErrNotMyVBucket, nil, q.settings.NMVRetryImmediate)
}

// UCAdd schedules a packet whose collection id was refreshed. It is
// retried right away.
func (q *retryQueue) UCAdd(pkt *mcreq.Packet, err error) {
	q.add(pkt, err, nil, true)
}

func (q *retryQueue) add(pkt *mcreq.Packet, err error, spec *RetrySpec, immediate bool) {
	if pkt.RetryErr == nil {
		pkt.RetryErr = err
	}
	pkt.Retries++
	q.stats.recordRetry()

	now := q.sched.Now()
	tryAt := now
	if !immediate {
		if pkt.Backoff == nil {
			pkt.Backoff = q.newBackOff(spec)
		}
		wait := pkt.Backoff.NextBackOff()
		if wait == backoff.Stop {
			q.logger.Debug("retry budget exhausted", zap.Stringer("packet", pkt), zap.Error(err))
			q.fail(pkt, err)
			return
		}
		tryAt = now.Add(wait)
	}

	q.seq++
	e := &retryEntry{pkt: pkt, tryAt: tryAt, seq: q.seq}
	q.byTry.ReplaceOrInsert(e)
	q.byDeadline.ReplaceOrInsert(e)

	q.logger.Debug("scheduled retry",
		zap.Stringer("packet", pkt),
		zap.Int("attempt", pkt.Retries),
		zap.Duration("wait", tryAt.Sub(now)),
		zap.Error(err))
	q.schedule(now)
}

func (q *retryQueue) remove(e *retryEntry) {
	q.byTry.Delete(e)
	q.byDeadline.Delete(e)
}

// schedule arms the timer at the earliest try time or deadline.
func (q *retryQueue) schedule(now time.Time) {
	first, ok := q.byTry.Min()
	if !ok {
		q.timer.Cancel()
		return
	}
	next := first.tryAt
	if e, ok := q.byDeadline.Min(); ok && e.pkt.Deadline.Before(next) {
		next = e.pkt.Deadline
	}
	wait := next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	q.timer.Arm(wait)
}

// Flush fails expired packets and re-enqueues the others. With throttle
// only packets whose try time has come are sent.
func (q *retryQueue) Flush(throttle bool) {
	now := q.sched.Now()

	for {
		e, ok := q.byDeadline.Min()
		if !ok || e.pkt.Deadline.After(now) {
			break
		}
		q.remove(e)
		q.logger.Debug("retry deadline passed", zap.Stringer("packet", e.pkt))
		q.fail(e.pkt, retryTimeout(e.pkt.RetryErr))
	}

	var due []*retryEntry
	q.byTry.Ascend(func(e *retryEntry) bool {
		if throttle && e.tryAt.After(now) {
			return false
		}
		due = append(due, e)
		return true
	})

	var touched []*mcreq.Pipeline
	seen := make(map[*mcreq.Pipeline]struct{})
	missing := false
	for _, e := range due {
		q.remove(e)
		pl := q.queue.PipelineFor(e.pkt)
		if pl == nil {
			missing = true
			e.pkt.RetryErr = ErrNoMatchingServer
			q.requeue(e.pkt, now)
			continue
		}
		pl.Reenqueue(e.pkt)
		if _, ok := seen[pl]; !ok {
			seen[pl] = struct{}{}
			touched = append(touched, pl)
		}
	}

	if missing {
		q.refresh()
	}
	for _, pl := range touched {
		if pl.FlushStart != nil {
			pl.FlushStart(pl)
		}
	}
	q.schedule(now)
}

// requeue reschedules a packet that had nowhere to go.
func (q *retryQueue) requeue(pkt *mcreq.Packet, now time.Time) {
	if pkt.Backoff == nil {
		pkt.Backoff = q.newBackOff(nil)
	}
	wait := pkt.Backoff.NextBackOff()
	if wait == backoff.Stop {
		q.fail(pkt, pkt.RetryErr)
		return
	}
	q.seq++
	e := &retryEntry{pkt: pkt, tryAt: now.Add(wait), seq: q.seq}
	q.byTry.ReplaceOrInsert(e)
	q.byDeadline.ReplaceOrInsert(e)
}

// Signal sends every queued packet now, typically after a config change.
func (q *retryQueue) Signal() {
	if q.byTry.Len() > 0 {
		q.Flush(false)
	}
}

// ResetTimeouts restarts the clock of every queued packet at now while
// keeping its timeout duration.
func (q *retryQueue) ResetTimeouts(now time.Time) {
	var all []*retryEntry
	q.byDeadline.Ascend(func(e *retryEntry) bool {
		all = append(all, e)
		return true
	})
	q.byDeadline.Clear(false)
	for _, e := range all {
		d := e.pkt.Deadline.Sub(e.pkt.Start)
		e.pkt.Start = now
		e.pkt.Deadline = now.Add(d)
		q.byDeadline.ReplaceOrInsert(e)
	}
	q.schedule(now)
}

// ErrorFor returns the error that first sent pkt to the queue.
func (q *retryQueue) ErrorFor(pkt *mcreq.Packet) error {
	return pkt.RetryErr
}

func (q *retryQueue) Len() int {
	return q.byTry.Len()
}

func (q *retryQueue) Empty() bool {
	return q.byTry.Len() == 0
}

// Close fails every queued packet with ErrShutdown.
func (q *retryQueue) Close() {
	q.timer.Cancel()
	var all []*retryEntry
	q.byTry.Ascend(func(e *retryEntry) bool {
		all = append(all, e)
		return true
	})
	q.byTry.Clear(false)
	q.byDeadline.Clear(false)
	for _, e := range all {
		q.fail(e.pkt, ErrShutdown)
	}
}
