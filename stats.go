package couchkv

import (
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"
)

// PoolStats contains statistics about a session pool.
//
// Struct is laid out to fit within a single cache line (64 bytes).
type PoolStats struct {
	AcquireCount      uint64 // Total acquire attempts
	AcquireWaitCount  uint64 // Acquires that had to wait
	CreatedConns      uint64 // Total sessions created
	DestroyedConns    uint64 // Total sessions destroyed
	AcquireErrors     uint64 // Failed acquire attempts
	AcquireWaitTimeNs uint64 // Total nanoseconds spent waiting

	TotalConns  int32 // Sessions in the pool (active + idle)
	IdleConns   int32 // Idle sessions available
	ActiveConns int32 // Sessions held by a server
	_           int32
}

// HostPoolStats are the pool and breaker stats of one host.
type HostPoolStats struct {
	Host                 string
	PoolStats            PoolStats
	CircuitBreakerState  gobreaker.State
	CircuitBreakerCounts gobreaker.Counts
}

// ClientStats contains statistics about routing and dispatch.
type ClientStats struct {
	OpsScheduled       uint64 // Operations handed to a pipeline
	OpsCompleted       uint64 // Operations whose callback ran
	OpsFailed          uint64 // Operations completed with an error
	Timeouts           uint64 // Packets failed by a deadline
	NotMyVBucket       uint64 // NOT_MY_VBUCKET replies
	OwnerlessResponses uint64 // Replies to packets no longer pending
	Retries            uint64 // Packets placed in the retry queue
	Relocated          uint64 // Packets moved by a config change
	ConfigsApplied     uint64 // Configs installed
	Reconnects         uint64 // Sessions attached to a server
	SocketErrors       uint64 // Server connections that failed
	BytesFlushed       uint64 // Bytes written to servers
	DurabilityItems    uint64 // Items checked for durability
}

// Stats is a point-in-time snapshot of an instance.
type Stats struct {
	Client ClientStats
	Pools  []HostPoolStats
}

type poolStatsCollector struct {
	stats PoolStats
}

func (c *poolStatsCollector) recordAcquire() {
	atomic.AddUint64(&c.stats.AcquireCount, 1)
}

func (c *poolStatsCollector) recordAcquireWait(d time.Duration) {
	atomic.AddUint64(&c.stats.AcquireWaitCount, 1)
	atomic.AddUint64(&c.stats.AcquireWaitTimeNs, uint64(d.Nanoseconds()))
}

func (c *poolStatsCollector) recordCreate() {
	atomic.AddUint64(&c.stats.CreatedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, 1)
}

func (c *poolStatsCollector) recordDestroy() {
	atomic.AddUint64(&c.stats.DestroyedConns, 1)
	atomic.AddInt32(&c.stats.TotalConns, -1)
}

func (c *poolStatsCollector) recordAcquireError() {
	atomic.AddUint64(&c.stats.AcquireErrors, 1)
}

func (c *poolStatsCollector) recordAcquireFromIdle() {
	atomic.AddInt32(&c.stats.IdleConns, -1)
	atomic.AddInt32(&c.stats.ActiveConns, 1)
}

func (c *poolStatsCollector) recordActivate() {
	atomic.AddInt32(&c.stats.ActiveConns, 1)
}

func (c *poolStatsCollector) recordRelease() {
	atomic.AddInt32(&c.stats.IdleConns, 1)
	atomic.AddInt32(&c.stats.ActiveConns, -1)
}

func (c *poolStatsCollector) snapshot() PoolStats {
	return PoolStats{
		TotalConns:        atomic.LoadInt32(&c.stats.TotalConns),
		IdleConns:         atomic.LoadInt32(&c.stats.IdleConns),
		ActiveConns:       atomic.LoadInt32(&c.stats.ActiveConns),
		AcquireCount:      atomic.LoadUint64(&c.stats.AcquireCount),
		AcquireWaitCount:  atomic.LoadUint64(&c.stats.AcquireWaitCount),
		CreatedConns:      atomic.LoadUint64(&c.stats.CreatedConns),
		DestroyedConns:    atomic.LoadUint64(&c.stats.DestroyedConns),
		AcquireErrors:     atomic.LoadUint64(&c.stats.AcquireErrors),
		AcquireWaitTimeNs: atomic.LoadUint64(&c.stats.AcquireWaitTimeNs),
	}
}

// clientStatsCollector is written on the loop and read from any goroutine.
type clientStatsCollector struct {
	stats ClientStats
}

func (c *clientStatsCollector) add(field *uint64, n int) {
	atomic.AddUint64(field, uint64(n))
}

func (c *clientStatsCollector) recordScheduled()     { c.add(&c.stats.OpsScheduled, 1) }
func (c *clientStatsCollector) recordTimeouts(n int) { c.add(&c.stats.Timeouts, n) }
func (c *clientStatsCollector) recordNMV()           { c.add(&c.stats.NotMyVBucket, 1) }
func (c *clientStatsCollector) recordOwnerless()     { c.add(&c.stats.OwnerlessResponses, 1) }
func (c *clientStatsCollector) recordRetry()         { c.add(&c.stats.Retries, 1) }
func (c *clientStatsCollector) recordRelocated()     { c.add(&c.stats.Relocated, 1) }
func (c *clientStatsCollector) recordConfig()        { c.add(&c.stats.ConfigsApplied, 1) }
func (c *clientStatsCollector) recordReconnect()     { c.add(&c.stats.Reconnects, 1) }
func (c *clientStatsCollector) recordSocketError()   { c.add(&c.stats.SocketErrors, 1) }
func (c *clientStatsCollector) recordFlushed(n int)  { c.add(&c.stats.BytesFlushed, n) }
func (c *clientStatsCollector) recordDurabilityItems(n int) {
	c.add(&c.stats.DurabilityItems, n)
}

func (c *clientStatsCollector) recordCompleted(err error) {
	c.add(&c.stats.OpsCompleted, 1)
	if err != nil {
		c.add(&c.stats.OpsFailed, 1)
	}
}

func (c *clientStatsCollector) snapshot() ClientStats {
	return ClientStats{
		OpsScheduled:       atomic.LoadUint64(&c.stats.OpsScheduled),
		OpsCompleted:       atomic.LoadUint64(&c.stats.OpsCompleted),
		OpsFailed:          atomic.LoadUint64(&c.stats.OpsFailed),
		Timeouts:           atomic.LoadUint64(&c.stats.Timeouts),
		NotMyVBucket:       atomic.LoadUint64(&c.stats.NotMyVBucket),
		OwnerlessResponses: atomic.LoadUint64(&c.stats.OwnerlessResponses),
		Retries:            atomic.LoadUint64(&c.stats.Retries),
		Relocated:          atomic.LoadUint64(&c.stats.Relocated),
		ConfigsApplied:     atomic.LoadUint64(&c.stats.ConfigsApplied),
		Reconnects:         atomic.LoadUint64(&c.stats.Reconnects),
		SocketErrors:       atomic.LoadUint64(&c.stats.SocketErrors),
		BytesFlushed:       atomic.LoadUint64(&c.stats.BytesFlushed),
		DurabilityItems:    atomic.LoadUint64(&c.stats.DurabilityItems),
	}
}
