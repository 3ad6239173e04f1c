package couchkv

import (
	"context"
	"sync"
	"time"
)

// NewChannelPool creates a session pool backed by a buffered channel. It is
// the default pool.
func NewChannelPool(constructor func(ctx context.Context) (*Session, error), maxSize int32) (Pool, error) {
	return &channelPool{
		constructor: constructor,
		maxSize:     maxSize,
		idle:        make(chan *channelResource, maxSize),
	}, nil
}

type channelResource struct {
	sess         *Session
	pool         *channelPool
	creationTime time.Time
	lastUsedTime time.Time
}

func (r *channelResource) Value() *Session {
	return r.sess
}

func (r *channelResource) Release() {
	r.lastUsedTime = time.Now()
	r.pool.put(r)
}

// ReleaseUnused returns the session without counting it as used.
func (r *channelResource) ReleaseUnused() {
	r.pool.put(r)
}

func (r *channelResource) Destroy() {
	_ = r.sess.Close()
	r.pool.removeResource()
}

func (r *channelResource) CreationTime() time.Time {
	return r.creationTime
}

func (r *channelResource) IdleDuration() time.Duration {
	return time.Since(r.lastUsedTime)
}

type channelPool struct {
	constructor func(ctx context.Context) (*Session, error)
	maxSize     int32

	mu     sync.Mutex
	idle   chan *channelResource
	size   int32
	closed bool

	stats poolStatsCollector
}

func (p *channelPool) Acquire(ctx context.Context) (Resource, error) {
	p.stats.recordAcquire()

	select {
	case res, ok := <-p.idle:
		if !ok {
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}
		p.stats.recordAcquireFromIdle()
		return res, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.stats.recordAcquireError()
		return nil, ErrPoolClosed
	}

	if p.size < p.maxSize {
		p.size++
		p.mu.Unlock()

		sess, err := p.constructor(ctx)
		if err != nil {
			p.mu.Lock()
			p.size--
			p.mu.Unlock()
			p.stats.recordAcquireError()
			return nil, err
		}

		p.stats.recordCreate()
		p.stats.recordActivate()

		now := time.Now()
		return &channelResource{
			sess:         sess,
			pool:         p,
			creationTime: now,
			lastUsedTime: now,
		}, nil
	}
	p.mu.Unlock()

	waitStart := time.Now()
	select {
	case res, ok := <-p.idle:
		if !ok {
			p.stats.recordAcquireError()
			return nil, ErrPoolClosed
		}
		p.stats.recordAcquireWait(time.Since(waitStart))
		p.stats.recordAcquireFromIdle()
		return res, nil
	case <-ctx.Done():
		p.stats.recordAcquireError()
		return nil, ctx.Err()
	}
}

func (p *channelPool) put(res *channelResource) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = res.sess.Close()
		p.removeResource()
		return
	}

	select {
	case p.idle <- res:
		p.stats.recordRelease()
		p.mu.Unlock()
	default:
		p.mu.Unlock()
		_ = res.sess.Close()
		p.removeResource()
	}
}

func (p *channelPool) removeResource() {
	p.mu.Lock()
	p.size--
	p.mu.Unlock()
	p.stats.recordDestroy()
}

func (p *channelPool) AcquireAllIdle() []Resource {
	var idle []Resource
	for {
		select {
		case res, ok := <-p.idle:
			if !ok {
				return idle
			}
			p.stats.recordAcquireFromIdle()
			idle = append(idle, res)
		default:
			return idle
		}
	}
}

func (p *channelPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.idle)
	p.mu.Unlock()

	for res := range p.idle {
		_ = res.sess.Close()
		p.removeResource()
	}
}

func (p *channelPool) Stats() PoolStats {
	return p.stats.snapshot()
}
