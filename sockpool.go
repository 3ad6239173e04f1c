package couchkv

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/mcbp"
)

// connector hands out negotiated sessions. Completion callbacks run on the
// loop.
type connector interface {
	// Acquire obtains a session for host. The returned function abandons
	// the attempt; a session that arrives afterwards is released.
	Acquire(host string, timeout time.Duration, done func(Resource, error)) (cancel func())

	// Exec runs a single request on an idle session of host.
	Exec(host string, timeout time.Duration, req *mcbp.Request, done func(*mcbp.Response, error))

	Stats() []HostPoolStats

	// Reset drops every idle session so that later ones are negotiated
	// with the current settings.
	Reset()
	Close()
}

// hostPool wraps a pool and a circuit breaker with its host address.
type hostPool struct {
	host    string
	pool    Pool
	breaker CircuitBreaker
}

func (hp *hostPool) acquire(ctx context.Context) (Resource, error) {
	if hp.breaker == nil {
		return hp.pool.Acquire(ctx)
	}
	res, err := hp.breaker.Execute(func() (Resource, error) {
		return hp.pool.Acquire(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, errors.Wrapf(ErrConnect, "%s: %v", hp.host, err)
	}
	return res, err
}

func (hp *hostPool) stats() HostPoolStats {
	stats := HostPoolStats{
		Host:      hp.host,
		PoolStats: hp.pool.Stats(),
	}
	if hp.breaker != nil {
		stats.CircuitBreakerState = hp.breaker.State()
		stats.CircuitBreakerCounts = hp.breaker.Counts()
	}
	return stats
}

// sockPool is the connector shared by every server of an instance. Pools
// are created lazily, one per host.
type sockPool struct {
	sched    evloop.Scheduler
	settings *Settings
	dialer   *negotiator
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	hosts  map[string]*hostPool
	closed bool
}

func newSockPool(sched evloop.Scheduler, settings *Settings, logger *zap.Logger) *sockPool {
	ctx, cancel := context.WithCancel(context.Background())
	return &sockPool{
		sched:    sched,
		settings: settings,
		dialer:   &negotiator{settings: settings, logger: logger.Named("negotiate")},
		logger:   logger.Named("sockpool"),
		ctx:      ctx,
		cancel:   cancel,
		hosts:    make(map[string]*hostPool),
	}
}

func (p *sockPool) hostPool(host string) (*hostPool, error) {
	p.mu.RLock()
	hp := p.hosts[host]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrShutdown
	}
	if hp != nil {
		return hp, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if hp := p.hosts[host]; hp != nil {
		return hp, nil
	}

	constructor := func(ctx context.Context) (*Session, error) {
		return p.dialer.Dial(ctx, host)
	}
	pool, err := p.settings.Pool(constructor, p.settings.PoolSize)
	if err != nil {
		return nil, errors.Wrapf(ErrInternal, "creating pool for %s: %v", host, err)
	}

	hp = &hostPool{host: host, pool: pool}
	if p.settings.NewCircuitBreaker != nil {
		hp.breaker = p.settings.NewCircuitBreaker(host)
	}
	p.hosts[host] = hp
	p.logger.Debug("created pool", zap.String("host", host))
	return hp, nil
}

func (p *sockPool) Acquire(host string, timeout time.Duration, done func(Resource, error)) func() {
	hp, err := p.hostPool(host)
	if err != nil {
		p.sched.Post(func() { done(nil, err) })
		return func() {}
	}

	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	abandoned := false

	go func() {
		defer cancel()
		res, err := hp.acquire(ctx)
		p.sched.Post(func() {
			if abandoned {
				if res != nil {
					res.ReleaseUnused()
				}
				return
			}
			done(res, err)
		})
	}()

	return func() {
		abandoned = true
		cancel()
	}
}

func (p *sockPool) Exec(host string, timeout time.Duration, req *mcbp.Request, done func(*mcbp.Response, error)) {
	hp, err := p.hostPool(host)
	if err != nil {
		p.sched.Post(func() { done(nil, err) })
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()

		resp, err := p.exec(ctx, hp, req)
		p.sched.Post(func() { done(resp, err) })
	}()
}

func (p *sockPool) exec(ctx context.Context, hp *hostPool, req *mcbp.Request) (*mcbp.Response, error) {
	res, err := hp.acquire(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := res.Value().Exec(ctx, req)
	if err != nil {
		res.Destroy()
		return nil, err
	}
	res.Release()
	return resp, nil
}

func (p *sockPool) Stats() []HostPoolStats {
	p.mu.RLock()
	out := make([]HostPoolStats, 0, len(p.hosts))
	for _, hp := range p.hosts {
		out = append(out, hp.stats())
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}

func (p *sockPool) Reset() {
	p.mu.Lock()
	hosts := p.hosts
	if !p.closed {
		p.hosts = make(map[string]*hostPool)
	}
	p.mu.Unlock()

	// Close waits for acquired sessions to come back.
	for _, hp := range hosts {
		go hp.pool.Close()
	}
	p.logger.Debug("reset pools", zap.Int("hosts", len(hosts)))
}

func (p *sockPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	hosts := p.hosts
	p.hosts = nil
	p.mu.Unlock()

	p.cancel()
	for _, hp := range hosts {
		hp.pool.Close()
	}
}
