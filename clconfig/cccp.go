package clconfig

import (
	"math/rand/v2"
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/zeebo/xxh3"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/vbucket"
)

const DefaultConfigNodeTimeout = 2 * time.Second

// Fetcher asks a memcached node for its cluster config. done must be
// called exactly once, on the loop, and never from within FetchConfig.
type Fetcher interface {
	FetchConfig(host string, done func(payload []byte, err error))
}

type CCCPOptions struct {
	Fetcher Fetcher
	Logger  *zap.Logger

	// NodeTimeout bounds the wait for a single node.
	NodeTimeout time.Duration

	// Randomize shuffles the node list each time it is rebuilt.
	Randomize bool

	// Network selects alternate addresses when set.
	Network string
	SSL     bool
}

// CCCP fetches configs over the memcached protocol, one node at a time.
type CCCP struct {
	baseProvider

	sched   evloop.Scheduler
	logger  *zap.Logger
	fetcher Fetcher
	opts    CCCPOptions

	nodes   []string
	nodeIdx int

	inflight bool
	gen      uint64
	timer    evloop.Timer

	cached   *ConfigInfo
	lastHash uint64
}

// NewCCCP registers a CCCP provider on m. It starts disabled.
func NewCCCP(m *Monitor, opts CCCPOptions) *CCCP {
	if opts.Logger == nil {
		opts.Logger = m.logger
	}
	if opts.NodeTimeout == 0 {
		opts.NodeTimeout = DefaultConfigNodeTimeout
	}
	c := &CCCP{
		baseProvider: baseProvider{mon: m, method: MethodCCCP},
		sched:        m.sched,
		logger:       opts.Logger.Named("cccp"),
		fetcher:      opts.Fetcher,
		opts:         opts,
	}
	c.timer = m.sched.NewTimer(c.onTimeout)
	m.register(c)
	return c
}

func (c *CCCP) Cached() *ConfigInfo {
	return c.cached
}

func (c *CCCP) Nodes() []string {
	return append([]string(nil), c.nodes...)
}

func (c *CCCP) ConfigureNodes(nodes []string) {
	c.nodes = append(c.nodes[:0], nodes...)
	if c.opts.Randomize {
		shuffle(c.nodes)
	}
	c.nodeIdx = 0
}

func (c *CCCP) ConfigUpdated(cfg *vbucket.Config) {
	if cfg.NumServers() < 1 {
		return
	}
	c.ConfigureNodes(cfg.HostPorts(vbucket.SvcData, c.opts.SSL))
}

// Refresh asks the next node for a config, unless a request is running.
func (c *CCCP) Refresh() error {
	if c.inflight {
		return nil
	}
	return c.scheduleNext(kverr.ErrNoMatchingServer, true)
}

func (c *CCCP) nextNode(rollover bool) (string, bool) {
	if len(c.nodes) == 0 {
		return "", false
	}
	if c.nodeIdx >= len(c.nodes) {
		if !rollover {
			return "", false
		}
		c.nodeIdx = 0
	}
	host := c.nodes[c.nodeIdx]
	c.nodeIdx++
	return host, true
}

func (c *CCCP) scheduleNext(reason error, rollover bool) error {
	host, ok := c.nextNode(rollover)
	if !ok {
		c.timer.Cancel()
		c.inflight = false
		c.logger.Debug("no more nodes to try", zap.Error(reason))
		c.mon.ProviderFailed(c, reason)
		return reason
	}

	c.inflight = true
	c.gen++
	gen := c.gen
	c.logger.Debug("requesting config", zap.String("host", host))
	c.timer.Arm(c.opts.NodeTimeout)
	c.fetcher.FetchConfig(host, func(payload []byte, err error) {
		c.onResponse(gen, host, payload, err)
	})
	return nil
}

func (c *CCCP) onResponse(gen uint64, host string, payload []byte, err error) {
	if gen != c.gen || !c.inflight {
		c.logger.Debug("dropping stale config response", zap.String("host", host))
		return
	}
	c.timer.Cancel()
	c.inflight = false

	if err == nil {
		err = c.Update(host, payload)
	}
	if err != nil {
		c.ioError(host, err)
	}
}

func (c *CCCP) onTimeout() {
	if !c.inflight {
		return
	}
	c.gen++
	c.inflight = false
	c.ioError("", errors.Wrap(kverr.ErrTimeout, "config request"))
}

func (c *CCCP) ioError(host string, err error) {
	c.logger.Info("config request failed", zap.String("host", host), zap.Error(err))
	if kverr.IsAuthError(err) {
		c.mon.ProviderFailed(c, err)
		return
	}
	_ = c.scheduleNext(err, false)
}

// Update parses a config received from host and offers it to the monitor.
// A payload identical to the previous one reuses the cached config.
func (c *CCCP) Update(host string, payload []byte) error {
	hash := xxh3.HashSeed(payload, xxh3.HashString(host))
	if c.cached != nil && hash == c.lastHash {
		c.mon.ProviderGotConfig(c, c.cached)
		return nil
	}

	cfg, err := vbucket.Parse(payload, vbucket.ParseOptions{
		SourceHost: hostOnly(host),
		Network:    c.opts.Network,
	})
	if err != nil {
		c.logger.Error("failed to parse config", zap.String("host", host), zap.Error(err))
		return errors.Wrapf(kverr.ErrProtocol, "config from %s: %v", host, err)
	}

	if c.cached != nil {
		c.cached.Decref()
	}
	c.cached = NewConfigInfo(cfg, MethodCCCP)
	c.lastHash = hash
	c.mon.ProviderGotConfig(c, c.cached)
	return nil
}

func (c *CCCP) Close() {
	c.timer.Cancel()
	c.inflight = false
	c.gen++
	if c.cached != nil {
		c.cached.Decref()
		c.cached = nil
	}
}

func shuffle(hosts []string) {
	rand.Shuffle(len(hosts), func(i, j int) {
		hosts[i], hosts[j] = hosts[j], hosts[i]
	})
}

func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
