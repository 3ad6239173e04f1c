package clconfig

import (
	"net"
	"strconv"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/vbucket"
)

// static serves a config synthesized from a host list. It is the shared
// core of the cluster-admin and raw memcached providers.
type static struct {
	baseProvider

	sched  evloop.Scheduler
	logger *zap.Logger
	build  func(servers []vbucket.Server) (*vbucket.Config, error)
	svc    func(port int) vbucket.Services

	nodes   []string
	cached  *ConfigInfo
	pending bool
}

func (s *static) Cached() *ConfigInfo {
	return s.cached
}

func (s *static) Nodes() []string {
	return append([]string(nil), s.nodes...)
}

// ConfigureNodes rebuilds the synthetic config. Hosts that fail to parse
// are skipped.
func (s *static) ConfigureNodes(nodes []string) {
	servers := make([]vbucket.Server, 0, len(nodes))
	s.nodes = s.nodes[:0]
	for _, hp := range nodes {
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			s.logger.Warn("skipping invalid host", zap.String("host", hp), zap.Error(err))
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			s.logger.Warn("skipping invalid port", zap.String("host", hp))
			continue
		}
		s.nodes = append(s.nodes, hp)
		servers = append(servers, vbucket.Server{Hostname: host, Services: s.svc(port)})
	}

	if s.cached != nil {
		s.cached.Decref()
		s.cached = nil
	}
	if len(servers) == 0 {
		return
	}

	cfg, err := s.build(servers)
	if err != nil {
		s.logger.Error("failed to build config", zap.Error(err))
		return
	}
	s.cached = NewConfigInfo(cfg, s.method)
}

// Refresh delivers the synthetic config asynchronously.
func (s *static) Refresh() error {
	if s.pending {
		return nil
	}
	s.pending = true
	s.sched.Post(func() {
		s.pending = false
		if s.cached == nil {
			s.mon.ProviderFailed(s.self(), errors.Wrap(kverr.ErrNoMatchingServer, "no usable hosts"))
			return
		}
		s.mon.ProviderGotConfig(s.self(), s.cached)
	})
	return nil
}

func (s *static) self() Provider {
	return s.mon.providers[s.method]
}

func (s *static) Close() {
	if s.cached != nil {
		s.cached.Decref()
		s.cached = nil
	}
}

// ClusterAdmin serves a bucketless config listing management endpoints.
type ClusterAdmin struct {
	static
}

// NewClusterAdmin registers a cluster-admin provider on m. It starts
// disabled.
func NewClusterAdmin(m *Monitor) *ClusterAdmin {
	p := &ClusterAdmin{static{
		baseProvider: baseProvider{mon: m, method: MethodClusterAdmin},
		sched:        m.sched,
		logger:       m.logger.Named("cladmin"),
		svc:          func(port int) vbucket.Services { return vbucket.Services{Mgmt: port} },
		build: func(servers []vbucket.Server) (*vbucket.Config, error) {
			return vbucket.Generate(vbucket.GenerateOptions{Servers: servers, Bucketless: true})
		},
	}}
	m.register(p)
	return p
}

// MCRaw serves a ketama config for plain memcached servers.
type MCRaw struct {
	static
}

// NewMCRaw registers a raw memcached provider on m. It starts disabled.
func NewMCRaw(m *Monitor) *MCRaw {
	p := &MCRaw{static{
		baseProvider: baseProvider{mon: m, method: MethodMCRaw},
		sched:        m.sched,
		logger:       m.logger.Named("mcraw"),
		svc:          func(port int) vbucket.Services { return vbucket.Services{Data: port} },
		build: func(servers []vbucket.Server) (*vbucket.Config, error) {
			cfg, err := vbucket.Generate(vbucket.GenerateOptions{BucketName: "default", Servers: servers})
			if err != nil {
				return nil, err
			}
			return cfg.AsKetama(), nil
		},
	}}
	m.register(p)
	return p
}
