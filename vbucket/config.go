// Package vbucket parses cluster configurations and maps keys to servers.
//
// A Config is immutable once returned by Parse or Generate. Consumers that
// need a different view (a remapped master, a different host) derive it
// without writing into the Config, so that a pointer captured by an in-flight
// request never changes under it.
package vbucket

import (
	"encoding/json"
	"net"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every parse failure.
var ErrInvalidConfig = errors.New("vbucket: invalid config")

const hostPlaceholder = "$HOST"

type Distribution int

const (
	DistUnknown Distribution = iota
	DistVBucket
	DistKetama
)

func (d Distribution) String() string {
	switch d {
	case DistVBucket:
		return "vbucket"
	case DistKetama:
		return "ketama"
	default:
		return "unknown"
	}
}

type ServiceType int

const (
	SvcData ServiceType = iota
	SvcViews
	SvcMgmt
	SvcIndexAdmin
	SvcIndexQuery
	SvcN1QL
	SvcFTS
	SvcAnalytics
)

// Services holds the port of each service on a node. Zero means absent.
type Services struct {
	Data       int
	Mgmt       int
	Views      int
	N1QL       int
	FTS        int
	IndexAdmin int
	IndexQuery int
	Analytics  int
}

func (s *Services) port(t ServiceType) int {
	switch t {
	case SvcData:
		return s.Data
	case SvcMgmt:
		return s.Mgmt
	case SvcViews:
		return s.Views
	case SvcN1QL:
		return s.N1QL
	case SvcFTS:
		return s.FTS
	case SvcIndexAdmin:
		return s.IndexAdmin
	case SvcIndexQuery:
		return s.IndexQuery
	case SvcAnalytics:
		return s.Analytics
	}
	return 0
}

// fillFrom copies every port that is still zero.
func (s *Services) fillFrom(o Services) {
	fill := func(dst *int, src int) {
		if *dst == 0 {
			*dst = src
		}
	}
	fill(&s.Data, o.Data)
	fill(&s.Mgmt, o.Mgmt)
	fill(&s.Views, o.Views)
	fill(&s.N1QL, o.N1QL)
	fill(&s.FTS, o.FTS)
	fill(&s.IndexAdmin, o.IndexAdmin)
	fill(&s.IndexQuery, o.IndexQuery)
	fill(&s.Analytics, o.Analytics)
}

var serviceKeys = []struct {
	name string
	get  func(*Services) *int
}{
	{"mgmt", func(s *Services) *int { return &s.Mgmt }},
	{"capi", func(s *Services) *int { return &s.Views }},
	{"kv", func(s *Services) *int { return &s.Data }},
	{"n1ql", func(s *Services) *int { return &s.N1QL }},
	{"indexScan", func(s *Services) *int { return &s.IndexQuery }},
	{"indexAdmin", func(s *Services) *int { return &s.IndexAdmin }},
	{"fts", func(s *Services) *int { return &s.FTS }},
	{"cbas", func(s *Services) *int { return &s.Analytics }},
}

func extractServices(m map[string]int, ssl bool) Services {
	var svc Services
	for _, k := range serviceKeys {
		name := k.name
		if ssl {
			name += "SSL"
		}
		*k.get(&svc) = m[name]
	}
	return svc
}

func encodeServices(dst map[string]int, svc Services, ssl bool) {
	for _, k := range serviceKeys {
		if v := *k.get(&svc); v != 0 {
			name := k.name
			if ssl {
				name += "SSL"
			}
			dst[name] = v
		}
	}
}

// Server is one node of the cluster.
type Server struct {
	Hostname    string
	Authority   string // data host:port, the identity used to match pipelines
	Services    Services
	SSLServices Services

	AltHostname    string
	AltServices    Services
	AltSSLServices Services

	ViewPath      string
	QueryPath     string
	FTSPath       string
	AnalyticsPath string

	// NumVBuckets counts the vbuckets (master or replica, current or
	// forward) this node holds.
	NumVBuckets int
}

func (s *Server) services(ssl bool) *Services {
	switch {
	case s.AltHostname != "" && ssl:
		return &s.AltSSLServices
	case s.AltHostname != "":
		return &s.AltServices
	case ssl:
		return &s.SSLServices
	default:
		return &s.Services
	}
}

func (s *Server) hostname() string {
	if s.AltHostname != "" {
		return s.AltHostname
	}
	return s.Hostname
}

func (s *Server) buildStrings(bucket string) {
	s.Authority = joinHostPort(s.Hostname, s.Services.Data)
	if s.ViewPath == "" && s.Services.Views != 0 && bucket != "" {
		s.ViewPath = "/" + bucket
	}
	if s.QueryPath == "" && s.Services.N1QL != 0 {
		s.QueryPath = "/query/service"
	}
	if s.FTSPath == "" && s.Services.FTS != 0 {
		s.FTSPath = "/"
	}
	if s.AnalyticsPath == "" && s.Services.Analytics != 0 {
		s.AnalyticsPath = "/query/service"
	}
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Config is a parsed cluster map. Do not modify it.
type Config struct {
	Revision     int64 // -1 when the payload carried none
	RevEpoch     int64
	BucketName   string
	BucketUUID   string
	Distribution Distribution
	NumReplicas  int

	Servers        []Server
	NumDataServers int

	// VBuckets[vb] lists the master then NumReplicas replicas, -1 for none.
	VBuckets        [][]int
	ForwardVBuckets [][]int

	Caps        Capability
	ClusterCaps ClusterCapability

	// Network is the alternate-address network in use, "default" for none.
	Network string

	continuum []continuumPoint
}

// ParseOptions controls host substitution and network selection.
type ParseOptions struct {
	// SourceHost replaces the $HOST placeholder. It is the host the payload
	// was fetched from.
	SourceHost string

	// Network picks the alternate address set. Empty guesses it from
	// SourceHost.
	Network string
}

// Parse decodes a terse bucket or cluster configuration.
func Parse(data []byte, opts ParseOptions) (*Config, error) {
	var raw terseConfigJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "vbucket: couldn't parse JSON")
	}

	cfg := &Config{
		Revision:   -1,
		RevEpoch:   raw.RevEpoch,
		BucketName: raw.Name,
		BucketUUID: raw.UUID,
	}
	if raw.Rev != nil {
		cfg.Revision = *raw.Rev
	}

	switch raw.NodeLocator {
	case "":
		cfg.Distribution = DistUnknown
	case "ketama":
		cfg.Distribution = DistKetama
	default:
		cfg.Distribution = DistVBucket
	}

	cfg.Caps = parseBucketCaps(raw.BucketCapabilities)
	cfg.ClusterCaps = parseClusterCaps(raw.ClusterCapabilities)

	if err := cfg.buildServers(&raw, opts); err != nil {
		return nil, err
	}

	if cfg.Distribution == DistVBucket {
		if err := cfg.parseVBuckets(raw.VBucketServerMap, len(raw.NodesExt) > 0); err != nil {
			return nil, err
		}
	}

	if opts.SourceHost != "" {
		cfg.replaceHost(opts.SourceHost)
	}

	// data servers always come first
	for i := range cfg.Servers {
		if cfg.Servers[i].Services.Data == 0 {
			break
		}
		cfg.NumDataServers++
	}

	if cfg.Distribution == DistKetama {
		cfg.buildContinuum()
	}
	return cfg, nil
}

func (c *Config) buildServers(raw *terseConfigJSON, opts ParseOptions) error {
	if len(raw.NodesExt) > 0 {
		if c.Network = opts.Network; c.Network == "" {
			c.Network = guessNetwork(raw, opts.SourceHost)
		}

		c.Servers = make([]Server, len(raw.NodesExt))
		for i := range raw.NodesExt {
			c.buildServerExt(&c.Servers[i], &raw.NodesExt[i])
			// nodesExt may list nodes that are not yet serving data
			if raw.Nodes != nil && i >= len(raw.Nodes) {
				srv := &c.Servers[i]
				srv.Services.Data = 0
				srv.SSLServices.Data = 0
				srv.AltServices.Data = 0
				srv.AltSSLServices.Data = 0
				srv.Authority = joinHostPort(srv.Hostname, 0)
			}
		}
		return nil
	}

	if raw.Nodes == nil {
		return errors.Wrap(ErrInvalidConfig, "expected 'nodesExt' or 'nodes' array")
	}

	c.Network = "default"
	c.Servers = make([]Server, len(raw.Nodes))
	for i := range raw.Nodes {
		if err := c.buildServerLegacy(&c.Servers[i], &raw.Nodes[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) buildServerExt(srv *Server, node *terseExtNodeJSON) {
	srv.Hostname = hostPlaceholder
	if node.Hostname != nil {
		srv.Hostname = *node.Hostname
	}
	srv.Services = extractServices(node.Services, false)
	srv.SSLServices = extractServices(node.Services, true)
	srv.buildStrings(c.BucketName)

	if c.Network == "" || c.Network == "default" {
		return
	}
	alt, ok := node.AlternateAddresses[c.Network]
	if !ok || alt.Hostname == "" {
		return
	}
	srv.AltHostname = alt.Hostname
	srv.AltServices = extractServices(alt.Ports, false)
	srv.AltSSLServices = extractServices(alt.Ports, true)
	srv.AltServices.fillFrom(srv.Services)
	srv.AltSSLServices.fillFrom(srv.SSLServices)
}

func (c *Config) buildServerLegacy(srv *Server, node *terseNodeJSON) error {
	host, port, err := net.SplitHostPort(node.Hostname)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "bad node hostname %q", node.Hostname)
	}
	mgmt, err := strconv.Atoi(port)
	if err != nil {
		return errors.Wrapf(ErrInvalidConfig, "bad node port in %q", node.Hostname)
	}
	srv.Hostname = host
	srv.Services.Mgmt = mgmt

	if node.CouchAPIBase != "" {
		views, path, err := parseCouchAPIBase(node.CouchAPIBase)
		if err != nil {
			return err
		}
		srv.Services.Views = views
		srv.ViewPath = path
	}

	direct, ok := node.Ports["direct"]
	if !ok {
		return errors.Wrap(ErrInvalidConfig, "expected 'direct' field in 'ports'")
	}
	srv.Services.Data = direct
	srv.buildStrings(c.BucketName)
	return nil
}

// parseCouchAPIBase splits "http://host:8092/bucket" into port and path.
func parseCouchAPIBase(base string) (int, string, error) {
	colon := strings.LastIndexByte(base, ':')
	if colon < 0 {
		return 0, "", errors.Wrapf(ErrInvalidConfig, "no port in couchApiBase %q", base)
	}
	rest := base[colon+1:]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, "", errors.Wrapf(ErrInvalidConfig, "expected path in couchApiBase %q", base)
	}
	port, err := strconv.Atoi(rest[:slash])
	if err != nil {
		return 0, "", errors.Wrapf(ErrInvalidConfig, "bad port in couchApiBase %q", base)
	}
	return port, rest[slash:], nil
}

func guessNetwork(raw *terseConfigJSON, source string) string {
	if source == "" {
		return "default"
	}
	for _, node := range raw.NodesExt {
		if node.Hostname != nil && *node.Hostname == source {
			return "default"
		}
		for name, alt := range node.AlternateAddresses {
			if alt.Hostname == source {
				return name
			}
		}
	}
	return "default"
}

func (c *Config) parseVBuckets(vbm *vbucketServerMapJSON, ext bool) error {
	if vbm == nil {
		return errors.Wrap(ErrInvalidConfig, "expected top-level 'vBucketServerMap'")
	}
	if vbm.NumReplicas == nil {
		return errors.Wrap(ErrInvalidConfig, "'numReplicas' missing")
	}
	c.NumReplicas = *vbm.NumReplicas

	if !ext {
		if err := c.pairServerList(vbm.ServerList); err != nil {
			return err
		}
	}

	var err error
	if c.VBuckets, err = c.buildVBMap(vbm.VBucketMap); err != nil {
		return err
	}
	if len(c.VBuckets) == 0 {
		return errors.Wrap(ErrInvalidConfig, "missing 'vBucketMap'")
	}
	if vbm.VBucketMapFwd != nil {
		if c.ForwardVBuckets, err = c.buildVBMap(vbm.VBucketMapFwd); err != nil {
			return err
		}
		if len(c.ForwardVBuckets) != len(c.VBuckets) {
			return errors.Wrap(ErrInvalidConfig, "forward map size differs from vBucketMap")
		}
	}

	c.countVBuckets(c.VBuckets)
	c.countVBuckets(c.ForwardVBuckets)
	return nil
}

func (c *Config) buildVBMap(rows [][]int) ([][]int, error) {
	if rows == nil {
		return nil, nil
	}
	out := make([][]int, len(rows))
	for i, row := range rows {
		vb := make([]int, c.NumReplicas+1)
		for j := range vb {
			vb[j] = -1
			if j < len(row) {
				vb[j] = row[j]
			}
			if vb[j] >= len(c.Servers) {
				return nil, errors.Wrapf(ErrInvalidConfig, "above-bounds vBucket target %d in vbucket %d", vb[j], i)
			}
		}
		out[i] = vb
	}
	return out, nil
}

// pairServerList reorders legacy nodes to follow serverList, which is what
// vBucketMap indexes refer to.
func (c *Config) pairServerList(list []string) error {
	if list == nil {
		return errors.Wrap(ErrInvalidConfig, "couldn't find serverList")
	}

	ordered := make([]Server, len(list))
	for i, authority := range list {
		found := false
		for _, srv := range c.Servers {
			if srv.Authority == authority {
				ordered[i] = srv
				found = true
				break
			}
		}
		if found {
			continue
		}

		host, port, err := net.SplitHostPort(authority)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "badly formatted serverList entry %q", authority)
		}
		data, err := strconv.Atoi(port)
		if err != nil {
			return errors.Wrapf(ErrInvalidConfig, "badly formatted port in %q", authority)
		}
		ordered[i] = Server{Hostname: host, Authority: authority, Services: Services{Data: data}}
	}
	c.Servers = ordered
	return nil
}

func (c *Config) countVBuckets(vbs [][]int) {
	for _, row := range vbs {
		for _, ix := range row {
			if ix >= 0 && ix < len(c.Servers) {
				c.Servers[ix].NumVBuckets++
			}
		}
	}
}

// replaceHost substitutes the placeholder in every hostname.
func (c *Config) replaceHost(host string) {
	for i := range c.Servers {
		srv := &c.Servers[i]
		srv.Hostname = strings.Replace(srv.Hostname, hostPlaceholder, host, 1)
		srv.Authority = joinHostPort(srv.Hostname, srv.Services.Data)
	}
}

// IsBucketless reports whether the config only describes the cluster.
func (c *Config) IsBucketless() bool {
	return c.BucketName == ""
}

func (c *Config) NumVBuckets() int {
	return len(c.VBuckets)
}

func (c *Config) NumServers() int {
	return len(c.Servers)
}

// Port returns the port of a service on server ix, 0 when not present.
func (c *Config) Port(ix int, svc ServiceType, ssl bool) int {
	if ix < 0 || ix >= len(c.Servers) {
		return 0
	}
	return c.Servers[ix].services(ssl).port(svc)
}

// HostPort returns "host:port" for a service on server ix, or "".
func (c *Config) HostPort(ix int, svc ServiceType, ssl bool) string {
	port := c.Port(ix, svc, ssl)
	if port == 0 {
		return ""
	}
	return joinHostPort(c.Servers[ix].hostname(), port)
}

// Hostname returns the hostname in use for server ix, honouring the
// alternate network.
func (c *Config) Hostname(ix int) string {
	if ix < 0 || ix >= len(c.Servers) {
		return ""
	}
	return c.Servers[ix].hostname()
}

// HostPorts lists the endpoints of a service across all servers.
func (c *Config) HostPorts(svc ServiceType, ssl bool) []string {
	var out []string
	for i := range c.Servers {
		if hp := c.HostPort(i, svc, ssl); hp != "" {
			out = append(out, hp)
		}
	}
	return out
}

// RestURL returns the base URL of an HTTP service on server ix, or "".
func (c *Config) RestURL(ix int, svc ServiceType, ssl bool) string {
	port := c.Port(ix, svc, ssl)
	if port == 0 {
		return ""
	}
	srv := &c.Servers[ix]

	var path string
	switch svc {
	case SvcViews:
		path = srv.ViewPath
	case SvcN1QL:
		path = srv.QueryPath
	case SvcFTS:
		path = srv.FTSPath
	case SvcAnalytics:
		path = srv.AnalyticsPath
	}
	if path == "" {
		return ""
	}

	scheme := "http"
	if ssl {
		scheme = "https"
	}
	return scheme + "://" + joinHostPort(srv.hostname(), port) + path
}

// CapiBase is the views endpoint of server ix.
func (c *Config) CapiBase(ix int, ssl bool) string {
	return c.RestURL(ix, SvcViews, ssl)
}
