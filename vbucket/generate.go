package vbucket

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const maxReplicas = 4

// GenerateOptions describes a synthetic config.
type GenerateOptions struct {
	BucketName  string // "default" when empty
	BucketUUID  string
	Servers     []Server
	NumReplicas int
	NumVBuckets int

	// Bucketless leaves the bucket name empty, for cluster-level configs.
	Bucketless bool
}

// Generate builds a vbucket config that spreads masters round-robin over
// the data servers. Data servers must precede non-data ones.
func Generate(opts GenerateOptions) (*Config, error) {
	if len(opts.Servers) == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "no servers")
	}
	if opts.Bucketless {
		if opts.NumVBuckets > 0 {
			return nil, errors.Wrap(ErrInvalidConfig, "bucketless configs carry no vbuckets")
		}
		opts.BucketName = ""
	} else if opts.BucketName == "" {
		opts.BucketName = "default"
	}
	if opts.NumReplicas >= len(opts.Servers) {
		return nil, errors.Wrap(ErrInvalidConfig, "nservers must be > nreplicas")
	}
	if opts.NumReplicas > maxReplicas {
		return nil, errors.Wrap(ErrInvalidConfig, "replicas must be <= 4")
	}

	cfg := &Config{
		Revision:     -1,
		BucketName:   opts.BucketName,
		BucketUUID:   opts.BucketUUID,
		Distribution: DistVBucket,
		NumReplicas:  opts.NumReplicas,
		Network:      "default",
	}

	inNonData := false
	for _, srv := range opts.Servers {
		if srv.Services.Data != 0 {
			if inNonData {
				return nil, errors.Wrap(ErrInvalidConfig, "all data servers must be specified before non-data servers")
			}
			cfg.NumDataServers++
		} else {
			inNonData = true
		}
	}

	if opts.NumVBuckets > 0 && cfg.NumDataServers == 0 {
		return nil, errors.Wrap(ErrInvalidConfig, "vbuckets need at least one data server")
	}

	srvix := 0
	cfg.VBuckets = make([][]int, opts.NumVBuckets)
	for i := range cfg.VBuckets {
		row := make([]int, opts.NumReplicas+1)
		row[0] = srvix
		for j := 1; j < len(row); j++ {
			row[j] = (srvix + j) % cfg.NumDataServers
		}
		cfg.VBuckets[i] = row
		srvix = (srvix + 1) % cfg.NumDataServers
	}

	cfg.Servers = make([]Server, len(opts.Servers))
	for i, src := range opts.Servers {
		dst := src
		dst.NumVBuckets = 0
		dst.buildStrings(cfg.BucketName)
		cfg.Servers[i] = dst
	}
	cfg.countVBuckets(cfg.VBuckets)
	return cfg, nil
}

// GenerateDefault builds a config of localhost servers with data ports
// 1000+i, views 2000+i and management 3000+i.
func GenerateDefault(nservers, nreplicas, nvbuckets int) (*Config, error) {
	servers := make([]Server, nservers)
	for i := range servers {
		servers[i] = Server{
			Hostname: "localhost",
			Services: Services{Data: 1000 + i, Views: 2000 + i, Mgmt: 3000 + i},
		}
	}
	return Generate(GenerateOptions{
		BucketName:  "default",
		Servers:     servers,
		NumReplicas: nreplicas,
		NumVBuckets: nvbuckets,
	})
}

// WithRevision returns a copy carrying rev.
func (c *Config) WithRevision(rev int64) *Config {
	out := c.clone()
	out.Revision = rev
	return out
}

// WithForwardMap returns a copy whose forward map moves every vbucket (and
// its replicas) to the next data server.
func (c *Config) WithForwardMap() *Config {
	out := c.clone()
	out.ForwardVBuckets = make([][]int, len(c.VBuckets))
	for i, row := range c.VBuckets {
		fwd := make([]int, len(row))
		for j, ix := range row {
			fwd[j] = ix
			if ix >= 0 && c.NumDataServers > 0 {
				fwd[j] = (ix + 1) % c.NumDataServers
			}
		}
		out.ForwardVBuckets[i] = fwd
	}
	for i := range out.Servers {
		out.Servers[i].NumVBuckets = 0
	}
	out.countVBuckets(out.VBuckets)
	out.countVBuckets(out.ForwardVBuckets)
	return out
}

// AsKetama returns a copy distributed with the ketama ring.
func (c *Config) AsKetama() *Config {
	if c.Distribution == DistKetama {
		return c
	}
	out := c.clone()
	out.Distribution = DistKetama
	out.NumReplicas = 0
	out.VBuckets = nil
	out.ForwardVBuckets = nil
	out.buildContinuum()
	return out
}

// WithVBucketMaster returns a copy where vb is served by master ix. Used
// to describe rebalances in tests and tooling.
func (c *Config) WithVBucketMaster(vb, ix int) *Config {
	out := c.clone()
	row := append([]int(nil), out.VBuckets[vb]...)
	row[0] = ix
	out.VBuckets[vb] = row
	for i := range out.Servers {
		out.Servers[i].NumVBuckets = 0
	}
	out.countVBuckets(out.VBuckets)
	out.countVBuckets(out.ForwardVBuckets)
	return out
}

func (c *Config) clone() *Config {
	out := *c
	out.Servers = append([]Server(nil), c.Servers...)
	out.VBuckets = append([][]int(nil), c.VBuckets...)
	out.ForwardVBuckets = append([][]int(nil), c.ForwardVBuckets...)
	out.continuum = append([]continuumPoint(nil), c.continuum...)
	return &out
}

type savedNodeJSON struct {
	Hostname string         `json:"hostname"`
	Services map[string]int `json:"services"`
}

type savedVBucketMapJSON struct {
	NumReplicas int     `json:"numReplicas"`
	VBucketMap  [][]int `json:"vBucketMap"`
}

type savedConfigJSON struct {
	NodeLocator         string               `json:"nodeLocator"`
	UUID                string               `json:"uuid,omitempty"`
	Rev                 *int64               `json:"rev,omitempty"`
	RevEpoch            int64                `json:"revEpoch,omitempty"`
	Name                string               `json:"name"`
	NodesExt            []savedNodeJSON      `json:"nodesExt"`
	VBucketServerMap    *savedVBucketMapJSON `json:"vBucketServerMap,omitempty"`
	BucketCapabilities  []string             `json:"bucketCapabilities,omitempty"`
	ClusterCapabilities map[string][]string  `json:"clusterCapabilities,omitempty"`
}

// MarshalJSON writes the config in the nodesExt form accepted by Parse.
func (c *Config) MarshalJSON() ([]byte, error) {
	out := savedConfigJSON{
		NodeLocator: "ketama",
		UUID:        c.BucketUUID,
		RevEpoch:    c.RevEpoch,
		Name:        c.BucketName,
		NodesExt:    make([]savedNodeJSON, len(c.Servers)),
	}
	if c.Distribution == DistVBucket {
		out.NodeLocator = "vbucket"
		out.VBucketServerMap = &savedVBucketMapJSON{
			NumReplicas: c.NumReplicas,
			VBucketMap:  c.VBuckets,
		}
	}
	if c.Revision > -1 {
		rev := c.Revision
		out.Rev = &rev
	}

	for i, srv := range c.Servers {
		svcs := make(map[string]int)
		encodeServices(svcs, srv.Services, false)
		encodeServices(svcs, srv.SSLServices, true)
		out.NodesExt[i] = savedNodeJSON{Hostname: srv.Hostname, Services: svcs}
	}

	out.BucketCapabilities = c.Caps.names()
	if c.HasClusterCap(ClusterCapEnhancedPreparedStatements) {
		out.ClusterCapabilities = map[string][]string{"n1ql": {"enhancedPreparedStatements"}}
	}
	return json.Marshal(out)
}
