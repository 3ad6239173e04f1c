package vbucket

// Capability is a bucket capability advertised in bucketCapabilities.
type Capability uint32

const (
	CapXattr Capability = 1 << iota
	CapDCP
	CapCBHello
	CapTouch
	CapCouchAPI
	CapCCCP
	CapXDCRCheckpointing
	CapNodesExt
	CapCollections
	CapDurableWrite
)

var bucketCapNames = []struct {
	cap  Capability
	name string
}{
	{CapXattr, "xattr"},
	{CapDCP, "dcp"},
	{CapCBHello, "cbhello"},
	{CapTouch, "touch"},
	{CapCouchAPI, "couchapi"},
	{CapCCCP, "cccp"},
	{CapXDCRCheckpointing, "xdcrCheckpointing"},
	{CapNodesExt, "nodesExt"},
	{CapCollections, "collections"},
	{CapDurableWrite, "durableWrite"},
}

// ClusterCapability is a cluster-wide capability from clusterCapabilities.
type ClusterCapability uint32

const (
	ClusterCapEnhancedPreparedStatements ClusterCapability = 1 << iota
)

func parseBucketCaps(names []string) Capability {
	var caps Capability
	for _, n := range names {
		for _, c := range bucketCapNames {
			if c.name == n {
				caps |= c.cap
			}
		}
	}
	return caps
}

func (c Capability) names() []string {
	var out []string
	for _, bc := range bucketCapNames {
		if c&bc.cap != 0 {
			out = append(out, bc.name)
		}
	}
	return out
}

func parseClusterCaps(m map[string][]string) ClusterCapability {
	var caps ClusterCapability
	for _, n := range m["n1ql"] {
		if n == "enhancedPreparedStatements" {
			caps |= ClusterCapEnhancedPreparedStatements
		}
	}
	return caps
}

func (c *Config) HasCap(cap Capability) bool {
	return c.Caps&cap != 0
}

func (c *Config) HasClusterCap(cap ClusterCapability) bool {
	return c.ClusterCaps&cap != 0
}
