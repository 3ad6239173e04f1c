package vbucket

// Wire shapes of the terse bucket configuration served by the cluster
// manager and by GET_CLUSTER_CONFIG.

type vbucketServerMapJSON struct {
	HashAlgorithm string   `json:"hashAlgorithm,omitempty"`
	NumReplicas   *int     `json:"numReplicas,omitempty"`
	ServerList    []string `json:"serverList,omitempty"`
	VBucketMap    [][]int  `json:"vBucketMap,omitempty"`
	VBucketMapFwd [][]int  `json:"vBucketMapForward,omitempty"`
}

type terseNodeJSON struct {
	CouchAPIBase string         `json:"couchApiBase,omitempty"`
	Hostname     string         `json:"hostname,omitempty"`
	Ports        map[string]int `json:"ports,omitempty"`
}

type alternateAddressJSON struct {
	Hostname string         `json:"hostname,omitempty"`
	Ports    map[string]int `json:"ports,omitempty"`
}

type terseExtNodeJSON struct {
	Services           map[string]int                  `json:"services,omitempty"`
	ThisNode           bool                            `json:"thisNode,omitempty"`
	Hostname           *string                         `json:"hostname,omitempty"`
	AlternateAddresses map[string]alternateAddressJSON `json:"alternateAddresses,omitempty"`
}

type terseConfigJSON struct {
	Rev                 *int64                `json:"rev,omitempty"`
	RevEpoch            int64                 `json:"revEpoch,omitempty"`
	Name                string                `json:"name,omitempty"`
	NodeLocator         string                `json:"nodeLocator,omitempty"`
	UUID                string                `json:"uuid,omitempty"`
	BucketCapabilities  []string              `json:"bucketCapabilities,omitempty"`
	VBucketServerMap    *vbucketServerMapJSON `json:"vBucketServerMap,omitempty"`
	Nodes               []terseNodeJSON       `json:"nodes,omitempty"`
	NodesExt            []terseExtNodeJSON    `json:"nodesExt,omitempty"`
	ClusterCapabilities map[string][]string   `json:"clusterCapabilities,omitempty"`
}
