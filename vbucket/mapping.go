package vbucket

// KeyToVBucket hashes a key to its vbucket.
func (c *Config) KeyToVBucket(key []byte) int {
	if len(c.VBuckets) == 0 {
		return -1
	}
	return int(vbHash(key) % uint32(len(c.VBuckets)))
}

// VBMaster returns the master server index of vb, -1 for none.
func (c *Config) VBMaster(vb int) int {
	if vb < 0 || vb >= len(c.VBuckets) {
		return -1
	}
	return c.VBuckets[vb][0]
}

// VBReplica returns the server index of replica ix (0-based) of vb.
func (c *Config) VBReplica(vb, ix int) int {
	if vb < 0 || vb >= len(c.VBuckets) || ix < 0 || ix >= c.NumReplicas {
		return -1
	}
	return c.VBuckets[vb][ix+1]
}

// HasVBucket reports whether server ix holds vb as master or replica.
func (c *Config) HasVBucket(vb, ix int) bool {
	if vb < 0 || vb >= len(c.VBuckets) {
		return false
	}
	for _, s := range c.VBuckets[vb] {
		if s == ix {
			return true
		}
	}
	return false
}

// MapKey returns the vbucket and master server index for key. Ketama
// configs always report vbucket 0.
func (c *Config) MapKey(key []byte) (vb, server int) {
	switch c.Distribution {
	case DistKetama:
		return 0, c.mapKetama(key)
	case DistVBucket:
		vb = c.KeyToVBucket(key)
		return vb, c.VBMaster(vb)
	}
	return -1, -1
}

// RemapFrom picks a new server for vb after server bad answered
// NOT_MY_VBUCKET. current is the master the caller was using, which may
// differ from the map when an earlier guess is in effect. The forward map
// wins when it names another server; otherwise, with heuristic set, the next
// data server holding any vbucket is tried. It returns -1 when there is no
// alternative.
func (c *Config) RemapFrom(vb, current, bad int, heuristic bool) int {
	if vb < 0 || vb >= len(c.VBuckets) {
		return -1
	}
	if bad != current {
		return current
	}

	rv := current
	if c.ForwardVBuckets != nil {
		if fwd := c.ForwardVBuckets[vb][0]; fwd != bad && fwd > -1 {
			return fwd
		}
	}

	if heuristic && c.NumDataServers > 0 {
		found := false
		for range c.NumDataServers {
			rv = (rv + 1) % c.NumDataServers
			if c.Servers[rv].NumVBuckets > 0 {
				found = true
				break
			}
		}
		if !found {
			return -1
		}
	}

	if rv == bad {
		return -1
	}
	return rv
}

// NMVRemap is RemapFrom starting at the map's own master.
func (c *Config) NMVRemap(vb, bad int, heuristic bool) int {
	return c.RemapFrom(vb, c.VBMaster(vb), bad, heuristic)
}
