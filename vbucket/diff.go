package vbucket

import "fmt"

// ChangeType classifies a Diff.
type ChangeType uint8

const (
	MapModified ChangeType = 1 << iota
	ServersModified
)

// Diff describes what changed between two configs.
type Diff struct {
	ServersAdded    []string
	ServersRemoved  []string
	SequenceChanged bool
	// VBChanges counts vbuckets whose master moved, -1 when the vbucket
	// count itself changed.
	VBChanges int
}

// Compare computes the diff from one config to another.
func Compare(from, to *Config) *Diff {
	d := &Diff{
		ServersAdded:   serversMissing(from, to),
		ServersRemoved: serversMissing(to, from),
	}

	if len(from.Servers) == len(to.Servers) {
		for i := range from.Servers {
			if from.Servers[i].Authority != to.Servers[i].Authority {
				d.SequenceChanged = true
			}
		}
	} else {
		d.SequenceChanged = true
	}

	if len(from.VBuckets) == len(to.VBuckets) {
		for i := range from.VBuckets {
			if from.VBuckets[i][0] != to.VBuckets[i][0] {
				d.VBChanges++
			}
		}
	} else {
		d.VBChanges = -1
	}
	return d
}

// serversMissing describes servers of to that are absent from from.
func serversMissing(from, to *Config) []string {
	var out []string
	for _, ns := range to.Servers {
		found := false
		for _, os := range from.Servers {
			if ns.Authority == os.Authority {
				found = true
				break
			}
		}
		if !found {
			out = append(out, fmt.Sprintf("%s(Data=%d, Index=%d, Query=%d)",
				ns.Authority, ns.Services.Data, ns.Services.N1QL, ns.Services.IndexQuery))
		}
	}
	return out
}

func (d *Diff) ChangeType() ChangeType {
	var ct ChangeType
	if d.VBChanges != 0 {
		ct |= MapModified
	}
	if len(d.ServersAdded) > 0 || len(d.ServersRemoved) > 0 || d.SequenceChanged {
		ct |= ServersModified
	}
	return ct
}

// Empty reports whether neither the map nor the server list changed.
func (d *Diff) Empty() bool {
	return d.ChangeType() == 0
}
