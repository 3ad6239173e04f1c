package couchkv

// pendingKind classifies the work Wait waits for.
type pendingKind int

const (
	pendingOps pendingKind = iota
	pendingBootstrap
	pendingDurability
	pendingCounter
	numPendingKinds
)

func (k pendingKind) String() string {
	switch k {
	case pendingOps:
		return "ops"
	case pendingBootstrap:
		return "bootstrap"
	case pendingDurability:
		return "durability"
	case pendingCounter:
		return "counter"
	}
	return "unknown"
}

// pendingCounters counts outstanding work per kind. onIdle runs whenever
// the total drops to zero.
type pendingCounters struct {
	counts [numPendingKinds]int
	total  int
	onIdle func()
}

func (p *pendingCounters) add(kind pendingKind) {
	p.counts[kind]++
	p.total++
}

func (p *pendingCounters) done(kind pendingKind) {
	if p.counts[kind] == 0 {
		panic("couchkv: pending counter " + kind.String() + " below zero")
	}
	p.counts[kind]--
	p.total--
	if p.total == 0 && p.onIdle != nil {
		p.onIdle()
	}
}

func (p *pendingCounters) count(kind pendingKind) int {
	return p.counts[kind]
}

func (p *pendingCounters) idle() bool {
	return p.total == 0
}
