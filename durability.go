package couchkv

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/vbucket"
)

// DurabilityMode selects how replicas are polled.
type DurabilityMode int

const (
	// DurabilityModeDefault polls sequence numbers when every item carries
	// a mutation token, CAS values otherwise.
	DurabilityModeDefault DurabilityMode = iota
	DurabilityModeCAS
	DurabilityModeSeqno
)

func (m DurabilityMode) String() string {
	switch m {
	case DurabilityModeCAS:
		return "cas"
	case DurabilityModeSeqno:
		return "seqno"
	}
	return "default"
}

// DurabilityOptions describe the requirement checked for a batch.
type DurabilityOptions struct {
	// PersistTo counts nodes, master included, that must have the
	// mutation on disk. ReplicateTo counts replicas holding it in memory.
	PersistTo   int
	ReplicateTo int

	// CapMax lowers requirements the cluster cannot meet instead of
	// failing with ErrDurabilityTooMany.
	CapMax bool

	Mode DurabilityMode

	// Interval and Timeout override the settings.
	Interval time.Duration
	Timeout  time.Duration

	// CheckDelete waits for the removal of the items instead.
	CheckDelete bool

	// OnItem runs once per item as soon as it is decided.
	OnItem func(res *DurabilityResult)
}

// DurabilityItem is one mutation to check.
type DurabilityItem struct {
	Key []byte

	// CAS of the mutation. Zero disables the master CAS check.
	CAS uint64

	// Token is required in seqno mode.
	Token MutationToken

	Cookie any
}

// DurabilityResult reports the state of an item. Counters only grow.
type DurabilityResult struct {
	Key             string
	CAS             uint64
	NPersisted      int
	NReplicated     int
	ExistsMaster    bool
	PersistedMaster bool
	Err             error
	Cookie          any
}

// ValidateDurability checks persistTo and replicateTo against the
// replicas cfg can offer.
func ValidateDurability(cfg *vbucket.Config, persistTo, replicateTo int, capMax bool) (int, int, error) {
	if persistTo < 0 || replicateTo < 0 {
		return 0, 0, errors.Wrap(ErrInvalidArgument, "negative durability requirement")
	}
	if persistTo == 0 && replicateTo == 0 {
		return 0, 0, errors.Wrap(ErrInvalidArgument, "durability requires persist_to or replicate_to")
	}

	replicaMax := min(cfg.NumReplicas, cfg.NumDataServers-1)
	if replicaMax < 0 {
		replicaMax = 0
	}
	persistMax := replicaMax + 1

	if persistTo > persistMax || replicateTo > replicaMax {
		if !capMax {
			return 0, 0, errors.Wrapf(ErrDurabilityTooMany,
				"persist_to=%d replicate_to=%d, cluster allows %d/%d",
				persistTo, replicateTo, persistMax, replicaMax)
		}
		persistTo = min(persistTo, persistMax)
		replicateTo = min(replicateTo, replicaMax)
	}
	return persistTo, replicateTo, nil
}

type durItem struct {
	res   DurabilityResult
	key   []byte
	vb    int
	cas   uint64
	token MutationToken
	done  bool

	// counts of the running sweep
	sweepPersisted  int
	sweepReplicated int
}

// update merges the counts of the running sweep. Results never regress.
func (it *durItem) update() {
	it.res.NPersisted = max(it.res.NPersisted, it.sweepPersisted)
	it.res.NReplicated = max(it.res.NReplicated, it.sweepReplicated)
}

// durPoller sends the probes of one sweep. It returns the number of
// requests whose completion it will report through durset.responseDone.
type durPoller interface {
	poll(ds *durset, items []*durItem) int
}

// durset polls a batch of items until all are decided or the deadline
// passes. Sweeps never overlap.
type durset struct {
	inst   *Instance
	logger *zap.Logger
	opts   DurabilityOptions
	poller durPoller

	items     []*durItem
	remaining int
	waiting   int
	sweeps    int
	deadline  time.Time
	timer     evloop.Timer
	finished  bool

	onDone func(results []*DurabilityResult)
}

// Durability polls the replicas of items until opts is satisfied for each
// of them or the timeout passes. done runs once for the batch.
func (inst *Instance) Durability(items []DurabilityItem, opts DurabilityOptions, done func(results []*DurabilityResult)) error {
	if inst.closed {
		return ErrShutdown
	}
	info := inst.queue.Config()
	if info == nil {
		return ErrNoConfiguration
	}
	cfg := info.Config
	if cfg.NumVBuckets() == 0 {
		return errors.Wrap(ErrUnsupportedOperation, "durability requires a vbucket bucket")
	}
	if len(items) == 0 {
		return errors.Wrap(ErrInvalidArgument, "no items")
	}

	var err error
	opts.PersistTo, opts.ReplicateTo, err = ValidateDurability(cfg, opts.PersistTo, opts.ReplicateTo, opts.CapMax)
	if err != nil {
		return err
	}
	if opts.Interval <= 0 {
		opts.Interval = inst.settings.DurabilityInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = inst.settings.DurabilityTimeout
	}

	mode := opts.Mode
	if mode == DurabilityModeDefault {
		mode = DurabilityModeCAS
		if inst.settings.UseMutationTokens && allHaveTokens(items) {
			mode = DurabilityModeSeqno
		}
	}
	opts.Mode = mode

	ds := &durset{
		inst:   inst,
		logger: inst.logger.Named("durability"),
		opts:   opts,
		onDone: done,
	}
	switch mode {
	case DurabilityModeSeqno:
		ds.poller = seqnoPoller{}
	default:
		ds.poller = casPoller{}
	}

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if len(item.Key) == 0 {
			return errors.Wrap(ErrInvalidArgument, "empty key")
		}
		if _, dup := seen[string(item.Key)]; dup {
			return errors.Wrapf(ErrInvalidArgument, "duplicate key %q", item.Key)
		}
		seen[string(item.Key)] = struct{}{}
		if mode == DurabilityModeSeqno && item.Token.IsZero() {
			return errors.Wrapf(ErrDurabilityNoMutationTokens, "key %q", item.Key)
		}

		vb, _ := cfg.MapKey(item.Key)
		ds.items = append(ds.items, &durItem{
			res:   DurabilityResult{Key: string(item.Key), CAS: item.CAS, Cookie: item.Cookie},
			key:   item.Key,
			vb:    vb,
			cas:   item.CAS,
			token: item.Token,
		})
	}
	ds.remaining = len(ds.items)

	ds.deadline = inst.sched.Now().Add(opts.Timeout)
	ds.timer = inst.sched.NewTimer(ds.tick)
	inst.pending.add(pendingDurability)
	inst.stats.recordDurabilityItems(len(ds.items))

	ds.logger.Debug("durability check started",
		zap.Int("items", len(ds.items)),
		zap.Stringer("mode", mode),
		zap.Int("persist_to", opts.PersistTo),
		zap.Int("replicate_to", opts.ReplicateTo),
		zap.Duration("timeout", opts.Timeout))

	// The first sweep goes out right away.
	ds.timer.Arm(0)
	return nil
}

func allHaveTokens(items []DurabilityItem) bool {
	for _, item := range items {
		if item.Token.IsZero() {
			return false
		}
	}
	return true
}

func (ds *durset) tick() {
	if ds.finished {
		return
	}
	now := ds.inst.sched.Now()
	if !now.Before(ds.deadline) {
		ds.failRemaining(ErrTimeout)
		return
	}

	var pending []*durItem
	for _, it := range ds.items {
		if !it.done {
			it.sweepPersisted = 0
			it.sweepReplicated = 0
			pending = append(pending, it)
		}
	}
	ds.sweeps++
	ds.waiting = ds.poller.poll(ds, pending)
	if ds.waiting == 0 {
		ds.sweepDone()
	}
}

// responseDone accounts for one probe of the running sweep.
func (ds *durset) responseDone() {
	if ds.waiting > 0 {
		ds.waiting--
	}
	if ds.waiting == 0 {
		ds.sweepDone()
	}
}

func (ds *durset) sweepDone() {
	if ds.finished {
		return
	}
	if ds.remaining == 0 {
		ds.finish()
		return
	}
	now := ds.inst.sched.Now()
	next := now.Add(ds.opts.Interval)
	if next.After(ds.deadline) {
		next = ds.deadline
	}
	ds.timer.Arm(next.Sub(now))
}

// satisfied reports whether it meets the requirement.
func (ds *durset) satisfied(it *durItem) bool {
	if ds.opts.PersistTo > 0 {
		if !it.res.PersistedMaster || it.res.NPersisted < ds.opts.PersistTo {
			return false
		}
	}
	if ds.opts.ReplicateTo > 0 && it.res.NReplicated < ds.opts.ReplicateTo {
		return false
	}
	if !ds.opts.CheckDelete && ds.opts.Mode == DurabilityModeCAS && !it.res.ExistsMaster {
		return false
	}
	return true
}

// check updates it after a probe and completes it when it is satisfied.
func (ds *durset) check(it *durItem) {
	if it.done {
		return
	}
	it.update()
	if ds.satisfied(it) {
		ds.complete(it, nil)
	}
}

func (ds *durset) complete(it *durItem, err error) {
	if it.done {
		return
	}
	it.done = true
	it.res.Err = err
	ds.remaining--
	if err != nil {
		ds.logger.Debug("durability item failed", zap.String("key", it.res.Key), zap.Error(err))
	}
	if ds.opts.OnItem != nil {
		res := it.res
		ds.opts.OnItem(&res)
	}
	if ds.remaining == 0 {
		ds.finish()
	}
}

func (ds *durset) failRemaining(err error) {
	for _, it := range ds.items {
		if !it.done {
			ds.complete(it, err)
		}
	}
}

func (ds *durset) finish() {
	if ds.finished {
		return
	}
	ds.finished = true
	ds.timer.Cancel()
	ds.logger.Debug("durability check finished", zap.Int("items", len(ds.items)), zap.Int("sweeps", ds.sweeps))

	results := make([]*DurabilityResult, len(ds.items))
	for i, it := range ds.items {
		res := it.res
		results[i] = &res
	}
	if ds.onDone != nil {
		ds.onDone(results)
	}
	ds.inst.pending.done(pendingDurability)
}

// durServers lists the master then the replicas of vb that can be probed.
func durServers(cfg *vbucket.Config, vb int) []int {
	out := make([]int, 0, cfg.NumReplicas+1)
	if m := cfg.VBMaster(vb); m >= 0 {
		out = append(out, m)
	}
	for i := 0; i < cfg.NumReplicas; i++ {
		if r := cfg.VBReplica(vb, i); r >= 0 {
			out = append(out, r)
		}
	}
	return out
}
