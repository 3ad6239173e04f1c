package couchkv

import (
	"go.uber.org/zap"

	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
)

// casPoller sends one OBSERVE per server per sweep, covering every item
// the server holds a copy of.
type casPoller struct{}

func (casPoller) poll(ds *durset, items []*durItem) int {
	inst := ds.inst
	info := inst.queue.Config()
	if info == nil {
		return 0
	}
	cfg := info.Config

	type batch struct {
		keys  []mcbp.ObserveKey
		items map[string]*durItem
	}
	batches := make(map[int]*batch)
	var order []int
	for _, it := range items {
		key := it.key
		if inst.settings.UseCollections {
			key = mcbp.CollectionKey(0, key)
		}
		for _, ix := range durServers(cfg, it.vb) {
			b := batches[ix]
			if b == nil {
				b = &batch{items: make(map[string]*durItem)}
				batches[ix] = b
				order = append(order, ix)
			}
			b.keys = append(b.keys, mcbp.ObserveKey{VBucket: uint16(it.vb), Key: key})
			b.items[string(key)] = it
		}
	}

	sent := 0
	inst.queue.SchedEnter()
	for _, ix := range order {
		pl := inst.queue.Pipeline(ix)
		if pl == nil {
			continue
		}
		b := batches[ix]
		req := &mcbp.Request{Opcode: mcbp.CmdObserve, Value: mcbp.EncodeObserve(b.keys)}
		pkt, err := inst.queue.PacketFor(pl, req)
		if err != nil {
			ds.logger.Warn("cannot build observe", zap.Int("server", ix), zap.Error(err))
			continue
		}
		pkt.Deadline = ds.deadline
		server := ix
		pkt.Callback = func(_ *mcreq.Packet, resp *mcbp.Response, err error) {
			if !ds.finished && err == nil && resp != nil {
				ds.observed(server, b.items, resp)
			}
			ds.responseDone()
		}
		inst.queue.SchedAdd(pl, pkt)
		sent++
	}
	inst.queue.SchedLeave(true)
	return sent
}

func (ds *durset) observed(server int, items map[string]*durItem, resp *mcbp.Response) {
	results, err := mcbp.DecodeObserve(resp.Value)
	if err != nil {
		ds.logger.Warn("bad observe reply", zap.Int("server", server), zap.Error(err))
		return
	}
	info := ds.inst.queue.Config()
	if info == nil {
		return
	}

	for _, r := range results {
		it := items[string(r.Key)]
		if it == nil || it.done {
			continue
		}
		master := info.Config.VBMaster(it.vb) == server
		if ds.opts.CheckDelete {
			ds.observedDelete(it, master, r)
		} else {
			ds.observedStore(it, master, r)
		}
		if !it.done {
			ds.check(it)
		}
	}
}

func (ds *durset) observedStore(it *durItem, master bool, r mcbp.ObserveResult) {
	if r.KeyState == mcbp.ObserveNotFound || r.KeyState == mcbp.ObserveLogicallyDeleted {
		return
	}
	if it.cas != 0 && r.CAS != it.cas {
		if master {
			// Someone else mutated the document since.
			ds.complete(it, ErrDocumentExists)
		}
		return
	}
	persisted := r.KeyState == mcbp.ObservePersisted
	if master {
		it.res.ExistsMaster = true
		if persisted {
			it.res.PersistedMaster = true
			it.sweepPersisted++
		}
		return
	}
	it.sweepReplicated++
	if persisted {
		it.sweepPersisted++
	}
}

func (ds *durset) observedDelete(it *durItem, master bool, r mcbp.ObserveResult) {
	gone := r.KeyState == mcbp.ObserveNotFound || r.KeyState == mcbp.ObserveLogicallyDeleted
	persisted := r.KeyState == mcbp.ObserveNotFound
	if master {
		it.res.ExistsMaster = !gone
		if persisted {
			it.res.PersistedMaster = true
			it.sweepPersisted++
		}
		return
	}
	if gone {
		it.sweepReplicated++
	}
	if persisted {
		it.sweepPersisted++
	}
}
