package couchkv

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
)

// seqnoPoller sends one OBSERVE_SEQNO per item and server, and compares
// the sequence numbers with the mutation token.
type seqnoPoller struct{}

func (seqnoPoller) poll(ds *durset, items []*durItem) int {
	inst := ds.inst
	info := inst.queue.Config()
	if info == nil {
		return 0
	}
	cfg := info.Config

	sent := 0
	inst.queue.SchedEnter()
	for _, it := range items {
		for _, ix := range durServers(cfg, it.vb) {
			pl := inst.queue.Pipeline(ix)
			if pl == nil {
				continue
			}
			req := &mcbp.Request{
				Opcode:  mcbp.CmdObserveSeqno,
				VBucket: uint16(it.vb),
				Value:   mcbp.EncodeObserveSeqno(it.token.UUID),
			}
			pkt, err := inst.queue.PacketFor(pl, req)
			if err != nil {
				ds.logger.Warn("cannot build observe_seqno", zap.Int("server", ix), zap.Error(err))
				continue
			}
			pkt.Deadline = ds.deadline
			item, master := it, ix == cfg.VBMaster(it.vb)
			pkt.Callback = func(_ *mcreq.Packet, resp *mcbp.Response, err error) {
				if !ds.finished && err == nil && resp != nil {
					ds.seqnoObserved(item, master, resp)
				}
				ds.responseDone()
			}
			inst.queue.SchedAdd(pl, pkt)
			sent++
		}
	}
	inst.queue.SchedLeave(true)
	return sent
}

func (ds *durset) seqnoObserved(it *durItem, master bool, resp *mcbp.Response) {
	if it.done {
		return
	}
	r, err := mcbp.DecodeObserveSeqno(resp.Value)
	if err != nil {
		ds.logger.Warn("bad observe_seqno reply", zap.String("key", it.res.Key), zap.Error(err))
		return
	}

	seqno := it.token.Seqno
	if r.Failover && r.LastSeqno < seqno {
		ds.complete(it, errors.Wrapf(ErrMutationLost,
			"vbucket %d failed over at seqno %d before %d", r.VBucket, r.LastSeqno, seqno))
		return
	}

	replicated := r.CurrentSeqno >= seqno
	persisted := r.PersistedSeqno >= seqno
	if master {
		if replicated {
			it.res.ExistsMaster = true
		}
		if persisted {
			it.res.PersistedMaster = true
			it.sweepPersisted++
		}
	} else {
		if replicated {
			it.sweepReplicated++
		}
		if persisted {
			it.sweepPersisted++
		}
	}
	ds.check(it)
}
