package couchkv

import (
	"time"

	"go.uber.org/zap"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/mcreq"
	"github.com/pior/couchkv/vbucket"
)

// replaceConfig installs info. Servers whose data address is still in the
// config keep their connection and pending packets. Packets whose vbucket
// moved are relocated when the topology retry policy allows it; the rest of
// the packets on servers that left are failed with ErrMapChanged.
func (inst *Instance) replaceConfig(info *clconfig.ConfigInfo) {
	cfg := info.Config
	old := inst.servers

	byHost := make(map[string]*Server, len(old))
	for _, srv := range old {
		if srv.state != serverClosed {
			byHost[srv.host] = srv
		}
	}

	n := cfg.NumServers()
	servers := make([]*Server, n)
	pipelines := make([]*mcreq.Pipeline, n)
	kept := make(map[*Server]bool, n)
	for ix := 0; ix < n; ix++ {
		host := cfg.HostPort(ix, vbucket.SvcData, inst.spec.ssl)
		srv := byHost[host]
		if srv == nil || kept[srv] {
			srv = newServer(inst, host)
		} else {
			kept[srv] = true
		}
		servers[ix] = srv
		pipelines[ix] = srv.pl
	}

	inst.queue.SetPipelines(pipelines, info)
	inst.servers = servers
	inst.guesses.ConfigChanged(cfg)

	var gone []*Server
	for _, srv := range old {
		if !kept[srv] {
			gone = append(gone, srv)
		}
	}

	relocated := 0
	relocate := func(pl *mcreq.Pipeline, pkt *mcreq.Packet) mcreq.WipeAction {
		if inst.relocate(pl, pkt) {
			relocated++
			return mcreq.WipeRemove
		}
		return mcreq.WipeKeep
	}

	inst.queue.SchedEnter()
	for _, srv := range servers {
		srv.pl.IterWipe(relocate)
	}
	for _, srv := range gone {
		srv.pl.IterWipe(relocate)
	}
	inst.queue.SchedLeave(true)

	for _, srv := range gone {
		srv.purge(ErrMapChanged, time.Time{}, refreshNever)
		srv.close()
	}

	inst.stats.recordConfig()
	inst.logger.Info("installed config",
		zap.Int64("rev", cfg.Revision),
		zap.Stringer("origin", info.Origin()),
		zap.Stringer("distribution", cfg.Distribution),
		zap.Int("servers", n),
		zap.Int("removed", len(gone)),
		zap.Int("relocated", relocated))

	inst.retryq.Signal()
}

// relocate moves pkt to the pipeline now owning its vbucket. It reports
// whether pkt left pl.
func (inst *Instance) relocate(pl *mcreq.Pipeline, pkt *mcreq.Packet) bool {
	if pkt.Is(mcreq.FlagPrivate) {
		return false
	}
	if !retryAllowed(&inst.settings, RetryOnTopologyChange, pkt) {
		return false
	}
	dst := inst.queue.PipelineFor(pkt)
	if dst == nil || dst == pl {
		return false
	}
	renewed, err := inst.queue.Renew(pkt)
	if err != nil {
		inst.logger.Warn("cannot relocate packet", zap.Stringer("packet", pkt), zap.Error(err))
		return false
	}
	inst.queue.SchedAdd(dst, renewed)
	pl.PacketHandled(pkt)
	inst.stats.recordRelocated()
	return true
}

// inferBucketType guesses the bucket type from what the config offers.
func inferBucketType(cfg *vbucket.Config) BucketType {
	switch {
	case cfg.BucketName == "":
		return BucketTypeUnknown
	case cfg.Distribution == vbucket.DistKetama:
		return BucketTypeMemcached
	case cfg.HasCap(vbucket.CapCouchAPI):
		return BucketTypeCouchbase
	case cfg.Distribution == vbucket.DistVBucket:
		return BucketTypeEphemeral
	}
	return BucketTypeUnknown
}
