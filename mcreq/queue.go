package mcreq

import (
	"time"

	"github.com/pkg/errors"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/netbuf"
)

// DefaultTimeout applies to scheduled packets that carry no deadline.
const DefaultTimeout = 2500 * time.Millisecond

// MasterResolver can override the server a vbucket is routed to, for
// instance with a learned guess.
type MasterResolver interface {
	EffectiveMaster(vb, master int) int
}

// PacketOptions tune BasicPacket.
type PacketOptions struct {
	// Collections prefixes the key with the collection id.
	Collections bool

	// UseFallback routes keys that map to no server to the fallback
	// pipeline instead of failing.
	UseFallback bool

	// Private marks the packet as internal.
	Private bool
}

// CmdQueue maps keys onto the pipelines of the current config.
type CmdQueue struct {
	// Timeout is the default packet timeout. Zero means DefaultTimeout.
	Timeout time.Duration

	// Now is the clock used to stamp packets.
	Now func() time.Time

	// Resolver, when set, is consulted for every vbucket lookup.
	Resolver MasterResolver

	pipelines []*Pipeline
	fallback  *Pipeline
	config    *clconfig.ConfigInfo
	seq       uint32

	// scheduling context
	depth     int
	scheduled map[*Pipeline]struct{}
	order     []*Pipeline
}

func NewCmdQueue(now func() time.Time) *CmdQueue {
	if now == nil {
		now = time.Now
	}
	q := &CmdQueue{
		Now:       now,
		scheduled: make(map[*Pipeline]struct{}),
		fallback:  NewPipeline(-1, netbuf.Settings{}),
	}
	q.fallback.parent = q
	return q
}

// SetPipelines installs a new pipeline array and config. The queue takes
// a reference on info. The previous pipelines are returned so the caller
// can relocate their packets.
func (q *CmdQueue) SetPipelines(pipelines []*Pipeline, info *clconfig.ConfigInfo) []*Pipeline {
	old := q.pipelines
	for i, pl := range pipelines {
		pl.Index = i
		pl.parent = q
	}
	q.pipelines = pipelines

	if info != nil {
		info.Incref()
	}
	if q.config != nil {
		q.config.Decref()
	}
	q.config = info
	return old
}

func (q *CmdQueue) Pipelines() []*Pipeline {
	return q.pipelines
}

func (q *CmdQueue) Pipeline(ix int) *Pipeline {
	if ix < 0 || ix >= len(q.pipelines) {
		return nil
	}
	return q.pipelines[ix]
}

func (q *CmdQueue) Fallback() *Pipeline {
	return q.fallback
}

func (q *CmdQueue) Config() *clconfig.ConfigInfo {
	return q.config
}

// NextOpaque allocates a request id.
func (q *CmdQueue) NextOpaque() uint32 {
	q.seq++
	return q.seq
}

// MapKey returns the vbucket and server index for key.
func (q *CmdQueue) MapKey(key []byte) (vb, server int, err error) {
	if q.config == nil {
		return 0, -1, kverr.ErrNoConfiguration
	}
	vb, server = q.config.Config.MapKey(key)
	if q.Resolver != nil && vb >= 0 && q.config.Config.NumVBuckets() > 0 {
		server = q.Resolver.EffectiveMaster(vb, server)
	}
	return vb, server, nil
}

// PipelineFor returns the pipeline that should carry pkt under the current
// config, or nil when there is none.
func (q *CmdQueue) PipelineFor(pkt *Packet) *Pipeline {
	if q.config == nil {
		return nil
	}
	cfg := q.config.Config
	if cfg.NumVBuckets() == 0 {
		_, server := cfg.MapKey(pkt.Key)
		return q.Pipeline(server)
	}
	if pkt.VBucket < 0 || pkt.VBucket >= cfg.NumVBuckets() {
		return nil
	}
	server := cfg.VBMaster(pkt.VBucket)
	if q.Resolver != nil {
		server = q.Resolver.EffectiveMaster(pkt.VBucket, server)
	}
	return q.Pipeline(server)
}

// BasicPacket builds a packet for req on the pipeline owning key. The
// vbucket and opaque of req are filled in.
func (q *CmdQueue) BasicPacket(req *mcbp.Request, key []byte, collectionID uint32, opts PacketOptions) (*Packet, *Pipeline, error) {
	vb, server, err := q.MapKey(key)
	if err != nil {
		return nil, nil, err
	}

	pl := q.Pipeline(server)
	if pl == nil {
		if !opts.UseFallback {
			return nil, nil, errors.Wrapf(kverr.ErrNoMatchingServer, "vbucket %d has no master", vb)
		}
		pl = q.fallback
	}

	req.VBucket = uint16(max(vb, 0))
	if opts.Collections {
		req.Key = mcbp.CollectionKey(collectionID, key)
	} else {
		req.Key = key
	}

	pkt, err := q.build(pl, req, opts.Private)
	if err != nil {
		return nil, nil, err
	}
	pkt.VBucket = vb
	pkt.Key = key
	pkt.CollectionID = collectionID
	if !opts.Collections {
		pkt.Flags |= FlagNoCID
	}
	return pkt, pl, nil
}

// PacketFor builds a packet for req aimed at a specific pipeline, for
// commands that address a server rather than a key.
func (q *CmdQueue) PacketFor(pl *Pipeline, req *mcbp.Request) (*Packet, error) {
	pkt, err := q.build(pl, req, true)
	if err != nil {
		return nil, err
	}
	pkt.VBucket = int(req.VBucket)
	pkt.Key = req.Key
	pkt.Flags |= FlagNoCID
	return pkt, nil
}

func (q *CmdQueue) build(pl *Pipeline, req *mcbp.Request, private bool) (*Packet, error) {
	req.Opaque = q.NextOpaque()

	span, err := pl.nb.Reserve(req.Size())
	if err != nil {
		return nil, errors.Wrap(kverr.ErrInvalidArgument, err.Error())
	}
	req.Encode(span.Bytes())

	pkt := &Packet{
		Opaque: req.Opaque,
		Opcode: req.Opcode,
		CAS:    req.CAS,
		span:   span,
		Config: q.config,
	}
	if private {
		pkt.Flags |= FlagPrivate
	}
	if pkt.Config != nil {
		pkt.Config.Incref()
	}
	return pkt, nil
}

// Renew detaches a copy of pkt with a fresh opaque so that it can be
// scheduled on another pipeline.
func (q *CmdQueue) Renew(pkt *Packet) (*Packet, error) {
	return pkt.renew(q.NextOpaque())
}

// RenewCollection is Renew with the key re-prefixed by a new collection id.
func (q *CmdQueue) RenewCollection(pkt *Packet, cid uint32) (*Packet, error) {
	dst, err := q.Renew(pkt)
	if err != nil {
		return nil, err
	}
	req, err := mcbp.DecodeRequest(dst.data)
	if err != nil {
		return nil, err
	}
	req.Key = mcbp.CollectionKey(cid, pkt.Key)
	dst.data = req.Bytes()
	dst.CollectionID = cid
	dst.Flags &^= FlagNoCID
	return dst, nil
}

// Discard releases a packet that was built but never scheduled.
func (q *CmdQueue) Discard(pl *Pipeline, pkt *Packet) {
	pkt.Flags |= StateFlags
	pl.packetDone(pkt)
}

// SchedEnter opens a scheduling context. Packets added inside it are
// only queued for writing by SchedLeave.
func (q *CmdQueue) SchedEnter() {
	q.depth++
}

// InSched reports whether a scheduling context is open.
func (q *CmdQueue) InSched() bool {
	return q.depth > 0
}

// SchedAdd stages pkt on pl. A missing deadline is set from the default
// timeout.
func (q *CmdQueue) SchedAdd(pl *Pipeline, pkt *Packet) {
	if pkt.Start.IsZero() {
		pkt.Start = q.Now()
	}
	if pkt.Deadline.IsZero() {
		timeout := q.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		pkt.Deadline = pkt.Start.Add(timeout)
	}
	pl.parent = q
	pkt.pl = pl
	pl.queued = append(pl.queued, pkt)
	if _, ok := q.scheduled[pl]; !ok {
		q.scheduled[pl] = struct{}{}
		q.order = append(q.order, pl)
	}
}

// SchedLeave closes the scheduling context. Staged packets are enqueued
// and, when flush is set, each touched pipeline is asked to start
// writing.
func (q *CmdQueue) SchedLeave(flush bool) {
	if q.depth > 0 {
		q.depth--
	}
	if q.depth > 0 {
		return
	}

	order := q.order
	q.order = nil
	clear(q.scheduled)
	for _, pl := range order {
		for _, pkt := range pl.queued {
			pl.Enqueue(pkt)
		}
		clear(pl.queued)
		pl.queued = pl.queued[:0]
		if flush && pl.FlushStart != nil {
			pl.FlushStart(pl)
		}
	}
}

// SchedFail closes the scheduling context and drops every staged packet
// without invoking callbacks.
func (q *CmdQueue) SchedFail() {
	if q.depth > 0 {
		q.depth--
	}
	if q.depth > 0 {
		return
	}

	order := q.order
	q.order = nil
	clear(q.scheduled)
	for _, pl := range order {
		for _, pkt := range pl.queued {
			pkt.pl = nil
			q.Discard(pl, pkt)
		}
		clear(pl.queued)
		pl.queued = pl.queued[:0]
	}
}

// Close drops the config reference.
func (q *CmdQueue) Close() {
	if q.config != nil {
		q.config.Decref()
		q.config = nil
	}
	q.pipelines = nil
}
