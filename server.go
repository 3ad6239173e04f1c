package couchkv

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
	"github.com/pior/couchkv/netbuf"
)

const maxIOV = 64

type serverState int

const (
	// serverClean is idle or connected and usable.
	serverClean serverState = iota
	// serverErrDrain waits for the failed connection to shut down.
	serverErrDrain
	// serverClosed is terminal; the server left the config.
	serverClosed
	// serverTemporary marks servers built outside a config, for one-off
	// requests.
	serverTemporary
)

func (s serverState) String() string {
	switch s {
	case serverClean:
		return "clean"
	case serverErrDrain:
		return "errdrain"
	case serverClosed:
		return "closed"
	case serverTemporary:
		return "temporary"
	}
	return "unknown"
}

// refreshPolicy says whether a purge asks for a new config.
type refreshPolicy int

const (
	refreshNever refreshPolicy = iota
	refreshOnFailure
	refreshAlways
)

type readResult int

const (
	readPartial readResult = iota
	readComplete
	readAbort
)

// Server is the pipeline of one data node: it connects lazily, writes
// scheduled packets, and matches responses to them by opaque.
type Server struct {
	inst   *Instance
	host   string
	pl     *mcreq.Pipeline
	logger *zap.Logger

	state      serverState
	io         *connIO
	sess       *Session
	connecting func()
	rdb        netbuf.ReadBuffer
	timer      evloop.Timer
	abortErr   error
}

func newServer(inst *Instance, host string) *Server {
	s := &Server{
		inst:   inst,
		host:   host,
		pl:     mcreq.NewPipeline(-1, netbuf.Settings{}),
		logger: inst.logger.Named("server").With(zap.String("host", host)),
	}
	s.pl.FlushStart = s.flushStart
	s.timer = inst.sched.NewTimer(s.ioTimeout)
	return s
}

// Host is the data service address of the server.
func (s *Server) Host() string {
	return s.host
}

// Index is the server's position in the current config.
func (s *Server) Index() int {
	return s.pl.Index
}

func (s *Server) Pipeline() *mcreq.Pipeline {
	return s.pl
}

func (s *Server) Connected() bool {
	return s.io != nil
}

func (s *Server) hasFeature(f mcbp.Feature) bool {
	return s.sess != nil && s.sess.HasFeature(f)
}

func (s *Server) SupportsJSON() bool {
	return s.hasFeature(mcbp.FeatureJSON)
}

func (s *Server) SupportsCompression() bool {
	return s.hasFeature(mcbp.FeatureSnappy)
}

func (s *Server) SupportsMutationTokens() bool {
	return s.hasFeature(mcbp.FeatureSeqNo)
}

func (s *Server) SupportsSyncReplication() bool {
	return s.hasFeature(mcbp.FeatureSyncReplication)
}

func (s *Server) SupportsCollections() bool {
	return s.hasFeature(mcbp.FeatureCollections)
}

func (s *Server) errorMap() *ErrorMap {
	if s.sess == nil {
		return nil
	}
	return s.sess.ErrorMap
}

func (s *Server) flushStart(*mcreq.Pipeline) {
	switch s.state {
	case serverClosed:
		s.purge(ErrMapChanged, time.Time{}, refreshNever)
		return
	case serverErrDrain:
	default:
		if s.io != nil {
			s.flush()
		} else if s.connecting == nil {
			s.connect()
		}
	}
	if !s.timer.Armed() {
		s.armTimer()
	}
}

func (s *Server) connect() {
	s.logger.Debug("connecting", zap.Int("index", s.pl.Index))
	s.connecting = s.inst.pools.Acquire(s.host, s.inst.settings.OperationTimeout, s.onConnected)
}

func (s *Server) onConnected(res Resource, err error) {
	s.connecting = nil
	if err != nil {
		if s.maybeReconnectOnFakeTimeout(err) {
			return
		}
		s.logger.Info("connect failed", zap.Error(err))
		s.socketFailed(err)
		return
	}

	s.sess = res.Value()
	s.io = startIO(res, s.inst.sched, s)
	s.inst.stats.recordReconnect()
	s.logger.Debug("session attached",
		zap.String("session", s.sess.ID),
		zap.Bool("json", s.SupportsJSON()),
		zap.Bool("snappy", s.SupportsCompression()),
		zap.Bool("mutation_tokens", s.SupportsMutationTokens()),
		zap.Bool("collections", s.SupportsCollections()))

	s.armTimer()
	s.flush()
}

// maybeReconnectOnFakeTimeout retries a connect that timed out while the
// pending packets still have most of their time left. That only happens
// when the loop itself was stalled.
func (s *Server) maybeReconnectOnFakeTimeout(err error) bool {
	if !s.inst.settings.ReadjustTimeoutWait || !errors.Is(err, ErrTimeout) {
		return false
	}
	next, ok := s.pl.NextDeadline()
	if !ok {
		return false
	}
	now := s.inst.sched.Now()
	if next.Sub(now) < s.inst.settings.OperationTimeout/2 {
		return false
	}
	s.logger.Info("reconnecting after stalled connect, adjusting timeouts")
	s.pl.ResetTimeouts(now)
	s.connect()
	return true
}

func (s *Server) flush() {
	// With a write outstanding, onWritten flushes the rest.
	if s.io == nil || s.io.writing || s.state != serverClean {
		return
	}
	iovs, n := s.pl.StartFlush(maxIOV)
	if n == 0 {
		return
	}
	s.io.write(iovs)
}

func (s *Server) onWritten(n int, err error) {
	s.pl.EndFlush(n)
	s.inst.stats.recordFlushed(n)
	if err != nil {
		s.socketFailed(errors.Wrapf(ErrNetwork, "write to %s: %v", s.host, err))
		return
	}
	if s.pl.HasFlushData() {
		s.flush()
	}
}

func (s *Server) onRead(chunk []byte) {
	s.rdb.Append(chunk)
	for s.state == serverClean && s.io != nil {
		switch s.tryRead() {
		case readPartial:
			if !s.pl.Empty() && !s.timer.Armed() {
				s.armTimer()
			}
			return
		case readAbort:
			err := s.abortErr
			s.abortErr = nil
			s.socketFailed(err)
			return
		}
	}
}

func (s *Server) onReadError(err error) {
	s.socketFailed(errors.Wrapf(ErrNetwork, "read from %s: %v", s.host, err))
}

func (s *Server) onDetached() {
	s.finalizeErrored()
}

func (s *Server) tryRead() readResult {
	hdrBytes, ok := s.rdb.Peek(mcbp.HeaderLen)
	if !ok {
		return readPartial
	}
	hdr, err := mcbp.DecodeHeader(hdrBytes)
	if err == nil && !hdr.Magic.IsResponse() {
		err = &mcbp.ProtocolError{Message: "request magic on response stream"}
	}
	if err != nil {
		s.abortErr = errors.Wrapf(ErrProtocol, "%s: %v", s.host, err)
		return readAbort
	}

	frame, ok := s.rdb.Take(hdr.TotalLen())
	if !ok {
		return readPartial
	}
	resp, err := mcbp.DecodeResponse(frame)
	if err != nil {
		s.abortErr = errors.Wrapf(ErrProtocol, "%s: %v", s.host, err)
		return readAbort
	}

	// Multi-part STAT replies keep the packet until the empty terminator.
	var pkt *mcreq.Packet
	if hdr.Opcode == mcbp.CmdStat && len(resp.Key) > 0 {
		pkt = s.pl.Find(hdr.Opaque)
		if pkt != nil {
			if pkt.Callback != nil {
				pkt.Callback(pkt, resp, nil)
			}
			return readComplete
		}
	} else {
		pkt = s.pl.Remove(hdr.Opaque)
	}
	if pkt == nil {
		s.inst.stats.recordOwnerless()
		s.logger.Debug("response for unknown opaque, probably timed out",
			zap.Uint32("opaque", hdr.Opaque), zap.Stringer("opcode", hdr.Opcode))
		return readComplete
	}

	status := resp.Status()
	switch {
	case status == mcbp.StatusNotMyVBucket:
		s.inst.stats.recordNMV()
		if s.handleNMV(pkt, resp) {
			s.pl.PacketHandled(pkt)
			return readComplete
		}
	case status == mcbp.StatusCollectionUnknown:
		if s.handleUnknownCollection(pkt) {
			s.pl.PacketHandled(pkt)
			return readComplete
		}
	case isFastPathStatus(status):
	default:
		switch s.handleUnknownError(pkt, resp) {
		case errmapHandled:
			s.pl.PacketHandled(pkt)
			return readComplete
		case errmapAbort:
			s.pl.PacketHandled(pkt)
			return readAbort
		}
	}

	s.inst.completeResponse(pkt, resp)
	s.pl.PacketHandled(pkt)
	return readComplete
}

func isFastPathStatus(status mcbp.Status) bool {
	switch status {
	case mcbp.StatusSuccess,
		mcbp.StatusKeyNotFound,
		mcbp.StatusKeyExists,
		mcbp.StatusTooBig,
		mcbp.StatusInvalidArgs,
		mcbp.StatusNotStored,
		mcbp.StatusBadDelta,
		mcbp.StatusLocked,
		mcbp.StatusRangeError,
		mcbp.StatusAuthError,
		mcbp.StatusAccessError,
		mcbp.StatusUnknownCommand,
		mcbp.StatusNotSupported,
		mcbp.StatusOutOfMemory,
		mcbp.StatusBusy,
		mcbp.StatusTmpFail,
		mcbp.StatusScopeUnknown,
		mcbp.StatusDurabilityInvalidLevel,
		mcbp.StatusDurabilityImpossible,
		mcbp.StatusSyncWriteInProgress,
		mcbp.StatusSyncWriteAmbiguous:
		return true
	}
	return mcbp.IsSubdocStatus(status)
}

// handleNMV reacts to NOT_MY_VBUCKET. It reports whether the packet was
// taken over by the retry queue.
func (s *Server) handleNMV(pkt *mcreq.Packet, resp *mcbp.Response) bool {
	inst := s.inst
	info := inst.queue.Config()

	if info != nil && info.Config.NumVBuckets() > 0 && pkt.VBucket >= 0 {
		ix := inst.guesses.Remap(info.Config, pkt.VBucket, s.pl.Index)
		s.logger.Info("NOT_MY_VBUCKET",
			zap.Int("vbucket", pkt.VBucket),
			zap.Uint32("opaque", pkt.Opaque),
			zap.Int("remapped", ix))
	}

	body, err := resp.DecodedValue()
	updated := false
	if err == nil && len(body) > 0 && inst.cccp != nil && inst.cccp.Enabled() {
		if err := inst.cccp.Update(s.host, body); err != nil {
			s.logger.Warn("config in NOT_MY_VBUCKET reply was not usable", zap.Error(err))
		} else {
			updated = true
		}
	}
	if !updated {
		opts := bsRefreshAlways
		if info != nil && info.Origin() == clconfig.MethodCCCP {
			opts = bsRefreshThrottle
		}
		inst.bootstrap.Bootstrap(opts)
	}

	if !ShouldRetry(&inst.settings, pkt, ErrNotMyVBucket) {
		return false
	}
	renewed, err := inst.queue.Renew(pkt)
	if err != nil {
		s.logger.Error("cannot renew packet", zap.Error(err))
		return false
	}
	inst.retryq.NMVAdd(renewed)
	return true
}

// handleUnknownCollection drops the stale collection id and retries the
// packet once the collection was resolved again.
func (s *Server) handleUnknownCollection(pkt *mcreq.Packet) bool {
	inst := s.inst
	if pkt.Is(mcreq.FlagNoCID) {
		return false
	}
	name, ok := inst.collections.nameOf(pkt.CollectionID)
	inst.collections.invalidate(pkt.CollectionID)
	if !ok {
		return false
	}

	renewed, err := inst.queue.Renew(pkt)
	if err != nil {
		return false
	}
	s.logger.Debug("collection id is stale", zap.String("collection", name), zap.Uint32("cid", pkt.CollectionID))
	inst.collections.resolve(name, renewed.Deadline, func(cid uint32, err error) {
		if err != nil {
			inst.deliver(renewed, nil, err)
			return
		}
		fresh, err := inst.queue.RenewCollection(renewed, cid)
		if err != nil {
			inst.deliver(renewed, nil, err)
			return
		}
		inst.retryq.UCAdd(fresh, ErrCollectionNotFound)
	})
	return true
}

type errmapAction int

const (
	errmapUnknown errmapAction = iota
	errmapHandled
	errmapAbort
)

// handleUnknownError applies the error map attributes of a status the
// client has no built-in handling for.
func (s *Server) handleUnknownError(pkt *mcreq.Packet, resp *mcbp.Response) errmapAction {
	entry, ok := s.errorMap().Lookup(resp.Status())
	if !ok || entry.Has(AttrSpecialHandling) {
		s.logger.Warn("unknown status",
			zap.String("status", mcbp.StatusName(resp.Status())),
			zap.Stringer("opcode", pkt.Opcode))
		return errmapUnknown
	}

	if entry.Has(AttrFetchConfig) {
		s.inst.bootstrap.Bootstrap(bsRefreshThrottle)
	}

	err := errmapError(entry, resp.Status(), pkt.Opcode)
	err = &KVError{Err: err, Status: resp.Status(), Opcode: pkt.Opcode, Key: string(pkt.Key), Context: entry.Name}

	if entry.Has(AttrAutoRetry) {
		renewed, rerr := s.inst.queue.Renew(pkt)
		if rerr == nil {
			s.inst.retryq.Add(renewed, err, entry.Retry)
			return errmapHandled
		}
	}

	s.inst.deliver(pkt, resp, err)
	if entry.Has(AttrConnStateInvalidated) {
		s.abortErr = errors.Wrapf(ErrNetwork, "%s: connection state invalidated by %s", s.host, entry.Name)
		return errmapAbort
	}
	return errmapHandled
}

func errmapError(entry *ErrorMapEntry, status mcbp.Status, opcode mcbp.Opcode) error {
	switch {
	case entry.Has(AttrItemLocked):
		switch opcode {
		case mcbp.CmdSet, mcbp.CmdReplace, mcbp.CmdDelete:
			return ErrDocumentExists
		}
		return ErrTemporaryFailure
	case entry.Has(AttrConstraintFailure):
		return ErrConstraintFailure
	case entry.Has(AttrAuth):
		return ErrAuthentication
	case entry.Has(AttrTemporary):
		return ErrTemporaryFailure
	case entry.Has(AttrSubdoc):
		return ErrSubdoc
	}
	if err := kverr.FromStatus(status); err != nil {
		return err
	}
	return ErrGeneric
}

func (s *Server) armTimer() {
	next, ok := s.pl.NextDeadline()
	if !ok {
		return
	}
	d := next.Sub(s.inst.sched.Now())
	if d < 0 {
		d = 0
	}
	s.timer.Arm(d)
}

func (s *Server) ioTimeout() {
	n := s.purge(ErrTimeout, s.inst.sched.Now(), refreshOnFailure)
	if n > 0 {
		s.logger.Info("operations timed out", zap.Int("count", n))
	}
	s.armTimer()
}

// purge fails the packets whose deadline is not after now, or all packets
// when now is zero. Retryable packets move to the retry queue.
func (s *Server) purge(err error, now time.Time, policy refreshPolicy) int {
	affected := s.pl.Timeout(err, now, s.purgeSingle)
	if affected > 0 {
		s.logger.Debug("purged packets", zap.Int("count", affected), zap.Error(err))
	}
	if policy == refreshNever {
		return affected
	}
	if affected > 0 || policy == refreshAlways {
		s.inst.bootstrap.Bootstrap(bsRefreshThrottle | bsRefreshIncrErr)
	}
	return affected
}

func (s *Server) purgeSingle(_ *mcreq.Pipeline, pkt *mcreq.Packet, err error) {
	if s.maybeRetry(pkt, err) {
		return
	}
	switch {
	case errors.Is(err, ErrAuthentication):
		// The node rejected a session it accepted before: it left the
		// bucket.
		err = ErrMapChanged
	case errors.Is(err, ErrTimeout):
		s.inst.stats.recordTimeouts(1)
		err = retryTimeout(s.inst.retryq.ErrorFor(pkt))
	}
	s.inst.deliver(pkt, nil, err)
}

func (s *Server) maybeRetry(pkt *mcreq.Packet, err error) bool {
	info := s.inst.queue.Config()
	if info == nil || info.Config.NumVBuckets() == 0 {
		return false
	}
	if !ShouldRetry(&s.inst.settings, pkt, err) {
		return false
	}
	renewed, rerr := s.inst.queue.Renew(pkt)
	if rerr != nil {
		return false
	}
	s.inst.retryq.Add(renewed, err, nil)
	return true
}

func (s *Server) socketFailed(err error) {
	if s.state != serverClean {
		return
	}
	s.inst.stats.recordSocketError()
	s.logger.Warn("socket failed", zap.Error(err), zap.Int("pending", s.pl.Len()))
	s.purge(err, time.Time{}, refreshAlways)
	s.startErrored(serverErrDrain)
}

// startErrored detaches the connection and moves to next. The server
// finalizes once the connection goroutines have exited.
func (s *Server) startErrored(next serverState) {
	s.state = next
	if s.connecting != nil {
		s.connecting()
		s.connecting = nil
	}
	s.rdb.Reset()
	s.sess = nil
	if s.io == nil {
		s.finalizeErrored()
		return
	}
	graceful := next == serverClosed && s.pl.Empty() && !s.pl.HasFlushData() && !s.io.writing
	s.io.detach(graceful)
}

func (s *Server) finalizeErrored() {
	s.io = nil
	s.pl.DiscardUnsent()
	if s.state == serverClosed {
		s.destroy()
		return
	}
	s.state = serverClean
	if !s.pl.Empty() || s.pl.HasFlushData() {
		s.connect()
	}
}

// close takes the server out of service. Pending packets must have been
// purged or relocated.
func (s *Server) close() {
	if s.state == serverClosed {
		return
	}
	s.startErrored(serverClosed)
}

func (s *Server) destroy() {
	s.timer.Cancel()
	s.pl.Fail(ErrShutdown, func(_ *mcreq.Pipeline, pkt *mcreq.Packet, err error) {
		s.inst.deliver(pkt, nil, err)
	})
	s.pl.DiscardUnsent()
	s.logger.Debug("server destroyed")
}
