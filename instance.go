package couchkv

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
	"github.com/pior/couchkv/vbucket"
)

// BucketType is inferred from the first config of a bucket.
type BucketType int

const (
	BucketTypeUnknown BucketType = iota
	BucketTypeCouchbase
	BucketTypeEphemeral
	BucketTypeMemcached
)

func (t BucketType) String() string {
	switch t {
	case BucketTypeCouchbase:
		return "couchbase"
	case BucketTypeEphemeral:
		return "ephemeral"
	case BucketTypeMemcached:
		return "memcached"
	}
	return "unknown"
}

// Instance is a client of one bucket, or of the cluster when no bucket is
// configured. An Instance is not safe for concurrent use: its methods and
// Wait must be called from one goroutine, and callbacks run inside Wait.
type Instance struct {
	id       string
	settings Settings
	spec     bootstrapSpec
	logger   *zap.Logger

	sched evloop.Scheduler
	loop  *evloop.Loop

	pools       connector
	queue       *mcreq.CmdQueue
	servers     []*Server
	guesses     *guessTable
	retryq      *retryQueue
	collections *collectionCache

	monitor   *clconfig.Monitor
	cccp      *clconfig.CCCP
	htconfig  *clconfig.HTTP
	bootstrap *bootstrapper

	bucketType BucketType
	pending    pendingCounters
	stats      clientStatsCollector
	collector  *StatsCollector

	waiting bool
	closed  bool
}

// NewInstance creates an instance for the cluster named by connstr, for
// example "couchbase://node1,node2/bucket?operation_timeout=5". Options in
// the connection string override settings.
func NewInstance(connstr string, settings Settings) (*Instance, error) {
	spec, err := parseConnectionString(connstr, &settings)
	if err != nil {
		return nil, err
	}
	loop := evloop.New()
	inst, err := newInstance(settings.withDefaults(), spec, loop, nil)
	if err != nil {
		return nil, err
	}
	inst.loop = loop
	return inst, nil
}

// newInstance wires an instance on sched. A nil pools selects the socket
// pool.
func newInstance(s Settings, spec bootstrapSpec, sched evloop.Scheduler, pools connector) (*Instance, error) {
	inst := &Instance{
		id:       uuid.NewString(),
		settings: s,
		spec:     spec,
		sched:    sched,
	}
	inst.logger = s.Logger.With(zap.String("iid", inst.id))
	if pools == nil {
		pools = newSockPool(sched, &inst.settings, inst.logger)
	}
	inst.pools = pools
	inst.pending.onIdle = inst.maybeBreakout

	inst.queue = mcreq.NewCmdQueue(sched.Now)
	inst.queue.Timeout = s.OperationTimeout
	inst.guesses = newGuessTable(sched.Now, &inst.settings)
	inst.queue.Resolver = inst.guesses
	inst.queue.Fallback().FlushStart = inst.flushFallback

	inst.retryq = newRetryQueue(sched, &inst.settings, inst.queue, inst.logger)
	inst.retryq.stats = &inst.stats
	inst.retryq.refresh = func() { _ = inst.bootstrap.Bootstrap(bsRefreshThrottle) }
	inst.retryq.fail = func(pkt *mcreq.Packet, err error) { inst.deliver(pkt, nil, err) }

	inst.collections = newCollectionCache(inst)
	inst.monitor = clconfig.NewMonitor(clconfig.MonitorOptions{
		Scheduler:         sched,
		Logger:            inst.logger,
		GraceNextProvider: s.GraceNextProvider,
		GraceNextCycle:    s.GraceNextCycle,
		DetailedNetErr:    s.DetailedNetErr,
	})
	if err := inst.setupProviders(); err != nil {
		inst.pools.Close()
		return nil, err
	}
	inst.bootstrap = newBootstrapper(inst)

	if s.Registerer != nil {
		inst.collector = NewStatsCollector(inst)
		if err := s.Registerer.Register(inst.collector); err != nil {
			inst.pools.Close()
			return nil, errors.Wrap(err, "registering stats collector")
		}
	}

	inst.logger.Debug("instance created",
		zap.Strings("memd_hosts", spec.memdHosts),
		zap.Strings("http_hosts", spec.httpHosts),
		zap.Stringer("settings", &inst.settings))
	return inst, nil
}

func (inst *Instance) setupProviders() error {
	s := &inst.settings
	methods := s.Providers
	if len(methods) == 0 {
		if s.Bucket != "" {
			methods = []clconfig.Method{clconfig.MethodCCCP, clconfig.MethodHTTP}
		} else {
			methods = []clconfig.Method{clconfig.MethodClusterAdmin}
		}
	}

	if s.ConfigCacheFile != "" {
		f, err := clconfig.NewFile(inst.monitor, clconfig.FileOptions{
			Path:     s.ConfigCacheFile,
			Bucket:   s.Bucket,
			Logger:   inst.logger,
			ReadOnly: s.ConfigCacheReadOnly,
			Watch:    true,
		})
		if err != nil {
			return errors.Wrapf(ErrInvalidArgument, "config cache %s: %v", s.ConfigCacheFile, err)
		}
		f.SetEnabled(true)
	}

	for _, m := range methods {
		switch m {
		case clconfig.MethodFile:
			if s.ConfigCacheFile == "" {
				return errors.Wrap(ErrInvalidArgument, "file bootstrap requires a config cache path")
			}
		case clconfig.MethodCCCP:
			inst.cccp = clconfig.NewCCCP(inst.monitor, clconfig.CCCPOptions{
				Fetcher:     inst,
				Logger:      inst.logger,
				NodeTimeout: s.ConfigNodeTimeout,
				Randomize:   s.RandomizeBootstrapNodes,
				Network:     s.Network,
				SSL:         inst.spec.ssl,
			})
			inst.cccp.ConfigureNodes(inst.spec.memdHosts)
			inst.cccp.SetEnabled(true)
		case clconfig.MethodHTTP:
			inst.htconfig = clconfig.NewHTTP(inst.monitor, clconfig.HTTPOptions{
				Logger:      inst.logger,
				Bucket:      s.Bucket,
				Username:    s.Username,
				Password:    s.Password,
				NodeTimeout: s.ConfigNodeTimeout,
				Network:     s.Network,
				Randomize:   s.RandomizeBootstrapNodes,
				SSL:         inst.spec.ssl,
			})
			inst.htconfig.ConfigureNodes(inst.spec.httpHosts)
			inst.htconfig.SetEnabled(true)
		case clconfig.MethodMCRaw:
			p := clconfig.NewMCRaw(inst.monitor)
			p.ConfigureNodes(inst.spec.memdHosts)
			p.SetEnabled(true)
		case clconfig.MethodClusterAdmin:
			p := clconfig.NewClusterAdmin(inst.monitor)
			p.ConfigureNodes(inst.spec.httpHosts)
			p.SetEnabled(true)
		default:
			return errors.Wrapf(ErrInvalidArgument, "unknown config method %s", m)
		}
	}
	return nil
}

// ID identifies the instance in logs.
func (inst *Instance) ID() string {
	return inst.id
}

// BucketType is known once bootstrapped.
func (inst *Instance) BucketType() BucketType {
	return inst.bucketType
}

// Config returns the installed cluster config, nil before bootstrap.
func (inst *Instance) Config() *vbucket.Config {
	if info := inst.queue.Config(); info != nil {
		return info.Config
	}
	return nil
}

// Servers returns the data servers of the current config.
func (inst *Instance) Servers() []*Server {
	return append([]*Server(nil), inst.servers...)
}

// Connect starts the initial bootstrap. Run Wait to drive it, then check
// BootstrapStatus.
func (inst *Instance) Connect() error {
	if inst.closed {
		return ErrShutdown
	}
	return inst.bootstrap.Bootstrap(bsInitial)
}

// OnBootstrap registers fn to run once the initial bootstrap completes or
// fails.
func (inst *Instance) OnBootstrap(fn func(error)) {
	inst.bootstrap.onBootstrap = append(inst.bootstrap.onBootstrap, fn)
}

// BootstrapStatus is nil once a config has been installed.
func (inst *Instance) BootstrapStatus() error {
	return inst.bootstrap.status()
}

// OpenBucket switches a cluster-level instance to bucket. cb runs once a
// config of that bucket has been installed.
func (inst *Instance) OpenBucket(bucket string, cb func(error)) error {
	if inst.closed {
		return ErrShutdown
	}
	if inst.settings.Bucket != "" {
		return errors.Wrapf(ErrInvalidArgument, "bucket %q already open", inst.settings.Bucket)
	}
	if inst.bootstrap.status() != nil {
		return errors.Wrap(ErrNoConfiguration, "open bucket before bootstrap")
	}
	inst.settings.Bucket = bucket

	if inst.cccp == nil {
		inst.cccp = clconfig.NewCCCP(inst.monitor, clconfig.CCCPOptions{
			Fetcher:     inst,
			Logger:      inst.logger,
			NodeTimeout: inst.settings.ConfigNodeTimeout,
			Randomize:   inst.settings.RandomizeBootstrapNodes,
			Network:     inst.settings.Network,
			SSL:         inst.spec.ssl,
		})
		inst.cccp.ConfigureNodes(inst.spec.memdHosts)
	}
	inst.monitor.SetActive(clconfig.MethodCCCP, true)
	inst.monitor.SetActive(clconfig.MethodClusterAdmin, false)

	// Sessions negotiated without a bucket cannot serve it.
	inst.pools.Reset()

	inst.bootstrap.onOpen = func(err error) {
		if cb != nil {
			cb(err)
		}
		inst.pending.done(pendingCounter)
	}
	inst.pending.add(pendingCounter)
	return inst.bootstrap.Bootstrap(bsOpenBucket | bsRefreshAlways)
}

// Wait runs the loop until no operation, bootstrap or durability check is
// pending, Breakout is called or ctx is done.
func (inst *Instance) Wait(ctx context.Context) error {
	if inst.loop == nil {
		return errors.Wrap(ErrInvalidArgument, "instance has no event loop")
	}
	if inst.pending.idle() {
		return nil
	}
	inst.waiting = true
	defer func() { inst.waiting = false }()
	return inst.loop.Run(ctx)
}

// Breakout makes Wait return once the running callback is done.
func (inst *Instance) Breakout() {
	if inst.loop != nil {
		inst.loop.Breakout()
	}
}

func (inst *Instance) maybeBreakout() {
	if inst.waiting {
		inst.Breakout()
	}
}

// Stats returns a snapshot of the client and pool statistics.
func (inst *Instance) Stats() Stats {
	return Stats{
		Client: inst.stats.snapshot(),
		Pools:  inst.pools.Stats(),
	}
}

// Close fails every pending operation with ErrShutdown and releases the
// sockets. Callbacks run before Close returns.
func (inst *Instance) Close() {
	if inst.closed {
		return
	}
	inst.closed = true
	inst.logger.Debug("closing instance", zap.Int("servers", len(inst.servers)))

	inst.bootstrap.close()
	inst.collections.failAll(ErrShutdown)
	inst.retryq.Close()
	for _, srv := range inst.servers {
		srv.purge(ErrShutdown, time.Time{}, refreshNever)
		srv.close()
	}
	inst.servers = nil
	inst.queue.Fallback().Fail(ErrShutdown, func(_ *mcreq.Pipeline, pkt *mcreq.Packet, err error) {
		inst.deliver(pkt, nil, err)
	})
	inst.queue.Close()
	inst.monitor.Close()
	inst.pools.Close()

	if inst.collector != nil {
		inst.settings.Registerer.Unregister(inst.collector)
	}
	if inst.loop != nil {
		inst.loop.Stop()
	}
}

// deliver completes pkt. Each packet's callback runs at most once.
func (inst *Instance) deliver(pkt *mcreq.Packet, resp *mcbp.Response, err error) {
	cb := pkt.Callback
	pkt.Callback = nil
	if cb != nil {
		cb(pkt, resp, err)
	}
	if pkt.Is(mcreq.FlagPrivate) {
		return
	}
	inst.stats.recordCompleted(err)
	inst.pending.done(pendingOps)
}

// completeResponse delivers resp with the error its status maps to.
func (inst *Instance) completeResponse(pkt *mcreq.Packet, resp *mcbp.Response) {
	inst.deliver(pkt, resp, statusError(resp.Status(), pkt.Opcode, pkt.Key))
}

// flushFallback moves packets routed to the fallback pipeline, because
// their vbucket had no master, to the retry queue.
func (inst *Instance) flushFallback(pl *mcreq.Pipeline) {
	pl.IterWipe(func(pl *mcreq.Pipeline, pkt *mcreq.Packet) mcreq.WipeAction {
		renewed, err := inst.queue.Renew(pkt)
		if err != nil {
			inst.deliver(pkt, nil, err)
		} else {
			inst.retryq.Add(renewed, ErrNoMatchingServer, nil)
		}
		pl.PacketHandled(pkt)
		return mcreq.WipeRemove
	})
	pl.DiscardUnsent()
}

func (inst *Instance) serverFor(host string) *Server {
	for _, srv := range inst.servers {
		if srv.host == host {
			return srv
		}
	}
	return nil
}

// schedule stages pkt on pl and starts flushing.
func (inst *Instance) schedule(pl *mcreq.Pipeline, pkt *mcreq.Packet) {
	inst.queue.SchedEnter()
	inst.queue.SchedAdd(pl, pkt)
	inst.queue.SchedLeave(true)
}

// FetchConfig implements clconfig.Fetcher. A connected server of the
// current config carries the request on its pipeline; otherwise a pooled
// session is used.
func (inst *Instance) FetchConfig(host string, done func([]byte, error)) {
	req := &mcbp.Request{Opcode: mcbp.CmdGetClusterConfig}
	finish := func(resp *mcbp.Response, err error) {
		var payload []byte
		if err == nil && resp != nil {
			if st := resp.Status(); st != mcbp.StatusSuccess {
				err = statusError(st, mcbp.CmdGetClusterConfig, nil)
			} else {
				payload, err = resp.DecodedValue()
			}
		}
		done(payload, err)
	}

	if srv := inst.serverFor(host); srv != nil && srv.Connected() && srv.state == serverClean {
		pkt, err := inst.queue.PacketFor(srv.pl, req)
		if err == nil {
			pkt.Deadline = inst.sched.Now().Add(inst.settings.ConfigNodeTimeout)
			pkt.Callback = func(_ *mcreq.Packet, resp *mcbp.Response, err error) {
				inst.sched.Post(func() { finish(resp, err) })
			}
			inst.schedule(srv.pl, pkt)
			return
		}
	}
	inst.pools.Exec(host, inst.settings.ConfigNodeTimeout, req, finish)
}
