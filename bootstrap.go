package couchkv

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/pior/couchkv/clconfig"
	"github.com/pior/couchkv/internal/evloop"
)

// bootstrapOptions select what Bootstrap does.
type bootstrapOptions int

const (
	// bsInitial starts the first config acquisition.
	bsInitial bootstrapOptions = 1 << iota
	// bsOpenBucket switches a cluster-level instance to a bucket.
	bsOpenBucket
	// bsRefreshAlways refreshes regardless of throttling.
	bsRefreshAlways
	// bsRefreshThrottle refreshes unless one happened recently.
	bsRefreshThrottle
	// bsRefreshIncrErr counts the request towards the error threshold.
	bsRefreshIncrErr
)

type bootstrapState int

const (
	bootstrapPre bootstrapState = iota
	bootstrapTriggered
	bootstrapDone
	bootstrapFailed
)

// bootstrapper obtains the initial config and asks for refreshes
// afterwards.
type bootstrapper struct {
	inst   *Instance
	logger *zap.Logger

	state       bootstrapState
	err         error
	pendingHeld bool

	timer     evloop.Timer
	pollTimer evloop.Timer

	lastRefresh time.Time
	errCounter  int

	onBootstrap []func(error)
	onOpen      func(error)
}

func newBootstrapper(inst *Instance) *bootstrapper {
	b := &bootstrapper{
		inst:   inst,
		logger: inst.logger.Named("bootstrap"),
	}
	b.timer = inst.sched.NewTimer(b.onTimeout)
	b.pollTimer = inst.sched.NewTimer(b.onPoll)
	return b
}

// Bootstrap starts the initial acquisition or a refresh. A refresh while
// the monitor is already refreshing is a no-op.
func (b *bootstrapper) Bootstrap(opts bootstrapOptions) error {
	mon := b.inst.monitor
	if opts&bsInitial != 0 && b.state != bootstrapPre {
		return errors.Wrap(ErrInvalidArgument, "bootstrap already started")
	}
	if mon.IsRefreshing() && opts&bsOpenBucket == 0 {
		return nil
	}
	if opts&bsInitial == 0 && b.state == bootstrapPre {
		return nil
	}

	now := b.inst.sched.Now()
	if opts&bsRefreshThrottle != 0 {
		if opts&bsRefreshIncrErr != 0 {
			b.errCounter++
		}
		next := b.lastRefresh.Add(b.inst.settings.RefreshThrottleDelay)
		if now.Before(next) && b.errCounter < b.inst.settings.RefreshErrorThreshold {
			b.logger.Debug("refresh suppressed by throttle",
				zap.Int("errors", b.errCounter),
				zap.Duration("delay", b.inst.settings.RefreshThrottleDelay))
			return nil
		}
	}

	if opts&bsInitial != 0 {
		b.logger.Info("bootstrapping",
			zap.String("bucket", b.inst.settings.Bucket),
			zap.String("network", b.inst.settings.Network),
			zap.Duration("timeout", b.inst.settings.BootstrapTimeout))
		mon.Prepare()
		mon.AddListener(b)
		b.timer.Arm(b.inst.settings.BootstrapTimeout)
		b.inst.pending.add(pendingBootstrap)
		b.pendingHeld = true
		b.state = bootstrapTriggered
	} else {
		b.lastRefresh = now
	}
	b.errCounter = 0

	if opts&bsOpenBucket != 0 {
		mon.Stop()
		mon.Prepare()
		b.timer.Arm(b.inst.settings.BootstrapTimeout)
	}
	mon.Start(opts&(bsRefreshAlways|bsOpenBucket) != 0)
	return nil
}

// ConfigEvent implements clconfig.Listener.
func (b *bootstrapper) ConfigEvent(ev clconfig.EventType, info *clconfig.ConfigInfo) {
	switch ev {
	case clconfig.EventGotNewConfig:
		b.configReceived(info)
	case clconfig.EventProvidersCycled:
		if b.state == bootstrapTriggered && b.inst.queue.Config() == nil {
			b.fail(errors.Wrap(b.lastError(), "no more bootstrap providers remain"))
		} else if b.onOpen != nil {
			b.failOpen(errors.Wrapf(b.lastError(), "open bucket %s", b.inst.settings.Bucket))
		}
	}
}

func (b *bootstrapper) lastError() error {
	if err := b.inst.monitor.LastError(); err != nil {
		return err
	}
	return ErrNoMatchingServer
}

func (b *bootstrapper) configReceived(info *clconfig.ConfigInfo) {
	b.inst.replaceConfig(info)
	b.inst.bucketType = inferBucketType(info.Config)

	if b.state == bootstrapTriggered {
		b.state = bootstrapDone
		b.logger.Info("bootstrap complete",
			zap.Stringer("origin", info.Origin()),
			zap.Stringer("bucket_type", b.inst.bucketType))
		b.complete(nil)
	}
	if b.onOpen == nil {
		b.timer.Cancel()
	}
	if b.onOpen != nil && info.Config.BucketName != "" && info.Config.BucketName == b.inst.settings.Bucket {
		b.timer.Cancel()
		cb := b.onOpen
		b.onOpen = nil
		cb(nil)
	}
	b.checkBgPoll()
}

func (b *bootstrapper) onTimeout() {
	err := errors.Wrap(ErrTimeout, "failed to configure in time")
	if last := b.inst.monitor.LastError(); last != nil {
		err = errors.Wrapf(ErrTimeout, "failed to configure in time: %v", last)
	}
	switch {
	case b.state == bootstrapTriggered:
		b.fail(err)
	case b.onOpen != nil:
		b.failOpen(errors.Wrapf(err, "open bucket %s", b.inst.settings.Bucket))
	}
}

func (b *bootstrapper) fail(err error) {
	b.timer.Cancel()
	b.state = bootstrapFailed
	b.err = err
	b.logger.Error("bootstrap failed", zap.Error(err))
	b.complete(err)
}

// failOpen runs the open-bucket callback with err, once.
func (b *bootstrapper) failOpen(err error) {
	b.timer.Cancel()
	b.logger.Error("open bucket failed", zap.Error(err))
	cb := b.onOpen
	b.onOpen = nil
	cb(err)
}

// complete releases the pending counter and runs the bootstrap callbacks,
// once.
func (b *bootstrapper) complete(err error) {
	callbacks := b.onBootstrap
	b.onBootstrap = nil
	for _, cb := range callbacks {
		cb(err)
	}
	if b.pendingHeld {
		b.pendingHeld = false
		b.inst.pending.done(pendingBootstrap)
	}
}

// checkBgPoll keeps polling configs that came from CCCP. HTTP streams push
// updates on their own.
func (b *bootstrapper) checkBgPoll() {
	info := b.inst.queue.Config()
	if b.inst.settings.ConfigPollInterval <= 0 || info == nil || info.Origin() != clconfig.MethodCCCP {
		b.pollTimer.Cancel()
		return
	}
	b.pollTimer.Arm(b.inst.settings.ConfigPollInterval)
}

func (b *bootstrapper) onPoll() {
	if b.inst.queue.Config() == nil {
		return
	}
	b.logger.Debug("background config poll")
	_ = b.Bootstrap(bsRefreshAlways)
	b.checkBgPoll()
}

// status is the bootstrap outcome: nil once a config was installed.
func (b *bootstrapper) status() error {
	switch b.state {
	case bootstrapDone:
		return nil
	case bootstrapFailed:
		return b.err
	}
	return ErrNoConfiguration
}

func (b *bootstrapper) close() {
	b.timer.Cancel()
	b.pollTimer.Cancel()
	b.inst.monitor.RemoveListener(b)
	if b.state == bootstrapTriggered {
		b.state = bootstrapFailed
		b.err = ErrShutdown
		b.complete(ErrShutdown)
	}
	if b.onOpen != nil {
		cb := b.onOpen
		b.onOpen = nil
		cb(ErrShutdown)
	}
}
