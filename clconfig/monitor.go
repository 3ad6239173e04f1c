package clconfig

import (
	"time"

	"go.uber.org/zap"

	"github.com/pior/couchkv/internal/evloop"
	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/vbucket"
)

// State flags of the monitor.
type State uint8

const (
	StateInactive State = 0
	StateActive   State = 1 << 0
	// StateIterGrace is set while waiting to try the next provider.
	StateIterGrace State = 1 << 1
)

const (
	DefaultGraceNextProvider = 10 * time.Millisecond
	DefaultGraceNextCycle    = time.Second
)

type MonitorOptions struct {
	Scheduler evloop.Scheduler
	Logger    *zap.Logger

	// GraceNextProvider is the delay before trying the next provider
	// after one failed, once a config has been installed.
	GraceNextProvider time.Duration

	// GraceNextCycle is the minimum delay between the end of one refresh
	// cycle and the start of the next.
	GraceNextCycle time.Duration

	// DetailedNetErr keeps a specific failure reason instead of letting a
	// later generic network error overwrite it.
	DetailedNetErr bool
}

// Monitor owns the current config and drives the providers. All methods
// must be called on the loop.
type Monitor struct {
	sched  evloop.Scheduler
	logger *zap.Logger
	opts   MonitorOptions

	providers [methodMax]Provider
	active    []Provider
	curIdx    int

	config    *ConfigInfo
	listeners []Listener

	state    State
	lastErr  error
	lastStop time.Time

	startTimer evloop.Timer
	stopTimer  evloop.Timer
}

func NewMonitor(opts MonitorOptions) *Monitor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.GraceNextProvider == 0 {
		opts.GraceNextProvider = DefaultGraceNextProvider
	}
	if opts.GraceNextCycle == 0 {
		opts.GraceNextCycle = DefaultGraceNextCycle
	}

	m := &Monitor{
		sched:  opts.Scheduler,
		logger: opts.Logger.Named("confmon"),
		opts:   opts,
	}
	m.startTimer = m.sched.NewTimer(m.doNextProvider)
	m.stopTimer = m.sched.NewTimer(m.stopReal)
	return m
}

// register installs p as the provider for its method.
func (m *Monitor) register(p Provider) {
	if old := m.providers[p.Method()]; old != nil {
		old.Close()
	}
	m.providers[p.Method()] = p
}

// Provider returns the provider registered for method, or nil.
func (m *Monitor) Provider(method Method) Provider {
	if method < 0 || method >= methodMax {
		return nil
	}
	return m.providers[method]
}

// SetActive enables or disables a registered provider. Takes effect on the
// next Prepare.
func (m *Monitor) SetActive(method Method, enabled bool) {
	if p := m.Provider(method); p != nil {
		p.SetEnabled(enabled)
	}
}

// Prepare rebuilds the active provider list from the enabled providers.
func (m *Monitor) Prepare() {
	m.active = m.active[:0]
	for _, p := range m.providers {
		if p == nil {
			continue
		}
		if !p.Enabled() {
			p.Pause()
			continue
		}
		m.active = append(m.active, p)
		m.logger.Debug("provider enabled", zap.Stringer("method", p.Method()))
	}
	if len(m.active) == 0 {
		panic("clconfig: no providers enabled")
	}
	m.curIdx = 0
}

// ActiveProviders returns the providers in the order they are tried.
func (m *Monitor) ActiveProviders() []Provider {
	return append([]Provider(nil), m.active...)
}

func (m *Monitor) current() Provider {
	if m.curIdx < len(m.active) {
		return m.active[m.curIdx]
	}
	return nil
}

// Config returns the applied config, nil before the first one.
func (m *Monitor) Config() *ConfigInfo {
	return m.config
}

// LastError returns the reason the last provider failed.
func (m *Monitor) LastError() error {
	return m.lastErr
}

func (m *Monitor) IsRefreshing() bool {
	return m.state&StateActive != 0
}

func (m *Monitor) State() State {
	return m.state
}

// Start begins a refresh cycle unless one is already running. With
// refreshNow the current provider is asked right away instead of after the
// cycle grace period.
func (m *Monitor) Start(refreshNow bool) {
	m.stopTimer.Cancel()
	if m.IsRefreshing() {
		m.logger.Debug("refresh already in progress")
		return
	}

	m.state = StateActive | StateIterGrace

	var wait time.Duration
	if !m.lastStop.IsZero() {
		since := m.sched.Now().Sub(m.lastStop)
		if since < m.opts.GraceNextCycle {
			wait = m.opts.GraceNextCycle - since
		}
	}

	if refreshNow {
		if p := m.current(); p != nil {
			if err := p.Refresh(); err != nil {
				m.logger.Debug("refresh failed", zap.Stringer("method", p.Method()), zap.Error(err))
			}
		}
	}

	m.logger.Debug("starting refresh cycle", zap.Duration("wait", wait))
	m.startTimer.Arm(wait)
}

// Stop ends the refresh cycle. Providers are paused asynchronously.
func (m *Monitor) Stop() {
	if !m.IsRefreshing() {
		return
	}
	m.startTimer.Cancel()
	m.stopTimer.Arm(0)
	m.state = StateInactive
}

func (m *Monitor) stopReal() {
	for _, p := range m.active {
		p.Pause()
	}
	m.lastStop = m.sched.Now()
	m.invokeListeners(EventMonitorStopped, nil)
}

func (m *Monitor) doNextProvider() {
	m.state &^= StateIterGrace

	for _, p := range m.active {
		info := p.Cached()
		if info == nil {
			continue
		}
		if m.setNewConfig(info, false) {
			m.logger.Info("using cached config", zap.Stringer("method", p.Method()))
			return
		}
	}

	p := m.current()
	if p == nil {
		return
	}
	if err := p.Refresh(); err != nil {
		m.logger.Debug("refresh failed", zap.Stringer("method", p.Method()), zap.Error(err))
	}
}

// ProviderFailed is called by the current provider when it could not
// produce a config. Failures from other providers are ignored.
func (m *Monitor) ProviderFailed(p Provider, reason error) {
	if p != m.current() {
		m.logger.Debug("ignoring failure from provider that is not current",
			zap.Stringer("method", p.Method()), zap.Error(reason))
		return
	}
	m.logger.Info("provider failed", zap.Stringer("method", p.Method()), zap.Error(reason))

	if !m.opts.DetailedNetErr || m.lastErr == nil || !kverr.IsGenericNetworkError(reason) {
		m.lastErr = reason
	}

	if kverr.IsAuthError(reason) {
		m.logger.Warn("stopping config refresh after authentication failure", zap.Error(reason))
		m.cycled()
		return
	}

	m.curIdx++
	if m.curIdx >= len(m.active) {
		m.logger.Debug("all providers failed, resetting index")
		m.cycled()
		return
	}

	var interval time.Duration
	if m.config != nil {
		interval = m.opts.GraceNextProvider
	}
	m.state |= StateIterGrace
	m.startTimer.Arm(interval)
}

func (m *Monitor) cycled() {
	m.invokeListeners(EventProvidersCycled, nil)
	m.curIdx = 0
	m.Stop()
}

// ProviderGotConfig offers a config produced by p and ends the cycle.
func (m *Monitor) ProviderGotConfig(p Provider, info *ConfigInfo) {
	m.setNewConfig(info, true)
	m.Stop()
}

// setNewConfig installs candidate when it is newer than the current config
// and actually changes something. It reports whether it was applied.
func (m *Monitor) setNewConfig(candidate *ConfigInfo, notifyMiss bool) bool {
	if candidate == m.config {
		if notifyMiss {
			m.invokeListeners(EventGotAnyConfig, candidate)
		}
		return false
	}

	if cur := m.config; cur != nil {
		diff := vbucket.Compare(cur.Config, candidate.Config)
		favored := cur.Compare(candidate) < 0
		newer := candidate.Config.Revision > cur.Config.Revision
		namesBucket := cur.Config.BucketName == "" && candidate.Config.BucketName != ""

		if !favored || (diff.Empty() && !newer && !namesBucket) {
			m.logger.Debug("not applying config",
				zap.Stringer("origin", candidate.Origin()),
				zap.Int64("current_rev", cur.Config.Revision),
				zap.Int64("candidate_rev", candidate.Config.Revision))
			if notifyMiss {
				m.invokeListeners(EventGotAnyConfig, candidate)
			}
			return false
		}
	}

	m.logger.Info("applying new config",
		zap.Stringer("origin", candidate.Origin()),
		zap.Int64("rev", candidate.Config.Revision),
		zap.Int64("rev_epoch", candidate.Config.RevEpoch),
		zap.String("bucket", candidate.Config.BucketName))

	for _, p := range m.providers {
		if p != nil && p.Enabled() {
			p.ConfigUpdated(candidate.Config)
		}
	}

	candidate.Incref()
	if m.config != nil {
		m.config.Decref()
	}
	m.config = candidate

	m.Stop()
	m.invokeListeners(EventGotNewConfig, candidate)
	return true
}

func (m *Monitor) AddListener(l Listener) {
	for _, cur := range m.listeners {
		if cur == l {
			return
		}
	}
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) RemoveListener(l Listener) {
	for i, cur := range m.listeners {
		if cur == l {
			m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
			return
		}
	}
}

func (m *Monitor) invokeListeners(ev EventType, info *ConfigInfo) {
	for _, l := range append([]Listener(nil), m.listeners...) {
		l.ConfigEvent(ev, info)
	}
}

// Close stops the monitor and releases every provider and the current
// config.
func (m *Monitor) Close() {
	m.startTimer.Cancel()
	m.stopTimer.Cancel()
	m.state = StateInactive
	for i, p := range m.providers {
		if p != nil {
			p.Close()
			m.providers[i] = nil
		}
	}
	m.active = nil
	if m.config != nil {
		m.config.Decref()
		m.config = nil
	}
}
