// Package clconfig tracks the active cluster configuration. A Monitor
// cycles through config providers until one of them yields a config newer
// than the current one, and notifies listeners when it changes.
package clconfig

import (
	"cmp"
	"fmt"
	"sync/atomic"

	"github.com/pior/couchkv/vbucket"
)

// Method identifies a provider. The values order the provider list.
type Method int

const (
	MethodFile Method = iota
	MethodCCCP
	MethodHTTP
	MethodMCRaw
	MethodClusterAdmin

	methodMax
)

func (m Method) String() string {
	switch m {
	case MethodFile:
		return "FILE"
	case MethodCCCP:
		return "CCCP"
	case MethodHTTP:
		return "HTTP"
	case MethodMCRaw:
		return "MCRAW"
	case MethodClusterAdmin:
		return "CLADMIN"
	}
	return fmt.Sprintf("Method(%d)", int(m))
}

// EventType is delivered to listeners.
type EventType int

const (
	// EventGotNewConfig fires when a config replaced the current one.
	EventGotNewConfig EventType = iota
	// EventGotAnyConfig fires when a provider delivered a config that was
	// not applied.
	EventGotAnyConfig
	// EventProvidersCycled fires when every provider failed in turn.
	EventProvidersCycled
	// EventMonitorStopped fires once the monitor has paused its providers.
	EventMonitorStopped
)

func (e EventType) String() string {
	switch e {
	case EventGotNewConfig:
		return "GOT_NEW_CONFIG"
	case EventGotAnyConfig:
		return "GOT_ANY_CONFIG"
	case EventProvidersCycled:
		return "PROVIDERS_CYCLED"
	case EventMonitorStopped:
		return "MONITOR_STOPPED"
	}
	return fmt.Sprintf("EventType(%d)", int(e))
}

// Listener receives monitor events. Implementations must be comparable so
// they can be removed again, pointer types are the usual choice.
type Listener interface {
	ConfigEvent(ev EventType, info *ConfigInfo)
}

var compareClock atomic.Uint64

// ConfigInfo is a reference counted config together with where it came
// from. The compare clock orders configs created without a revision.
type ConfigInfo struct {
	Config *vbucket.Config

	origin Method
	clock  uint64
	refs   atomic.Int32
}

// NewConfigInfo wraps cfg with a single reference held by the caller.
func NewConfigInfo(cfg *vbucket.Config, origin Method) *ConfigInfo {
	info := &ConfigInfo{
		Config: cfg,
		origin: origin,
		clock:  compareClock.Add(1),
	}
	info.refs.Store(1)
	return info
}

func (c *ConfigInfo) Origin() Method {
	return c.origin
}

func (c *ConfigInfo) Incref() {
	c.refs.Add(1)
}

// Decref drops a reference and reports whether it was the last one.
func (c *ConfigInfo) Decref() bool {
	n := c.refs.Add(-1)
	if n < 0 {
		panic("clconfig: ConfigInfo reference count below zero")
	}
	return n == 0
}

// Refs returns the current reference count.
func (c *ConfigInfo) Refs() int {
	return int(c.refs.Load())
}

// Compare orders c against o: negative when o is newer. A config naming a
// bucket beats one that does not, then revisions decide when both carry
// one, and otherwise the config created last wins.
func (c *ConfigInfo) Compare(o *ConfigInfo) int {
	a, b := c.Config, o.Config
	if a.BucketName == "" && b.BucketName != "" {
		return -1
	}
	if a.BucketName != "" && b.BucketName == "" {
		return 1
	}
	if a.Revision >= 0 && b.Revision >= 0 {
		if n := cmp.Compare(a.RevEpoch, b.RevEpoch); n != 0 {
			return n
		}
		return cmp.Compare(a.Revision, b.Revision)
	}
	return cmp.Compare(c.clock, o.clock)
}

// Provider is a source of cluster configs. All methods run on the loop.
type Provider interface {
	Method() Method
	Enabled() bool
	SetEnabled(enabled bool)

	// Refresh starts fetching a config. The result is reported through
	// Monitor.ProviderGotConfig or Monitor.ProviderFailed.
	Refresh() error

	// Pause stops background activity once the monitor no longer needs
	// it. It reports whether anything was paused.
	Pause() bool

	// ConfigUpdated is called with every config the monitor applies.
	ConfigUpdated(cfg *vbucket.Config)

	// Cached returns the last config this provider produced, if any.
	Cached() *ConfigInfo

	ConfigureNodes(nodes []string)
	Nodes() []string

	Close()
}

// baseProvider carries the state every provider shares.
type baseProvider struct {
	mon     *Monitor
	method  Method
	enabled bool
}

func (b *baseProvider) Method() Method                { return b.method }
func (b *baseProvider) Enabled() bool                 { return b.enabled }
func (b *baseProvider) SetEnabled(enabled bool)       { b.enabled = enabled }
func (b *baseProvider) Pause() bool                   { return false }
func (b *baseProvider) ConfigUpdated(*vbucket.Config) {}
func (b *baseProvider) ConfigureNodes([]string)       {}
func (b *baseProvider) Nodes() []string               { return nil }
func (b *baseProvider) Close()                        {}
