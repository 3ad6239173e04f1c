package couchkv

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/couchbaselabs/gocbconnstr"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pior/couchkv/clconfig"
)

// RetryMode names the class of failure a retry policy applies to.
type RetryMode int

const (
	// RetryOnSocketError covers network failures of a connection.
	RetryOnSocketError RetryMode = iota
	// RetryOnTopologyChange covers packets relocated by a new config.
	RetryOnTopologyChange
	// RetryOnVBMapError covers NOT_MY_VBUCKET replies.
	RetryOnVBMapError
	// RetryOnMissingNode covers vbuckets without a master.
	RetryOnMissingNode
	numRetryModes
)

// RetryPolicy selects which commands may be retried for a RetryMode.
type RetryPolicy int

const (
	// RetryNone never retries.
	RetryNone RetryPolicy = iota
	// RetryAll retries every command.
	RetryAll
	// RetryGet retries read-only commands.
	RetryGet
	// RetrySafe retries read-only commands and mutations carrying a CAS.
	RetrySafe
)

func (p RetryPolicy) String() string {
	switch p {
	case RetryNone:
		return "none"
	case RetryAll:
		return "all"
	case RetryGet:
		return "get"
	case RetrySafe:
		return "safe"
	}
	return "unknown"
}

func parseRetryPolicy(s string) (RetryPolicy, error) {
	switch strings.ToLower(s) {
	case "none", "0":
		return RetryNone, nil
	case "all":
		return RetryAll, nil
	case "get":
		return RetryGet, nil
	case "safe":
		return RetrySafe, nil
	}
	return RetryNone, errors.Errorf("unknown retry policy %q", s)
}

// Settings configures an Instance. Zero values are replaced by the
// defaults of DefaultSettings when the instance is created.
type Settings struct {
	// Bucket to open. Empty for a cluster-level instance.
	Bucket   string
	Username string
	Password string

	// OperationTimeout is the default deadline of every KV operation.
	OperationTimeout time.Duration

	// BootstrapTimeout bounds the initial config acquisition.
	BootstrapTimeout time.Duration

	// ConfigNodeTimeout bounds a single config fetch from one node. It is
	// also the session negotiation timeout.
	ConfigNodeTimeout time.Duration

	// ConfigPollInterval re-fetches the config in the background when it
	// came from CCCP. Negative disables polling.
	ConfigPollInterval time.Duration

	// GraceNextProvider is the pause before trying the next provider.
	GraceNextProvider time.Duration

	// GraceNextCycle is the minimum time between two provider cycles.
	GraceNextCycle time.Duration

	// RefreshThrottleDelay and RefreshErrorThreshold bound throttled
	// refreshes: a throttled refresh within the delay of the last one is
	// suppressed unless the error counter reached the threshold.
	RefreshThrottleDelay  time.Duration
	RefreshErrorThreshold int

	// RetryInterval, RetryBackoff and RetryMaxInterval shape the
	// exponential backoff of the retry queue.
	RetryInterval    time.Duration
	RetryBackoff     float64
	RetryMaxInterval time.Duration

	// NMVRetryImmediate retries NOT_MY_VBUCKET replies without backoff.
	NMVRetryImmediate bool

	// RetryPolicies maps each RetryMode to a policy.
	RetryPolicies [numRetryModes]RetryPolicy

	// VBNoGuess disables the heuristic vbucket guesses. VBNoRemap also
	// disables the forward-map remap on NOT_MY_VBUCKET.
	VBNoGuess bool
	VBNoRemap bool

	// DurabilityInterval and DurabilityTimeout pace durability polling.
	DurabilityInterval time.Duration
	DurabilityTimeout  time.Duration

	UseErrorMap        bool
	UseCompression     bool
	UseMutationTokens  bool
	UseCollections     bool
	EnableDurableWrite bool

	// CompressionMinSize and CompressionMinRatio decide when outgoing
	// values are sent compressed.
	CompressionMinSize  int
	CompressionMinRatio float64

	// DetailedNetErr keeps a specific provider error over later generic
	// network errors.
	DetailedNetErr bool

	// ReadjustTimeoutWait treats connect timeouts as a stalled loop when
	// pending packets still have plenty of time left, and reconnects.
	ReadjustTimeoutWait bool

	// RandomizeBootstrapNodes shuffles config nodes before use.
	RandomizeBootstrapNodes bool

	// Providers lists the config methods to enable. Empty selects CCCP and
	// HTTP for buckets, CLADMIN for cluster-level instances.
	Providers []clconfig.Method

	// ConfigCacheFile enables the file provider. ConfigCacheReadOnly
	// never writes it.
	ConfigCacheFile     string
	ConfigCacheReadOnly bool

	// Network selects alternate addresses ("default", "external", "auto").
	Network string

	// PoolSize bounds the sockets per host.
	PoolSize int32

	// Pool is the socket pool factory. Nil selects NewChannelPool.
	Pool PoolFactory

	// NewCircuitBreaker creates the breaker guarding connects to a host.
	// Nil disables it.
	NewCircuitBreaker func(host string) CircuitBreaker

	Dialer *net.Dialer

	Logger *zap.Logger

	// Registerer receives the stats collector when set.
	Registerer prometheus.Registerer

	// dial replaces the dialer in tests.
	dial func(ctx context.Context, host string) (net.Conn, error)
}

// DefaultSettings returns the settings used for unset fields.
func DefaultSettings() Settings {
	return Settings{
		OperationTimeout:      2500 * time.Millisecond,
		BootstrapTimeout:      5 * time.Second,
		ConfigNodeTimeout:     2 * time.Second,
		ConfigPollInterval:    2500 * time.Millisecond,
		GraceNextProvider:     clconfig.DefaultGraceNextProvider,
		GraceNextCycle:        clconfig.DefaultGraceNextCycle,
		RefreshThrottleDelay:  10 * time.Millisecond,
		RefreshErrorThreshold: 100,
		RetryInterval:         10 * time.Millisecond,
		RetryBackoff:          2.0,
		RetryMaxInterval:      500 * time.Millisecond,
		RetryPolicies: [numRetryModes]RetryPolicy{
			RetryOnSocketError:    RetryAll,
			RetryOnTopologyChange: RetryAll,
			RetryOnVBMapError:     RetryAll,
			RetryOnMissingNode:    RetryNone,
		},
		DurabilityInterval:  100 * time.Millisecond,
		DurabilityTimeout:   5 * time.Second,
		UseErrorMap:         true,
		UseCompression:      true,
		UseMutationTokens:   true,
		CompressionMinSize:  32,
		CompressionMinRatio: 0.83,
		Network:             "default",
		PoolSize:            4,
	}
}

// withDefaults fills zero fields from DefaultSettings.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	setDuration := func(v *time.Duration, def time.Duration) {
		if *v == 0 {
			*v = def
		}
	}
	setDuration(&s.OperationTimeout, d.OperationTimeout)
	setDuration(&s.BootstrapTimeout, d.BootstrapTimeout)
	setDuration(&s.ConfigNodeTimeout, d.ConfigNodeTimeout)
	setDuration(&s.ConfigPollInterval, d.ConfigPollInterval)
	setDuration(&s.GraceNextProvider, d.GraceNextProvider)
	setDuration(&s.GraceNextCycle, d.GraceNextCycle)
	setDuration(&s.RefreshThrottleDelay, d.RefreshThrottleDelay)
	setDuration(&s.RetryInterval, d.RetryInterval)
	setDuration(&s.RetryMaxInterval, d.RetryMaxInterval)
	setDuration(&s.DurabilityInterval, d.DurabilityInterval)
	setDuration(&s.DurabilityTimeout, d.DurabilityTimeout)

	if s.RefreshErrorThreshold == 0 {
		s.RefreshErrorThreshold = d.RefreshErrorThreshold
	}
	if s.RetryBackoff == 0 {
		s.RetryBackoff = d.RetryBackoff
	}
	if s.RetryPolicies == ([numRetryModes]RetryPolicy{}) {
		s.RetryPolicies = d.RetryPolicies
	}
	if s.CompressionMinSize == 0 {
		s.CompressionMinSize = d.CompressionMinSize
	}
	if s.CompressionMinRatio == 0 {
		s.CompressionMinRatio = d.CompressionMinRatio
	}
	if s.Network == "" {
		s.Network = d.Network
	}
	if s.PoolSize <= 0 {
		s.PoolSize = d.PoolSize
	}
	if s.Pool == nil {
		s.Pool = NewChannelPool
	}
	if s.Dialer == nil {
		s.Dialer = &net.Dialer{}
	}
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	return s
}

// option keys shared by connection strings and LoadSettings.
var optionSetters = map[string]func(s *Settings, v string) error{
	"operation_timeout":     secondsSetter(func(s *Settings) *time.Duration { return &s.OperationTimeout }),
	"config_total_timeout":  secondsSetter(func(s *Settings) *time.Duration { return &s.BootstrapTimeout }),
	"config_node_timeout":   secondsSetter(func(s *Settings) *time.Duration { return &s.ConfigNodeTimeout }),
	"config_poll_interval":  secondsSetter(func(s *Settings) *time.Duration { return &s.ConfigPollInterval }),
	"config_delay_provider": secondsSetter(func(s *Settings) *time.Duration { return &s.GraceNextProvider }),
	"config_delay_cycle":    secondsSetter(func(s *Settings) *time.Duration { return &s.GraceNextCycle }),
	"config_delay_throttle": secondsSetter(func(s *Settings) *time.Duration { return &s.RefreshThrottleDelay }),
	"retry_interval":        secondsSetter(func(s *Settings) *time.Duration { return &s.RetryInterval }),
	"retry_max_interval":    secondsSetter(func(s *Settings) *time.Duration { return &s.RetryMaxInterval }),
	"durability_interval":   secondsSetter(func(s *Settings) *time.Duration { return &s.DurabilityInterval }),
	"durability_timeout":    secondsSetter(func(s *Settings) *time.Duration { return &s.DurabilityTimeout }),

	"config_error_threshold": func(s *Settings, v string) (err error) {
		s.RefreshErrorThreshold, err = strconv.Atoi(v)
		return err
	},
	"retry_backoff": func(s *Settings, v string) (err error) {
		s.RetryBackoff, err = strconv.ParseFloat(v, 64)
		return err
	},
	"compression_min_size": func(s *Settings, v string) (err error) {
		s.CompressionMinSize, err = strconv.Atoi(v)
		return err
	},
	"compression_min_ratio": func(s *Settings, v string) (err error) {
		s.CompressionMinRatio, err = strconv.ParseFloat(v, 64)
		return err
	},
	"pool_size": func(s *Settings, v string) error {
		n, err := strconv.ParseInt(v, 10, 32)
		s.PoolSize = int32(n)
		return err
	},

	"retry_nmv_immediate":       boolSetter(func(s *Settings) *bool { return &s.NMVRetryImmediate }),
	"vb_noguess":                boolSetter(func(s *Settings) *bool { return &s.VBNoGuess }),
	"vb_noremap":                boolSetter(func(s *Settings) *bool { return &s.VBNoRemap }),
	"enable_errmap":             boolSetter(func(s *Settings) *bool { return &s.UseErrorMap }),
	"compression":               boolSetter(func(s *Settings) *bool { return &s.UseCompression }),
	"enable_mutation_tokens":    boolSetter(func(s *Settings) *bool { return &s.UseMutationTokens }),
	"enable_collections":        boolSetter(func(s *Settings) *bool { return &s.UseCollections }),
	"enable_durable_write":      boolSetter(func(s *Settings) *bool { return &s.EnableDurableWrite }),
	"detailed_errcodes":         boolSetter(func(s *Settings) *bool { return &s.DetailedNetErr }),
	"readj_ts_wait":             boolSetter(func(s *Settings) *bool { return &s.ReadjustTimeoutWait }),
	"randomize_bootstrap_nodes": boolSetter(func(s *Settings) *bool { return &s.RandomizeBootstrapNodes }),
	"config_cache_ro":           boolSetter(func(s *Settings) *bool { return &s.ConfigCacheReadOnly }),

	"config_cache": func(s *Settings, v string) error {
		s.ConfigCacheFile = v
		return nil
	},
	"network": func(s *Settings, v string) error {
		s.Network = v
		return nil
	},
	"bootstrap_on": func(s *Settings, v string) error {
		switch strings.ToLower(v) {
		case "all":
			s.Providers = []clconfig.Method{clconfig.MethodCCCP, clconfig.MethodHTTP}
		case "cccp":
			s.Providers = []clconfig.Method{clconfig.MethodCCCP}
		case "http":
			s.Providers = []clconfig.Method{clconfig.MethodHTTP}
		case "file_only":
			s.Providers = []clconfig.Method{clconfig.MethodFile}
		default:
			return errors.Errorf("unknown bootstrap_on value %q", v)
		}
		return nil
	},
	"retry_policy_sockerr":     retryPolicySetter(RetryOnSocketError),
	"retry_policy_topochange":  retryPolicySetter(RetryOnTopologyChange),
	"retry_policy_vbmaperr":    retryPolicySetter(RetryOnVBMapError),
	"retry_policy_missingnode": retryPolicySetter(RetryOnMissingNode),
}

// secondsSetter parses values given in (fractional) seconds, or as a Go
// duration string.
func secondsSetter(field func(*Settings) *time.Duration) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*field(s) = time.Duration(f * float64(time.Second))
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*field(s) = d
		return nil
	}
}

func boolSetter(field func(*Settings) *bool) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		switch strings.ToLower(v) {
		case "on", "yes":
			*field(s) = true
			return nil
		case "off", "no":
			*field(s) = false
			return nil
		}
		b, err := strconv.ParseBool(v)
		*field(s) = b
		return err
	}
}

func retryPolicySetter(mode RetryMode) func(*Settings, string) error {
	return func(s *Settings, v string) error {
		p, err := parseRetryPolicy(v)
		s.RetryPolicies[mode] = p
		return err
	}
}

// SetOption applies a named option, as found in connection strings.
func (s *Settings) SetOption(key, value string) error {
	set, ok := optionSetters[key]
	if !ok {
		return errors.Wrapf(ErrInvalidArgument, "unknown option %q", key)
	}
	if err := set(s, value); err != nil {
		return errors.Wrapf(ErrInvalidArgument, "option %s=%q: %v", key, value, err)
	}
	return nil
}

// LoadSettings reads settings from v. Keys are the connection string
// option names plus bucket, username and password.
func LoadSettings(v *viper.Viper) (Settings, error) {
	s := DefaultSettings()
	s.Bucket = v.GetString("bucket")
	s.Username = v.GetString("username")
	s.Password = v.GetString("password")

	for key := range optionSetters {
		if !v.IsSet(key) {
			continue
		}
		if err := s.SetOption(key, v.GetString(key)); err != nil {
			return s, err
		}
	}
	return s, nil
}

// bootstrapSpec is the result of parsing a connection string.
type bootstrapSpec struct {
	memdHosts []string
	httpHosts []string
	ssl       bool
}

// parseConnectionString resolves connstr into bootstrap host lists and
// applies its bucket and options to s.
func parseConnectionString(connstr string, s *Settings) (bootstrapSpec, error) {
	var out bootstrapSpec

	spec, err := gocbconnstr.Parse(connstr)
	if err != nil {
		return out, errors.Wrapf(ErrInvalidArgument, "connection string: %v", err)
	}
	resolved, err := gocbconnstr.Resolve(spec)
	if err != nil {
		return out, errors.Wrapf(ErrInvalidArgument, "connection string: %v", err)
	}

	out.ssl = resolved.UseSsl
	for _, a := range resolved.MemdHosts {
		out.memdHosts = append(out.memdHosts, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
	}
	for _, a := range resolved.HttpHosts {
		out.httpHosts = append(out.httpHosts, net.JoinHostPort(a.Host, strconv.Itoa(a.Port)))
	}
	if resolved.Bucket != "" {
		s.Bucket = resolved.Bucket
	}

	for key, values := range resolved.Options {
		for _, v := range values {
			switch key {
			case "username":
				s.Username = v
			case "password":
				s.Password = v
			default:
				if err := s.SetOption(key, v); err != nil {
					return out, err
				}
			}
		}
	}
	return out, nil
}

func (s *Settings) retryPolicy(mode RetryMode) RetryPolicy {
	if mode < 0 || mode >= numRetryModes {
		return RetryNone
	}
	return s.RetryPolicies[mode]
}

func (s *Settings) String() string {
	return fmt.Sprintf("bucket=%q timeout=%s bootstrap=%s", s.Bucket, s.OperationTimeout, s.BootstrapTimeout)
}
