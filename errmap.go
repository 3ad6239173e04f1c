package couchkv

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"github.com/pior/couchkv/mcbp"
)

// errorMapVersion is the highest error map format requested from servers.
const errorMapVersion = 2

// ErrorAttribute is one attribute a server attaches to a status code.
type ErrorAttribute string

const (
	AttrSuccess              ErrorAttribute = "success"
	AttrItemOnly             ErrorAttribute = "item-only"
	AttrInvalidInput         ErrorAttribute = "invalid-input"
	AttrFetchConfig          ErrorAttribute = "fetch-config"
	AttrConnStateInvalidated ErrorAttribute = "conn-state-invalidated"
	AttrAuth                 ErrorAttribute = "auth"
	AttrSpecialHandling      ErrorAttribute = "special-handling"
	AttrSupport              ErrorAttribute = "support"
	AttrTemporary            ErrorAttribute = "temp"
	AttrInternal             ErrorAttribute = "internal"
	AttrRetryNow             ErrorAttribute = "retry-now"
	AttrRetryLater           ErrorAttribute = "retry-later"
	AttrSubdoc               ErrorAttribute = "subdoc"
	AttrDCP                  ErrorAttribute = "dcp"
	AttrAutoRetry            ErrorAttribute = "auto-retry"
	AttrItemLocked           ErrorAttribute = "item-locked"
	AttrItemDeleted          ErrorAttribute = "item-deleted"
	AttrConstraintFailure    ErrorAttribute = "constraint-failure"
)

// RetryStrategy is the shape of the delays of a RetrySpec.
type RetryStrategy string

const (
	RetryConstant    RetryStrategy = "constant"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
)

// RetrySpec is the retry advice of an error map entry. Durations are given
// in milliseconds on the wire.
type RetrySpec struct {
	Strategy    RetryStrategy
	Interval    time.Duration
	After       time.Duration
	Ceil        time.Duration
	MaxDuration time.Duration
}

// ErrorMapEntry describes one status code.
type ErrorMapEntry struct {
	Name        string
	Description string
	Attributes  []ErrorAttribute
	Retry       *RetrySpec
}

func (e *ErrorMapEntry) Has(attr ErrorAttribute) bool {
	for _, a := range e.Attributes {
		if a == attr {
			return true
		}
	}
	return false
}

// ErrorMap is the server-provided table of status code attributes.
type ErrorMap struct {
	Version  int
	Revision int
	entries  map[mcbp.Status]*ErrorMapEntry
}

// Lookup returns the entry for status, if the map has one.
func (m *ErrorMap) Lookup(status mcbp.Status) (*ErrorMapEntry, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.entries[status]
	return e, ok
}

type errorMapJSON struct {
	Version  int                       `json:"version"`
	Revision int                       `json:"revision"`
	Errors   map[string]errorEntryJSON `json:"errors"`
}

type errorEntryJSON struct {
	Name  string         `json:"name"`
	Desc  string         `json:"desc"`
	Attrs []string       `json:"attrs"`
	Retry *retrySpecJSON `json:"retry,omitempty"`
}

type retrySpecJSON struct {
	Strategy    string `json:"strategy"`
	Interval    int    `json:"interval"`
	After       int    `json:"after"`
	Ceil        int    `json:"ceil"`
	MaxDuration int    `json:"max-duration"`
}

// ParseErrorMap decodes the JSON returned by GET_ERROR_MAP. Status codes
// are hexadecimal keys.
func ParseErrorMap(data []byte) (*ErrorMap, error) {
	var raw errorMapJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "error map")
	}
	if raw.Version == 0 {
		return nil, errors.New("error map: missing version")
	}

	m := &ErrorMap{
		Version:  raw.Version,
		Revision: raw.Revision,
		entries:  make(map[mcbp.Status]*ErrorMapEntry, len(raw.Errors)),
	}
	for code, e := range raw.Errors {
		n, err := strconv.ParseUint(code, 16, 16)
		if err != nil {
			return nil, errors.Wrapf(err, "error map: status %q", code)
		}
		entry := &ErrorMapEntry{Name: e.Name, Description: e.Desc}
		for _, a := range e.Attrs {
			entry.Attributes = append(entry.Attributes, ErrorAttribute(a))
		}
		if e.Retry != nil {
			entry.Retry = &RetrySpec{
				Strategy:    RetryStrategy(e.Retry.Strategy),
				Interval:    time.Duration(e.Retry.Interval) * time.Millisecond,
				After:       time.Duration(e.Retry.After) * time.Millisecond,
				Ceil:        time.Duration(e.Retry.Ceil) * time.Millisecond,
				MaxDuration: time.Duration(e.Retry.MaxDuration) * time.Millisecond,
			}
		}
		m.entries[mcbp.Status(n)] = entry
	}
	return m, nil
}

// BackOff returns the retry pacing described by the spec: the first retry
// after After, then Interval shaped by the strategy and capped by Ceil,
// giving up once MaxDuration of delays have been handed out.
func (s *RetrySpec) BackOff() backoff.BackOff {
	var next backoff.BackOff
	switch s.Strategy {
	case RetryExponential:
		exp := &backoff.ExponentialBackOff{
			InitialInterval:     s.Interval,
			RandomizationFactor: 0,
			Multiplier:          2,
			MaxInterval:         s.ceil(),
			MaxElapsedTime:      0,
			Stop:                backoff.Stop,
			Clock:               backoff.SystemClock,
		}
		exp.Reset()
		next = exp
	case RetryLinear:
		next = &linearBackOff{interval: s.Interval, ceil: s.ceil()}
	default:
		next = backoff.NewConstantBackOff(s.Interval)
	}
	return &specBackOff{after: s.After, maxDuration: s.MaxDuration, next: next}
}

func (s *RetrySpec) ceil() time.Duration {
	if s.Ceil > 0 {
		return s.Ceil
	}
	return time.Duration(math.MaxInt64)
}

// linearBackOff grows the delay by interval on every attempt.
type linearBackOff struct {
	interval time.Duration
	ceil     time.Duration
	attempt  int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return min(b.interval*time.Duration(b.attempt), b.ceil)
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// specBackOff adds the initial delay and the total budget of a RetrySpec
// around another policy. The budget counts delays, not wall time.
type specBackOff struct {
	after       time.Duration
	maxDuration time.Duration
	next        backoff.BackOff
	started     bool
	spent       time.Duration
}

func (b *specBackOff) NextBackOff() time.Duration {
	var d time.Duration
	if !b.started && b.after > 0 {
		d = b.after
	} else {
		d = b.next.NextBackOff()
	}
	b.started = true
	if d == backoff.Stop {
		return backoff.Stop
	}
	b.spent += d
	if b.maxDuration > 0 && b.spent > b.maxDuration {
		return backoff.Stop
	}
	return d
}

func (b *specBackOff) Reset() {
	b.started = false
	b.spent = 0
	b.next.Reset()
}
