package couchkv

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

var ErrPoolClosed = errors.New("couchkv: pool closed")

// Resource is a pooled session. Exactly one of Release, ReleaseUnused or
// Destroy must be called once the holder is done with it.
type Resource interface {
	Value() *Session
	Release()
	ReleaseUnused()
	Destroy()
	CreationTime() time.Time
	IdleDuration() time.Duration
}

// Pool holds the negotiated sessions to one host.
type Pool interface {
	Acquire(ctx context.Context) (Resource, error)
	AcquireAllIdle() []Resource
	Close()
	Stats() PoolStats
}

// PoolFactory creates a pool of at most maxSize sessions built by
// constructor.
type PoolFactory func(constructor func(ctx context.Context) (*Session, error), maxSize int32) (Pool, error)
