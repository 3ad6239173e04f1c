// Package kverr holds the error taxonomy shared by the routing packages.
// The root package re-exports every sentinel.
package kverr

import (
	"errors"
	"fmt"

	"github.com/pior/couchkv/mcbp"
)

var (
	ErrTimeout                    = errors.New("couchkv: operation timed out")
	ErrMapChanged                 = errors.New("couchkv: cluster map changed")
	ErrNotMyVBucket               = errors.New("couchkv: not my vbucket")
	ErrNoMatchingServer           = errors.New("couchkv: no matching server")
	ErrNoConfiguration            = errors.New("couchkv: no cluster configuration")
	ErrAuthentication             = errors.New("couchkv: authentication failure")
	ErrBucketNotFound             = errors.New("couchkv: bucket not found")
	ErrTemporaryFailure           = errors.New("couchkv: temporary failure")
	ErrDocumentNotFound           = errors.New("couchkv: document not found")
	ErrDocumentExists             = errors.New("couchkv: document exists")
	ErrDocumentLocked             = errors.New("couchkv: document locked")
	ErrValueTooLarge              = errors.New("couchkv: value too large")
	ErrNotStored                  = errors.New("couchkv: not stored")
	ErrCollectionNotFound         = errors.New("couchkv: collection not found")
	ErrScopeNotFound              = errors.New("couchkv: scope not found")
	ErrNetwork                    = errors.New("couchkv: network error")
	ErrConnect                    = errors.New("couchkv: connection failed")
	ErrSocketShutdown             = errors.New("couchkv: socket shutdown")
	ErrProtocol                   = errors.New("couchkv: protocol error")
	ErrUnsupportedOperation       = errors.New("couchkv: unsupported operation")
	ErrDurabilityTooMany          = errors.New("couchkv: durability requirements exceed replicas")
	ErrDurabilityNoMutationTokens = errors.New("couchkv: mutation tokens unavailable")
	ErrDurabilityImpossible       = errors.New("couchkv: durability impossible")
	ErrDurabilityAmbiguous        = errors.New("couchkv: durable write ambiguous")
	ErrSyncWriteInProgress        = errors.New("couchkv: sync write in progress")
	ErrMutationLost               = errors.New("couchkv: mutation lost")
	ErrInvalidArgument            = errors.New("couchkv: invalid argument")
	ErrRequestCanceled            = errors.New("couchkv: request canceled")
	ErrShutdown                   = errors.New("couchkv: instance shut down")
	ErrSubdoc                     = errors.New("couchkv: sub-document error")
	ErrConstraintFailure          = errors.New("couchkv: constraint failure")
	ErrRangeError                 = errors.New("couchkv: range error")
	ErrInternal                   = errors.New("couchkv: internal error")
	ErrGeneric                    = errors.New("couchkv: generic error")
)

// KVError is a failed operation together with what the server returned.
type KVError struct {
	Err     error
	Status  mcbp.Status
	Opcode  mcbp.Opcode
	Key     string
	Context string
}

func (e *KVError) Error() string {
	msg := fmt.Sprintf("%v (%s, opcode %v)", e.Err, mcbp.StatusName(e.Status), e.Opcode)
	if e.Key != "" {
		msg += fmt.Sprintf(" key=%q", e.Key)
	}
	if e.Context != "" {
		msg += ": " + e.Context
	}
	return msg
}

func (e *KVError) Unwrap() error {
	return e.Err
}

// FromStatus maps a response status to its sentinel. Success maps to nil.
func FromStatus(s mcbp.Status) error {
	switch s {
	case mcbp.StatusSuccess:
		return nil
	case mcbp.StatusKeyNotFound:
		return ErrDocumentNotFound
	case mcbp.StatusKeyExists:
		return ErrDocumentExists
	case mcbp.StatusTooBig:
		return ErrValueTooLarge
	case mcbp.StatusInvalidArgs:
		return ErrInvalidArgument
	case mcbp.StatusNotStored:
		return ErrNotStored
	case mcbp.StatusBadDelta:
		return ErrInvalidArgument
	case mcbp.StatusNotMyVBucket:
		return ErrNotMyVBucket
	case mcbp.StatusNoBucket:
		return ErrBucketNotFound
	case mcbp.StatusLocked:
		return ErrDocumentLocked
	case mcbp.StatusAuthStale, mcbp.StatusAuthError, mcbp.StatusAccessError:
		return ErrAuthentication
	case mcbp.StatusRangeError:
		return ErrRangeError
	case mcbp.StatusUnknownCommand, mcbp.StatusNotSupported:
		return ErrUnsupportedOperation
	case mcbp.StatusOutOfMemory, mcbp.StatusBusy, mcbp.StatusTmpFail, mcbp.StatusNotInitialized:
		return ErrTemporaryFailure
	case mcbp.StatusInternalError:
		return ErrInternal
	case mcbp.StatusCollectionUnknown:
		return ErrCollectionNotFound
	case mcbp.StatusScopeUnknown:
		return ErrScopeNotFound
	case mcbp.StatusDurabilityInvalidLevel:
		return ErrInvalidArgument
	case mcbp.StatusDurabilityImpossible:
		return ErrDurabilityImpossible
	case mcbp.StatusSyncWriteInProgress:
		return ErrSyncWriteInProgress
	case mcbp.StatusSyncWriteAmbiguous:
		return ErrDurabilityAmbiguous
	}
	if mcbp.IsSubdocStatus(s) {
		return ErrSubdoc
	}
	return ErrGeneric
}

// IsNetworkError reports errors caused by a socket or connect failure.
func IsNetworkError(err error) bool {
	return errors.Is(err, ErrNetwork) || errors.Is(err, ErrConnect) || errors.Is(err, ErrSocketShutdown)
}

// IsAuthError reports errors that no other node or provider can fix.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrAuthentication) || errors.Is(err, ErrBucketNotFound)
}

// IsTopologyError reports errors raised by a cluster map change.
func IsTopologyError(err error) bool {
	return errors.Is(err, ErrMapChanged) || errors.Is(err, ErrNotMyVBucket)
}

// IsGenericNetworkError reports network errors that carry no detail
// beyond the failure itself.
func IsGenericNetworkError(err error) bool {
	return err == ErrNetwork || err == ErrConnect
}
