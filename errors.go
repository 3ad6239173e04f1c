package couchkv

import (
	"fmt"

	"github.com/pior/couchkv/kverr"
	"github.com/pior/couchkv/mcbp"
)

// Errors returned by operations. Match them with errors.Is.
var (
	ErrTimeout                    = kverr.ErrTimeout
	ErrMapChanged                 = kverr.ErrMapChanged
	ErrNotMyVBucket               = kverr.ErrNotMyVBucket
	ErrNoMatchingServer           = kverr.ErrNoMatchingServer
	ErrNoConfiguration            = kverr.ErrNoConfiguration
	ErrAuthentication             = kverr.ErrAuthentication
	ErrBucketNotFound             = kverr.ErrBucketNotFound
	ErrTemporaryFailure           = kverr.ErrTemporaryFailure
	ErrDocumentNotFound           = kverr.ErrDocumentNotFound
	ErrDocumentExists             = kverr.ErrDocumentExists
	ErrDocumentLocked             = kverr.ErrDocumentLocked
	ErrValueTooLarge              = kverr.ErrValueTooLarge
	ErrNotStored                  = kverr.ErrNotStored
	ErrCollectionNotFound         = kverr.ErrCollectionNotFound
	ErrScopeNotFound              = kverr.ErrScopeNotFound
	ErrNetwork                    = kverr.ErrNetwork
	ErrConnect                    = kverr.ErrConnect
	ErrSocketShutdown             = kverr.ErrSocketShutdown
	ErrProtocol                   = kverr.ErrProtocol
	ErrUnsupportedOperation       = kverr.ErrUnsupportedOperation
	ErrDurabilityTooMany          = kverr.ErrDurabilityTooMany
	ErrDurabilityNoMutationTokens = kverr.ErrDurabilityNoMutationTokens
	ErrDurabilityImpossible       = kverr.ErrDurabilityImpossible
	ErrDurabilityAmbiguous        = kverr.ErrDurabilityAmbiguous
	ErrSyncWriteInProgress        = kverr.ErrSyncWriteInProgress
	ErrMutationLost               = kverr.ErrMutationLost
	ErrInvalidArgument            = kverr.ErrInvalidArgument
	ErrRequestCanceled            = kverr.ErrRequestCanceled
	ErrShutdown                   = kverr.ErrShutdown
	ErrSubdoc                     = kverr.ErrSubdoc
	ErrConstraintFailure          = kverr.ErrConstraintFailure
	ErrRangeError                 = kverr.ErrRangeError
	ErrInternal                   = kverr.ErrInternal
	ErrGeneric                    = kverr.ErrGeneric
)

// KVError describes a failed operation together with the server status.
type KVError = kverr.KVError

// IsAuthError reports errors no other node can fix, such as bad
// credentials or a missing bucket.
func IsAuthError(err error) bool {
	return kverr.IsAuthError(err)
}

// IsNetworkError reports socket and connect failures.
func IsNetworkError(err error) bool {
	return kverr.IsNetworkError(err)
}

// IsTopologyError reports errors raised by a cluster map change.
func IsTopologyError(err error) bool {
	return kverr.IsTopologyError(err)
}

// statusError builds the error reported for a non-success response.
func statusError(status mcbp.Status, opcode mcbp.Opcode, key []byte) error {
	err := kverr.FromStatus(status)
	if err == nil {
		return nil
	}
	return &KVError{Err: err, Status: status, Opcode: opcode, Key: string(key)}
}

// timeoutError is reported when a retried operation runs out of time. It
// matches both ErrTimeout and the error that caused the first retry.
type timeoutError struct {
	cause error
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("%v (last error: %v)", ErrTimeout, e.cause)
}

func (e *timeoutError) Unwrap() []error {
	return []error{ErrTimeout, e.cause}
}

func retryTimeout(cause error) error {
	if cause == nil {
		return ErrTimeout
	}
	return &timeoutError{cause: cause}
}
