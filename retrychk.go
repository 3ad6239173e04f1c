package couchkv

import (
	"github.com/pkg/errors"

	"github.com/pior/couchkv/mcbp"
	"github.com/pior/couchkv/mcreq"
)

// isReadOnly reports opcodes that do not modify a document.
func isReadOnly(op mcbp.Opcode) bool {
	switch op {
	case mcbp.CmdGet,
		mcbp.CmdGetReplica,
		mcbp.CmdGetLocked,
		mcbp.CmdNoop,
		mcbp.CmdStat,
		mcbp.CmdObserve,
		mcbp.CmdObserveSeqno,
		mcbp.CmdGetClusterConfig,
		mcbp.CmdCollectionsGetID,
		mcbp.CmdSubdocGet,
		mcbp.CmdSubdocExists,
		mcbp.CmdSubdocGetCount,
		mcbp.CmdSubdocMultiGet:
		return true
	}
	return false
}

// retryAllowed applies the policy configured for mode to pkt.
func retryAllowed(s *Settings, mode RetryMode, pkt *mcreq.Packet) bool {
	switch s.retryPolicy(mode) {
	case RetryAll:
		return true
	case RetryGet:
		return isReadOnly(pkt.Opcode)
	case RetrySafe:
		return isReadOnly(pkt.Opcode) || pkt.CAS != 0
	}
	return false
}

// ShouldRetry decides whether pkt, failed with err, may be rescheduled
// instead of failed.
func ShouldRetry(s *Settings, pkt *mcreq.Packet, err error) bool {
	switch pkt.Opcode {
	case mcbp.CmdObserve, mcbp.CmdObserveSeqno, mcbp.CmdStat, mcbp.CmdGetClusterConfig:
		// Pollers and config fetches run their own retry logic.
		return false
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrMapChanged) {
		return false
	}

	var mode RetryMode
	switch {
	case errors.Is(err, ErrNotMyVBucket):
		mode = RetryOnVBMapError
	case IsNetworkError(err):
		mode = RetryOnSocketError
	case errors.Is(err, ErrNoMatchingServer):
		mode = RetryOnMissingNode
	default:
		return false
	}
	return retryAllowed(s, mode, pkt)
}
