package mcbp

import (
	"fmt"

	"github.com/couchbase/gomemcached"
)

// HeaderLen is the fixed size of every request and response header.
const HeaderLen = gomemcached.HDR_LEN

// Opcode and Status are the gomemcached wire types, so values can be
// exchanged with code built on that package.
type (
	Opcode = gomemcached.CommandCode
	Status = gomemcached.Status
)

// Magic is the first byte of a header and selects its layout.
type Magic uint8

const (
	MagicReq = Magic(gomemcached.REQ_MAGIC)
	MagicRes = Magic(gomemcached.RES_MAGIC)

	// Alternate magics carry flexible framing extras.
	MagicReqFlex = Magic(0x08)
	MagicResFlex = Magic(0x18)
)

// IsRequest reports whether m starts a request header.
func (m Magic) IsRequest() bool { return m == MagicReq || m == MagicReqFlex }

// IsResponse reports whether m starts a response header.
func (m Magic) IsResponse() bool { return m == MagicRes || m == MagicResFlex }

// IsFlex reports whether m uses the flexible framing layout.
func (m Magic) IsFlex() bool { return m == MagicReqFlex || m == MagicResFlex }

// Datatype flags the encoding of a value.
type Datatype uint8

const (
	DatatypeRaw    = Datatype(0x00)
	DatatypeJSON   = Datatype(0x01)
	DatatypeSnappy = Datatype(0x02)
	DatatypeXattr  = Datatype(0x04)
)

const (
	CmdGet              = gomemcached.GET
	CmdSet              = gomemcached.SET
	CmdAdd              = gomemcached.ADD
	CmdReplace          = gomemcached.REPLACE
	CmdDelete           = gomemcached.DELETE
	CmdIncrement        = gomemcached.INCREMENT
	CmdDecrement        = gomemcached.DECREMENT
	CmdNoop             = gomemcached.NOOP
	CmdStat             = gomemcached.STAT
	CmdTouch            = Opcode(0x1c)
	CmdGAT              = gomemcached.GAT
	CmdHello            = gomemcached.HELLO
	CmdSASLListMechs    = gomemcached.SASL_LIST_MECHS
	CmdSASLAuth         = gomemcached.SASL_AUTH
	CmdSASLStep         = Opcode(0x22)
	CmdGetReplica       = Opcode(0x83)
	CmdSelectBucket     = gomemcached.SELECT_BUCKET
	CmdObserveSeqno     = gomemcached.OBSERVE_SEQNO
	CmdObserve          = gomemcached.OBSERVE
	CmdGetLocked        = Opcode(0x94)
	CmdUnlockKey        = Opcode(0x95)
	CmdGetClusterConfig = Opcode(0xb5)
	CmdCollectionsGetID = Opcode(0xbb)
	CmdSubdocGet        = Opcode(0xc5)
	CmdSubdocExists     = Opcode(0xc6)
	CmdSubdocGetCount   = Opcode(0xd2)
	CmdSubdocMultiGet   = Opcode(0xd0)
	CmdSubdocMultiSet   = Opcode(0xd1)
	CmdGetErrorMap      = Opcode(0xfe)
)

const (
	StatusSuccess                = gomemcached.SUCCESS
	StatusKeyNotFound            = gomemcached.KEY_ENOENT
	StatusKeyExists              = gomemcached.KEY_EEXISTS
	StatusTooBig                 = gomemcached.E2BIG
	StatusInvalidArgs            = gomemcached.EINVAL
	StatusNotStored              = gomemcached.NOT_STORED
	StatusBadDelta               = gomemcached.DELTA_BADVAL
	StatusNotMyVBucket           = gomemcached.NOT_MY_VBUCKET
	StatusNoBucket               = gomemcached.NO_BUCKET
	StatusLocked                 = gomemcached.LOCKED
	StatusAuthStale              = Status(0x1f)
	StatusAuthError              = gomemcached.AUTH_ERROR
	StatusAuthContinue           = Status(0x21)
	StatusRangeError             = gomemcached.ERANGE
	StatusAccessError            = gomemcached.EACCESS
	StatusNotInitialized         = Status(0x25)
	StatusUnknownCommand         = gomemcached.UNKNOWN_COMMAND
	StatusOutOfMemory            = gomemcached.ENOMEM
	StatusNotSupported           = gomemcached.NOT_SUPPORTED
	StatusInternalError          = gomemcached.EINTERNAL
	StatusBusy                   = gomemcached.EBUSY
	StatusTmpFail                = gomemcached.TMPFAIL
	StatusCollectionUnknown      = gomemcached.UNKNOWN_COLLECTION
	StatusScopeUnknown           = Status(0x8c)
	StatusDurabilityInvalidLevel = Status(0xa0)
	StatusDurabilityImpossible   = Status(0xa1)
	StatusSyncWriteInProgress    = gomemcached.SYNC_WRITE_IN_PROGRESS
	StatusSyncWriteAmbiguous     = Status(0xa3)
	StatusSubdocPathNotFound     = Status(0xc0)
	StatusSubdocMultiPathFailure = Status(0xcc)
	StatusSubdocLast             = Status(0xd4)
)

// IsSubdocStatus reports whether s is in the sub-document status range.
func IsSubdocStatus(s Status) bool {
	return s >= StatusSubdocPathNotFound && s <= StatusSubdocLast
}

// StatusName returns a printable name for s.
func StatusName(s Status) string {
	if name, ok := gomemcached.StatusNames[s]; ok && name != "" {
		return name
	}
	return fmt.Sprintf("status(0x%02x)", uint16(s))
}

// Feature is a HELLO feature code.
type Feature uint16

const (
	FeatureDatatype        = Feature(0x01)
	FeatureTLS             = Feature(0x02)
	FeatureTCPNoDelay      = Feature(0x03)
	FeatureSeqNo           = Feature(0x04)
	FeatureXattr           = Feature(0x06)
	FeatureXerror          = Feature(0x07)
	FeatureSelectBucket    = Feature(0x08)
	FeatureSnappy          = Feature(0x0a)
	FeatureJSON            = Feature(0x0b)
	FeatureClusterMapNotif = Feature(0x0d)
	FeatureDurations       = Feature(0x0f)
	FeatureAltRequests     = Feature(0x10)
	FeatureSyncReplication = Feature(0x11)
	FeatureCollections     = Feature(0x12)
)

// DurabilityLevel is the synchronous durability requirement of a mutation.
type DurabilityLevel uint8

const (
	DurabilityNone                       = DurabilityLevel(0x00)
	DurabilityMajority                   = DurabilityLevel(0x01)
	DurabilityMajorityAndPersistOnMaster = DurabilityLevel(0x02)
	DurabilityPersistToMajority          = DurabilityLevel(0x03)
)

// Observe key states.
const (
	ObserveFoundNotPersisted = uint8(0x00)
	ObservePersisted         = uint8(0x01)
	ObserveNotFound          = uint8(0x80)
	ObserveLogicallyDeleted  = uint8(0x81)
)
