package mcbp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// ObserveKey is one entry of an OBSERVE request.
type ObserveKey struct {
	VBucket uint16
	Key     []byte
}

// EncodeObserve builds the OBSERVE request body.
func EncodeObserve(keys []ObserveKey) []byte {
	size := 0
	for _, k := range keys {
		size += 4 + len(k.Key)
	}
	buf := make([]byte, 0, size)
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint16(buf, k.VBucket)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(k.Key)))
		buf = append(buf, k.Key...)
	}
	return buf
}

// ObserveResult is one entry of an OBSERVE response.
type ObserveResult struct {
	VBucket  uint16
	Key      []byte
	KeyState uint8
	CAS      uint64
}

// DecodeObserve parses the OBSERVE response body.
func DecodeObserve(body []byte) ([]ObserveResult, error) {
	var out []ObserveResult
	for len(body) > 0 {
		if len(body) < 4 {
			return nil, &ProtocolError{Message: "truncated observe entry"}
		}
		vb := binary.BigEndian.Uint16(body)
		nkey := int(binary.BigEndian.Uint16(body[2:]))
		body = body[4:]
		if len(body) < nkey+9 {
			return nil, &ProtocolError{Message: "truncated observe entry"}
		}
		out = append(out, ObserveResult{
			VBucket:  vb,
			Key:      body[:nkey],
			KeyState: body[nkey],
			CAS:      binary.BigEndian.Uint64(body[nkey+1:]),
		})
		body = body[nkey+9:]
	}
	return out, nil
}

// EncodeObserveSeqno builds the OBSERVE_SEQNO request body.
func EncodeObserveSeqno(vbUUID uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, vbUUID)
}

// ObserveSeqnoResult is the decoded OBSERVE_SEQNO response. When the
// vbucket failed over since the token was issued, Failover is set and
// OldUUID/LastSeqno describe the previous history branch.
type ObserveSeqnoResult struct {
	VBucket        uint16
	UUID           uint64
	PersistedSeqno uint64
	CurrentSeqno   uint64
	Failover       bool
	OldUUID        uint64
	LastSeqno      uint64
}

// DecodeObserveSeqno parses the OBSERVE_SEQNO response body.
func DecodeObserveSeqno(body []byte) (ObserveSeqnoResult, error) {
	var r ObserveSeqnoResult
	if len(body) < 27 {
		return r, &ProtocolError{Message: fmt.Sprintf("observe_seqno body too short: %d", len(body))}
	}
	format := body[0]
	r.VBucket = binary.BigEndian.Uint16(body[1:])
	r.UUID = binary.BigEndian.Uint64(body[3:])
	r.PersistedSeqno = binary.BigEndian.Uint64(body[11:])
	r.CurrentSeqno = binary.BigEndian.Uint64(body[19:])
	if format == 1 {
		if len(body) < 43 {
			return r, &ProtocolError{Message: "observe_seqno failover body too short"}
		}
		r.Failover = true
		r.OldUUID = binary.BigEndian.Uint64(body[27:])
		r.LastSeqno = binary.BigEndian.Uint64(body[35:])
	}
	return r, nil
}

// EncodeHello builds the HELLO value listing the requested features.
func EncodeHello(features []Feature) []byte {
	buf := make([]byte, 0, 2*len(features))
	for _, f := range features {
		buf = binary.BigEndian.AppendUint16(buf, uint16(f))
	}
	return buf
}

// DecodeHello parses the features granted in a HELLO response.
func DecodeHello(value []byte) ([]Feature, error) {
	if len(value)%2 != 0 {
		return nil, &ProtocolError{Message: "odd hello response length"}
	}
	out := make([]Feature, 0, len(value)/2)
	for i := 0; i < len(value); i += 2 {
		out = append(out, Feature(binary.BigEndian.Uint16(value[i:])))
	}
	return out, nil
}

// EncodeSASLPlain builds the PLAIN mechanism payload.
func EncodeSASLPlain(username, password string) []byte {
	var b bytes.Buffer
	b.WriteByte(0)
	b.WriteString(username)
	b.WriteByte(0)
	b.WriteString(password)
	return b.Bytes()
}

// EncodeErrorMapVersion builds the GET_ERROR_MAP request value.
func EncodeErrorMapVersion(version uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, version)
}

// DecodeCollectionID parses the extras of a COLLECTIONS_GET_CID response.
func DecodeCollectionID(extras []byte) (manifestUID uint64, cid uint32, err error) {
	if len(extras) < 12 {
		return 0, 0, &ProtocolError{Message: "collection id extras too short"}
	}
	return binary.BigEndian.Uint64(extras), binary.BigEndian.Uint32(extras[8:]), nil
}

// DecodeMutationToken parses the extras returned by mutations when mutation
// tokens are enabled.
func DecodeMutationToken(extras []byte) (vbUUID, seqno uint64, ok bool) {
	if len(extras) < 16 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(extras), binary.BigEndian.Uint64(extras[8:]), true
}
