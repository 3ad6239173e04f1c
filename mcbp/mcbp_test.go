package mcbp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func responseFrame(t *testing.T, h Header, extras, key, value []byte) []byte {
	t.Helper()
	h.ExtLen = uint8(len(extras))
	h.KeyLen = uint16(len(key))
	h.BodyLen = uint32(int(h.FrameLen) + len(extras) + len(key) + len(value))
	buf := make([]byte, HeaderLen, h.TotalLen())
	h.Encode(buf)
	buf = append(buf, extras...)
	buf = append(buf, key...)
	return append(buf, value...)
}

func TestRequest_EncodeLayout(t *testing.T) {
	req := Request{
		Opcode:  CmdSet,
		VBucket: 42,
		Opaque:  0xdeadbeef,
		CAS:     7,
		Extras:  []byte{0, 0, 0, 1, 0, 0, 0, 0},
		Key:     []byte("foo"),
		Value:   []byte("bar"),
	}

	buf := req.Bytes()
	require.Len(t, buf, HeaderLen+8+3+3)

	assert.Equal(t, byte(MagicReq), buf[0])
	assert.Equal(t, byte(CmdSet), buf[1])
	assert.Equal(t, uint16(3), binary.BigEndian.Uint16(buf[2:]))
	assert.Equal(t, byte(8), buf[4])
	assert.Equal(t, uint16(42), binary.BigEndian.Uint16(buf[6:]))
	assert.Equal(t, uint32(14), binary.BigEndian.Uint32(buf[8:]))
	assert.Equal(t, uint32(0xdeadbeef), binary.BigEndian.Uint32(buf[12:]))
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(buf[16:]))
	assert.Equal(t, []byte("foobar"), buf[HeaderLen+8:])
}

func TestRequest_FlexibleFraming(t *testing.T) {
	req := Request{
		Opcode:        CmdSet,
		FramingExtras: AppendDurabilityFrame(nil, DurabilityMajority, 1500*time.Millisecond),
		Key:           []byte("k"),
		Value:         []byte("v"),
	}
	buf := req.Bytes()

	h, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, MagicReqFlex, h.Magic)
	assert.Equal(t, uint8(4), h.FrameLen)
	assert.Equal(t, uint16(1), h.KeyLen)
	assert.Equal(t, uint32(6), h.BodyLen)

	frames, err := ParseFrames(buf[HeaderLen : HeaderLen+4])
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, uint8(1), frames[0].ID)
	assert.Equal(t, byte(DurabilityMajority), frames[0].Payload[0])
	assert.Equal(t, uint16(1500), binary.BigEndian.Uint16(frames[0].Payload[1:]))
}

func TestDecodeHeader_Errors(t *testing.T) {
	_, err := DecodeHeader(make([]byte, 10))
	require.Error(t, err)

	bad := make([]byte, HeaderLen)
	bad[0] = 0x42
	_, err = DecodeHeader(bad)
	var perr *ProtocolError
	require.ErrorAs(t, err, &perr)

	h := Header{Magic: MagicRes, KeyLen: 10, BodyLen: 4}
	buf := make([]byte, HeaderLen)
	h.Encode(buf)
	_, err = DecodeHeader(buf)
	require.Error(t, err)
}

func TestDecodeResponse(t *testing.T) {
	frame := responseFrame(t, Header{
		Magic:   MagicRes,
		Opcode:  CmdGet,
		VBucket: uint16(StatusKeyNotFound),
		Opaque:  99,
		CAS:     1234,
	}, []byte{1, 2, 3, 4}, nil, []byte("Not found"))

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	assert.Equal(t, StatusKeyNotFound, resp.Status())
	assert.Equal(t, uint32(99), resp.Opaque)
	assert.Equal(t, uint64(1234), resp.CAS)
	assert.Equal(t, []byte{1, 2, 3, 4}, resp.Extras)
	assert.Empty(t, resp.Key)
	assert.Equal(t, []byte("Not found"), resp.Value)

	_, err = DecodeResponse(frame[:len(frame)-1])
	require.Error(t, err)
}

func TestResponse_DecodedValue(t *testing.T) {
	raw := bytes.Repeat([]byte("couchbase "), 50)
	frame := responseFrame(t, Header{
		Magic:    MagicRes,
		Opcode:   CmdGet,
		Datatype: DatatypeSnappy | DatatypeJSON,
	}, nil, nil, snappy.Encode(nil, raw))

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	require.True(t, resp.IsSnappy())

	v, err := resp.DecodedValue()
	require.NoError(t, err)
	assert.Equal(t, raw, v)

	resp.Value = []byte{0xff, 0xff, 0xff}
	_, err = resp.DecodedValue()
	require.Error(t, err)
}

func TestCompressValue(t *testing.T) {
	small := []byte("tiny")
	out, ok := CompressValue(small, 32, 0.83)
	assert.False(t, ok)
	assert.Equal(t, small, out)

	big := bytes.Repeat([]byte("a"), 1024)
	out, ok = CompressValue(big, 32, 0.83)
	require.True(t, ok)
	assert.Less(t, len(out), len(big))
}

func TestResponse_ServerDuration(t *testing.T) {
	h := Header{Magic: MagicResFlex, Opcode: CmdGet, FrameLen: 3}
	frame := responseFrame(t, h, nil, nil, nil)
	// frame extras follow the header; rebuild with the payload in place
	frame = append(frame[:HeaderLen], 0x02, 0x00, 0x64)

	resp, err := DecodeResponse(frame)
	require.NoError(t, err)
	d, ok := resp.ServerDuration()
	require.True(t, ok)
	assert.Greater(t, d, time.Duration(0))
}

func TestULEB128(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 0xffffffff} {
		enc := AppendULEB128(nil, v)
		got, n, err := DecodeULEB128(enc)
		require.NoError(t, err)
		assert.Equal(t, v, got)
		assert.Equal(t, len(enc), n)
	}

	assert.Equal(t, []byte{0x08, 'k'}, CollectionKey(8, []byte("k")))
	cid, key, err := SplitCollectionKey([]byte{0x88, 0x01, 'a', 'b'})
	require.NoError(t, err)
	assert.Equal(t, uint32(0x88), cid)
	assert.Equal(t, []byte("ab"), key)

	_, _, err = DecodeULEB128([]byte{0x80, 0x80})
	require.Error(t, err)
}

func TestObserveBodies(t *testing.T) {
	body := EncodeObserve([]ObserveKey{{VBucket: 3, Key: []byte("ab")}, {VBucket: 9, Key: []byte("c")}})
	assert.Equal(t, []byte{0, 3, 0, 2, 'a', 'b', 0, 9, 0, 1, 'c'}, body)

	var resp []byte
	resp = binary.BigEndian.AppendUint16(resp, 3)
	resp = binary.BigEndian.AppendUint16(resp, 2)
	resp = append(resp, 'a', 'b', ObservePersisted)
	resp = binary.BigEndian.AppendUint64(resp, 77)

	results, err := DecodeObserve(resp)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, uint16(3), results[0].VBucket)
	assert.Equal(t, []byte("ab"), results[0].Key)
	assert.Equal(t, ObservePersisted, results[0].KeyState)
	assert.Equal(t, uint64(77), results[0].CAS)

	_, err = DecodeObserve(resp[:len(resp)-1])
	require.Error(t, err)
}

func TestDecodeObserveSeqno(t *testing.T) {
	body := []byte{0}
	body = binary.BigEndian.AppendUint16(body, 12)
	body = binary.BigEndian.AppendUint64(body, 0xaaaa)
	body = binary.BigEndian.AppendUint64(body, 10)
	body = binary.BigEndian.AppendUint64(body, 20)

	r, err := DecodeObserveSeqno(body)
	require.NoError(t, err)
	assert.False(t, r.Failover)
	assert.Equal(t, uint16(12), r.VBucket)
	assert.Equal(t, uint64(0xaaaa), r.UUID)
	assert.Equal(t, uint64(10), r.PersistedSeqno)
	assert.Equal(t, uint64(20), r.CurrentSeqno)

	body[0] = 1
	body = binary.BigEndian.AppendUint64(body, 0xbbbb)
	body = binary.BigEndian.AppendUint64(body, 15)
	r, err = DecodeObserveSeqno(body)
	require.NoError(t, err)
	assert.True(t, r.Failover)
	assert.Equal(t, uint64(0xbbbb), r.OldUUID)
	assert.Equal(t, uint64(15), r.LastSeqno)
}

func TestHello(t *testing.T) {
	enc := EncodeHello([]Feature{FeatureJSON, FeatureSnappy})
	got, err := DecodeHello(enc)
	require.NoError(t, err)
	assert.Equal(t, []Feature{FeatureJSON, FeatureSnappy}, got)

	_, err = DecodeHello([]byte{1})
	require.Error(t, err)
}

func TestReadResponse(t *testing.T) {
	frame := responseFrame(t, Header{Magic: MagicRes, Opcode: CmdNoop, Opaque: 5}, nil, nil, []byte("x"))
	resp, err := ReadResponse(bytes.NewReader(frame))
	require.NoError(t, err)
	assert.Equal(t, uint32(5), resp.Opaque)

	_, err = ReadResponse(bytes.NewReader(frame[:HeaderLen]))
	var cerr *ConnectionError
	require.ErrorAs(t, err, &cerr)
	assert.ErrorIs(t, err, io.EOF)
}

func TestShouldCloseConnection(t *testing.T) {
	assert.False(t, ShouldCloseConnection(nil))
	assert.True(t, ShouldCloseConnection(&ProtocolError{Message: "x"}))
	assert.True(t, ShouldCloseConnection(&ConnectionError{Op: "read", Err: io.EOF}))
	assert.False(t, ShouldCloseConnection(&StatusError{Opcode: CmdHello, Status: StatusAccessError}))
	assert.True(t, ShouldCloseConnection(errors.New("unknown")))
}

func TestStatusName(t *testing.T) {
	assert.NotEmpty(t, StatusName(StatusNotMyVBucket))
	assert.Equal(t, "status(0xee)", StatusName(Status(0xee)))
	assert.True(t, IsSubdocStatus(StatusSubdocPathNotFound))
	assert.False(t, IsSubdocStatus(StatusKeyExists))
}

func TestReadRequest(t *testing.T) {
	req := Request{
		Opcode:        CmdSet,
		VBucket:       12,
		Opaque:        9,
		CAS:           77,
		FramingExtras: AppendDurabilityFrame(nil, DurabilityMajority, 0),
		Extras:        []byte{0, 0, 0, 1, 0, 0, 0, 0},
		Key:           []byte("k"),
		Value:         []byte("v"),
	}
	got, err := ReadRequest(bytes.NewReader(req.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, req.Opcode, got.Opcode)
	assert.Equal(t, req.VBucket, got.VBucket)
	assert.Equal(t, req.Opaque, got.Opaque)
	assert.Equal(t, req.CAS, got.CAS)
	assert.Equal(t, req.FramingExtras, got.FramingExtras)
	assert.Equal(t, req.Extras, got.Extras)
	assert.Equal(t, req.Key, got.Key)
	assert.Equal(t, req.Value, got.Value)

	resp := Response{Header: Header{Magic: MagicRes, Opcode: CmdNoop}}
	_, err = ReadRequest(bytes.NewReader(resp.Bytes()))
	var perr *ProtocolError
	assert.ErrorAs(t, err, &perr)
}

func TestResponse_Bytes(t *testing.T) {
	resp := Response{
		Header: Header{Opcode: CmdGet, VBucket: uint16(StatusKeyNotFound), Opaque: 3, CAS: 4},
		Extras: []byte{0, 0, 0, 2},
		Value:  []byte("not found"),
	}
	got, err := ReadResponse(bytes.NewReader(resp.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, MagicRes, got.Magic)
	assert.Equal(t, StatusKeyNotFound, got.Status())
	assert.Equal(t, uint32(3), got.Opaque)
	assert.Equal(t, uint64(4), got.CAS)
	assert.Equal(t, resp.Extras, got.Extras)
	assert.Equal(t, resp.Value, got.Value)
}
