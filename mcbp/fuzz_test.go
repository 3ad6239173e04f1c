package mcbp

import (
	"bytes"
	"testing"
)

func FuzzDecodeResponse(f *testing.F) {
	f.Add((&Response{Header: Header{Opcode: CmdGet, Opaque: 1}, Value: []byte("v")}).Bytes())
	f.Add((&Response{Header: Header{Opcode: CmdGet, VBucket: uint16(StatusNotMyVBucket)}, Extras: []byte{0, 0, 0, 1}, Key: []byte("k")}).Bytes())
	f.Add((&Response{FramingExtras: []byte{0x02, 0x00, 0x10}, Header: Header{Opcode: CmdSet}}).Bytes())
	f.Add([]byte{0x81})
	f.Add(bytes.Repeat([]byte{0xff}, HeaderLen))

	f.Fuzz(func(t *testing.T, frame []byte) {
		resp, err := DecodeResponse(frame)
		if err != nil {
			return
		}
		_ = resp.Status()

		again, err := DecodeResponse(resp.Bytes())
		if err != nil {
			t.Fatalf("re-encoded response does not decode: %v", err)
		}
		if again.Opaque != resp.Opaque || again.Status() != resp.Status() {
			t.Errorf("header changed: %+v != %+v", again.Header, resp.Header)
		}
		if !bytes.Equal(again.Key, resp.Key) || !bytes.Equal(again.Value, resp.Value) {
			t.Errorf("body changed")
		}
	})
}

func FuzzULEB128(f *testing.F) {
	f.Add(uint32(0))
	f.Add(uint32(0x7f))
	f.Add(uint32(0x80))
	f.Add(uint32(0xffffffff))

	f.Fuzz(func(t *testing.T, v uint32) {
		buf := AppendULEB128(nil, v)
		got, n, err := DecodeULEB128(append(buf, 'k'))
		if err != nil {
			t.Fatalf("decode %x: %v", buf, err)
		}
		if got != v || n != len(buf) {
			t.Errorf("got %d (%d bytes), want %d (%d bytes)", got, n, v, len(buf))
		}
	})
}
