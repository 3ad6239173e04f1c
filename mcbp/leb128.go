package mcbp

// AppendULEB128 appends v in unsigned LEB128 form, as used for collection
// id key prefixes.
func AppendULEB128(dst []byte, v uint32) []byte {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		dst = append(dst, b)
		if v == 0 {
			return dst
		}
	}
}

// DecodeULEB128 reads a LEB128 value and returns it with the bytes consumed.
func DecodeULEB128(buf []byte) (uint32, int, error) {
	var v uint32
	var shift uint
	for i, b := range buf {
		if i >= 5 {
			break
		}
		v |= uint32(b&0x7f) << shift
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, &ProtocolError{Message: "invalid leb128 value"}
}

// CollectionKey prefixes key with the encoded collection id.
func CollectionKey(cid uint32, key []byte) []byte {
	out := AppendULEB128(make([]byte, 0, len(key)+5), cid)
	return append(out, key...)
}

// SplitCollectionKey separates a collection-prefixed key.
func SplitCollectionKey(key []byte) (uint32, []byte, error) {
	cid, n, err := DecodeULEB128(key)
	if err != nil {
		return 0, nil, err
	}
	return cid, key[n:], nil
}
