package netbuf

// ReadBuffer accumulates received chunks without copying them. Reads that
// fall inside a single chunk return a subslice of it; reads spanning chunks
// are assembled into a fresh slice.
type ReadBuffer struct {
	chunks [][]byte
	size   int
}

// Append takes ownership of chunk.
func (r *ReadBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.chunks = append(r.chunks, chunk)
	r.size += len(chunk)
}

func (r *ReadBuffer) Len() int {
	return r.size
}

// Peek returns the first n bytes without consuming them.
func (r *ReadBuffer) Peek(n int) ([]byte, bool) {
	if n > r.size {
		return nil, false
	}
	if n == 0 {
		return []byte{}, true
	}
	if len(r.chunks[0]) >= n {
		return r.chunks[0][:n], true
	}

	out := make([]byte, 0, n)
	for _, c := range r.chunks {
		need := n - len(out)
		if len(c) >= need {
			out = append(out, c[:need]...)
			break
		}
		out = append(out, c...)
	}
	return out, true
}

// Consume discards the first n bytes.
func (r *ReadBuffer) Consume(n int) {
	if n > r.size {
		n = r.size
	}
	r.size -= n
	for n > 0 {
		c := r.chunks[0]
		if len(c) > n {
			r.chunks[0] = c[n:]
			return
		}
		n -= len(c)
		r.chunks[0] = nil
		r.chunks = r.chunks[1:]
	}
	if len(r.chunks) == 0 {
		r.chunks = nil
	}
}

// Take returns and consumes the first n bytes.
func (r *ReadBuffer) Take(n int) ([]byte, bool) {
	b, ok := r.Peek(n)
	if !ok {
		return nil, false
	}
	r.Consume(n)
	return b, true
}

func (r *ReadBuffer) Reset() {
	r.chunks = nil
	r.size = 0
}
