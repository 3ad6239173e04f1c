package netbuf

// block is a ring-like region that holds at most two live segments:
// [start, wrap) and, once the cursor has wrapped around, [0, cursor).
// When not wrapped, cursor == wrap.
type block struct {
	root   []byte
	start  int
	wrap   int
	cursor int

	// out-of-order releases waiting for start to reach them
	deallocs []dealloc
}

type dealloc struct {
	offset int
	size   int
}

func (b *block) empty() bool {
	return b.start == b.cursor
}

func (b *block) wrapped() bool {
	return b.cursor != b.wrap
}

// reserveActive tries to carve size bytes out of the block.
func (b *block) reserveActive(size int) (int, bool) {
	if len(b.deallocs) > 0 {
		return 0, false
	}

	if b.cursor > b.start {
		if len(b.root)-b.cursor >= size {
			off := b.cursor
			b.cursor += size
			b.wrap = b.cursor
			return off, true
		}
		if b.start >= size {
			b.cursor = size
			return 0, true
		}
		return 0, false
	}

	if b.start-b.cursor >= size {
		off := b.cursor
		b.cursor += size
		return off, true
	}
	return 0, false
}

func (b *block) maybeUnwrap() {
	if !b.empty() && b.start == b.wrap {
		b.wrap = b.cursor
		b.start = 0
	}
}

// applyDeallocs moves start past every queued release it now touches.
func (b *block) applyDeallocs() {
	for progress := true; progress; {
		progress = false
		kept := b.deallocs[:0]
		for _, d := range b.deallocs {
			if d.offset == b.start {
				b.start += d.size
				b.maybeUnwrap()
				progress = true
				continue
			}
			kept = append(kept, d)
		}
		b.deallocs = kept
	}
}

// release returns false when the region could only be queued.
func (b *block) release(offset, size int) bool {
	switch {
	case offset == b.start:
		b.start += size
		b.maybeUnwrap()
		if len(b.deallocs) > 0 {
			b.applyDeallocs()
		}

	case offset+size == b.cursor:
		if !b.wrapped() {
			b.cursor -= size
			b.wrap -= size
		} else {
			b.cursor -= size
			if b.cursor == 0 {
				b.cursor = b.wrap
			}
		}

	default:
		b.deallocs = append(b.deallocs, dealloc{offset: offset, size: size})
		return false
	}
	return true
}

// pool is a list of blocks in use plus a bounded list of spare ones.
type pool struct {
	baseAlloc int
	maxBlocks int
	active    []*block
	avail     []*block
}

func (p *pool) reserve(size int) (*block, int) {
	if n := len(p.active); n > 0 {
		last := p.active[n-1]
		if off, ok := last.reserveActive(size); ok {
			return last, off
		}
	}
	return p.reserveEmpty(size), 0
}

func (p *pool) reserveEmpty(size int) *block {
	blk := p.findFree(size)
	if blk == nil {
		nalloc := p.baseAlloc
		for nalloc < size {
			nalloc *= 2
		}
		blk = &block{root: make([]byte, nalloc)}
	}

	blk.start = 0
	blk.wrap = size
	blk.cursor = size
	blk.deallocs = nil

	p.active = append(p.active, blk)
	return blk
}

func (p *pool) findFree(size int) *block {
	for i, blk := range p.avail {
		if len(blk.root) >= size {
			p.avail = append(p.avail[:i], p.avail[i+1:]...)
			return blk
		}
	}
	return nil
}

func (p *pool) release(blk *block, offset, size int) {
	if !blk.release(offset, size) || !blk.empty() {
		return
	}

	for i, b := range p.active {
		if b == blk {
			p.active = append(p.active[:i], p.active[i+1:]...)
			break
		}
	}

	if len(p.avail) < p.maxBlocks {
		p.avail = append(p.avail, blk)
	}
}

func (p *pool) clean() bool {
	for _, blk := range p.active {
		if !blk.empty() || len(blk.deallocs) > 0 {
			return false
		}
	}
	return true
}
