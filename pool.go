package tilestream

import "sync"

// tileBufferPool reuses tile-sized read buffers so that steady-state
// streaming does not allocate one 64 KiB slice per request.
// Each TileSource owns one pool because tile sizes differ between atlases.
type tileBufferPool struct {
	size int
	pool sync.Pool
}

func newTileBufferPool(size int) *tileBufferPool {
	p := &tileBufferPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, size)
		return &b
	}
	return p
}

// get returns a buffer of exactly p.size bytes. Its contents are undefined.
func (p *tileBufferPool) get() []byte {
	return *p.pool.Get().(*[]byte)
}

// put returns buf to the pool. Buffers of the wrong size are dropped so a
// caller handing back a foreign slice cannot poison later reads.
func (p *tileBufferPool) put(buf []byte) {
	if cap(buf) != p.size {
		return
	}
	buf = buf[:p.size]
	p.pool.Put(&buf)
}
