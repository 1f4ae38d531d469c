// tilesource.go
//
// Asynchronous tile reads from a packed tile atlas.
// The source maps *tile coordinates* → *atlas byte ranges* through the offset
// table precomputed by TilingLayout and reads exactly one tile per request on
// its own goroutine, so callers on the render thread never block on disk I/O.
//
// The atlas is memory-mapped read-only for the lifetime of the source. Reads
// copy out of the mapping into pooled tile buffers, which keeps the mapping
// private to this file and lets Close unmap it once outstanding reads finish.

package tilestream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/exp/mmap"
)

// Future is the pending result of a single tile read.
//
// The result becomes visible when Done is closed. Data returned by Result or
// Wait is owned by the caller; hand it back with TileSource.Recycle once it is
// no longer needed.
type Future struct {
	coord TileCoordinate
	done  chan struct{}
	data  []byte
	err   error
}

func newFuture(c TileCoordinate) *Future {
	return &Future{coord: c, done: make(chan struct{})}
}

// Coordinate returns the tile this future reads.
func (f *Future) Coordinate() TileCoordinate { return f.coord }

// Done is closed once the read has finished, successfully or not.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the read outcome. It must only be called after Done is
// closed or from the continuation passed to RequestTileFunc.
func (f *Future) Result() ([]byte, error) { return f.data, f.err }

// Wait blocks until the read finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		return f.data, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete publishes the outcome, runs the continuation and then releases
// waiters, so anything the continuation publishes is visible to them.
func (f *Future) complete(data []byte, err error, then func(*Future)) {
	f.data, f.err = data, err
	if then != nil {
		then(f)
	}
	close(f.done)
}

// transformBox lets a TileTransform interface value live in an atomic.Pointer.
type transformBox struct{ t TileTransform }

// TileSource reads single tiles of one managed texture from its atlas file.
//
// Apart from the memory mapping and the immutable offset tables held by its
// TilingLayout, a TileSource is stateless. All methods are safe for
// concurrent use.
type TileSource struct {
	path   string
	layout *TilingLayout
	r      *mmap.ReaderAt
	bufs   *tileBufferPool

	transform atomic.Pointer[transformBox]

	// mu orders Close against reads that are about to start.
	mu     sync.RWMutex
	closed bool
	reads  sync.WaitGroup
}

// OpenTileSource memory-maps the atlas at path for random-access reads.
//
// Failure to open or map the file is reported as an *IOError. The file size is
// not checked against the layout: a truncated atlas surfaces as a
// *CorruptDataError on the first request that crosses the end of the file.
func OpenTileSource(path string, layout *TilingLayout) (*TileSource, error) {
	if layout == nil {
		return nil, ErrInvalidTiling
	}
	r, err := mmap.Open(path)
	if err != nil {
		return nil, &IOError{Op: "open", Path: path, Err: err}
	}
	return &TileSource{
		path:   path,
		layout: layout,
		r:      r,
		bufs:   newTileBufferPool(layout.TileSize()),
	}, nil
}

func (s *TileSource) Path() string          { return s.path }
func (s *TileSource) Layout() *TilingLayout { return s.layout }

// SetTransform installs a post-load transform applied to every subsequently
// read tile. A nil transform disables post-processing.
func (s *TileSource) SetTransform(t TileTransform) {
	if t == nil {
		s.transform.Store(nil)
		return
	}
	s.transform.Store(&transformBox{t: t})
}

// SetBorderMode toggles the BorderTransform debug overlay for tiles read from
// now on. It replaces any transform installed with SetTransform.
func (s *TileSource) SetBorderMode(on bool, width uint32) {
	if !on {
		s.SetTransform(nil)
		return
	}
	s.SetTransform(BorderTransform{Width: width})
}

// RequestTile starts reading c and returns immediately.
func (s *TileSource) RequestTile(c TileCoordinate) *Future {
	return s.RequestTileFunc(c, nil)
}

// RequestTileFunc starts reading c and returns immediately. When the read
// finishes, then is invoked with the completed future on the reader
// goroutine before the future's Done channel is closed. Requests that fail
// validation complete synchronously on the caller's goroutine.
//
// Every call issues its own read; concurrent requests are never batched.
func (s *TileSource) RequestTileFunc(c TileCoordinate, then func(*Future)) *Future {
	f := newFuture(c)
	off, err := s.layout.TileOffset(c)
	if err != nil {
		f.complete(nil, err, then)
		return f
	}

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		f.complete(nil, ErrSourceClosed, then)
		return f
	}
	s.reads.Add(1)
	s.mu.RUnlock()

	go func() {
		defer s.reads.Done()
		data, err := s.read(c, off)
		f.complete(data, err, then)
	}()
	return f
}

// ReadTile reads c and waits for the result. It is meant for initialization
// paths that must block, such as mapping the packed tail.
func (s *TileSource) ReadTile(ctx context.Context, c TileCoordinate) ([]byte, error) {
	return s.RequestTile(c).Wait(ctx)
}

func (s *TileSource) read(c TileCoordinate, off int64) ([]byte, error) {
	buf := s.bufs.get()
	var n int
	var err error
	if off < int64(s.r.Len()) {
		n, err = s.r.ReadAt(buf, off)
	}
	if n < len(buf) {
		s.bufs.put(buf)
		return nil, &CorruptDataError{Coord: c, Offset: off, Got: n, Want: len(buf)}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		s.bufs.put(buf)
		return nil, &IOError{Op: "read", Path: s.path, Err: err}
	}
	if tb := s.transform.Load(); tb != nil {
		tb.t.Apply(s.layout, c, buf)
	}
	return buf, nil
}

// Recycle returns a tile buffer obtained from this source for reuse.
func (s *TileSource) Recycle(buf []byte) { s.bufs.put(buf) }

// Close waits for outstanding reads to finish and unmaps the atlas.
// Requests issued after Close complete with ErrSourceClosed.
//
// Calling Close multiple times is safe.
func (s *TileSource) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.reads.Wait()
	if err := s.r.Close(); err != nil {
		return &IOError{Op: "close", Path: s.path, Err: err}
	}
	return nil
}
