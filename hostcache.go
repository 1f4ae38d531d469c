// hostcache.go
//
// Host-memory tier between the GPU tile pool and the atlas file.
// The cache maps *tile coordinates* → *tile payloads* for tiles that were
// recently admitted, so a tile evicted from the pool and wanted again shortly
// afterwards is re-admitted without touching the disk.
//
// The implementation is an Adaptive Replacement Cache bounded by a tile
// count. ARC keeps tiles that are re-requested repeatedly even when a camera
// sweep floods the cache with tiles seen only once.

package tilestream

import (
	"github.com/hashicorp/golang-lru/arc/v2"
)

// hostCache owns the payloads it holds. A payload handed out by take belongs
// to the caller again; a payload dropped by ARC replacement is left to the
// garbage collector rather than recycled, since the cache cannot know which
// TileSource pool it came from.
//
// A nil *hostCache is a valid, disabled cache.
type hostCache struct {
	entries *arc.ARCCache[TileCoordinate, []byte]
}

// newHostCache returns a cache holding up to tiles payloads, or nil when
// tiles is not positive.
func newHostCache(tiles int) (*hostCache, error) {
	if tiles <= 0 {
		return nil, nil
	}
	c, err := arc.NewARC[TileCoordinate, []byte](tiles)
	if err != nil {
		return nil, err
	}
	return &hostCache{entries: c}, nil
}

// take removes and returns the payload cached for c.
func (h *hostCache) take(c TileCoordinate) ([]byte, bool) {
	if h == nil {
		return nil, false
	}
	data, ok := h.entries.Get(c)
	if ok {
		h.entries.Remove(c)
	}
	return data, ok
}

// add caches data for c, transferring ownership to the cache.
func (h *hostCache) add(c TileCoordinate, data []byte) bool {
	if h == nil {
		return false
	}
	h.entries.Add(c, data)
	return true
}

// drop forgets every payload of res.
func (h *hostCache) drop(res ResourceID) {
	if h == nil {
		return
	}
	for _, k := range h.entries.Keys() {
		if k.Resource == res {
			h.entries.Remove(k)
		}
	}
}

func (h *hostCache) purge() {
	if h == nil {
		return
	}
	h.entries.Purge()
}

func (h *hostCache) len() int {
	if h == nil {
		return 0
	}
	return h.entries.Len()
}
