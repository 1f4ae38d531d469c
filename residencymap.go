package tilestream

// ResidencyMap is the GPU-facing summary of a managed texture's residency.
//
// It holds one texel per mip-0 tile for every array slice. A texel's value is
// the finest mip m such that mips m, m+1, ... down to the packed tail are all
// resident for that region, so clamping the sampler's minimum LOD to the
// value never reads unmapped memory. Texels never rise above Fallback, the
// first packed mip, which is always resident.
//
// The map is updated incrementally on every admission and eviction by the
// render thread; readers on the render thread see a consistent view between
// calls to ResidencyManager.ProcessQueues.
type ResidencyMap struct {
	layout   *TilingLayout
	fallback uint8
	version  uint64
	dirty    bool

	layers []mapLayer
}

type mapLayer struct {
	width, height uint32
	texels        []uint8

	// resident holds one bitset per standard mip, indexed y*widthInTiles+x.
	resident [][]uint64
}

func newResidencyMap(l *TilingLayout) *ResidencyMap {
	m := &ResidencyMap{
		layout:   l,
		fallback: uint8(l.StandardMips()),
		layers:   make([]mapLayer, l.ArraySize()),
	}
	for slice := range l.ArraySize() {
		ml := mapLayer{width: 1, height: 1}
		if l.StandardMips() > 0 {
			s0 := l.Subresource(l.SubresourceIndex(0, slice))
			ml.width, ml.height = s0.WidthInTiles, s0.HeightInTiles
			ml.resident = make([][]uint64, l.StandardMips())
			for mip := range l.StandardMips() {
				n := l.Subresource(l.SubresourceIndex(mip, slice)).Tiles()
				ml.resident[mip] = make([]uint64, (n+63)/64)
			}
		}
		ml.texels = make([]uint8, ml.width*ml.height)
		for i := range ml.texels {
			ml.texels[i] = m.fallback
		}
		m.layers[slice] = ml
	}
	return m
}

// Layers returns the number of array slices.
func (m *ResidencyMap) Layers() int { return len(m.layers) }

// Size returns the texel extent of one layer, equal to its mip-0 tile grid.
func (m *ResidencyMap) Size(layer int) (width, height uint32) {
	return m.layers[layer].width, m.layers[layer].height
}

// Fallback is the value of a texel with nothing but the packed tail resident.
func (m *ResidencyMap) Fallback() uint8 { return m.fallback }

// Value returns the finest usable mip for the mip-0 tile (x, y) of layer.
func (m *ResidencyMap) Value(layer int, x, y uint32) uint8 {
	ml := &m.layers[layer]
	return ml.texels[y*ml.width+x]
}

// Layer returns a copy of one layer's texels in row-major order, ready for
// upload.
func (m *ResidencyMap) Layer(layer int) []byte {
	return append([]byte(nil), m.layers[layer].texels...)
}

// Version increases every time a texel changes.
func (m *ResidencyMap) Version() uint64 { return m.version }

// Resident reports whether the standard tile c is marked resident.
func (m *ResidencyMap) Resident(c TileCoordinate) bool {
	if !m.layout.Contains(c) || m.layout.IsPacked(c) {
		return false
	}
	mip, slice := m.split(c)
	return m.layers[slice].isResident(m.layout, mip, slice, c.X, c.Y)
}

func (m *ResidencyMap) split(c TileCoordinate) (mip, slice uint32) {
	n := m.layout.MipLevels()
	return c.Subresource % n, c.Subresource / n
}

func (ml *mapLayer) isResident(l *TilingLayout, mip, slice, x, y uint32) bool {
	s := l.Subresource(l.SubresourceIndex(mip, slice))
	i := y*s.WidthInTiles + x
	return ml.resident[mip][i/64]&(1<<(i%64)) != 0
}

func (ml *mapLayer) setResident(l *TilingLayout, mip, slice, x, y uint32, on bool) {
	s := l.Subresource(l.SubresourceIndex(mip, slice))
	i := y*s.WidthInTiles + x
	if on {
		ml.resident[mip][i/64] |= 1 << (i % 64)
	} else {
		ml.resident[mip][i/64] &^= 1 << (i % 64)
	}
}

// ancestor returns the tile of mip covering mip-0 tile (tx, ty). Grids that
// round down at coarser mips fold their trailing texels into the last tile.
func (ml *mapLayer) ancestor(l *TilingLayout, mip, slice, tx, ty uint32) (uint32, uint32) {
	s := l.Subresource(l.SubresourceIndex(mip, slice))
	return min(tx>>mip, s.WidthInTiles-1), min(ty>>mip, s.HeightInTiles-1)
}

// region returns the half-open mip-0 texel rectangle covered by tile (x, y)
// of mip.
func (ml *mapLayer) region(l *TilingLayout, mip, slice, x, y uint32) (x0, y0, x1, y1 uint32) {
	s := l.Subresource(l.SubresourceIndex(mip, slice))
	x0, y0 = min(x<<mip, ml.width), min(y<<mip, ml.height)
	x1, y1 = min((x+1)<<mip, ml.width), min((y+1)<<mip, ml.height)
	if x == s.WidthInTiles-1 {
		x1 = ml.width
	}
	if y == s.HeightInTiles-1 {
		y1 = ml.height
	}
	return x0, y0, x1, y1
}

// markResident records that standard tile c was just mapped and refines every
// texel whose chain of coarser mips is now complete.
func (m *ResidencyMap) markResident(c TileCoordinate) {
	mip, slice := m.split(c)
	ml := &m.layers[slice]
	ml.setResident(m.layout, mip, slice, c.X, c.Y, true)

	x0, y0, x1, y1 := ml.region(m.layout, mip, slice, c.X, c.Y)
	changed := false
	for ty := y0; ty < y1; ty++ {
		row := ml.texels[ty*ml.width : (ty+1)*ml.width]
		for tx := x0; tx < x1; tx++ {
			v := uint32(row[tx])
			if v != mip+1 {
				continue
			}
			for v > 0 {
				ax, ay := ml.ancestor(m.layout, v-1, slice, tx, ty)
				if !ml.isResident(m.layout, v-1, slice, ax, ay) {
					break
				}
				v--
			}
			row[tx] = uint8(v)
			changed = true
		}
	}
	if changed {
		m.touch()
	}
}

// markEvicted records that standard tile c is about to be unmapped and
// downgrades every texel that relied on it to the next coarser mip, which is
// resident for those texels by construction.
func (m *ResidencyMap) markEvicted(c TileCoordinate) {
	mip, slice := m.split(c)
	ml := &m.layers[slice]
	ml.setResident(m.layout, mip, slice, c.X, c.Y, false)

	x0, y0, x1, y1 := ml.region(m.layout, mip, slice, c.X, c.Y)
	changed := false
	for ty := y0; ty < y1; ty++ {
		row := ml.texels[ty*ml.width : (ty+1)*ml.width]
		for tx := x0; tx < x1; tx++ {
			if uint32(row[tx]) <= mip {
				row[tx] = uint8(mip + 1)
				changed = true
			}
		}
	}
	if changed {
		m.touch()
	}
}

func (m *ResidencyMap) touch() {
	m.version++
	m.dirty = true
}

// takeDirty reports whether the map changed since the last call.
func (m *ResidencyMap) takeDirty() bool {
	d := m.dirty
	m.dirty = false
	return d
}
