package tilestream

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/require"
)

const testTileSize = 64

// testTiling is a single-slice RGBA8 texture with 4x4 texel tiles:
// mip0 4x4 tiles, mip1 2x2, mip2 1x1 and one packed tile holding mip3.
func testTiling() ResourceTiling {
	return ResourceTiling{
		Format:              gputypes.TextureFormatRGBA8Unorm,
		TileSizeBytes:       testTileSize,
		TileShape:           TileShape{Width: 4, Height: 4},
		MipLevels:           4,
		ArraySize:           1,
		StandardMips:        3,
		PackedTilesPerSlice: 1,
		Subresources: []SubresourceTiling{
			{WidthInTiles: 4, HeightInTiles: 4},
			{WidthInTiles: 2, HeightInTiles: 2},
			{WidthInTiles: 1, HeightInTiles: 1},
			{},
		},
	}
}

// arrayTiling is testTiling with two array slices.
func arrayTiling() ResourceTiling {
	rt := testTiling()
	rt.ArraySize = 2
	rt.Subresources = append(rt.Subresources, rt.Subresources...)
	return rt
}

// tilePattern is the deterministic payload stored for c in test atlases. The
// resource component is ignored.
func tilePattern(c TileCoordinate, size int) []byte {
	b := make([]byte, size)
	seed := c.Subresource*31 + c.X*7 + c.Y*13
	for i := range b {
		b[i] = byte(seed + uint32(i)*3 + 1)
	}
	return b
}

func mustLayout(t testing.TB, rt ResourceTiling) *TilingLayout {
	t.Helper()
	l, err := NewTilingLayout(rt)
	require.NoError(t, err)
	return l
}

// writeTestAtlas writes a complete atlas for rt into a temp dir.
func writeTestAtlas(t testing.TB, rt ResourceTiling) string {
	t.Helper()
	l := mustLayout(t, rt)
	path := filepath.Join(t.TempDir(), "atlas.tiles")
	require.NoError(t, CreateAtlas(path, l, func(c TileCoordinate) []byte {
		return tilePattern(c, l.TileSize())
	}))
	return path
}

// truncateAtlas cuts the atlas at path to size bytes.
func truncateAtlas(t testing.TB, path string, size int64) {
	t.Helper()
	require.NoError(t, os.Truncate(path, size))
}

// fakeBackend is an in-memory SparseTexture that rejects slot aliasing and
// mismatched unmaps.
type fakeBackend struct {
	tiling ResourceTiling

	owners map[PoolSlot]TileCoordinate
	mapped map[TileCoordinate]PoolSlot
	data   map[TileCoordinate][]byte

	maps, unmaps int
	uploads      int
	lastMap      []byte // copy of layer 0 at the last upload

	mapErr    func(c TileCoordinate) error
	uploadErr error
}

func newFakeBackend(rt ResourceTiling) *fakeBackend {
	return &fakeBackend{
		tiling: rt,
		owners: make(map[PoolSlot]TileCoordinate),
		mapped: make(map[TileCoordinate]PoolSlot),
		data:   make(map[TileCoordinate][]byte),
	}
}

func (b *fakeBackend) Tiling() ResourceTiling { return b.tiling }

func (b *fakeBackend) MapTile(c TileCoordinate, slot PoolSlot, data []byte) error {
	if b.mapErr != nil {
		if err := b.mapErr(c); err != nil {
			return err
		}
	}
	if owner, ok := b.owners[slot]; ok {
		return fmt.Errorf("slot %d already holds %s", slot, owner)
	}
	if _, ok := b.mapped[c]; ok {
		return fmt.Errorf("tile %s mapped twice", c)
	}
	b.owners[slot] = c
	b.mapped[c] = slot
	b.data[c] = append([]byte(nil), data...)
	b.maps++
	return nil
}

func (b *fakeBackend) UnmapTile(c TileCoordinate, slot PoolSlot) error {
	if got, ok := b.mapped[c]; !ok || got != slot {
		return fmt.Errorf("tile %s is not mapped to slot %d", c, slot)
	}
	delete(b.owners, slot)
	delete(b.mapped, c)
	delete(b.data, c)
	b.unmaps++
	return nil
}

func (b *fakeBackend) UploadResidencyMap(m *ResidencyMap) error {
	b.uploads++
	b.lastMap = m.Layer(0)
	return b.uploadErr
}

func newTestManager(t testing.TB, opts ...Option) *ResidencyManager {
	t.Helper()
	m, err := NewResidencyManager(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

// manage registers a fresh fakeBackend for rt backed by a complete atlas.
func manage(t testing.TB, m *ResidencyManager, rt ResourceTiling) (*ManagedTexture, *fakeBackend) {
	t.Helper()
	b := newFakeBackend(rt)
	tex, err := m.ManageTexture(b, writeTestAtlas(t, rt))
	require.NoError(t, err)
	return tex, b
}

func flush(t testing.TB, m *ResidencyManager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, m.Flush(ctx))
}

// stream samples coords, lets their reads finish and runs the frame that
// admits them. It spans two frames.
func stream(t testing.TB, m *ResidencyManager, coords ...TileCoordinate) {
	t.Helper()
	m.EnqueueSamples(coords...)
	m.ProcessQueues()
	flush(t, m)
	m.ProcessQueues()
}

// standardTiles lists every non-packed tile of slice 0, coarsest mip last.
func standardTiles(tex *ManagedTexture) []TileCoordinate {
	var out []TileCoordinate
	for mip := range tex.Layout().StandardMips() {
		s := tex.Layout().Subresource(mip)
		for y := range s.HeightInTiles {
			for x := range s.WidthInTiles {
				out = append(out, tex.Coordinate(mip, 0, x, y))
			}
		}
	}
	return out
}

// touch samples coords for one frame.
func touch(m *ResidencyManager, coords ...TileCoordinate) {
	m.EnqueueSamples(coords...)
	m.ProcessQueues()
}

// requireConservativeMap checks that every texel of every layer points at a
// mip whose covering tiles are mapped in b, down to the packed tail.
func requireConservativeMap(t testing.TB, tex *ManagedTexture, b *fakeBackend) {
	t.Helper()
	l, rm := tex.Layout(), tex.ResidencyMap()
	for layer := range rm.Layers() {
		w, h := rm.Size(layer)
		for y := range h {
			for x := range w {
				v := uint32(rm.Value(layer, x, y))
				for mip := v; mip < l.StandardMips(); mip++ {
					s := l.Subresource(l.SubresourceIndex(mip, uint32(layer)))
					c := tex.Coordinate(mip, uint32(layer), min(x>>mip, s.WidthInTiles-1), min(y>>mip, s.HeightInTiles-1))
					_, ok := b.mapped[c]
					require.Truef(t, ok, "texel (%d,%d) of layer %d claims mip %d but %s is not mapped", x, y, layer, v, c)
				}
			}
		}
	}
}

// noErrors fails if any streaming error is pending on m.
func noErrors(t testing.TB, m *ResidencyManager) {
	t.Helper()
	select {
	case err := <-m.Errors():
		require.NoError(t, err)
	default:
	}
}
