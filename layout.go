// layout.go
//
// Tiling description of a sparse texture and its on-disk atlas ordering.
// The module maps *tile coordinates* → *flat tile indices* in two orders: the
// order the sparse-texture backend enumerates subresources in (mip-major per
// array slice, packed tail last) and the order tiles are stored in the atlas
// file (packed tail first, then mips from coarsest to finest). Both tables are
// computed once when a TilingLayout is built so that every later lookup is a
// slice index plus a multiply.

package tilestream

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// StandardTileSize is the size in bytes of one sparse tile on every backend
// this package targets.
const StandardTileSize = 64 << 10

// TileShape is the extent of one tile in texels.
type TileShape struct {
	Width  uint32
	Height uint32
}

// SubresourceTiling is the tile-grid extent of a single subresource as
// reported by the sparse-texture backend. Packed subresources report zero.
type SubresourceTiling struct {
	WidthInTiles  uint32
	HeightInTiles uint32
}

// ResourceTiling is the raw tiling description a SparseTexture reports.
//
// Mips [0, StandardMips) are tiled normally. Mips [StandardMips, MipLevels)
// form the packed tail, which occupies PackedTilesPerSlice tiles for every
// array slice and is always resident.
type ResourceTiling struct {
	Format              gputypes.TextureFormat
	TileSizeBytes       int
	TileShape           TileShape
	MipLevels           uint32
	ArraySize           uint32
	StandardMips        uint32
	PackedTilesPerSlice uint32

	// Subresources holds MipLevels*ArraySize entries indexed by
	// mip + slice*MipLevels.
	Subresources []SubresourceTiling
}

// TextureDescription describes a sparse texture well enough to derive its
// tiling with ComputeTiling.
type TextureDescription struct {
	Label         string
	Format        gputypes.TextureFormat
	Size          gputypes.Extent3D
	MipLevelCount uint32
}

// formatBlock describes the compression block of a texture format. For
// uncompressed formats the block is a single texel.
type formatBlock struct {
	width, height uint32
	bytes         uint32
}

func blockOf(f gputypes.TextureFormat) (formatBlock, bool) {
	switch f {
	case gputypes.TextureFormatR8Unorm, gputypes.TextureFormatR8Snorm,
		gputypes.TextureFormatR8Uint, gputypes.TextureFormatR8Sint:
		return formatBlock{1, 1, 1}, true
	case gputypes.TextureFormatR16Unorm, gputypes.TextureFormatR16Snorm,
		gputypes.TextureFormatR16Uint, gputypes.TextureFormatR16Sint,
		gputypes.TextureFormatR16Float, gputypes.TextureFormatRG8Unorm,
		gputypes.TextureFormatRG8Snorm, gputypes.TextureFormatRG8Uint,
		gputypes.TextureFormatRG8Sint:
		return formatBlock{1, 1, 2}, true
	case gputypes.TextureFormatR32Float, gputypes.TextureFormatR32Uint,
		gputypes.TextureFormatR32Sint, gputypes.TextureFormatRG16Float,
		gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb,
		gputypes.TextureFormatRGBA8Snorm, gputypes.TextureFormatRGBA8Uint,
		gputypes.TextureFormatRGBA8Sint, gputypes.TextureFormatBGRA8Unorm,
		gputypes.TextureFormatBGRA8UnormSrgb, gputypes.TextureFormatRGB10A2Unorm,
		gputypes.TextureFormatRG11B10Ufloat, gputypes.TextureFormatRGB9E5Ufloat:
		return formatBlock{1, 1, 4}, true
	case gputypes.TextureFormatRG32Float, gputypes.TextureFormatRGBA16Unorm,
		gputypes.TextureFormatRGBA16Snorm, gputypes.TextureFormatRGBA16Uint,
		gputypes.TextureFormatRGBA16Sint, gputypes.TextureFormatRGBA16Float:
		return formatBlock{1, 1, 8}, true
	case gputypes.TextureFormatRGBA32Float, gputypes.TextureFormatRGBA32Uint,
		gputypes.TextureFormatRGBA32Sint:
		return formatBlock{1, 1, 16}, true
	case gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb,
		gputypes.TextureFormatBC4RUnorm, gputypes.TextureFormatBC4RSnorm:
		return formatBlock{4, 4, 8}, true
	case gputypes.TextureFormatBC2RGBAUnorm, gputypes.TextureFormatBC2RGBAUnormSrgb,
		gputypes.TextureFormatBC3RGBAUnorm, gputypes.TextureFormatBC3RGBAUnormSrgb,
		gputypes.TextureFormatBC5RGUnorm, gputypes.TextureFormatBC5RGSnorm,
		gputypes.TextureFormatBC6HRGBUfloat, gputypes.TextureFormatBC6HRGBFloat,
		gputypes.TextureFormatBC7RGBAUnorm, gputypes.TextureFormatBC7RGBAUnormSrgb:
		return formatBlock{4, 4, 16}, true
	default:
		return formatBlock{}, false
	}
}

// standardShape returns the 64 KiB tile shape, in texels, for a format block.
func standardShape(b formatBlock) TileShape {
	var w, h uint32
	switch b.bytes {
	case 1:
		w, h = 256, 256
	case 2:
		w, h = 256, 128
	case 4:
		w, h = 128, 128
	case 8:
		w, h = 128, 64
	default:
		w, h = 64, 64
	}
	return TileShape{Width: w * b.width, Height: h * b.height}
}

func ceilDiv(a, b uint32) uint32 { return (a + b - 1) / b }

// ComputeTiling derives the standard 64 KiB tiling of a 2D (array) texture.
//
// A mip level is standard while both of its dimensions cover at least one full
// tile; the first mip that does not, and every coarser one, is packed into a
// tail of whole tiles per array slice.
func ComputeTiling(desc TextureDescription) (ResourceTiling, error) {
	block, ok := blockOf(desc.Format)
	if !ok {
		return ResourceTiling{}, fmt.Errorf("%w: unsupported format %s", ErrInvalidTiling, desc.Format)
	}
	if desc.Size.Width == 0 || desc.Size.Height == 0 || desc.MipLevelCount == 0 {
		return ResourceTiling{}, fmt.Errorf("%w: empty texture %q", ErrInvalidTiling, desc.Label)
	}
	layers := max(desc.Size.DepthOrArrayLayers, 1)
	shape := standardShape(block)

	rt := ResourceTiling{
		Format:        desc.Format,
		TileSizeBytes: StandardTileSize,
		TileShape:     shape,
		MipLevels:     desc.MipLevelCount,
		ArraySize:     layers,
		StandardMips:  desc.MipLevelCount,
		Subresources:  make([]SubresourceTiling, desc.MipLevelCount*layers),
	}

	var packedBytes uint64
	for mip := range desc.MipLevelCount {
		w := max(desc.Size.Width>>mip, 1)
		h := max(desc.Size.Height>>mip, 1)
		if rt.StandardMips == desc.MipLevelCount && (w < shape.Width || h < shape.Height) {
			rt.StandardMips = mip
		}
		if mip >= rt.StandardMips {
			packedBytes += uint64(ceilDiv(w, block.width)) * uint64(ceilDiv(h, block.height)) * uint64(block.bytes)
			continue
		}
		for slice := range layers {
			rt.Subresources[mip+slice*desc.MipLevelCount] = SubresourceTiling{
				WidthInTiles:  ceilDiv(w, shape.Width),
				HeightInTiles: ceilDiv(h, shape.Height),
			}
		}
	}
	if packedBytes > 0 {
		rt.PackedTilesPerSlice = uint32((packedBytes + StandardTileSize - 1) / StandardTileSize)
	}
	return rt, nil
}

// SubresourceLayout is the resolved tile grid of one subresource.
//
// StartTile is the index of the subresource's first tile within the overall
// resource in backend order; FileTile is the index of the same tile within the
// atlas file. The two differ because the atlas stores mips coarsest first.
type SubresourceLayout struct {
	Mip           uint32
	Slice         uint32
	WidthInTiles  uint32
	HeightInTiles uint32
	StartTile     uint32
	FileTile      uint32
}

// Tiles returns the number of tiles in the subresource.
func (s SubresourceLayout) Tiles() uint32 { return s.WidthInTiles * s.HeightInTiles }

// TilingLayout is the immutable, fully resolved tiling of one managed texture.
//
// The packed tail of every array slice is addressed through subresource
// (StandardMips, slice) with X in [0, PackedTilesPerSlice) and Y == 0; the
// remaining packed subresources have an empty grid.
//
// A TilingLayout is safe for concurrent readers.
type TilingLayout struct {
	format       gputypes.TextureFormat
	tileSize     int
	shape        TileShape
	mipLevels    uint32
	arraySize    uint32
	standardMips uint32
	packedTiles  uint32
	totalTiles   uint32

	subs []SubresourceLayout
}

// NewTilingLayout validates rt and precomputes the backend and file offset
// tables for every subresource.
func NewTilingLayout(rt ResourceTiling) (*TilingLayout, error) {
	switch {
	case rt.TileSizeBytes <= 0:
		return nil, fmt.Errorf("%w: tile size %d", ErrInvalidTiling, rt.TileSizeBytes)
	case rt.MipLevels == 0 || rt.ArraySize == 0:
		return nil, fmt.Errorf("%w: %d mips x %d slices", ErrInvalidTiling, rt.MipLevels, rt.ArraySize)
	case rt.StandardMips > rt.MipLevels:
		return nil, fmt.Errorf("%w: %d standard mips of %d", ErrInvalidTiling, rt.StandardMips, rt.MipLevels)
	case uint32(len(rt.Subresources)) != rt.MipLevels*rt.ArraySize:
		return nil, fmt.Errorf("%w: %d subresources, want %d",
			ErrInvalidTiling, len(rt.Subresources), rt.MipLevels*rt.ArraySize)
	case rt.StandardMips < rt.MipLevels && rt.PackedTilesPerSlice == 0:
		return nil, fmt.Errorf("%w: packed mips without packed tiles", ErrInvalidTiling)
	case rt.StandardMips == rt.MipLevels && rt.PackedTilesPerSlice != 0:
		return nil, fmt.Errorf("%w: packed tiles without packed mips", ErrInvalidTiling)
	}

	l := &TilingLayout{
		format:       rt.Format,
		tileSize:     rt.TileSizeBytes,
		shape:        rt.TileShape,
		mipLevels:    rt.MipLevels,
		arraySize:    rt.ArraySize,
		standardMips: rt.StandardMips,
		packedTiles:  rt.PackedTilesPerSlice,
		subs:         make([]SubresourceLayout, len(rt.Subresources)),
	}

	for slice := range rt.ArraySize {
		for mip := range rt.MipLevels {
			i := mip + slice*rt.MipLevels
			s := SubresourceLayout{Mip: mip, Slice: slice}
			switch {
			case mip < rt.StandardMips:
				st := rt.Subresources[i]
				if st.WidthInTiles == 0 || st.HeightInTiles == 0 {
					return nil, fmt.Errorf("%w: empty grid for mip %d slice %d", ErrInvalidTiling, mip, slice)
				}
				if mip > 0 {
					prev := rt.Subresources[i-1]
					if st.WidthInTiles > (prev.WidthInTiles+1)/2 || st.HeightInTiles > (prev.HeightInTiles+1)/2 {
						return nil, fmt.Errorf("%w: mip %d slice %d grid %dx%d does not halve %dx%d", ErrInvalidTiling,
							mip, slice, st.WidthInTiles, st.HeightInTiles, prev.WidthInTiles, prev.HeightInTiles)
					}
				}
				s.WidthInTiles, s.HeightInTiles = st.WidthInTiles, st.HeightInTiles
			case mip == rt.StandardMips:
				s.WidthInTiles, s.HeightInTiles = rt.PackedTilesPerSlice, 1
			}
			l.subs[i] = s
		}
	}

	// Backend order: every standard mip of a slice, finest first, then the
	// slice's packed tail.
	var next uint32
	for slice := range rt.ArraySize {
		for mip := range rt.MipLevels {
			s := &l.subs[mip+slice*rt.MipLevels]
			s.StartTile = next
			next += s.Tiles()
		}
	}
	l.totalTiles = next

	// File order: packed tail first, then standard mips coarsest to finest.
	next = 0
	for slice := range rt.ArraySize {
		if rt.StandardMips < rt.MipLevels {
			s := &l.subs[rt.StandardMips+slice*rt.MipLevels]
			s.FileTile = next
			next += s.Tiles()
		}
		for mip := int(rt.StandardMips) - 1; mip >= 0; mip-- {
			s := &l.subs[uint32(mip)+slice*rt.MipLevels]
			s.FileTile = next
			next += s.Tiles()
		}
	}
	return l, nil
}

func (l *TilingLayout) Format() gputypes.TextureFormat { return l.format }
func (l *TilingLayout) TileSize() int                  { return l.tileSize }
func (l *TilingLayout) TileShape() TileShape           { return l.shape }
func (l *TilingLayout) MipLevels() uint32              { return l.mipLevels }
func (l *TilingLayout) ArraySize() uint32              { return l.arraySize }
func (l *TilingLayout) StandardMips() uint32           { return l.standardMips }
func (l *TilingLayout) PackedTilesPerSlice() uint32    { return l.packedTiles }
func (l *TilingLayout) NumSubresources() int           { return len(l.subs) }

// TotalTiles returns the number of tiles in the resource, packed tail included.
func (l *TilingLayout) TotalTiles() uint32 { return l.totalTiles }

// AtlasSize returns the exact byte length of a complete atlas file.
func (l *TilingLayout) AtlasSize() int64 { return int64(l.totalTiles) * int64(l.tileSize) }

// Subresource returns the resolved layout of subresource i.
func (l *TilingLayout) Subresource(i uint32) SubresourceLayout { return l.subs[i] }

// SubresourceIndex encodes a mip level and array slice.
func (l *TilingLayout) SubresourceIndex(mip, slice uint32) uint32 { return mip + slice*l.mipLevels }

// Contains reports whether c addresses an existing tile of this layout. The
// resource component is not inspected.
func (l *TilingLayout) Contains(c TileCoordinate) bool {
	if c.Subresource >= uint32(len(l.subs)) {
		return false
	}
	s := l.subs[c.Subresource]
	return c.X < s.WidthInTiles && c.Y < s.HeightInTiles
}

// IsPacked reports whether c lies in the packed tail.
func (l *TilingLayout) IsPacked(c TileCoordinate) bool {
	return c.Subresource%l.mipLevels >= l.standardMips
}

// ResourceTileIndex returns the flat index of c in backend order.
func (l *TilingLayout) ResourceTileIndex(c TileCoordinate) (uint32, error) {
	if !l.Contains(c) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidCoordinate, c)
	}
	s := l.subs[c.Subresource]
	return s.StartTile + c.Y*s.WidthInTiles + c.X, nil
}

// TileOffset returns the byte offset of c inside the atlas file:
// (fileBase + y*widthInTiles + x) * tileSize.
func (l *TilingLayout) TileOffset(c TileCoordinate) (int64, error) {
	if !l.Contains(c) {
		return 0, fmt.Errorf("%w: %s", ErrInvalidCoordinate, c)
	}
	s := l.subs[c.Subresource]
	tile := int64(s.FileTile) + int64(c.Y)*int64(s.WidthInTiles) + int64(c.X)
	return tile * int64(l.tileSize), nil
}

// PackedTiles lists the protected tail tiles of every array slice, tagged
// with res.
func (l *TilingLayout) PackedTiles(res ResourceID) []TileCoordinate {
	if l.standardMips == l.mipLevels {
		return nil
	}
	out := make([]TileCoordinate, 0, l.packedTiles*l.arraySize)
	for slice := range l.arraySize {
		sub := l.SubresourceIndex(l.standardMips, slice)
		for x := range l.packedTiles {
			out = append(out, TileCoordinate{Resource: res, Subresource: sub, X: x})
		}
	}
	return out
}
