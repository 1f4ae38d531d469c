package tilestream

import (
	"encoding/binary"
	"math"

	"github.com/gogpu/gputypes"
)

// TileTransform post-processes a freshly read tile before it is handed to
// the residency manager. Transforms run on the reader goroutine and must only
// touch the provided buffer.
type TileTransform interface {
	Apply(layout *TilingLayout, c TileCoordinate, tile []byte)
}

// TileTransformFunc adapts a function to TileTransform.
type TileTransformFunc func(layout *TilingLayout, c TileCoordinate, tile []byte)

func (f TileTransformFunc) Apply(layout *TilingLayout, c TileCoordinate, tile []byte) {
	f(layout, c, tile)
}

// DefaultBorderWidth is the border painted by border mode, in texels.
const DefaultBorderWidth = 4

// mipColors tints the border of each standard mip so that mip transitions are
// visible on screen. Index wraps for deep mip chains.
var mipColors = []gputypes.Color{
	gputypes.ColorRed,
	gputypes.ColorGreen,
	gputypes.ColorBlue,
	gputypes.NewColorRGB(1, 1, 0),
	gputypes.NewColorRGB(0, 1, 1),
	gputypes.NewColorRGB(1, 0, 1),
	gputypes.ColorWhite,
	gputypes.NewColorRGB(1, 0.5, 0),
}

// BorderTransform overwrites a fixed-width border of every standard tile with
// a solid mip-dependent color. It is a visual debugging aid only.
//
// RGBA8 and BGRA8 tiles are painted per texel; BC1 tiles are painted with
// solid-color blocks. Other formats and packed-tail tiles pass through
// unchanged.
type BorderTransform struct {
	// Width is the border width in texels. Zero selects DefaultBorderWidth.
	Width uint32
}

func (b BorderTransform) Apply(layout *TilingLayout, c TileCoordinate, tile []byte) {
	if layout.IsPacked(c) {
		return
	}
	block, ok := blockOf(layout.Format())
	if !ok {
		return
	}
	mip := c.Subresource % layout.MipLevels()
	elem, ok := encodeSolid(layout.Format(), mipColors[int(mip)%len(mipColors)])
	if !ok {
		return
	}

	shape := layout.TileShape()
	cols := shape.Width / block.width
	rows := shape.Height / block.height
	if cols == 0 || rows == 0 || int(cols*rows*block.bytes) > len(tile) {
		return
	}
	width := b.Width
	if width == 0 {
		width = DefaultBorderWidth
	}
	border := min(ceilDiv(width, block.width), cols, rows)

	stride := cols * block.bytes
	for y := range rows {
		edgeRow := y < border || y >= rows-border
		for x := range cols {
			if !edgeRow && x >= border && x < cols-border {
				continue
			}
			off := y*stride + x*block.bytes
			copy(tile[off:off+block.bytes], elem)
		}
	}
}

func unorm8(v float64) byte {
	return byte(math.Round(math.Max(0, math.Min(1, v)) * 255))
}

// encodeSolid returns one format block filled with col.
func encodeSolid(f gputypes.TextureFormat, col gputypes.Color) ([]byte, bool) {
	r, g, b, a := unorm8(col.R), unorm8(col.G), unorm8(col.B), unorm8(col.A)
	switch f {
	case gputypes.TextureFormatRGBA8Unorm, gputypes.TextureFormatRGBA8UnormSrgb:
		return []byte{r, g, b, a}, true
	case gputypes.TextureFormatBGRA8Unorm, gputypes.TextureFormatBGRA8UnormSrgb:
		return []byte{b, g, r, a}, true
	case gputypes.TextureFormatBC1RGBAUnorm, gputypes.TextureFormatBC1RGBAUnormSrgb:
		// Equal endpoints with all-zero indices decode to color0 everywhere.
		c565 := uint16(r>>3)<<11 | uint16(g>>2)<<5 | uint16(b>>3)
		blk := make([]byte, 8)
		binary.LittleEndian.PutUint16(blk[0:2], c565)
		binary.LittleEndian.PutUint16(blk[2:4], c565)
		return blk, true
	default:
		return nil, false
	}
}
