package tilestream

import (
	"fmt"
	"io"
	"os"
)

// TileFiller produces the payload of one tile. It may return fewer than
// TileSize bytes; the rest of the tile is zero-filled.
type TileFiller func(c TileCoordinate) []byte

// WriteAtlas writes every tile of layout to w at its atlas offset. Tiles are
// addressed with ResourceID zero.
func WriteAtlas(w io.WriterAt, layout *TilingLayout, fill TileFiller) error {
	buf := make([]byte, layout.TileSize())
	for sub := range uint32(layout.NumSubresources()) {
		s := layout.Subresource(sub)
		for y := range s.HeightInTiles {
			for x := range s.WidthInTiles {
				c := TileCoordinate{Subresource: sub, X: x, Y: y}
				off, err := layout.TileOffset(c)
				if err != nil {
					return err
				}
				data := fill(c)
				if len(data) > len(buf) {
					return fmt.Errorf("tile %s: %d bytes exceed tile size %d", c, len(data), len(buf))
				}
				clear(buf)
				copy(buf, data)
				if _, err := w.WriteAt(buf, off); err != nil {
					return fmt.Errorf("write tile %s: %w", c, err)
				}
			}
		}
	}
	return nil
}

// CreateAtlas creates (or truncates) the file at path and fills it with
// WriteAtlas.
func CreateAtlas(path string, layout *TilingLayout, fill TileFiller) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return &IOError{Op: "create", Path: path, Err: err}
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = &IOError{Op: "close", Path: path, Err: cerr}
		}
	}()
	if err := f.Truncate(layout.AtlasSize()); err != nil {
		return &IOError{Op: "truncate", Path: path, Err: err}
	}
	return WriteAtlas(f, layout, fill)
}
