package tilestream

import (
	"cmp"
	"fmt"
)

// ResourceID identifies one managed sparse texture. IDs are assigned by the
// ResidencyManager when a texture is registered and are never reused for the
// lifetime of the manager. The zero value never names a managed texture.
type ResourceID uint32

// TileCoordinate names a single tile of a sparse texture.
//
// Subresource encodes both the mip level and the array slice (or cube face)
// as mip + slice*MipLevels, the same ordering the sparse-texture backend
// uses. X and Y index the tile grid of that subresource.
//
// TileCoordinate is a comparable value type and is used directly as a map key
// throughout the package.
type TileCoordinate struct {
	Resource    ResourceID
	Subresource uint32
	X           uint32
	Y           uint32
}

// Compare orders coordinates by resource, subresource, row and column.
// It returns -1, 0 or +1 like cmp.Compare.
func (c TileCoordinate) Compare(o TileCoordinate) int {
	if r := cmp.Compare(c.Resource, o.Resource); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Subresource, o.Subresource); r != 0 {
		return r
	}
	if r := cmp.Compare(c.Y, o.Y); r != 0 {
		return r
	}
	return cmp.Compare(c.X, o.X)
}

// Less reports whether c sorts before o.
func (c TileCoordinate) Less(o TileCoordinate) bool { return c.Compare(o) < 0 }

func (c TileCoordinate) String() string {
	return fmt.Sprintf("res=%d sub=%d (%d,%d)", c.Resource, c.Subresource, c.X, c.Y)
}
