package tilestream

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTiling     = errors.New("invalid tiling layout")
	ErrInvalidCoordinate = errors.New("tile coordinate outside layout")
	ErrPoolTooSmall      = errors.New("tile pool cannot hold protected tiles")
	ErrSourceClosed      = errors.New("tile source closed")
	ErrUnknownTexture    = errors.New("texture not managed")
	ErrManagerClosed     = errors.New("residency manager closed")
)

// IOError reports a failure to open or read a tile atlas.
//
// An IOError returned from OpenTileSource is fatal to that source. When it is
// delivered for a single request the tile reverts to absent and may be
// requested again later.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("tile atlas %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CorruptDataError reports a read that returned fewer bytes than one tile,
// typically because the atlas file is truncated.
//
// The error is recoverable: the owning record is dropped and the tile may be
// requested again on a later frame.
type CorruptDataError struct {
	Coord  TileCoordinate
	Offset int64
	Got    int
	Want   int
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("short tile read for %s at offset %d: got %d of %d bytes",
		e.Coord, e.Offset, e.Got, e.Want)
}
