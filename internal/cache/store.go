// Package cache persists raw tile bytes: on disk, in MBTiles/MySQL tables, in Redis or in memory.
package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Store loads and saves raw tile bytes keyed by tile index
type Store interface {
	// Load returns false without error when the tile is absent
	Load(ctx context.Context, t maptile.Tile) ([]byte, bool, error)
	Save(ctx context.Context, t maptile.Tile, data []byte) error
}

// Layout names tile files inside a directory store
type Layout int

const (
	// LayoutZXY stores tiles as {z}/{x}/{y}.{ext}
	LayoutZXY Layout = iota
	// LayoutQuadkey stores tiles as {quadkey}.{ext} in a single directory
	LayoutQuadkey
)

func (l Layout) String() string {
	switch l {
	case LayoutZXY:
		return "zxy"
	case LayoutQuadkey:
		return "quadkey"
	default:
		return fmt.Sprintf("layout(%d)", int(l))
	}
}

// ParseLayout accepts "zxy" or "quadkey"
func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "zxy", "ogc":
		return LayoutZXY, nil
	case "quadkey", "qk":
		return LayoutQuadkey, nil
	}
	return 0, fmt.Errorf("unknown tile layout %q", s)
}

// flipY converts between XYZ and TMS row numbering
func flipY(t maptile.Tile) uint32 {
	return (uint32(1) << t.Z) - 1 - t.Y
}

func tileKey(t maptile.Tile) string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}
