// Package tileset plans which tiles cover a bounding box at a zoom level
// and where the box sits inside the resulting tile grid.
package tileset

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"

	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// TileBounds is the inclusive range of tile columns and rows of a plan
type TileBounds struct {
	MinCol, MaxCol uint32
	MinRow, MaxRow uint32
}

// MaxTiles bounds the grid of any plan, whatever pixel limit the caller sets
const MaxTiles = 1 << 20

// Option tunes New
type Option func(*options)

type options struct {
	maxPixels int64
}

// WithMaxPixels rejects plans whose tile grid holds more than n pixels. Zero disables the check.
func WithMaxPixels(n int64) Option {
	return func(o *options) { o.maxPixels = n }
}

// Plan is the set of tiles covering a bounding box. It is read-only after New returns.
type Plan struct {
	BBox     tile.BoundingBox
	Zoom     int
	TileSize int
	Bounds   TileBounds

	// Offset is the bbox top-left corner in pixels, relative to the grid top-left corner
	Offset tile.Pixel
	// Size is the fractional pixel extent of the bbox
	Size tile.Pixel

	tiles []maptile.Tile
}

// New plans the tiles of desc covering bbox at zoom. Size limits are checked against the
// grid bounds before any tile is listed.
func New(bbox tile.BoundingBox, zoom int, desc mapdesc.Descriptor, opts ...Option) (*Plan, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if desc.Projection() != tile.WebMercator {
		return nil, &tile.ConfigError{Map: desc.Name(), Err: fmt.Errorf("unsupported projection %s", desc.Projection())}
	}
	maxZoom := min(desc.MaxZoom(), tile.MaxZoom)
	if zoom < 0 || zoom > maxZoom {
		return nil, &tile.InvalidZoomError{Zoom: zoom, MaxZoom: maxZoom}
	}
	ts := desc.TileSize()
	if ts <= 0 {
		return nil, &tile.ConfigError{Map: desc.Name(), Err: fmt.Errorf("invalid tile size %d", ts)}
	}

	bbox, err := bbox.Normalize()
	if err != nil {
		return nil, err
	}

	tl, err := tile.LatLonToPixel(bbox.MaxLat, bbox.MinLon, zoom, ts)
	if err != nil {
		return nil, err
	}
	br, err := tile.LatLonToPixel(bbox.MinLat, bbox.MaxLon, zoom, ts)
	if err != nil {
		return nil, err
	}

	last := float64(uint64(1)<<zoom - 1)
	fts := float64(ts)
	minCol := math.Min(math.Max(math.Floor(tl.X/fts), 0), last)
	minRow := math.Min(math.Max(math.Floor(tl.Y/fts), 0), last)
	maxCol := math.Min(math.Max(math.Ceil(br.X/fts)-1, minCol), last)
	maxRow := math.Min(math.Max(math.Ceil(br.Y/fts)-1, minRow), last)

	p := &Plan{
		BBox:     bbox,
		Zoom:     zoom,
		TileSize: ts,
		Bounds: TileBounds{
			MinCol: uint32(minCol), MaxCol: uint32(maxCol),
			MinRow: uint32(minRow), MaxRow: uint32(maxRow),
		},
	}
	p.Offset = tl.Sub(tile.Pixel{X: minCol * fts, Y: minRow * fts})
	p.Size = br.Sub(tl)

	if n := p.tileCount(); n > MaxTiles {
		return nil, &tile.UnsupportedRegionError{
			BBox:   bbox,
			Reason: fmt.Sprintf("%d tiles exceed the limit of %d", n, MaxTiles),
		}
	}
	if err := p.CheckPixels(o.maxPixels); err != nil {
		return nil, err
	}

	z := maptile.Zoom(zoom)
	p.tiles = make([]maptile.Tile, 0, p.Len())
	for row := p.Bounds.MinRow; row <= p.Bounds.MaxRow; row++ {
		for col := p.Bounds.MinCol; col <= p.Bounds.MaxCol; col++ {
			p.tiles = append(p.tiles, maptile.New(col, row, z))
		}
	}

	return p, nil
}

func (p *Plan) tileCount() int64 {
	return (int64(p.Bounds.MaxCol-p.Bounds.MinCol) + 1) * (int64(p.Bounds.MaxRow-p.Bounds.MinRow) + 1)
}

// Cols is the number of tile columns in the grid
func (p *Plan) Cols() int { return int(p.Bounds.MaxCol-p.Bounds.MinCol) + 1 }

// Rows is the number of tile rows in the grid
func (p *Plan) Rows() int { return int(p.Bounds.MaxRow-p.Bounds.MinRow) + 1 }

// Len is the number of tiles in the plan
func (p *Plan) Len() int { return p.Cols() * p.Rows() }

// Tiles returns the tiles in row-major order. The slice must not be modified.
func (p *Plan) Tiles() []maptile.Tile { return p.tiles }

// Position returns the grid column and row of slot i
func (p *Plan) Position(i int) (col, row int) {
	cols := p.Cols()
	return i % cols, i / cols
}

// Slot returns the row-major index of t, or false when t is not part of the plan
func (p *Plan) Slot(t maptile.Tile) (int, bool) {
	if int(t.Z) != p.Zoom ||
		t.X < p.Bounds.MinCol || t.X > p.Bounds.MaxCol ||
		t.Y < p.Bounds.MinRow || t.Y > p.Bounds.MaxRow {
		return 0, false
	}
	return int(t.Y-p.Bounds.MinRow)*p.Cols() + int(t.X-p.Bounds.MinCol), true
}

// PixelWidth is the width of the full tile grid in pixels
func (p *Plan) PixelWidth() int { return p.Cols() * p.TileSize }

// PixelHeight is the height of the full tile grid in pixels
func (p *Plan) PixelHeight() int { return p.Rows() * p.TileSize }

// GridOrigin is the global pixel coordinate of the grid's top-left corner
func (p *Plan) GridOrigin() tile.Pixel {
	ts := float64(p.TileSize)
	return tile.Pixel{X: float64(p.Bounds.MinCol) * ts, Y: float64(p.Bounds.MinRow) * ts}
}

// Extent is the geographic extent of the whole tile grid, which contains BBox
func (p *Plan) Extent() tile.BoundingBox {
	origin := p.GridOrigin()
	maxLat, minLon := tile.PixelToLatLon(origin, p.Zoom, p.TileSize)
	minLat, maxLon := tile.PixelToLatLon(tile.Pixel{
		X: origin.X + float64(p.PixelWidth()),
		Y: origin.Y + float64(p.PixelHeight()),
	}, p.Zoom, p.TileSize)
	return tile.BoundingBox{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}
}

// CheckPixels rejects plans whose tile grid, the mosaic buffer, would exceed maxPixels.
// Zero disables the check.
func (p *Plan) CheckPixels(maxPixels int64) error {
	if maxPixels <= 0 {
		return nil
	}
	ts := int64(p.TileSize)
	w := (int64(p.Bounds.MaxCol-p.Bounds.MinCol) + 1) * ts
	h := (int64(p.Bounds.MaxRow-p.Bounds.MinRow) + 1) * ts
	if w*h > maxPixels {
		return &tile.UnsupportedRegionError{
			BBox:   p.BBox,
			Reason: fmt.Sprintf("tile grid too large: %dx%d pixels", w, h),
		}
	}
	return nil
}

func (p *Plan) String() string {
	return fmt.Sprintf("z%d cols %d-%d rows %d-%d (%d tiles)",
		p.Zoom, p.Bounds.MinCol, p.Bounds.MaxCol, p.Bounds.MinRow, p.Bounds.MaxRow, p.Len())
}
