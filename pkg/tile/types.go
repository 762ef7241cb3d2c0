package tile

import (
	"fmt"
	"math"
)

// ProjectionKind identifies the projection a tile service renders its pyramid in
type ProjectionKind int

const (
	// WebMercator is spherical Mercator (EPSG:3857), used by nearly every slippy map service
	WebMercator ProjectionKind = iota
)

func (k ProjectionKind) String() string {
	switch k {
	case WebMercator:
		return "EPSG:3857"
	default:
		return fmt.Sprintf("projection(%d)", int(k))
	}
}

// EPSG returns the EPSG code of the projection, or 0 when unknown
func (k ProjectionKind) EPSG() int {
	if k == WebMercator {
		return 3857
	}
	return 0
}

// Pixel is a fractional pixel coordinate in the global pixel space of one zoom level
type Pixel struct {
	X, Y float64
}

// Sub returns p - q
func (p Pixel) Sub(q Pixel) Pixel {
	return Pixel{X: p.X - q.X, Y: p.Y - q.Y}
}

// BoundingBox represents geographic bounds in degrees
type BoundingBox struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`
}

func (b BoundingBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.MinLat, b.MinLon, b.MaxLat, b.MaxLon)
}

// Normalize validates the box and returns it with latitudes clamped and longitudes wrapped.
// Boxes crossing the antimeridian or without area are rejected with UnsupportedRegionError.
func (b BoundingBox) Normalize() (BoundingBox, error) {
	var err error
	out := b
	if out.MinLat, err = ClampLatitude(b.MinLat); err != nil {
		return BoundingBox{}, err
	}
	if out.MaxLat, err = ClampLatitude(b.MaxLat); err != nil {
		return BoundingBox{}, err
	}
	if out.MinLon, err = WrapLongitude(b.MinLon); err != nil {
		return BoundingBox{}, err
	}
	if out.MaxLon, err = WrapLongitude(b.MaxLon); err != nil {
		return BoundingBox{}, err
	}
	// -180 and 180 are the same meridian; an east edge on it must stay east
	if out.MaxLon == -180 && b.MaxLon > b.MinLon {
		out.MaxLon = 180
	}

	if out.MinLat >= out.MaxLat {
		return BoundingBox{}, &UnsupportedRegionError{
			BBox:   b,
			Reason: fmt.Sprintf("min latitude %f must be less than max latitude %f", out.MinLat, out.MaxLat),
		}
	}
	if out.MinLon > out.MaxLon {
		return BoundingBox{}, &UnsupportedRegionError{BBox: b, Reason: "bounding box crosses the antimeridian"}
	}
	if out.MinLon == out.MaxLon {
		return BoundingBox{}, &UnsupportedRegionError{
			BBox:   b,
			Reason: fmt.Sprintf("min longitude %f must be less than max longitude %f", out.MinLon, out.MaxLon),
		}
	}
	return out, nil
}

// CenteredRequest represents a centered tile request
type CenteredRequest struct {
	Lat, Lon      float64
	Width, Height int
}

// BoundingBox converts the centre point and output size in pixels into geographic bounds at zoom
func (r CenteredRequest) BoundingBox(zoom, tileSize int) (BoundingBox, error) {
	if r.Width <= 0 || r.Height <= 0 {
		return BoundingBox{}, &UnsupportedRegionError{
			Reason: fmt.Sprintf("width/height must be positive: %d %d", r.Width, r.Height),
		}
	}
	center, err := LatLonToPixel(r.Lat, r.Lon, zoom, tileSize)
	if err != nil {
		return BoundingBox{}, err
	}

	worldSize := math.Ldexp(float64(tileSize), zoom)
	halfW := float64(r.Width) / 2
	halfH := float64(r.Height) / 2
	tl := Pixel{X: math.Max(center.X-halfW, 0), Y: math.Max(center.Y-halfH, 0)}
	br := Pixel{X: math.Min(center.X+halfW, worldSize), Y: math.Min(center.Y+halfH, worldSize)}

	maxLat, minLon := PixelToLatLon(tl, zoom, tileSize)
	minLat, maxLon := PixelToLatLon(br, zoom, tileSize)
	return BoundingBox{MinLat: minLat, MinLon: minLon, MaxLat: maxLat, MaxLon: maxLon}, nil
}
