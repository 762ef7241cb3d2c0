// Package georef derives the affine transform that ties mosaic pixels to Web Mercator metres.
package georef

import (
	"bytes"
	"fmt"
	"image"
	"math"

	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// GeoTransform maps pixel (col, row) to projected coordinates:
//
//	x = OriginX + col*PixelWidth + row*RotationX
//	y = OriginY + col*RotationY + row*PixelHeight
//
// Coordinates refer to pixel corners. PixelHeight is negative for north-up rasters.
type GeoTransform struct {
	OriginX     float64 `json:"origin_x"`
	OriginY     float64 `json:"origin_y"`
	PixelWidth  float64 `json:"pixel_width"`
	PixelHeight float64 `json:"pixel_height"`
	RotationX   float64 `json:"rotation_x"`
	RotationY   float64 `json:"rotation_y"`
	EPSG        int     `json:"epsg"`
}

// Build returns the transform of the full mosaic and the pixel rectangle of the
// requested bounding box inside it
func Build(plan *tileset.Plan) (GeoTransform, image.Rectangle, error) {
	if plan.TileSize <= 0 || plan.Len() == 0 {
		return GeoTransform{}, image.Rectangle{}, fmt.Errorf("empty plan")
	}

	res := tile.MetersPerPixel(plan.Zoom, plan.TileSize)
	ox, oy := tile.GlobalPixelToMeters(plan.GridOrigin(), plan.Zoom, plan.TileSize)
	gt := GeoTransform{
		OriginX:     ox,
		OriginY:     oy,
		PixelWidth:  res,
		PixelHeight: -res,
		EPSG:        tile.WebMercator.EPSG(),
	}

	return gt, CropRect(plan), nil
}

// CropRect is the smallest whole-pixel rectangle of the mosaic covering the bounding box.
// It is clamped to the mosaic and never empty.
func CropRect(plan *tileset.Plan) image.Rectangle {
	w, h := plan.PixelWidth(), plan.PixelHeight()

	// absorb float noise so an edge sitting on a pixel boundary does not grow the crop
	const eps = 1e-6
	x0 := clamp(int(math.Floor(plan.Offset.X+eps)), 0, w-1)
	y0 := clamp(int(math.Floor(plan.Offset.Y+eps)), 0, h-1)
	x1 := clamp(int(math.Ceil(plan.Offset.X+plan.Size.X-eps)), x0+1, w)
	y1 := clamp(int(math.Ceil(plan.Offset.Y+plan.Size.Y-eps)), y0+1, h)

	return image.Rect(x0, y0, x1, y1)
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

// Translate returns the transform of a raster whose pixel (0, 0) is pixel pt of gt
func (gt GeoTransform) Translate(pt image.Point) GeoTransform {
	out := gt
	out.OriginX, out.OriginY = gt.Apply(float64(pt.X), float64(pt.Y))
	return out
}

// Apply converts a pixel position to projected coordinates
func (gt GeoTransform) Apply(col, row float64) (x, y float64) {
	x = gt.OriginX + col*gt.PixelWidth + row*gt.RotationX
	y = gt.OriginY + col*gt.RotationY + row*gt.PixelHeight
	return x, y
}

// LatLon converts a pixel position to WGS84
func (gt GeoTransform) LatLon(col, row float64) (lat, lon float64) {
	return tile.UnprojectXY(gt.Apply(col, row))
}

// Invert converts projected coordinates back to a pixel position.
// It reports false when the transform is degenerate.
func (gt GeoTransform) Invert(x, y float64) (col, row float64, ok bool) {
	det := gt.PixelWidth*gt.PixelHeight - gt.RotationX*gt.RotationY
	if det == 0 {
		return 0, 0, false
	}
	dx, dy := x-gt.OriginX, y-gt.OriginY
	col = (dx*gt.PixelHeight - dy*gt.RotationX) / det
	row = (dy*gt.PixelWidth - dx*gt.RotationY) / det
	return col, row, true
}

// GDAL returns the coefficients in GDAL's GetGeoTransform order
func (gt GeoTransform) GDAL() [6]float64 {
	return [6]float64{gt.OriginX, gt.PixelWidth, gt.RotationX, gt.OriginY, gt.RotationY, gt.PixelHeight}
}

// WorldFile renders the six-line ESRI world file. World files locate the centre of the
// top-left pixel rather than its corner.
func WorldFile(gt GeoTransform) []byte {
	cx, cy := gt.Apply(0.5, 0.5)

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%24.10f\n", gt.PixelWidth)
	fmt.Fprintf(&buf, "%24.10f\n", gt.RotationY)
	fmt.Fprintf(&buf, "%24.10f\n", gt.RotationX)
	fmt.Fprintf(&buf, "%24.10f\n", gt.PixelHeight)
	fmt.Fprintf(&buf, "%24.10f\n", cx)
	fmt.Fprintf(&buf, "%24.10f\n", cy)
	return buf.Bytes()
}

// WorldFileExt returns the side-car suffix for a raster suffix, e.g. ".png" -> ".pgw"
func WorldFileExt(rasterExt string) string {
	switch rasterExt {
	case ".tif", ".tiff":
		return ".tfw"
	case ".png":
		return ".pgw"
	case ".jpg", ".jpeg":
		return ".jgw"
	case ".gif":
		return ".gfw"
	}
	if len(rasterExt) >= 3 {
		// first and last letter of the extension plus "w"
		return rasterExt[:2] + rasterExt[len(rasterExt)-1:] + "w"
	}
	return ".wld"
}
