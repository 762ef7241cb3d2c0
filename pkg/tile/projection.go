package tile

import (
	"fmt"
	"math"
)

const (
	// MaxLatitude is the northern edge of the Web Mercator square, atan(sinh(pi)) in degrees
	MaxLatitude = 85.05112877980659
	// MinLatitude is the southern edge of the Web Mercator square
	MinLatitude = -MaxLatitude

	// MaxZoom bounds the pyramid depth so global pixel coordinates stay exact in float64
	MaxZoom = 30

	// DefaultTileSize is the standard slippy map tile dimension in pixels
	DefaultTileSize = 256

	// EarthRadius is the WGS84 semi-major axis used by spherical Mercator
	EarthRadius = 6378137.0
	// OriginShift is half the projected world width, 2 * pi * 6378137 / 2
	OriginShift = math.Pi * EarthRadius

	// latitudeTolerance absorbs rounding in callers that pass the rounded domain edge
	latitudeTolerance = 1e-9
)

// ClampLatitude checks lat against the Web Mercator domain.
// Values marginally beyond the edge are clamped; anything further is an OutOfDomainError.
func ClampLatitude(lat float64) (float64, error) {
	if math.IsNaN(lat) || math.IsInf(lat, 0) {
		return 0, &OutOfDomainError{Lat: lat, Reason: "latitude is not a finite number"}
	}
	if lat > MaxLatitude+latitudeTolerance || lat < MinLatitude-latitudeTolerance {
		return 0, &OutOfDomainError{
			Lat:    lat,
			Reason: fmt.Sprintf("latitude outside Web Mercator range [%f, %f]", MinLatitude, MaxLatitude),
		}
	}
	return math.Max(MinLatitude, math.Min(MaxLatitude, lat)), nil
}

// WrapLongitude maps lon into [-180, 180]. Values already in range are returned unchanged.
func WrapLongitude(lon float64) (float64, error) {
	if math.IsNaN(lon) || math.IsInf(lon, 0) {
		return 0, &OutOfDomainError{Lon: lon, Reason: "longitude is not a finite number"}
	}
	if lon >= -180 && lon <= 180 {
		return lon, nil
	}
	wrapped := math.Mod(lon+180, 360)
	if wrapped < 0 {
		wrapped += 360
	}
	return wrapped - 180, nil
}

// worldSize is the number of pixels along one axis of the whole map at zoom
func worldSize(zoom, tileSize int) float64 {
	return math.Ldexp(float64(tileSize), zoom)
}

// LatLonToPixel converts a WGS84 position to a fractional global pixel coordinate at zoom.
// http://wiki.openstreetmap.org/wiki/Slippy_map_tilenames
func LatLonToPixel(lat, lon float64, zoom, tileSize int) (Pixel, error) {
	lat, err := ClampLatitude(lat)
	if err != nil {
		return Pixel{}, err
	}
	lon, err = WrapLongitude(lon)
	if err != nil {
		return Pixel{}, err
	}

	size := worldSize(zoom, tileSize)
	latRad := lat * math.Pi / 180
	x := (lon + 180) / 360 * size
	y := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * size

	return Pixel{X: x, Y: y}, nil
}

// PixelToLatLon converts a global pixel coordinate at zoom back to WGS84
func PixelToLatLon(p Pixel, zoom, tileSize int) (lat, lon float64) {
	size := worldSize(zoom, tileSize)
	lon = p.X/size*360 - 180
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*p.Y/size)))
	lat = latRad * 180 / math.Pi
	return lat, lon
}

// PixelToTile splits a global pixel coordinate into a tile index and the position within that tile
func PixelToTile(p Pixel, tileSize int) (x, y int, within Pixel) {
	ts := float64(tileSize)
	x = int(math.Floor(p.X / ts))
	y = int(math.Floor(p.Y / ts))
	within = Pixel{X: p.X - float64(x)*ts, Y: p.Y - float64(y)*ts}
	return x, y, within
}

// ProjectLatLon converts lat/lon in WGS84 to XY in Spherical Mercator (EPSG:900913/3857)
func ProjectLatLon(lat, lon float64) (float64, float64) {
	x := lon * OriginShift / 180.0
	y := math.Log(math.Tan((90+lat)*math.Pi/360.0)) / (math.Pi / 180.0)
	y = y * OriginShift / 180.0

	return x, y
}

// UnprojectXY converts Spherical Mercator XY back to WGS84 lat/lon
func UnprojectXY(x, y float64) (lat, lon float64) {
	lon = x / OriginShift * 180.0
	lat = y / OriginShift * 180.0
	lat = 180.0 / math.Pi * (2.0*math.Atan(math.Exp(lat*math.Pi/180.0)) - math.Pi/2.0)
	return lat, lon
}

// MetersPerPixel is the projected size of one pixel at zoom. Each zoom step halves it exactly.
func MetersPerPixel(zoom, tileSize int) float64 {
	return 2 * OriginShift / worldSize(zoom, tileSize)
}

// DegreesPerPixel is the longitudinal size of one pixel at zoom
func DegreesPerPixel(zoom, tileSize int) float64 {
	return 360 / worldSize(zoom, tileSize)
}

// GlobalPixelToMeters converts a global pixel coordinate to EPSG:3857 metres
func GlobalPixelToMeters(p Pixel, zoom, tileSize int) (x, y float64) {
	res := MetersPerPixel(zoom, tileSize)
	return p.X*res - OriginShift, OriginShift - p.Y*res
}
