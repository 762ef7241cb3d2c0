package tile

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb/maptile"
)

// Sentinels for errors.Is checks against the typed errors below
var (
	ErrOutOfDomain       = errors.New("coordinate out of projection domain")
	ErrInvalidZoom       = errors.New("invalid zoom level")
	ErrUnsupportedRegion = errors.New("unsupported region")
	ErrFetch             = errors.New("tile fetch failed")
	ErrDecode            = errors.New("tile decode failed")
	ErrEncode            = errors.New("raster encode failed")
	ErrConfig            = errors.New("invalid map configuration")
	ErrAllTilesFailed    = errors.New("all tiles failed")
	ErrDeadline          = errors.New("operation deadline reached before tile was fetched")
)

// OutOfDomainError reports geographic input the projection cannot represent
type OutOfDomainError struct {
	Lat, Lon float64
	Reason   string
}

func (e *OutOfDomainError) Error() string {
	return fmt.Sprintf("out of domain (lat=%v lon=%v): %s", e.Lat, e.Lon, e.Reason)
}

func (e *OutOfDomainError) Is(target error) bool { return target == ErrOutOfDomain }

// InvalidZoomError reports a zoom level the map service cannot serve
type InvalidZoomError struct {
	Zoom    int
	MaxZoom int
}

func (e *InvalidZoomError) Error() string {
	return fmt.Sprintf("zoom level %d out of range [0, %d]", e.Zoom, e.MaxZoom)
}

func (e *InvalidZoomError) Is(target error) bool { return target == ErrInvalidZoom }

// UnsupportedRegionError reports a bounding box that cannot be planned
type UnsupportedRegionError struct {
	BBox   BoundingBox
	Reason string
}

func (e *UnsupportedRegionError) Error() string {
	return fmt.Sprintf("unsupported region %s: %s", e.BBox, e.Reason)
}

func (e *UnsupportedRegionError) Is(target error) bool { return target == ErrUnsupportedRegion }

// FetchError represents errors related to tile downloading
type FetchError struct {
	URL        string
	StatusCode int
	Transient  bool
	Err        error
}

func (e *FetchError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s HTTP %d", e.URL, kind, e.StatusCode)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// IsTransient reports whether err is worth retrying. Unknown errors are treated as transient.
func IsTransient(err error) bool {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return err != nil
}

// DecodeError reports tile bytes that could not be turned into pixels
type DecodeError struct {
	Tile maptile.Tile
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode tile %d/%d/%d: %v", e.Tile.Z, e.Tile.X, e.Tile.Y, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// EncodeError reports a failure writing the output raster
type EncodeError struct {
	Path string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Path, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

func (e *EncodeError) Is(target error) bool { return target == ErrEncode }

// ConfigError reports a map descriptor that cannot produce URLs
type ConfigError struct {
	Map string
	Err error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("map %q: %v", e.Map, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

func (e *ConfigError) Is(target error) bool { return target == ErrConfig }

// Failure records why a single tile is missing from a result
type Failure struct {
	Tile maptile.Tile
	Err  error
}

func (f Failure) String() string {
	return fmt.Sprintf("%d/%d/%d: %v", f.Tile.Z, f.Tile.X, f.Tile.Y, f.Err)
}

// AllTilesFailedError is returned when not a single planned tile could be used
type AllTilesFailedError struct {
	Failures []Failure
}

func (e *AllTilesFailedError) Error() string {
	// group identical causes so large plans stay readable
	counts := make(map[string]int)
	for _, f := range e.Failures {
		counts[f.Err.Error()]++
	}
	causes := make([]string, 0, len(counts))
	for msg, n := range counts {
		causes = append(causes, fmt.Sprintf("%dx %s", n, msg))
	}
	sort.Strings(causes)
	return fmt.Sprintf("all %d tiles failed: %s", len(e.Failures), strings.Join(causes, "; "))
}

func (e *AllTilesFailedError) Is(target error) bool { return target == ErrAllTilesFailed }

// Unwrap exposes every per-tile cause to errors.Is and errors.As
func (e *AllTilesFailedError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f.Err
	}
	return errs
}
