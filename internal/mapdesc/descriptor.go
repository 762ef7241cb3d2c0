// Package mapdesc describes tiled web map services: how a tile index becomes request URLs,
// which image format and tile size the service returns and how deep its pyramid goes.
package mapdesc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/kiesman99/geostitch/pkg/tile"
)

// Descriptor is the read-only description of a tile service
type Descriptor interface {
	Name() string
	// URLs returns the mirror URLs for t in the order they should be tried
	URLs(t maptile.Tile) ([]string, error)
	TileSize() int
	Format() tile.ImageFormat
	Projection() tile.ProjectionKind
	MaxZoom() int
	// Delay is the politeness pause after each network fetch
	Delay() time.Duration
}

// Config describes a service by URL templates.
//
// Templates may use the placeholders {z}, {x}, {y}, {-y} (TMS row), {q} (Bing quadkey)
// and {s}. A template containing {s} expands into one mirror per entry in Subdomains.
type Config struct {
	Name       string        `mapstructure:"name" json:"name"`
	URLs       []string      `mapstructure:"urls" json:"urls"`
	Subdomains []string      `mapstructure:"subdomains" json:"subdomains,omitempty"`
	TileSize   int           `mapstructure:"tile-size" json:"tile_size,omitempty"`
	Format     string        `mapstructure:"format" json:"format,omitempty"`
	MaxZoom    int           `mapstructure:"max-zoom" json:"max_zoom,omitempty"`
	Delay      time.Duration `mapstructure:"delay" json:"delay,omitempty"`
}

// Template is a Descriptor backed by URL templates
type Template struct {
	name       string
	templates  []string
	subdomains []string
	tileSize   int
	format     tile.ImageFormat
	maxZoom    int
	delay      time.Duration
}

var _ Descriptor = (*Template)(nil)

// New validates cfg and builds a template descriptor.
// When cfg.Format is empty the format is guessed from the URL suffix.
func New(cfg Config) (*Template, error) {
	if cfg.Name == "" {
		cfg.Name = "custom"
	}
	if len(cfg.URLs) == 0 {
		return nil, &tile.ConfigError{Map: cfg.Name, Err: errors.New("at least one URL template is required")}
	}
	for _, u := range cfg.URLs {
		if err := checkTemplate(u, cfg.Subdomains); err != nil {
			return nil, &tile.ConfigError{Map: cfg.Name, Err: err}
		}
	}

	t := &Template{
		name:       cfg.Name,
		templates:  cfg.URLs,
		subdomains: cfg.Subdomains,
		tileSize:   cfg.TileSize,
		maxZoom:    cfg.MaxZoom,
		delay:      cfg.Delay,
	}
	if t.tileSize == 0 {
		t.tileSize = tile.DefaultTileSize
	}
	if t.tileSize < 0 {
		return nil, &tile.ConfigError{Map: cfg.Name, Err: fmt.Errorf("tile size must be positive: %d", cfg.TileSize)}
	}
	if t.maxZoom == 0 {
		t.maxZoom = 19
	}
	if t.maxZoom < 0 || t.maxZoom > tile.MaxZoom {
		return nil, &tile.ConfigError{Map: cfg.Name, Err: fmt.Errorf("max zoom must be in [0, %d]: %d", tile.MaxZoom, cfg.MaxZoom)}
	}

	if cfg.Format != "" {
		f, err := tile.ParseImageFormat(cfg.Format)
		if err != nil {
			return nil, &tile.ConfigError{Map: cfg.Name, Err: err}
		}
		t.format = f
	} else {
		for _, u := range cfg.URLs {
			if f, ok := tile.GuessImageFormat(u); ok {
				t.format = f
				break
			}
		}
		if t.format == "" {
			return nil, &tile.ConfigError{Map: cfg.Name, Err: errors.New("can't guess tile format from URL, set it explicitly")}
		}
	}

	return t, nil
}

func checkTemplate(u string, subdomains []string) error {
	hasQuadkey := strings.Contains(u, "{q}")
	hasXYZ := strings.Contains(u, "{z}") && strings.Contains(u, "{x}") &&
		(strings.Contains(u, "{y}") || strings.Contains(u, "{-y}"))
	if !hasQuadkey && !hasXYZ {
		return fmt.Errorf("template %q must contain {z}, {x} and {y} (or {-y}) placeholders, or {q}", u)
	}
	if strings.Contains(u, "{s}") && len(subdomains) == 0 {
		return fmt.Errorf("template %q uses {s} but no subdomains are configured", u)
	}
	return nil
}

func (t *Template) Name() string                    { return t.name }
func (t *Template) TileSize() int                   { return t.tileSize }
func (t *Template) Format() tile.ImageFormat        { return t.format }
func (t *Template) Projection() tile.ProjectionKind { return tile.WebMercator }
func (t *Template) MaxZoom() int                    { return t.maxZoom }
func (t *Template) Delay() time.Duration            { return t.delay }

// URLs expands every template for tile. Tiles outside the pyramid are a configuration error.
func (t *Template) URLs(mt maptile.Tile) ([]string, error) {
	z := int(mt.Z)
	if z > t.maxZoom {
		return nil, &tile.ConfigError{Map: t.name, Err: &tile.InvalidZoomError{Zoom: z, MaxZoom: t.maxZoom}}
	}
	n := uint32(1) << mt.Z
	if mt.X >= n || mt.Y >= n {
		return nil, &tile.ConfigError{Map: t.name, Err: fmt.Errorf("tile %d/%d/%d outside the pyramid", mt.Z, mt.X, mt.Y)}
	}

	r := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.FormatUint(uint64(mt.X), 10),
		"{y}", strconv.FormatUint(uint64(mt.Y), 10),
		"{-y}", strconv.FormatUint(uint64(n-1-mt.Y), 10),
		"{q}", Quadkey(mt),
	)

	urls := make([]string, 0, len(t.templates)*max(1, len(t.subdomains)))
	for _, tmpl := range t.templates {
		expanded := r.Replace(tmpl)
		if !strings.Contains(expanded, "{s}") {
			urls = append(urls, expanded)
			continue
		}
		for _, s := range t.subdomains {
			urls = append(urls, strings.ReplaceAll(expanded, "{s}", s))
		}
	}
	return urls, nil
}

// Quadkey returns the Bing Maps base-4 key of t, most significant level first
func Quadkey(t maptile.Tile) string {
	var sb strings.Builder
	sb.Grow(int(t.Z))
	for i := int(t.Z); i > 0; i-- {
		digit := byte('0')
		mask := uint32(1) << (i - 1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		sb.WriteByte(digit)
	}
	return sb.String()
}
