package mapdesc

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iancoleman/strcase"
	"github.com/paulmach/orb/maptile"

	"github.com/kiesman99/geostitch/pkg/tile"
)

var mirrors = []string{"0", "1", "2", "3"}

var builtins = []Config{
	{
		Name:    "open-street-map",
		URLs:    []string{"https://tile.openstreetmap.org/{z}/{x}/{y}.png"},
		MaxZoom: 19,
		// tile usage policy asks heavy users to slow down
		Delay: 50 * time.Millisecond,
	},
	{
		Name:       "google-road",
		URLs:       []string{"http://mt{s}.google.com/vt/lyrs=m&x={x}&y={y}&z={z}"},
		Subdomains: mirrors,
		Format:     "png",
		MaxZoom:    20,
	},
	{
		Name:       "google-satellite",
		URLs:       []string{"http://mt{s}.google.com/vt/lyrs=s&x={x}&y={y}&z={z}"},
		Subdomains: mirrors,
		Format:     "png",
		MaxZoom:    20,
	},
	{
		Name:       "google-hybrid",
		URLs:       []string{"http://mt{s}.google.com/vt/lyrs=y&x={x}&y={y}&z={z}"},
		Subdomains: mirrors,
		Format:     "png",
		MaxZoom:    20,
	},
	{
		Name: "bing-road",
		URLs: []string{
			"http://ecn.dynamic.t{s}.tiles.virtualearth.net/comp/CompositionHandler/r{q}.jpeg?it=G,VE,BX,L,LA&shading=hill&g=94",
		},
		Subdomains: mirrors,
		MaxZoom:    19,
	},
	{
		Name:       "bing-satellite",
		URLs:       []string{"http://a{s}.ortho.tiles.virtualearth.net/tiles/a{q}.jpeg?g=94"},
		Subdomains: mirrors,
		MaxZoom:    19,
	},
	{
		Name:    "esri-world-imagery",
		URLs:    []string{"https://server.arcgisonline.com/ArcGIS/rest/services/World_Imagery/MapServer/tile/{z}/{y}/{x}"},
		Format:  "jpeg",
		MaxZoom: 19,
	},
}

var aliases = map[string]string{
	"osm":           "open-street-map",
	"openstreetmap": "open-street-map",
	"google":        "google-road",
	"bing":          "bing-road",
	"esri":          "esri-world-imagery",
}

var (
	registryOnce sync.Once
	registry     map[string]*Template
)

func loadRegistry() {
	registry = make(map[string]*Template, len(builtins))
	for _, cfg := range builtins {
		t, err := New(cfg)
		if err != nil {
			panic(fmt.Sprintf("built-in map %s: %v", cfg.Name, err))
		}
		registry[cfg.Name] = t
	}
}

// normalizeName accepts GoogleRoad, google_road, google-road and "Google Road" alike
func normalizeName(name string) string {
	return strcase.ToKebab(strings.TrimSpace(name))
}

// Lookup returns the built-in map service called name
func Lookup(name string) (Descriptor, error) {
	registryOnce.Do(loadRegistry)

	key := normalizeName(name)
	if alias, ok := aliases[key]; ok {
		key = alias
	}
	if t, ok := registry[key]; ok {
		return t, nil
	}
	return nil, &tile.ConfigError{Map: name, Err: fmt.Errorf("unknown map service, available: %s", strings.Join(Names(), ", "))}
}

// Names lists the built-in map services in alphabetical order
func Names() []string {
	registryOnce.Do(loadRegistry)

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve picks a built-in service by name, or builds a custom one when URL templates are given
func Resolve(name string, cfg Config) (Descriptor, error) {
	if len(cfg.URLs) > 0 {
		if cfg.Name == "" {
			cfg.Name = name
		}
		return New(cfg)
	}
	if name == "" {
		return nil, &tile.ConfigError{Err: fmt.Errorf("either a map name or a URL template is required")}
	}
	return Lookup(name)
}

// Info is a serialisable summary of a descriptor
type Info struct {
	Name     string `json:"name"`
	Format   string `json:"format"`
	TileSize int    `json:"tile_size"`
	MaxZoom  int    `json:"max_zoom"`
	Mirrors  int    `json:"mirrors"`
}

// Describe summarises d for listings
func Describe(d Descriptor) Info {
	info := Info{
		Name:     d.Name(),
		Format:   string(d.Format()),
		TileSize: d.TileSize(),
		MaxZoom:  d.MaxZoom(),
	}
	if urls, err := d.URLs(maptile.New(0, 0, 0)); err == nil {
		info.Mirrors = len(urls)
	}
	return info
}
