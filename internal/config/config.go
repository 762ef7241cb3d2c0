// Package config loads geostitch settings from flags, environment and a YAML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"image/color"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/kiesman99/geostitch/internal/cache"
	"github.com/kiesman99/geostitch/internal/export"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// EnvPrefix is prepended to environment overrides, e.g. GEOSTITCH_FETCH_WORKERS
const EnvPrefix = "GEOSTITCH"

type Config struct {
	// Map selects a built-in service by name, or describes a custom one through URLs
	Map    mapdesc.Config `mapstructure:"map"`
	Fetch  Fetch          `mapstructure:"fetch"`
	Cache  Cache          `mapstructure:"cache"`
	Output Output         `mapstructure:"output"`
	Server Server         `mapstructure:"server"`
	Log    Log            `mapstructure:"log"`
}

type Fetch struct {
	Workers   int               `mapstructure:"workers" default:"10" validate:"min=1,max=256"`
	Retries   int               `mapstructure:"retries" default:"3" validate:"min=0,max=20"`
	Backoff   time.Duration     `mapstructure:"backoff" default:"250ms" validate:"min=0"`
	Timeout   time.Duration     `mapstructure:"timeout" validate:"min=0"`
	UserAgent string            `mapstructure:"user-agent" default:"geostitch/1.0" validate:"required"`
	Headers   map[string]string `mapstructure:"headers"`
}

type Cache struct {
	Kind      string        `mapstructure:"kind" default:"none" validate:"oneof=none temp dir mbtiles mysql redis memory"`
	Path      string        `mapstructure:"path" validate:"required_if=Kind dir,required_if=Kind mbtiles"`
	Layout    string        `mapstructure:"layout" default:"zxy" validate:"oneof=zxy ogc quadkey"`
	DSN       string        `mapstructure:"dsn" validate:"required_if=Kind mysql"`
	Addr      string        `mapstructure:"addr" default:"localhost:6379" validate:"required_if=Kind redis"`
	Prefix    string        `mapstructure:"prefix" default:"geostitch"`
	TTL       time.Duration `mapstructure:"ttl" default:"24h" validate:"min=0"`
	Entries   int           `mapstructure:"entries" default:"4096" validate:"min=1"`
	Overwrite bool          `mapstructure:"overwrite"`
}

type Output struct {
	Format    string `mapstructure:"format" default:"geotiff" validate:"oneof=geotiff png"`
	WorldFile bool   `mapstructure:"worldfile"`
	// Fill is a #rrggbb or #rrggbbaa colour painted where tiles are missing
	Fill      string `mapstructure:"fill" validate:"omitempty,hexcolor"`
	MaxPixels int64  `mapstructure:"max-pixels" default:"100000000" validate:"min=1"`
}

type Server struct {
	Bind    string        `mapstructure:"bind" default:"localhost" validate:"required"`
	Port    int           `mapstructure:"port" default:"8080" validate:"min=1,max=65535"`
	Timeout time.Duration `mapstructure:"timeout" default:"60s" validate:"min=1s"`
	// MemoryTiles sizes the LRU in front of the tile proxy
	MemoryTiles int `mapstructure:"memory-tiles" default:"2048" validate:"min=1"`
}

type Log struct {
	Level string `mapstructure:"level" default:"info" validate:"oneof=trace debug info warn warning error fatal panic"`
	File  string `mapstructure:"file"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load builds a Config from v on top of the struct defaults and validates it
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and reports every violation at once
func (c *Config) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, len(verrs))
		for i, fe := range verrs {
			msgs[i] = fmt.Sprintf("%s fails %q", strings.TrimPrefix(fe.Namespace(), "Config."), fe.Tag())
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	return err
}

// NewViper returns a viper instance reading GEOSTITCH_* environment variables
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	bindEnv(v, "", reflect.TypeOf(Config{}))
	return v
}

// bindEnv registers every nested key so Unmarshal sees values that only exist in the
// environment
func bindEnv(v *viper.Viper, prefix string, t reflect.Type) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("mapstructure")
		if key == "" || key == "-" {
			continue
		}
		if prefix != "" {
			key = prefix + "." + key
		}
		if f.Type.Kind() == reflect.Struct {
			bindEnv(v, key, f.Type)
			continue
		}
		_ = v.BindEnv(key)
	}
}

// ReadFile loads path, or $HOME/.geostitch.yaml when path is empty. A missing default
// file is not an error.
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		return v.ReadInConfig()
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil
	}
	v.AddConfigPath(home)
	v.SetConfigType("yaml")
	v.SetConfigName(".geostitch")
	err = v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return nil
	}
	return err
}

// FetchOptions converts the fetch section. Store, progress and logger are left to the caller.
func (c *Config) FetchOptions() fetch.Options {
	retries := c.Fetch.Retries
	if retries == 0 {
		// fetch.Options treats zero as "default"
		retries = -1
	}
	return fetch.Options{
		Workers:   c.Fetch.Workers,
		Retries:   retries,
		Backoff:   c.Fetch.Backoff,
		Timeout:   c.Fetch.Timeout,
		Overwrite: c.Cache.Overwrite,
	}
}

// Client builds the HTTP tile client
func (c *Config) Client() *tile.HTTPClient {
	return tile.NewHTTPClient(c.Fetch.UserAgent, c.Fetch.Headers)
}

// Encoder returns the configured output encoder
func (c *Config) Encoder() (export.Encoder, error) {
	return export.ForFormat(c.Output.Format)
}

// FillColor parses Output.Fill. An empty value means transparent, returned as nil.
func (c *Config) FillColor() (color.Color, error) {
	return ParseColor(c.Output.Fill)
}

// ParseColor accepts #rgb, #rgba, #rrggbb and #rrggbbaa
func ParseColor(s string) (color.Color, error) {
	if s == "" {
		return nil, nil
	}
	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 || len(hex) == 4 {
		short := hex
		hex = ""
		for i := 0; i < len(short); i++ {
			hex += short[i:i+1] + short[i:i+1]
		}
	}
	if len(hex) == 6 {
		hex += "ff"
	}
	if len(hex) != 8 {
		return nil, fmt.Errorf("invalid colour %q", s)
	}
	n, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("invalid colour %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(n >> 24), G: uint8(n >> 16), B: uint8(n >> 8), A: uint8(n)}, nil
}

// Descriptor resolves the configured map, letting name override the configured one
func (c *Config) Descriptor(name string) (mapdesc.Descriptor, error) {
	mc := c.Map
	if name != "" {
		mc.Name = name
	}
	return mapdesc.Resolve(mc.Name, mc)
}

// OpenStore opens the configured tile store for map. The returned func releases it and
// must be called even when the store is nil.
func (c *Cache) OpenStore(ctx context.Context, mapName string, format tile.ImageFormat) (cache.Store, func() error, error) {
	noop := func() error { return nil }

	switch c.Kind {
	case "", "none":
		return nil, noop, nil

	case "memory":
		s, err := cache.NewMemoryStore(c.Entries)
		return s, noop, err

	case "temp":
		dir, err := os.MkdirTemp("", "geostitch-tiles-")
		if err != nil {
			return nil, noop, fmt.Errorf("create temporary tile directory: %w", err)
		}
		s, err := cache.NewDirStore(dir, cache.LayoutZXY, format)
		if err != nil {
			os.RemoveAll(dir)
			return nil, noop, err
		}
		return s, func() error { return os.RemoveAll(dir) }, nil

	case "dir":
		layout, err := cache.ParseLayout(c.Layout)
		if err != nil {
			return nil, noop, err
		}
		s, err := cache.NewDirStore(c.Path, layout, format)
		return s, noop, err

	case "mbtiles":
		s, err := cache.OpenMBTiles(ctx, c.Path)
		if err != nil {
			return nil, noop, fmt.Errorf("open mbtiles %s: %w", c.Path, err)
		}
		return s, s.Close, nil

	case "mysql":
		s, err := cache.OpenMySQL(ctx, c.DSN)
		if err != nil {
			return nil, noop, err
		}
		return s, s.Close, nil

	case "redis":
		prefix := c.Prefix + ":"
		if mapName != "" {
			prefix += mapName + ":"
		}
		s := cache.NewRedisStore(cache.NewRedisPool(c.Addr, 8), prefix, c.TTL)
		return s, s.Close, nil
	}
	return nil, noop, fmt.Errorf("unknown cache kind %q", c.Kind)
}
