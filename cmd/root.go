package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/kiesman99/geostitch/internal/config"
	"github.com/kiesman99/geostitch/internal/export"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/internal/stitcher"
	"github.com/kiesman99/geostitch/pkg/tile"
)

var (
	cfgFile string
	v       = config.NewViper()
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "geostitch",
	Short: "Stitch together and crop map tiles for any bounding box",
	Long: `geostitch downloads tiles from a web map service and stitches them into one
georeferenced raster.

Tiles may come from a built-in service (see "geostitch maps") or from URL templates
with {z}, {x}, {y}, {-y}, {q} and {s} placeholders. The result is written as a GeoTIFF
in Web Mercator (EPSG:3857) or as a PNG, optionally with a world file.

Examples:
  # Australia from OpenStreetMap at zoom 4
  geostitch --map osm --bbox -38.349326,111.905820,-10.550982,155.047867 --zoom 4 -o australia.tif

  # PNG with world file from a custom template
  geostitch --bbox 37.37,-122.92,38.23,-121.56 --zoom 10 \
    --url 'https://{s}.tile.openstreetmap.org/{z}/{x}/{y}.png' --subdomains a,b,c \
    -f png -w -o baymodel

  # 640x480 image centred on Tokyo
  geostitch --map esri --lat 35.6824 --lon 139.7531 --width 640 --height 480 --zoom 10 -o tokyo.tif

  # Start HTTP server
  geostitch serve --port 8080`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ReadFile(v, cfgFile)
	},
	RunE: runStitch,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.geostitch.yaml)")

	// Map selection
	pf.StringP("map", "m", "", "built-in map service, see 'geostitch maps'")
	pf.StringSliceP("url", "u", nil, "tile URL template(s), tried in order as mirrors")
	pf.StringSlice("subdomains", nil, "values substituted for {s} in URL templates")
	pf.String("tile-format", "", "tile image format (png|jpeg|gif|webp), guessed from the URL when empty")
	pf.IntP("tilesize", "t", 0, "tile size in pixels (default 256)")
	pf.Int("max-zoom", 0, "deepest zoom level of a custom service (default 19)")

	// HTTP options
	pf.Int("workers", 10, "concurrent tile requests")
	pf.Int("retries", 3, "extra attempts per mirror after a transient failure")
	pf.Duration("timeout", 0, "give up on unfinished tiles after this long (0 waits forever)")
	pf.String("user-agent", "geostitch/1.0", "HTTP User-Agent header")

	// Tile store
	pf.String("cache", "none", "tile store: none|temp|dir|mbtiles|mysql|redis|memory")
	pf.String("cache-path", "", "directory or MBTiles file of the tile store")
	pf.String("layout", "zxy", "file layout of a directory store (zxy|quadkey)")
	pf.String("dsn", "", "MySQL data source name")
	pf.String("redis", "localhost:6379", "Redis address")
	pf.Bool("overwrite", false, "refetch tiles already present in the store")

	// Logging
	pf.String("log-level", "info", "trace|debug|info|warn|error")
	pf.String("log-file", "", "also append log output to this file")
	pf.BoolP("quiet", "q", false, "hide the progress bar")

	addRegionFlags(rootCmd)
	addOutputFlags(rootCmd)
}

// flagKeys maps flags to configuration keys. Flags are bound when a command runs so
// that commands sharing a flag name don't shadow each other.
var flagKeys = map[string]string{
	"map":            "map.name",
	"url":            "map.urls",
	"subdomains":     "map.subdomains",
	"tile-format":    "map.format",
	"tilesize":       "map.tile-size",
	"max-zoom":       "map.max-zoom",
	"workers":        "fetch.workers",
	"retries":        "fetch.retries",
	"timeout":        "fetch.timeout",
	"user-agent":     "fetch.user-agent",
	"cache":          "cache.kind",
	"cache-path":     "cache.path",
	"layout":         "cache.layout",
	"dsn":            "cache.dsn",
	"redis":          "cache.addr",
	"overwrite":      "cache.overwrite",
	"log-level":      "log.level",
	"log-file":       "log.file",
	"format":         "output.format",
	"worldfile":      "output.worldfile",
	"fill":           "output.fill",
	"max-pixels":     "output.max-pixels",
	"bind":           "server.bind",
	"port":           "server.port",
	"server-timeout": "server.timeout",
	"memory-tiles":   "server.memory-tiles",
}

func bindFlags(fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || err != nil {
			return
		}
		if e := v.BindPFlag(key, f); e != nil {
			err = fmt.Errorf("bind --%s: %w", f.Name, e)
		}
	})
	return err
}

// addRegionFlags registers the bounding box, centred and zoom flags on cmd
func addRegionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("bbox", "", "bounding box as 'min-lat,min-lon,max-lat,max-lon'")
	f.Float64("min-lat", 0, "minimum latitude (south boundary)")
	f.Float64("min-lon", 0, "minimum longitude (west boundary)")
	f.Float64("max-lat", 0, "maximum latitude (north boundary)")
	f.Float64("max-lon", 0, "maximum longitude (east boundary)")

	f.Float64("lat", 0, "center latitude")
	f.Float64("lon", 0, "center longitude")
	f.Int("width", 0, "image width in pixels (centered mode)")
	f.Int("height", 0, "image height in pixels (centered mode)")

	f.IntP("zoom", "z", -1, "zoom level (required)")
	cmd.MarkFlagsMutuallyExclusive("bbox", "lat")
	cmd.MarkFlagsMutuallyExclusive("bbox", "min-lat")
	cmd.MarkFlagsRequiredTogether("min-lat", "min-lon", "max-lat", "max-lon")
	cmd.MarkFlagsRequiredTogether("lat", "lon", "width", "height")
}

// addOutputFlags registers raster output flags on cmd
func addOutputFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringP("output", "o", "", "output file, '-' for stdout; the extension is added when missing (default: <map>_z<zoom>)")
	f.StringP("format", "f", "geotiff", "output format (geotiff|png)")
	f.BoolP("worldfile", "w", false, "write world file")
	f.String("fill", "", "colour for missing tiles as #rrggbb or #rrggbbaa (default transparent)")
	f.Int64("max-pixels", 100000000, "refuse tile grids larger than this many pixels")
}

func runStitch(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	desc, err := a.cfg.Descriptor("")
	if err != nil {
		return err
	}
	bbox, zoom, err := region(cmd, desc.TileSize())
	if err != nil {
		return err
	}

	// the full pipeline always goes through a store, a scratch directory when none is configured
	if a.cfg.Cache.Kind == "none" {
		a.cfg.Cache.Kind = "temp"
	}
	store, release, err := a.cfg.Cache.OpenStore(a.ctx, desc.Name(), desc.Format())
	if err != nil {
		return err
	}
	defer release()

	st, err := a.stitcher(store)
	if err != nil {
		return err
	}

	dest, _ := cmd.Flags().GetString("output")
	if dest == "-" {
		return stitchToStdout(cmd, a, st, desc, bbox, zoom)
	}
	if dest == "" {
		dest = fmt.Sprintf("%s_z%d", desc.Name(), zoom)
	}
	dest = filepath.Clean(dest)

	report, err := st.DownloadAsRaster(a.ctx, desc, dest, bbox, zoom)
	a.finish(report)
	if err != nil {
		return err
	}

	out := report.Output
	fmt.Fprintf(cmd.OutOrStdout(), "%s %dx%d (%d tiles, %d from store, %d failed)\n",
		out.Path, out.Width, out.Height, report.Tiles, report.Cached, report.Failed)
	if out.WorldFilePath != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out.WorldFilePath)
	}
	return nil
}

// stitchToStdout streams the encoded raster instead of writing a file. World files need
// a path and are not written.
func stitchToStdout(cmd *cobra.Command, a *app, st *stitcher.Stitcher, desc mapdesc.Descriptor, bbox tile.BoundingBox, zoom int) error {
	if stat, err := os.Stdout.Stat(); err == nil && stat.Mode()&os.ModeCharDevice != 0 {
		return errors.New("refusing to write a raster to a terminal, redirect stdout or use --output")
	}
	raster, report, err := st.Stitch(a.ctx, desc, bbox, zoom)
	a.finish(report)
	if err != nil {
		return err
	}
	enc, err := a.cfg.Encoder()
	if err != nil {
		return err
	}
	_, err = export.Write(a.ctx, cmd.OutOrStdout(), raster.Mosaic, raster.Crop, raster.GeoTransform, enc)
	return err
}
