package cmd

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/kiesman99/geostitch/internal/config"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/internal/server"
	"github.com/kiesman99/geostitch/pkg/tile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server for tile stitching API",
	Long: `Start an HTTP server that provides a REST API for tile stitching.

The server provides endpoints for both bounding box and centered tile stitching, a
plan endpoint that reports the grid a request would fetch, and a caching tile proxy.
The map given with --map or --url becomes the default for requests that name none.
Proxied and stitched tiles are kept in memory; with --cache dir, mbtiles or redis they
are also persisted, one directory, MBTiles file or key prefix per map.

Examples:
  # Start server on default port 8080
  geostitch serve

  # Start server on custom port with OpenStreetMap as the default map
  geostitch serve --port 3000 --map osm

  # Start server with custom bind address
  geostitch serve --bind 0.0.0.0 --port 8080`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server configuration
	serveCmd.Flags().StringP("bind", "b", "localhost", "bind address")
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	serveCmd.Flags().Duration("server-timeout", 60*time.Second, "request timeout")
	serveCmd.Flags().Int("memory-tiles", 2048, "tiles kept in memory per map")
	serveCmd.Flags().String("fill", "", "colour for missing tiles when a request sets none")
	serveCmd.Flags().Int64("max-pixels", 100000000, "refuse tile grids larger than this many pixels")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	var def mapdesc.Descriptor
	if cfg.Map.Name != "" || len(cfg.Map.URLs) > 0 {
		if def, err = cfg.Descriptor(""); err != nil {
			return err
		}
	}
	fill, err := cfg.FillColor()
	if err != nil {
		return err
	}

	// finish fetching early enough to answer with a partial raster instead of a timeout
	fo := cfg.FetchOptions()
	if fo.Timeout <= 0 || fo.Timeout > cfg.Server.Timeout*3/4 {
		fo.Timeout = cfg.Server.Timeout * 3 / 4
	}

	backing, err := backingStores(a.ctx, cfg.Cache)
	if err != nil {
		return err
	}

	srv, err := server.NewServer(versioninfo.Short(), server.Options{
		Default:     def,
		UserAgent:   cfg.Fetch.UserAgent,
		Client:      cfg.Client(),
		Fetch:       fo,
		Fill:        fill,
		MaxPixels:   cfg.Output.MaxPixels,
		MemoryTiles: cfg.Server.MemoryTiles,
		Backing:     backing,
		Logger:      a.log,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Bind, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.NewRouter(srv, cfg.Server.Timeout, a.log.WithField("component", "http")),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout + 5*time.Second,
	}

	// Graceful shutdown
	go func() {
		<-a.ctx.Done()
		a.log.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			a.log.WithError(err).Error("server shutdown")
		}
	}()

	log := a.log.WithField("component", "server")
	log.Infof("starting geostitch server on %s", addr)
	log.Infof("health check: http://%s/api/v1/health", addr)
	log.Infof("stitch endpoint: http://%s/api/v1/stitch", addr)
	if def != nil {
		log.Infof("default map: %s", def.Name())
	}

	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

var safeName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// storeName turns a tile cache key into a file or key component
func storeName(key string) string {
	if safeName.MatchString(key) {
		return key
	}
	sum := sha1.Sum([]byte(key))
	return "src-" + hex.EncodeToString(sum[:6])
}

// backingStores opens one persistent store per map behind the server's memory caches.
// Kinds that keep every map in one table cannot be shared between maps and are refused.
func backingStores(ctx context.Context, c config.Cache) (func(string, tile.ImageFormat) (fetch.Store, func() error, error), error) {
	switch c.Kind {
	case "", "none", "temp", "memory":
		return nil, nil
	case "mysql":
		return nil, fmt.Errorf("cache kind %q holds a single map and cannot back the server", c.Kind)
	case "mbtiles":
		if err := os.MkdirAll(c.Path, 0o755); err != nil {
			return nil, err
		}
	}
	return func(key string, format tile.ImageFormat) (fetch.Store, func() error, error) {
		cc := c
		name := storeName(key)
		switch cc.Kind {
		case "dir":
			cc.Path = filepath.Join(c.Path, name)
		case "mbtiles":
			cc.Path = filepath.Join(c.Path, name+".mbtiles")
		}
		store, release, err := cc.OpenStore(ctx, name, format)
		if err != nil || store == nil {
			return nil, release, err
		}
		return store, release, nil
	}, nil
}
