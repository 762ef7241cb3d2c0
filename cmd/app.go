package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/kiesman99/geostitch/internal/config"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/logging"
	"github.com/kiesman99/geostitch/internal/stitcher"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// app holds what every command needs once flags are parsed
type app struct {
	cfg *config.Config
	log *logrus.Logger
	ctx context.Context

	quiet   bool
	stderr  io.Writer
	bar     *pb.ProgressBar
	barOnce sync.Once

	closers []func() error
}

func newApp(cmd *cobra.Command) (*app, error) {
	if err := bindFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logFile, err := logging.Setup(logger, cfg.Log.Level, cfg.Log.File)
	if err != nil {
		return nil, err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	quiet, _ := cmd.Flags().GetBool("quiet")

	a := &app{
		cfg:    cfg,
		log:    logger,
		ctx:    ctx,
		quiet:  quiet || logger.IsLevelEnabled(logrus.DebugLevel),
		stderr: cmd.ErrOrStderr(),
	}
	a.closers = append(a.closers, func() error { stop(); return nil }, logFile.Close)
	if v.ConfigFileUsed() != "" {
		logger.WithField("component", "config").Debugf("using config file %s", v.ConfigFileUsed())
	}
	return a, nil
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// stitcher builds a pipeline from the loaded configuration around store, which may be nil
func (a *app) stitcher(store fetch.Store) (*stitcher.Stitcher, error) {
	enc, err := a.cfg.Encoder()
	if err != nil {
		return nil, err
	}
	fill, err := a.cfg.FillColor()
	if err != nil {
		return nil, err
	}

	fo := a.cfg.FetchOptions()
	fo.OnProgress = a.progress
	return stitcher.New(stitcher.Options{
		Client:    a.cfg.Client(),
		Fetch:     fo,
		Store:     store,
		Encoder:   enc,
		WorldFile: a.cfg.Output.WorldFile,
		Fill:      fill,
		MaxPixels: a.cfg.Output.MaxPixels,
		Logger:    a.log,
	}), nil
}

// progress feeds the progress bar; the total is only known once fetching starts
func (a *app) progress(done, total int) {
	if a.quiet {
		return
	}
	a.barOnce.Do(func() {
		a.bar = pb.New(total)
		a.bar.SetWriter(a.stderr)
		a.bar.Set("prefix", "tiles ")
		a.bar.Start()
	})
	a.bar.SetCurrent(int64(done))
}

// finish stops the progress bar and logs the failed tiles of r
func (a *app) finish(r *stitcher.Report) {
	if a.bar != nil {
		a.bar.Finish()
	}
	if r == nil {
		return
	}
	log := a.log.WithField("request_id", r.RequestID)
	for _, ft := range r.FailedTiles {
		log.WithField("tile", ft.Tile).Warn(ft.Error)
	}
	if r.Err != nil {
		log.WithField("state", r.State).Debug("request failed")
	}
}

// region reads the bounding box or centred flags and the zoom level
func region(cmd *cobra.Command, tileSize int) (tile.BoundingBox, int, error) {
	f := cmd.Flags()
	zoom, _ := f.GetInt("zoom")
	if !f.Changed("zoom") {
		return tile.BoundingBox{}, 0, fmt.Errorf("zoom level is required (use --zoom)")
	}

	switch {
	case f.Changed("bbox"):
		s, _ := f.GetString("bbox")
		bbox, err := parseBBox(s)
		return bbox, zoom, err

	case f.Changed("min-lat"):
		var b tile.BoundingBox
		b.MinLat, _ = f.GetFloat64("min-lat")
		b.MinLon, _ = f.GetFloat64("min-lon")
		b.MaxLat, _ = f.GetFloat64("max-lat")
		b.MaxLon, _ = f.GetFloat64("max-lon")
		return b, zoom, nil

	case f.Changed("lat"):
		var req tile.CenteredRequest
		req.Lat, _ = f.GetFloat64("lat")
		req.Lon, _ = f.GetFloat64("lon")
		req.Width, _ = f.GetInt("width")
		req.Height, _ = f.GetInt("height")
		bbox, err := req.BoundingBox(zoom, tileSize)
		return bbox, zoom, err
	}
	return tile.BoundingBox{}, 0, fmt.Errorf("either specify bounding box coordinates (--min-lat, --min-lon, --max-lat, --max-lon or --bbox) or centered coordinates (--lat, --lon, --width, --height)")
}

// parseBBox reads "min-lat,min-lon,max-lat,max-lon"
func parseBBox(s string) (tile.BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return tile.BoundingBox{}, fmt.Errorf("bbox must be in format 'min-lat,min-lon,max-lat,max-lon'")
	}
	var vals [4]float64
	names := [4]string{"min-lat", "min-lon", "max-lat", "max-lon"}
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return tile.BoundingBox{}, fmt.Errorf("invalid %s in bbox: %w", names[i], err)
		}
		vals[i] = f
	}
	return tile.BoundingBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}, nil
}
