// Package stitcher runs the plan, fetch, assemble and export stages of a request.
package stitcher

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/kiesman99/geostitch/internal/export"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/georef"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/internal/mosaic"
	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// DefaultMaxPixels caps the tile grid, and so the mosaic buffer, at 10000x10000 pixels
const DefaultMaxPixels = 10000 * 10000

// Options configures a Stitcher
type Options struct {
	// Client defaults to a tile.HTTPClient with the default user agent
	Client fetch.Client
	Fetch  fetch.Options
	// Store persists downloaded tiles and serves tiles fetched earlier
	Store   fetch.Store
	Decoder tile.Decoder
	// Encoder defaults to GeoTIFF
	Encoder   export.Encoder
	WorldFile bool
	Fill      color.Color
	MaxPixels int64
	Logger    logrus.FieldLogger
}

// Stitcher is safe for concurrent use; every call gets its own report
type Stitcher struct {
	opts    Options
	fetcher *fetch.Fetcher
	log     logrus.FieldLogger
	now     func() time.Time
}

// Raster is an assembled mosaic together with its georeference
type Raster struct {
	Mosaic *mosaic.Mosaic
	// GeoTransform describes the full mosaic, Crop the part covering the request
	GeoTransform georef.GeoTransform
	Crop         image.Rectangle
}

// Image returns the cropped view and its transform
func (r *Raster) Image() (image.Image, georef.GeoTransform, error) {
	return export.Crop(r.Mosaic, r.Crop, r.GeoTransform)
}

func New(opts Options) *Stitcher {
	if opts.Client == nil {
		opts.Client = tile.NewHTTPClient(tile.DefaultUserAgent, nil)
	}
	if opts.Encoder == nil {
		opts.Encoder = export.GeoTIFF{}
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = DefaultMaxPixels
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	fo := opts.Fetch
	fo.Store = opts.Store
	if fo.Logger == nil {
		fo.Logger = opts.Logger
	}
	return &Stitcher{
		opts:    opts,
		fetcher: fetch.New(opts.Client, fo),
		log:     opts.Logger.WithField("component", "stitcher"),
		now:     time.Now,
	}
}

type requestIDKey struct{}

// WithRequestID makes reports created under ctx carry id instead of a fresh uuid
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func (s *Stitcher) begin(ctx context.Context, desc mapdesc.Descriptor, bbox tile.BoundingBox, zoom int) (*Report, logrus.FieldLogger) {
	id, _ := ctx.Value(requestIDKey{}).(string)
	if id == "" {
		id = uuid.NewString()
	}
	r := newReport(id, s.now)
	r.BBox = bbox
	r.Zoom = zoom
	if desc != nil {
		r.Map = desc.Name()
	}
	log := s.log.WithField("request_id", r.RequestID)
	log.WithFields(logrus.Fields{"map": r.Map, "zoom": zoom}).Debugf("planning %s", bbox)
	return r, log
}

func (s *Stitcher) move(r *Report, log logrus.FieldLogger, to State) {
	if err := r.advance(to); err != nil {
		log.WithError(err).Error("invalid state transition")
		return
	}
	log.Debugf("state %s", to)
}

func (s *Stitcher) plan(r *Report, desc mapdesc.Descriptor, bbox tile.BoundingBox, zoom int) (*tileset.Plan, error) {
	if desc == nil {
		return nil, &tile.ConfigError{Err: errors.New("no map descriptor")}
	}
	p, err := tileset.New(bbox, zoom, desc, tileset.WithMaxPixels(s.opts.MaxPixels))
	if err != nil {
		return nil, err
	}
	r.Tiles = p.Len()
	return p, nil
}

// DownloadTiles fetches the raw tiles covering bbox without assembling them.
// Tiles are saved to the configured store.
func (s *Stitcher) DownloadTiles(ctx context.Context, desc mapdesc.Descriptor, bbox tile.BoundingBox, zoom int) (*fetch.Batch, *Report, error) {
	r, log := s.begin(ctx, desc, bbox, zoom)

	p, err := s.plan(r, desc, bbox, zoom)
	if err != nil {
		return nil, r, r.fail(err)
	}

	s.move(r, log, Fetching)
	batch, err := s.fetcher.FetchAll(ctx, p, desc)
	if batch != nil {
		s.recordBatch(r, batch)
	}
	if err != nil {
		return batch, r, r.fail(err)
	}

	s.move(r, log, Done)
	return batch, r, nil
}

// ConstructRaster assembles tiles that were fetched earlier. loader is a tile store
// holding the tiles, or the *fetch.Batch returned by DownloadTiles.
func (s *Stitcher) ConstructRaster(ctx context.Context, loader fetch.Store, bbox tile.BoundingBox, zoom int, desc mapdesc.Descriptor) (*Raster, *Report, error) {
	r, log := s.begin(ctx, desc, bbox, zoom)

	p, err := s.plan(r, desc, bbox, zoom)
	if err != nil {
		return nil, r, r.fail(err)
	}
	if loader == nil {
		return nil, r, r.fail(&tile.ConfigError{Map: r.Map, Err: errors.New("no tile source to construct from")})
	}

	batch, err := fetch.Collect(ctx, p, loader)
	if batch != nil {
		s.recordBatch(r, batch)
	}
	if err != nil {
		return nil, r, r.fail(err)
	}

	raster, err := s.assemble(r, log, p, batch, desc)
	if err != nil {
		return raster, r, r.fail(err)
	}
	s.move(r, log, Done)
	return raster, r, nil
}

// Stitch plans, fetches and assembles without writing a file
func (s *Stitcher) Stitch(ctx context.Context, desc mapdesc.Descriptor, bbox tile.BoundingBox, zoom int) (*Raster, *Report, error) {
	r, log := s.begin(ctx, desc, bbox, zoom)
	raster, err := s.fetchAndAssemble(ctx, r, log, desc, bbox, zoom)
	if err != nil {
		return raster, r, r.fail(err)
	}
	s.move(r, log, Done)
	return raster, r, nil
}

// DownloadAsRaster runs the whole pipeline and writes a georeferenced raster to dest
func (s *Stitcher) DownloadAsRaster(ctx context.Context, desc mapdesc.Descriptor, dest string, bbox tile.BoundingBox, zoom int) (*Report, error) {
	r, log := s.begin(ctx, desc, bbox, zoom)

	raster, err := s.fetchAndAssemble(ctx, r, log, desc, bbox, zoom)
	if err != nil {
		return r, r.fail(err)
	}

	s.move(r, log, Exporting)
	out, err := export.Export(ctx, raster.Mosaic, raster.Crop, raster.GeoTransform, dest, s.opts.Encoder, export.Options{
		WorldFile: s.opts.WorldFile,
		Logger:    log,
	})
	if err != nil {
		return r, r.fail(err)
	}
	r.Output = out

	s.move(r, log, Done)
	log.WithFields(logrus.Fields{
		"failed":  r.Failed,
		"elapsed": r.Elapsed.Round(time.Millisecond),
	}).Infof("wrote %s", out.Path)
	return r, nil
}

func (s *Stitcher) fetchAndAssemble(ctx context.Context, r *Report, log logrus.FieldLogger, desc mapdesc.Descriptor, bbox tile.BoundingBox, zoom int) (*Raster, error) {
	p, err := s.plan(r, desc, bbox, zoom)
	if err != nil {
		return nil, err
	}

	s.move(r, log, Fetching)
	batch, err := s.fetcher.FetchAll(ctx, p, desc)
	if batch != nil {
		s.recordBatch(r, batch)
	}
	if err != nil {
		return nil, err
	}
	if batch.Failed > 0 {
		log.Warnf("%d of %d tiles failed and will be filled", batch.Failed, len(batch.Results))
	}

	return s.assemble(r, log, p, batch, desc)
}

func (s *Stitcher) assemble(r *Report, log logrus.FieldLogger, p *tileset.Plan, batch *fetch.Batch, desc mapdesc.Descriptor) (*Raster, error) {
	s.move(r, log, Assembling)
	m, err := mosaic.Build(p, batch.Results, mosaic.Options{
		Decoder: s.opts.Decoder,
		Format:  desc.Format(),
		Fill:    s.opts.Fill,
		Logger:  log,
	})
	if m != nil {
		r.recordFailures(m.Failures, slotOf(p))
	}
	if err != nil {
		return nil, err
	}

	gt, crop, err := georef.Build(p)
	if err != nil {
		return nil, fmt.Errorf("georeference: %w", err)
	}
	r.Width, r.Height = crop.Dx(), crop.Dy()
	return &Raster{Mosaic: m, GeoTransform: gt, Crop: crop}, nil
}

func (s *Stitcher) recordBatch(r *Report, b *fetch.Batch) {
	r.Fetched = b.Fetched
	r.Cached = b.Cached
	r.recordFailures(b.Failures(), slotOf(b.Plan))
}

func slotOf(p *tileset.Plan) func(tile.Failure) int {
	return func(f tile.Failure) int {
		i, ok := p.Slot(f.Tile)
		if !ok {
			return -1
		}
		return i
	}
}
