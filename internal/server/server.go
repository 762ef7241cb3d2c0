package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image/color"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/kiesman99/geostitch/internal/api"
	"github.com/kiesman99/geostitch/internal/cache"
	"github.com/kiesman99/geostitch/internal/config"
	"github.com/kiesman99/geostitch/internal/export"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/georef"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/internal/stitcher"
	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// maxTileCaches bounds how many per-map tile caches are kept alive at once
const maxTileCaches = 32

// Options configures a Server
type Options struct {
	// Default is used when a request names neither a map nor a tile source
	Default   mapdesc.Descriptor
	UserAgent string
	// Client overrides the HTTP client built from UserAgent
	Client    fetch.Client
	Fetch     fetch.Options
	Fill      color.Color
	MaxPixels int64
	// MemoryTiles sizes the LRU of each map's tile cache
	MemoryTiles int
	// Backing opens a persistent store behind the memory cache of the map identified by key.
	// The returned func releases the store once its cache is evicted.
	Backing func(key string, format tile.ImageFormat) (fetch.Store, func() error, error)
	Logger  logrus.FieldLogger
}

// mapCache is the tile store of one map: memory in front, optionally a persistent store behind
type mapCache struct {
	store   fetch.Store
	release func() error
}

// Server implements the ServerInterface from the generated API
type Server struct {
	startTime time.Time
	version   string
	opts      Options
	log       logrus.FieldLogger

	caches *lru.Cache[string, *mapCache]
	tiles  singleflight.Group
}

var _ api.ServerInterface = (*Server)(nil)

// NewServer creates a new server instance
func NewServer(version string, opts Options) (*Server, error) {
	if opts.UserAgent == "" {
		opts.UserAgent = tile.DefaultUserAgent
	}
	if opts.Client == nil {
		opts.Client = tile.NewHTTPClient(opts.UserAgent, nil)
	}
	if opts.MaxPixels <= 0 {
		opts.MaxPixels = stitcher.DefaultMaxPixels
	}
	if opts.MemoryTiles <= 0 {
		opts.MemoryTiles = 2048
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	log := opts.Logger.WithField("component", "server")
	caches, err := lru.NewWithEvict(maxTileCaches, func(key string, c *mapCache) {
		if c.release == nil {
			return
		}
		if err := c.release(); err != nil {
			log.WithError(err).WithField("map", key).Warn("releasing tile store")
		}
	})
	if err != nil {
		return nil, err
	}
	return &Server{
		startTime: time.Now(),
		version:   version,
		opts:      opts,
		log:       log,
		caches:    caches,
	}, nil
}

// Close releases every open tile store
func (s *Server) Close() {
	s.caches.Purge()
}

// GetHealth implements the health check endpoint
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	uptime := int(time.Since(s.startTime).Seconds())

	s.writeJSON(w, http.StatusOK, api.HealthResponse{
		Status:    api.Healthy,
		Timestamp: time.Now(),
		Uptime:    &uptime,
		Version:   &s.version,
	})
}

// ListMaps returns the built-in services, plus the configured default when it is custom
func (s *Server) ListMaps(w http.ResponseWriter, r *http.Request) {
	resp := api.MapsResponse{Maps: []api.MapInfo{}}
	seen := make(map[string]bool)
	for _, name := range mapdesc.Names() {
		d, err := mapdesc.Lookup(name)
		if err != nil {
			continue
		}
		resp.Maps = append(resp.Maps, mapInfo(d))
		seen[d.Name()] = true
	}
	if d := s.opts.Default; d != nil && !seen[d.Name()] {
		resp.Maps = append(resp.Maps, mapInfo(d))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func mapInfo(d mapdesc.Descriptor) api.MapInfo {
	info := mapdesc.Describe(d)
	return api.MapInfo{
		Name:     info.Name,
		Format:   info.Format,
		TileSize: info.TileSize,
		MaxZoom:  info.MaxZoom,
		Mirrors:  info.Mirrors,
	}
}

// GetPlan reports the tile grid and output size without fetching anything
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request, params api.GetPlanParams) {
	requestID := s.requestID(r)

	name := ""
	if params.Map != nil {
		name = *params.Map
	}
	desc, err := s.lookup(name)
	if err != nil {
		s.writeValidationErrorResponse(w, &requestID, fieldError{"map", err.Error()})
		return
	}

	bbox := tile.BoundingBox{MinLat: params.MinLat, MinLon: params.MinLon, MaxLat: params.MaxLat, MaxLon: params.MaxLon}
	p, err := tileset.New(bbox, params.Zoom, desc, tileset.WithMaxPixels(s.opts.MaxPixels))
	if err != nil {
		s.writeValidationErrorResponse(w, &requestID, fieldError{"request", err.Error()})
		return
	}
	gt, crop, err := georef.Build(p)
	if err != nil {
		s.handleStitchingError(w, err, nil, &requestID)
		return
	}
	gt = gt.Translate(crop.Min)

	s.writeJSON(w, http.StatusOK, api.PlanResponse{
		Map:          desc.Name(),
		Zoom:         p.Zoom,
		Tiles:        p.Len(),
		Columns:      p.Cols(),
		Rows:         p.Rows(),
		MinTileX:     int(p.Bounds.MinCol),
		MaxTileX:     int(p.Bounds.MaxCol),
		MinTileY:     int(p.Bounds.MinRow),
		MaxTileY:     int(p.Bounds.MaxRow),
		Width:        crop.Dx(),
		Height:       crop.Dy(),
		MosaicWidth:  p.PixelWidth(),
		MosaicHeight: p.PixelHeight(),
		GeoTransform: api.GeoTransform{
			OriginX:     gt.OriginX,
			OriginY:     gt.OriginY,
			PixelWidth:  gt.PixelWidth,
			PixelHeight: gt.PixelHeight,
			Epsg:        gt.EPSG,
		},
	})
}

// CreateStitchedImage implements the main stitching endpoint
func (s *Server) CreateStitchedImage(w http.ResponseWriter, r *http.Request) {
	requestID := s.requestID(r)

	var req api.StitchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_JSON",
			"Invalid JSON in request body", &requestID, nil)
		return
	}

	if errs := validateStitchRequest(&req); len(errs) > 0 {
		s.writeValidationErrorResponse(w, &requestID, errs...)
		return
	}

	job, err := s.prepare(&req)
	if err != nil {
		s.writeValidationErrorResponse(w, &requestID, fieldError{"request", err.Error()})
		return
	}

	log := s.log.WithField("request_id", requestID)
	st := stitcher.New(stitcher.Options{
		Client:    job.client,
		Fetch:     s.opts.Fetch,
		Store:     s.tileCache(job.cacheKey, job.desc.Format()),
		Encoder:   job.encoder,
		Fill:      job.fill,
		MaxPixels: s.opts.MaxPixels,
		Logger:    log,
	})

	ctx := stitcher.WithRequestID(r.Context(), requestID)
	raster, report, err := st.Stitch(ctx, job.desc, job.bbox, req.Zoom)
	if err != nil {
		s.handleStitchingError(w, err, report, &requestID)
		return
	}

	var buf bytes.Buffer
	gt, err := export.Write(ctx, &buf, raster.Mosaic, raster.Crop, raster.GeoTransform, job.encoder)
	if err != nil {
		s.handleStitchingError(w, err, report, &requestID)
		return
	}

	w.Header().Set("Content-Type", job.encoder.MIMEType())
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Request-ID", requestID)
	w.Header().Set("X-Tiles-Failed", strconv.Itoa(report.Failed))
	w.Header().Set("X-Geo-Transform", formatTransform(gt))
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.WithError(err).Warn("writing response failed")
	}
	log.WithFields(logrus.Fields{
		"map":    job.desc.Name(),
		"tiles":  report.Tiles,
		"failed": report.Failed,
		"width":  report.Width,
		"height": report.Height,
	}).Info("stitched")
}

// GetTile serves one tile, going upstream at most once per tile across concurrent callers
func (s *Server) GetTile(w http.ResponseWriter, r *http.Request, pMap string, z int, x int, y int) {
	requestID := s.requestID(r)

	desc, err := s.lookup(pMap)
	if err != nil {
		s.writeErrorResponse(w, http.StatusNotFound, "UNKNOWN_MAP", err.Error(), &requestID, nil)
		return
	}
	if z < 0 || z > desc.MaxZoom() {
		err := &tile.InvalidZoomError{Zoom: z, MaxZoom: desc.MaxZoom()}
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_TILE", err.Error(), &requestID, nil)
		return
	}
	if n := 1 << z; x < 0 || y < 0 || x >= n || y >= n {
		s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_TILE",
			fmt.Sprintf("tile %d/%d/%d outside the pyramid", z, x, y), &requestID, nil)
		return
	}

	mt := maptile.New(uint32(x), uint32(y), maptile.Zoom(z))
	key := fmt.Sprintf("%s/%d/%d/%d", desc.Name(), z, x, y)
	store := s.tileCache(desc.Name(), desc.Format())
	f := fetch.New(s.opts.Client, fetch.Options{
		Retries: s.opts.Fetch.Retries,
		Backoff: s.opts.Fetch.Backoff,
		Store:   store,
		Logger:  s.log,
	})

	v, err, _ := s.tiles.Do(key, func() (interface{}, error) {
		res, err := f.FetchOne(context.WithoutCancel(r.Context()), desc, mt)
		if err != nil {
			return nil, err
		}
		return res.Data, nil
	})
	if err != nil {
		var fe *tile.FetchError
		switch {
		case errors.As(err, &fe) && fe.StatusCode == http.StatusNotFound:
			s.writeErrorResponse(w, http.StatusNotFound, "TILE_NOT_FOUND", err.Error(), &requestID, nil)
		case errors.Is(err, tile.ErrConfig):
			s.writeErrorResponse(w, http.StatusBadRequest, "INVALID_TILE", err.Error(), &requestID, nil)
		default:
			s.writeErrorResponse(w, http.StatusBadGateway, "TILE_SERVER_ERROR", err.Error(), &requestID, nil)
		}
		return
	}

	data := v.([]byte)
	format := tile.Sniff(data)
	if format == "" {
		format = desc.Format()
	}
	w.Header().Set("Content-Type", format.MIMEType())
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type fieldError struct {
	field, message string
}

// validateStitchRequest validates the incoming stitch request
func validateStitchRequest(req *api.StitchRequest) []fieldError {
	var errs []fieldError
	switch req.Mode {
	case api.Bbox:
		if req.Bbox == nil {
			errs = append(errs, fieldError{"bbox", "bbox is required when mode is 'bbox'"})
		}
		if req.Center != nil {
			errs = append(errs, fieldError{"center", "center should not be provided when mode is 'bbox'"})
		}
	case api.Centered:
		if req.Center == nil {
			errs = append(errs, fieldError{"center", "center is required when mode is 'centered'"})
		} else if req.Center.Width <= 0 || req.Center.Height <= 0 {
			errs = append(errs, fieldError{"center", "width and height must be positive"})
		}
		if req.Bbox != nil {
			errs = append(errs, fieldError{"bbox", "bbox should not be provided when mode is 'centered'"})
		}
	default:
		errs = append(errs, fieldError{"mode", fmt.Sprintf("invalid mode: %q", req.Mode)})
	}

	if req.Zoom < 0 || req.Zoom > tile.MaxZoom {
		errs = append(errs, fieldError{"zoom", fmt.Sprintf("zoom must be between 0 and %d", tile.MaxZoom)})
	}
	if req.Map != nil && req.TileSource != nil {
		errs = append(errs, fieldError{"map", "map and tile_source are mutually exclusive"})
	}
	if req.TileSource != nil && len(req.TileSource.Urls) == 0 {
		errs = append(errs, fieldError{"tile_source.urls", "at least one URL template is required"})
	}
	return errs
}

type job struct {
	desc     mapdesc.Descriptor
	cacheKey string
	client   fetch.Client
	bbox     tile.BoundingBox
	encoder  export.Encoder
	fill     color.Color
}

// prepare resolves the descriptor, bounding box and output settings of a validated request
func (s *Server) prepare(req *api.StitchRequest) (*job, error) {
	j := &job{client: s.opts.Client, fill: s.opts.Fill, encoder: export.GeoTIFF{}}

	if ts := req.TileSource; ts != nil {
		cfg := mapdesc.Config{URLs: ts.Urls}
		if ts.Name != nil {
			cfg.Name = *ts.Name
		}
		if ts.Subdomains != nil {
			cfg.Subdomains = *ts.Subdomains
		}
		if ts.Format != nil {
			cfg.Format = *ts.Format
		}
		if ts.TileSize != nil {
			cfg.TileSize = *ts.TileSize
		}
		d, err := mapdesc.New(cfg)
		if err != nil {
			return nil, err
		}
		j.desc = d
		j.cacheKey = "source:" + strings.Join(ts.Urls, "|")
		if cfg.Subdomains != nil {
			j.cacheKey += "#" + strings.Join(cfg.Subdomains, ",")
		}
		if ts.Headers != nil && len(*ts.Headers) > 0 {
			j.client = tile.NewHTTPClient(s.opts.UserAgent, *ts.Headers)
		}
	} else {
		name := ""
		if req.Map != nil {
			name = *req.Map
		}
		d, err := s.lookup(name)
		if err != nil {
			return nil, err
		}
		j.desc = d
		j.cacheKey = d.Name()
	}

	switch req.Mode {
	case api.Bbox:
		j.bbox = tile.BoundingBox{
			MinLat: req.Bbox.MinLat,
			MinLon: req.Bbox.MinLon,
			MaxLat: req.Bbox.MaxLat,
			MaxLon: req.Bbox.MaxLon,
		}
	case api.Centered:
		bbox, err := tile.CenteredRequest{
			Lat:    req.Center.Lat,
			Lon:    req.Center.Lon,
			Width:  req.Center.Width,
			Height: req.Center.Height,
		}.BoundingBox(req.Zoom, j.desc.TileSize())
		if err != nil {
			return nil, err
		}
		j.bbox = bbox
	}

	if o := req.Output; o != nil {
		if o.Format != nil {
			enc, err := export.ForFormat(string(*o.Format))
			if err != nil {
				return nil, err
			}
			j.encoder = enc
		}
		if o.Fill != nil && *o.Fill != "" {
			c, err := config.ParseColor(*o.Fill)
			if err != nil {
				return nil, err
			}
			j.fill = c
		}
	}
	return j, nil
}

// lookup resolves a map name against the configured default and the built-in services
func (s *Server) lookup(name string) (mapdesc.Descriptor, error) {
	if d := s.opts.Default; d != nil && (name == "" || name == d.Name()) {
		return d, nil
	}
	if name == "" {
		return nil, &tile.ConfigError{Err: errors.New("no map given and no default map configured")}
	}
	return mapdesc.Lookup(name)
}

// tileCache returns the tile store of one map, creating it on first use. A nil store
// means requests go upstream uncached.
func (s *Server) tileCache(key string, format tile.ImageFormat) fetch.Store {
	if c, ok := s.caches.Get(key); ok {
		return c.store
	}
	mem, err := cache.NewMemoryStore(s.opts.MemoryTiles)
	if err != nil {
		s.log.WithError(err).Error("creating tile cache")
		return nil
	}
	c := &mapCache{store: mem}
	if s.opts.Backing != nil {
		backing, release, err := s.opts.Backing(key, format)
		switch {
		case err != nil:
			s.log.WithError(err).WithField("map", key).Warn("opening tile store, caching in memory only")
		case backing != nil:
			c.store = cache.Tiered{mem, backing}
			c.release = release
		default:
			c.release = release
		}
	}
	if prev, ok, _ := s.caches.PeekOrAdd(key, c); ok {
		if c.release != nil {
			_ = c.release()
		}
		return prev.store
	}
	return c.store
}

// handleStitchingError maps pipeline errors onto HTTP responses
func (s *Server) handleStitchingError(w http.ResponseWriter, err error, report *stitcher.Report, requestID *string) {
	s.log.WithField("request_id", *requestID).WithError(err).Warn("stitch failed")

	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, tile.ErrDeadline):
		s.writeErrorResponse(w, http.StatusGatewayTimeout, "TILE_SERVER_TIMEOUT",
			"Tile server requests timed out", requestID, map[string]interface{}{
				"timeout_seconds": s.opts.Fetch.Timeout.Seconds(),
			})

	case errors.Is(err, tile.ErrAllTilesFailed):
		resp := api.TileErrorResponse{
			Error:       "TILE_SERVER_ERROR",
			Message:     err.Error(),
			FailedTiles: []api.FailedTile{},
			RequestId:   requestID,
		}
		if report != nil {
			for _, ft := range report.FailedTiles {
				resp.FailedTiles = append(resp.FailedTiles, api.FailedTile{Index: ft.Index, Tile: ft.Tile, Error: ft.Error})
			}
			resp.TotalTiles = report.Tiles
			resp.SuccessfulTiles = report.Tiles - report.Failed
		}
		s.writeJSON(w, http.StatusBadGateway, resp)

	case errors.Is(err, tile.ErrOutOfDomain), errors.Is(err, tile.ErrInvalidZoom),
		errors.Is(err, tile.ErrUnsupportedRegion), errors.Is(err, tile.ErrConfig):
		s.writeValidationErrorResponse(w, requestID, fieldError{"request", err.Error()})

	case errors.Is(err, context.Canceled):
		// client went away, nobody is listening

	default:
		s.writeErrorResponse(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Internal server error", requestID, nil)
	}
}

// writeErrorResponse writes a standard error response
func (s *Server) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string, requestID *string, details map[string]interface{}) {
	response := api.ErrorResponse{
		Error:     errorCode,
		Message:   message,
		RequestId: requestID,
	}
	if details != nil {
		response.Details = &details
	}
	s.writeJSON(w, statusCode, response)
}

// writeValidationErrorResponse writes a validation error response
func (s *Server) writeValidationErrorResponse(w http.ResponseWriter, requestID *string, errs ...fieldError) {
	response := api.ValidationErrorResponse{
		Error:     api.VALIDATIONERROR,
		Message:   "Request validation failed",
		RequestId: requestID,
	}
	if len(errs) == 1 {
		response.Message = errs[0].message
	}
	for _, e := range errs {
		response.ValidationErrors = append(response.ValidationErrors, struct {
			Code    *string `json:"code,omitempty"`
			Field   string  `json:"field"`
			Message string  `json:"message"`
		}{Field: e.field, Message: e.message})
	}
	s.writeJSON(w, http.StatusBadRequest, response)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.WithError(err).Warn("encoding response failed")
	}
}

// requestID reuses the id assigned by the RequestID middleware, which honours the client's X-Request-Id
func (s *Server) requestID(r *http.Request) string {
	if id := middleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}

func formatTransform(gt georef.GeoTransform) string {
	parts := gt.GDAL()
	out := make([]string, len(parts))
	for i, v := range parts {
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(out, ",")
}
