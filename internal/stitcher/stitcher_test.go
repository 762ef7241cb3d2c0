package stitcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/kiesman99/geostitch/internal/cache"
	"github.com/kiesman99/geostitch/internal/export"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/pkg/tile"
)

var australia = tile.BoundingBox{MinLat: -38.349326, MinLon: 111.905820, MaxLat: -10.550982, MaxLon: 155.047867}

func tileColor(x, y int) color.RGBA {
	return color.RGBA{R: uint8(x * 10), G: uint8(y * 20), B: 99, A: 255}
}

type tileServer struct {
	*httptest.Server
	requests atomic.Int64
	missing  map[string]bool
}

func newTileServer(t *testing.T, missing ...string) *tileServer {
	t.Helper()
	ts := &tileServer{missing: map[string]bool{}}
	for _, m := range missing {
		ts.missing[m] = true
	}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ts.requests.Add(1)
		var z, x, y int
		if _, err := fmt.Sscanf(r.URL.Path, "/%d/%d/%d.png", &z, &x, &y); err != nil {
			http.NotFound(w, r)
			return
		}
		if ts.missing["*"] || ts.missing[fmt.Sprintf("%d/%d/%d", z, x, y)] {
			http.NotFound(w, r)
			return
		}
		img := image.NewRGBA(image.Rect(0, 0, 256, 256))
		c := tileColor(x, y)
		for i := 0; i < len(img.Pix); i += 4 {
			img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
		}
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, img)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func (ts *tileServer) descriptor(t *testing.T) mapdesc.Descriptor {
	t.Helper()
	d, err := mapdesc.New(mapdesc.Config{Name: "test", URLs: []string{ts.URL + "/{z}/{x}/{y}.png"}})
	require.NoError(t, err)
	return d
}

func newStitcher(opts Options) *Stitcher {
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	opts.Fetch.Workers = 4
	opts.Fetch.Backoff = time.Millisecond
	return New(opts)
}

func states(r *Report) []State {
	out := make([]State, len(r.History))
	for i, h := range r.History {
		out[i] = h.State
	}
	return out
}

func TestDownloadAsRaster_GeoTIFF(t *testing.T) {
	srv := newTileServer(t)
	dest := filepath.Join(t.TempDir(), "australia")

	s := newStitcher(Options{WorldFile: true})
	r, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), dest, australia, 4)
	require.NoError(t, err)

	assert.Equal(t, Done, r.State)
	assert.Equal(t, []State{Planned, Fetching, Assembling, Exporting, Done}, states(r))
	assert.NotEmpty(t, r.RequestID)
	assert.Equal(t, 6, r.Tiles)
	assert.Equal(t, 6, r.Fetched)
	assert.Zero(t, r.Failed)

	require.NotNil(t, r.Output)
	assert.Equal(t, dest+".tif", r.Output.Path)
	assert.Equal(t, dest+".tfw", r.Output.WorldFilePath)
	assert.Equal(t, 492, r.Width)
	assert.Equal(t, 354, r.Height)

	f, err := os.Open(r.Output.Path)
	require.NoError(t, err)
	defer f.Close()
	img, err := tiff.Decode(f)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 492, 354), img.Bounds())
	// crop starts at mosaic pixel (249, 120), inside tile 12/8
	assert.Equal(t, tileColor(12, 8), color.RGBAModel.Convert(img.At(0, 0)))
	assert.Equal(t, tileColor(14, 9), color.RGBAModel.Convert(img.At(491, 353)))
}

func TestDownloadAsRaster_PartialFailure(t *testing.T) {
	srv := newTileServer(t, "4/13/8")
	s := newStitcher(Options{Encoder: export.PNG{}, Fill: color.RGBA{R: 255, A: 255}})

	r, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), filepath.Join(t.TempDir(), "out.png"), australia, 4)
	require.NoError(t, err)
	assert.Equal(t, Done, r.State)
	assert.Equal(t, 1, r.Failed)
	assert.Equal(t, []int{1}, r.FailedIndices())
	assert.Equal(t, "4/13/8", r.FailedTiles[0].Tile)

	raw, err := os.ReadFile(r.Output.Path)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(raw))
	require.NoError(t, err)
	// mosaic x 300 is tile column 1; crop starts at 249
	assert.Equal(t, color.RGBA{R: 255, A: 255}, color.RGBAModel.Convert(img.At(300-249, 10)))
}

func TestDownloadAsRaster_AllTilesFail(t *testing.T) {
	srv := newTileServer(t, "*")
	dest := filepath.Join(t.TempDir(), "out.tif")
	s := newStitcher(Options{})

	r, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), dest, australia, 4)
	require.Error(t, err)
	assert.ErrorIs(t, err, tile.ErrAllTilesFailed)
	assert.ErrorIs(t, err, tile.ErrFetch)
	assert.Equal(t, Failed, r.State)
	assert.Equal(t, []State{Planned, Fetching, Failed}, states(r))
	assert.Equal(t, 6, r.Failed)
	assert.NoFileExists(t, dest)
}

func TestDownloadAsRaster_PlanningErrors(t *testing.T) {
	srv := newTileServer(t)
	s := newStitcher(Options{})

	r, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), filepath.Join(t.TempDir(), "x"), australia, 25)
	assert.ErrorIs(t, err, tile.ErrInvalidZoom)
	assert.Equal(t, []State{Planned, Failed}, states(r))

	crossing := tile.BoundingBox{MinLat: -10, MinLon: 170, MaxLat: 10, MaxLon: -170}
	_, err = s.DownloadAsRaster(context.Background(), srv.descriptor(t), filepath.Join(t.TempDir(), "x"), crossing, 3)
	assert.ErrorIs(t, err, tile.ErrUnsupportedRegion)

	assert.Zero(t, srv.requests.Load())
}

func TestDownloadAsRaster_MaxPixels(t *testing.T) {
	srv := newTileServer(t)
	s := newStitcher(Options{MaxPixels: 256 * 256 * 4})

	_, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), filepath.Join(t.TempDir(), "x"), australia, 4)
	assert.ErrorIs(t, err, tile.ErrUnsupportedRegion)
	assert.Zero(t, srv.requests.Load())
}

func TestDownloadAsRaster_Idempotent(t *testing.T) {
	srv := newTileServer(t, "4/14/9")
	dir := t.TempDir()
	s := newStitcher(Options{})

	a, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), filepath.Join(dir, "a.tif"), australia, 4)
	require.NoError(t, err)
	b, err := s.DownloadAsRaster(context.Background(), srv.descriptor(t), filepath.Join(dir, "b.tif"), australia, 4)
	require.NoError(t, err)
	assert.NotEqual(t, a.RequestID, b.RequestID)

	ra, err := os.ReadFile(a.Output.Path)
	require.NoError(t, err)
	rb, err := os.ReadFile(b.Output.Path)
	require.NoError(t, err)
	assert.Equal(t, ra, rb)
}

func TestDownloadTilesThenConstruct(t *testing.T) {
	srv := newTileServer(t)
	store, err := cache.NewDirStore(t.TempDir(), cache.LayoutZXY, tile.FormatPNG)
	require.NoError(t, err)
	desc := srv.descriptor(t)

	s := newStitcher(Options{Store: store})
	batch, r, err := s.DownloadTiles(context.Background(), desc, australia, 4)
	require.NoError(t, err)
	assert.Equal(t, []State{Planned, Fetching, Done}, states(r))
	assert.Len(t, batch.Results, 6)
	for _, res := range batch.Results {
		assert.True(t, store.Exists(res.Tile))
	}
	requests := srv.requests.Load()

	// from the directory, no network involved
	raster, r, err := s.ConstructRaster(context.Background(), store, australia, 4, desc)
	require.NoError(t, err)
	assert.Equal(t, []State{Planned, Assembling, Done}, states(r))
	assert.Equal(t, 6, r.Cached)
	assert.Equal(t, requests, srv.requests.Load())

	img, gt, err := raster.Image()
	require.NoError(t, err)
	assert.Equal(t, 492, img.Bounds().Dx())
	assert.Equal(t, 3857, gt.EPSG)

	// from the batch itself
	fromBatch, _, err := s.ConstructRaster(context.Background(), batch, australia, 4, desc)
	require.NoError(t, err)
	assert.Equal(t, raster.Mosaic.Image.Pix, fromBatch.Mosaic.Image.Pix)
}

func TestConstructRaster_MissingTiles(t *testing.T) {
	srv := newTileServer(t)
	store, err := cache.NewDirStore(t.TempDir(), cache.LayoutQuadkey, tile.FormatPNG)
	require.NoError(t, err)
	s := newStitcher(Options{})

	_, r, err := s.ConstructRaster(context.Background(), store, australia, 4, srv.descriptor(t))
	assert.ErrorIs(t, err, tile.ErrAllTilesFailed)
	assert.Equal(t, Failed, r.State)
	assert.Equal(t, 6, r.Failed)

	_, _, err = s.ConstructRaster(context.Background(), nil, australia, 4, srv.descriptor(t))
	assert.ErrorIs(t, err, tile.ErrConfig)
}

func TestStitch_Cancelled(t *testing.T) {
	srv := newTileServer(t)
	s := newStitcher(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, r, err := s.Stitch(ctx, srv.descriptor(t), australia, 4)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, Failed, r.State)
}

func TestReport_Transitions(t *testing.T) {
	r := newReport("id", time.Now)
	require.NoError(t, r.advance(Fetching))
	require.NoError(t, r.advance(Assembling))
	assert.Error(t, r.advance(Fetching))
	assert.Error(t, r.advance(Assembling))
	require.NoError(t, r.advance(Done))
	assert.Error(t, r.advance(Failed))
	assert.Error(t, r.advance(Exporting))
	assert.Equal(t, Done, r.State)
}

func TestReport_JSON(t *testing.T) {
	r := newReport("abc", time.Now)
	r.fail(fmt.Errorf("boom"))

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "abc", got["request_id"])
	assert.Equal(t, "failed", got["state"])
	assert.Equal(t, "boom", got["error"])
}

func TestBatchAsStore(t *testing.T) {
	var _ fetch.Store = (*fetch.Batch)(nil)
}

func TestStitch_RequestIDFromContext(t *testing.T) {
	srv := newTileServer(t)
	ctx := WithRequestID(context.Background(), "req-42")

	_, r, err := newStitcher(Options{}).Stitch(ctx, srv.descriptor(t), australia, 4)
	require.NoError(t, err)
	assert.Equal(t, "req-42", r.RequestID)
}
