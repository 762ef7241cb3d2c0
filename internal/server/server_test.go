package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/kiesman99/geostitch/internal/api"
	"github.com/kiesman99/geostitch/internal/cache"
	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/pkg/tile"
)

var australia = api.BoundingBox{MinLat: -38.349326, MinLon: 111.905820, MaxLat: -10.550982, MaxLon: 155.047867}

func tileColor(x, y int) color.RGBA {
	return color.RGBA{R: uint8(x * 10), G: uint8(y * 20), B: 99, A: 255}
}

// upstream is a fake tile service answering /{z}/{x}/{y}.png with flat coloured tiles
type upstream struct {
	*httptest.Server
	requests atomic.Int64
	missing  map[string]bool
	delay    time.Duration
}

func newUpstream(t *testing.T, missing ...string) *upstream {
	t.Helper()
	u := &upstream{missing: map[string]bool{}}
	for _, m := range missing {
		u.missing[m] = true
	}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.requests.Add(1)
		if u.delay > 0 {
			time.Sleep(u.delay)
		}
		var z, x, y int
		if _, err := fmt.Sscanf(r.URL.Path, "/%d/%d/%d.png", &z, &x, &y); err != nil {
			http.NotFound(w, r)
			return
		}
		if u.missing["*"] || u.missing[fmt.Sprintf("%d/%d/%d", z, x, y)] {
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
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) template() string { return u.URL + "/{z}/{x}/{y}.png" }

// Test server setup
func setupTestServer(t *testing.T, u *upstream, mutate ...func(*Options)) *httptest.Server {
	t.Helper()
	logger, _ := test.NewNullLogger()

	desc, err := mapdesc.New(mapdesc.Config{Name: "test", URLs: []string{u.template()}})
	require.NoError(t, err)

	opts := Options{
		Default: desc,
		Fetch:   fetch.Options{Workers: 4, Backoff: time.Millisecond},
		Logger:  logger,
	}
	for _, m := range mutate {
		m(&opts)
	}
	apiServer, err := NewServer("2.0.0-test", opts)
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(apiServer, 30*time.Second, logger))
	t.Cleanup(srv.Close)
	return srv
}

func postStitch(t *testing.T, srv *httptest.Server, req interface{}) *http.Response {
	t.Helper()
	var body io.Reader
	if s, ok := req.(string); ok {
		body = strings.NewReader(s)
	} else {
		data, err := json.Marshal(req)
		require.NoError(t, err)
		body = bytes.NewReader(data)
	}
	resp, err := http.Post(srv.URL+"/api/v1/stitch", "application/json", body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func ptr[T any](v T) *T { return &v }

func TestHealthEndpoint(t *testing.T) {
	srv := setupTestServer(t, newUpstream(t))

	resp, err := http.Get(srv.URL + "/api/v1/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var health api.HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, api.Healthy, health.Status)
	require.NotNil(t, health.Version)
	assert.Equal(t, "2.0.0-test", *health.Version)
	require.NotNil(t, health.Uptime)
	assert.GreaterOrEqual(t, *health.Uptime, 0)
	assert.WithinDuration(t, time.Now(), health.Timestamp, time.Minute)
}

func TestLegacyHealthRedirects(t *testing.T) {
	srv := setupTestServer(t, newUpstream(t))

	client := &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }}
	resp, err := client.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	assert.Equal(t, "/api/v1/health", resp.Header.Get("Location"))
}

func TestCORSPreflight(t *testing.T) {
	srv := setupTestServer(t, newUpstream(t))

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/stitch", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestListMaps(t *testing.T) {
	srv := setupTestServer(t, newUpstream(t))

	resp, err := http.Get(srv.URL + "/api/v1/maps")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var maps api.MapsResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&maps))
	names := make(map[string]api.MapInfo)
	for _, m := range maps.Maps {
		names[m.Name] = m
	}
	assert.Contains(t, names, "open-street-map")
	assert.Equal(t, 4, names["bing-road"].Mirrors)
	assert.Equal(t, "png", names["test"].Format)
}

func TestGetPlan(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, u)

	q := fmt.Sprintf("min_lat=%f&min_lon=%f&max_lat=%f&max_lon=%f&zoom=4",
		australia.MinLat, australia.MinLon, australia.MaxLat, australia.MaxLon)
	resp, err := http.Get(srv.URL + "/api/v1/plan?" + q)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var plan api.PlanResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&plan))
	assert.Equal(t, "test", plan.Map)
	assert.Equal(t, 6, plan.Tiles)
	assert.Equal(t, 3, plan.Columns)
	assert.Equal(t, 2, plan.Rows)
	assert.Equal(t, 12, plan.MinTileX)
	assert.Equal(t, 9, plan.MaxTileY)
	assert.Equal(t, 492, plan.Width)
	assert.Equal(t, 354, plan.Height)
	assert.Equal(t, 768, plan.MosaicWidth)
	assert.Equal(t, 3857, plan.GeoTransform.Epsg)
	assert.Less(t, plan.GeoTransform.PixelHeight, 0.0)
	assert.Zero(t, u.requests.Load())
}

func TestGetPlan_Errors(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, u)

	cases := map[string]struct {
		query string
		field string
	}{
		"missing zoom":     {"min_lat=1&min_lon=1&max_lat=2&max_lon=2", "zoom"},
		"malformed lat":    {"min_lat=north&min_lon=1&max_lat=2&max_lon=2&zoom=3", "min_lat"},
		"inverted box":     {"min_lat=2&min_lon=1&max_lat=1&max_lon=2&zoom=3", "request"},
		"unknown map":      {"map=nowhere&min_lat=1&min_lon=1&max_lat=2&max_lon=2&zoom=3", "map"},
		"zoom too large":   {"min_lat=1&min_lon=1&max_lat=2&max_lon=2&zoom=30", "request"},
		"world at zoom 19": {"min_lat=-85&min_lon=-180&max_lat=85&max_lon=180&zoom=19", "request"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + "/api/v1/plan?" + tc.query)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var ve api.ValidationErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&ve))
			assert.Equal(t, api.VALIDATIONERROR, ve.Error)
			require.NotEmpty(t, ve.ValidationErrors)
			assert.Equal(t, tc.field, ve.ValidationErrors[0].Field)
		})
	}
	assert.Zero(t, u.requests.Load())
}

func TestGetPlan_MaxPixels(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, u, func(o *Options) { o.MaxPixels = 256 * 256 * 4 })

	query := fmt.Sprintf("min_lat=%f&min_lon=%f&max_lat=%f&max_lon=%f&zoom=4",
		australia.MinLat, australia.MinLon, australia.MaxLat, australia.MaxLon)
	resp, err := http.Get(srv.URL + "/api/v1/plan?" + query)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2 := postStitch(t, srv, api.StitchRequest{Mode: api.Bbox, Bbox: &australia, Zoom: 4})
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Zero(t, u.requests.Load())
}

func TestStitchEndpoint_BoundingBox_GeoTIFF(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, u)

	resp := postStitch(t, srv, api.StitchRequest{Mode: api.Bbox, Bbox: &australia, Zoom: 4})
	if !assert.Equal(t, http.StatusOK, resp.StatusCode) {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("body: %s", body)
	}

	assert.Equal(t, "image/tiff", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "0", resp.Header.Get("X-Tiles-Failed"))
	assert.Len(t, strings.Split(resp.Header.Get("X-Geo-Transform"), ","), 6)

	img, err := tiff.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 492, img.Bounds().Dx())
	assert.Equal(t, 354, img.Bounds().Dy())

	r, g, b, _ := img.At(0, 0).RGBA()
	want := tileColor(12, 8)
	assert.Equal(t, [3]uint32{uint32(want.R), uint32(want.G), uint32(want.B)}, [3]uint32{r >> 8, g >> 8, b >> 8})
	assert.EqualValues(t, 6, u.requests.Load())

	// a second request for the same area is served from the tile cache
	resp = postStitch(t, srv, api.StitchRequest{Mode: api.Bbox, Bbox: &australia, Zoom: 4})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 6, u.requests.Load())
}

func TestStitchEndpoint_Centered_PNG(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, u)

	resp := postStitch(t, srv, api.StitchRequest{
		Mode:   api.Centered,
		Center: &api.CenterPoint{Lat: -25, Lon: 134, Width: 300, Height: 200},
		Zoom:   4,
		Output: &api.OutputOptions{Format: ptr(api.Png)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.InDelta(t, 300, img.Bounds().Dx(), 1)
	assert.InDelta(t, 200, img.Bounds().Dy(), 1)
}

func TestStitchEndpoint_TileSource(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, newUpstream(t))

	resp := postStitch(t, srv, api.StitchRequest{
		Mode:       api.Bbox,
		Bbox:       &australia,
		Zoom:       4,
		TileSource: &api.TileSource{Name: ptr("custom"), Urls: []string{u.template()}},
		Output:     &api.OutputOptions{Format: ptr(api.Png)},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 6, u.requests.Load())
}

func TestStitchEndpoint_PartialFailureIsFilled(t *testing.T) {
	srv := setupTestServer(t, newUpstream(t, "4/13/8"))

	resp := postStitch(t, srv, api.StitchRequest{
		Mode:   api.Bbox,
		Bbox:   &australia,
		Zoom:   4,
		Output: &api.OutputOptions{Format: ptr(api.Png), Fill: ptr("#ff00ff")},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("X-Tiles-Failed"))

	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	// tile 13/8 covers the top middle of the output
	r, g, b, _ := img.At(250, 10).RGBA()
	assert.Equal(t, [3]uint32{255, 0, 255}, [3]uint32{r >> 8, g >> 8, b >> 8})
}

func TestStitchEndpoint_TimeoutDegrades(t *testing.T) {
	u := newUpstream(t)
	u.delay = 200 * time.Millisecond
	srv := setupTestServer(t, u, func(o *Options) { o.Fetch.Timeout = 50 * time.Millisecond })

	resp := postStitch(t, srv, api.StitchRequest{Mode: api.Bbox, Bbox: &australia, Zoom: 4})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	failed, err := strconv.Atoi(resp.Header.Get("X-Tiles-Failed"))
	require.NoError(t, err)
	assert.Positive(t, failed)
	assert.Less(t, failed, 6)
}

func TestStitchEndpoint_AllTilesFailed(t *testing.T) {
	srv := setupTestServer(t, newUpstream(t, "*"))

	resp := postStitch(t, srv, api.StitchRequest{Mode: api.Bbox, Bbox: &australia, Zoom: 4})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var te api.TileErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&te))
	assert.Equal(t, "TILE_SERVER_ERROR", te.Error)
	assert.Equal(t, 6, te.TotalTiles)
	assert.Zero(t, te.SuccessfulTiles)
	assert.Len(t, te.FailedTiles, 6)
	require.NotNil(t, te.RequestId)
}

func TestStitchEndpoint_ValidationErrors(t *testing.T) {
	u := newUpstream(t)
	srv := setupTestServer(t, u)

	testCases := []struct {
		name          string
		request       interface{}
		expectedError string
	}{
		{
			name:          "Invalid JSON",
			request:       `{"invalid": json}`,
			expectedError: "INVALID_JSON",
		},
		{
			name:          "Missing bbox in bbox mode",
			request:       api.StitchRequest{Mode: api.Bbox, Zoom: 10},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name:          "Missing center in centered mode",
			request:       api.StitchRequest{Mode: api.Centered, Zoom: 10},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name:          "Unknown mode",
			request:       api.StitchRequest{Mode: "polygon", Zoom: 10},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name:          "Invalid zoom level",
			request:       api.StitchRequest{Mode: api.Bbox, Bbox: &australia, Zoom: 25},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Invalid tile URL template",
			request: api.StitchRequest{
				Mode:       api.Bbox,
				Bbox:       &australia,
				Zoom:       4,
				TileSource: &api.TileSource{Urls: []string{"https://example.com/tile.png"}},
			},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Map and tile source together",
			request: api.StitchRequest{
				Mode:       api.Bbox,
				Bbox:       &australia,
				Zoom:       4,
				Map:        ptr("osm"),
				TileSource: &api.TileSource{Urls: []string{u.template()}},
			},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Unknown map",
			request: api.StitchRequest{
				Mode: api.Bbox,
				Bbox: &australia,
				Zoom: 4,
				Map:  ptr("atlantis"),
			},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Invalid bounding box coordinates",
			request: api.StitchRequest{
				Mode: api.Bbox,
				Bbox: &api.BoundingBox{MinLat: 37.8, MinLon: -122.5, MaxLat: 37.7, MaxLon: -122.4},
				Zoom: 10,
			},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Antimeridian crossing",
			request: api.StitchRequest{
				Mode: api.Bbox,
				Bbox: &api.BoundingBox{MinLat: -20, MinLon: 170, MaxLat: -10, MaxLon: -170},
				Zoom: 4,
			},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Invalid center dimensions",
			request: api.StitchRequest{
				Mode:   api.Centered,
				Center: &api.CenterPoint{Lat: 37.7749, Lon: -122.4194, Width: 0, Height: 256},
				Zoom:   10,
			},
			expectedError: "VALIDATION_ERROR",
		},
		{
			name: "Invalid fill",
			request: api.StitchRequest{
				Mode:   api.Bbox,
				Bbox:   &australia,
				Zoom:   4,
				Output: &api.OutputOptions{Fill: ptr("purple")},
			},
			expectedError: "VALIDATION_ERROR",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			resp := postStitch(t, srv, tc.request)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var errorResp map[string]interface{}
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&errorResp))
			assert.Equal(t, tc.expectedError, errorResp["error"])
		})
	}
	assert.Zero(t, u.requests.Load(), "invalid requests must not reach the tile server")
}

func TestGetTile(t *testing.T) {
	u := newUpstream(t, "4/1/1")
	srv := setupTestServer(t, u)

	resp, err := http.Get(srv.URL + "/api/v1/tiles/test/4/12/8")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 256, img.Bounds().Dx())

	resp2, err := http.Get(srv.URL + "/api/v1/tiles/test/4/12/8")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
	assert.EqualValues(t, 1, u.requests.Load(), "second request must come from the cache")

	cases := map[string]int{
		"/api/v1/tiles/test/4/1/1":    http.StatusNotFound,
		"/api/v1/tiles/nowhere/4/1/1": http.StatusNotFound,
		"/api/v1/tiles/test/4/16/1":   http.StatusBadRequest,
		"/api/v1/tiles/test/25/1/1":   http.StatusBadRequest,
		"/api/v1/tiles/test/4/x/1":    http.StatusBadRequest,
	}
	for path, status := range cases {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, status, resp.StatusCode)
		})
	}
}

func TestGetTile_BackingStore(t *testing.T) {
	u := newUpstream(t)
	shared, err := cache.NewMemoryStore(16)
	require.NoError(t, err)

	var keys []string
	var released atomic.Int64
	backing := func(o *Options) {
		o.Backing = func(key string, format tile.ImageFormat) (fetch.Store, func() error, error) {
			keys = append(keys, key)
			assert.Equal(t, tile.FormatPNG, format)
			return shared, func() error { released.Add(1); return nil }, nil
		}
	}

	first := setupTestServer(t, u, backing)
	resp, err := http.Get(first.URL + "/api/v1/tiles/test/4/12/8")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"test"}, keys)

	_, ok, err := shared.Load(context.Background(), maptile.New(12, 8, 4))
	require.NoError(t, err)
	assert.True(t, ok, "fetched tile must reach the backing store")

	// a fresh server has an empty memory cache but finds the tile behind it
	second := setupTestServer(t, u, backing)
	resp, err = http.Get(second.URL + "/api/v1/tiles/test/4/12/8")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, u.requests.Load())
}

func TestServerClose_ReleasesStores(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var released atomic.Int64
	s, err := NewServer("test", Options{
		Logger: logger,
		Backing: func(string, tile.ImageFormat) (fetch.Store, func() error, error) {
			return nil, func() error { released.Add(1); return nil }, nil
		},
	})
	require.NoError(t, err)

	assert.NotNil(t, s.tileCache("a", tile.FormatPNG))
	assert.NotNil(t, s.tileCache("b", tile.FormatJPEG))
	assert.NotNil(t, s.tileCache("a", tile.FormatPNG))
	s.Close()
	assert.EqualValues(t, 2, released.Load())
}

func TestHandleStitchingError_DeadlineIsGatewayTimeout(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s, err := NewServer("test", Options{Logger: logger})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	id := "req"
	s.handleStitchingError(rec, &tile.AllTilesFailedError{Failures: []tile.Failure{{Err: tile.ErrDeadline}}}, nil, &id)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	var er api.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&er))
	assert.Equal(t, "TILE_SERVER_TIMEOUT", er.Error)
	assert.Equal(t, "req", *er.RequestId)
}
