package mosaic

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

func solidPNG(t *testing.T, size int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testPlan(t *testing.T) *tileset.Plan {
	t.Helper()
	desc, err := mapdesc.New(mapdesc.Config{URLs: []string{"https://example.com/{z}/{x}/{y}.png"}})
	require.NoError(t, err)
	bbox := tile.BoundingBox{MinLat: -38.349326, MinLon: 111.905820, MaxLat: -10.550982, MaxLon: 155.047867}
	plan, err := tileset.New(bbox, 4, desc)
	require.NoError(t, err)
	return plan
}

func slotColor(i int) color.RGBA {
	return color.RGBA{R: uint8(40 * (i + 1)), G: uint8(255 - 30*i), B: 7, A: 255}
}

func TestBuild_PlacesTilesInGrid(t *testing.T) {
	plan := testPlan(t)
	results := make([]fetch.Result, plan.Len())
	for i, tl := range plan.Tiles() {
		results[i] = fetch.Result{Index: i, Tile: tl, Data: solidPNG(t, 256, slotColor(i))}
	}

	logger, _ := test.NewNullLogger()
	m, err := Build(plan, results, Options{Format: tile.FormatPNG, Logger: logger})
	require.NoError(t, err)

	assert.Equal(t, image.Rect(0, 0, 768, 512), m.Image.Bounds())
	assert.Equal(t, 6, m.Drawn)
	assert.Empty(t, m.Failures)

	for i := range results {
		col, row := plan.Position(i)
		for _, p := range []image.Point{
			{col*256 + 1, row*256 + 1},
			{col*256 + 128, row*256 + 128},
			{col*256 + 255, row*256 + 255},
		} {
			assert.Equal(t, slotColor(i), m.Image.RGBAAt(p.X, p.Y), "slot %d at %v", i, p)
		}
	}
}

func TestBuild_FailedTilesKeepFill(t *testing.T) {
	plan := testPlan(t)
	fill := color.RGBA{R: 1, G: 2, B: 3, A: 255}

	var jpegBuf bytes.Buffer
	require.NoError(t, jpeg.Encode(&jpegBuf, image.NewRGBA(image.Rect(0, 0, 256, 256)), nil))

	results := make([]fetch.Result, plan.Len())
	for i, tl := range plan.Tiles() {
		results[i] = fetch.Result{Index: i, Tile: tl, Data: solidPNG(t, 256, slotColor(i))}
	}
	results[1].Data = nil
	results[1].Err = &tile.FetchError{URL: "u", StatusCode: 404, Err: errors.New("not found")}
	results[3].Data = []byte("<html>quota exceeded</html>")
	results[4].Data = solidPNG(t, 512, slotColor(4))
	// jpeg bytes under a png declaration still decode
	results[5].Data = jpegBuf.Bytes()

	logger, _ := test.NewNullLogger()
	m, err := Build(plan, results, Options{Format: tile.FormatPNG, Fill: fill, Workers: 2, Logger: logger})
	require.NoError(t, err)

	assert.Equal(t, 3, m.Drawn)
	require.Len(t, m.Failures, 3)
	assert.ErrorIs(t, m.Failures[0].Err, tile.ErrFetch)
	assert.ErrorIs(t, m.Failures[1].Err, tile.ErrDecode)
	assert.ErrorIs(t, m.Failures[2].Err, tile.ErrDecode)
	assert.Equal(t, []int{1, 3, 4}, m.FailedIndices())

	for _, i := range []int{1, 3, 4} {
		col, row := plan.Position(i)
		assert.Equal(t, fill, m.Image.RGBAAt(col*256+10, row*256+10), "slot %d", i)
	}
	assert.Equal(t, slotColor(0), m.Image.RGBAAt(10, 10))
}

func TestBuild_TransparentByDefault(t *testing.T) {
	plan := testPlan(t)
	results := make([]fetch.Result, plan.Len())
	for i, tl := range plan.Tiles() {
		results[i] = fetch.Result{Index: i, Tile: tl, Err: tile.ErrDeadline}
	}
	results[0] = fetch.Result{Index: 0, Tile: plan.Tiles()[0], Data: solidPNG(t, 256, slotColor(0))}

	logger, _ := test.NewNullLogger()
	m, err := Build(plan, results, Options{Logger: logger})
	require.NoError(t, err)
	assert.Equal(t, color.RGBA{}, m.Image.RGBAAt(300, 300))
}

func TestBuild_NothingDrawn(t *testing.T) {
	plan := testPlan(t)
	results := make([]fetch.Result, plan.Len())
	for i, tl := range plan.Tiles() {
		results[i] = fetch.Result{Index: i, Tile: tl, Data: []byte("junk")}
	}

	logger, _ := test.NewNullLogger()
	m, err := Build(plan, results, Options{Logger: logger})
	require.Error(t, err)
	assert.ErrorIs(t, err, tile.ErrAllTilesFailed)
	assert.ErrorIs(t, err, tile.ErrDecode)
	require.NotNil(t, m)
	assert.Len(t, m.Failures, 6)
}

func TestBuild_ResultCountMismatch(t *testing.T) {
	_, err := Build(testPlan(t), make([]fetch.Result, 2), Options{})
	assert.Error(t, err)
}
