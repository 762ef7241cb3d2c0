// Package mosaic composites fetched tiles into one raster covering the plan's tile grid.
package mosaic

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"runtime"

	"github.com/sirupsen/logrus"
	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/geostitch/internal/fetch"
	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// Options controls decoding and the colour used for missing tiles
type Options struct {
	Decoder tile.Decoder
	// Format is the declared tile format, used when bytes carry no recognisable signature
	Format tile.ImageFormat
	// Fill paints tiles that failed. Nil means fully transparent.
	Fill    color.Color
	Workers int
	Logger  logrus.FieldLogger
}

// Mosaic is the assembled tile grid
type Mosaic struct {
	Image *image.RGBA
	Plan  *tileset.Plan
	// Failures covers fetch and decode failures in plan order
	Failures []tile.Failure
	Drawn    int
}

// FailedIndices returns the plan slots painted with the fill colour
func (m *Mosaic) FailedIndices() []int {
	out := make([]int, 0, len(m.Failures))
	for _, f := range m.Failures {
		if i, ok := m.Plan.Slot(f.Tile); ok {
			out = append(out, i)
		}
	}
	return out
}

// Build decodes results and draws each tile into its grid cell.
// results must be in plan order, one per slot.
func Build(plan *tileset.Plan, results []fetch.Result, opts Options) (*Mosaic, error) {
	if len(results) != plan.Len() {
		return nil, fmt.Errorf("got %d results for a plan of %d tiles", len(results), plan.Len())
	}
	if opts.Decoder == nil {
		opts.Decoder = tile.SniffDecoder{}
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("component", "mosaic")

	ts := plan.TileSize
	img := image.NewRGBA(image.Rect(0, 0, plan.PixelWidth(), plan.PixelHeight()))
	if opts.Fill != nil {
		draw.Draw(img, img.Bounds(), image.NewUniform(opts.Fill), image.Point{}, draw.Src)
	}

	errs := make([]error, len(results))

	g := new(errgroup.Group)
	g.SetLimit(opts.Workers)
	for i := range results {
		r := &results[i]
		if !r.OK() {
			errs[i] = r.Err
			if errs[i] == nil {
				errs[i] = &tile.FetchError{URL: r.URL, Err: fmt.Errorf("no tile data")}
			}
			continue
		}
		i := i
		g.Go(func() error {
			src, err := opts.Decoder.Decode(r.Data, opts.Format)
			if err != nil {
				errs[i] = &tile.DecodeError{Tile: r.Tile, Err: err}
				return nil
			}
			b := src.Bounds()
			if b.Dx() != ts || b.Dy() != ts {
				errs[i] = &tile.DecodeError{Tile: r.Tile, Err: fmt.Errorf("tile is %dx%d, expected %dx%d", b.Dx(), b.Dy(), ts, ts)}
				return nil
			}
			// every slot owns a disjoint rectangle, so concurrent draws never overlap
			col, row := plan.Position(i)
			dst := image.Rect(col*ts, row*ts, (col+1)*ts, (row+1)*ts)
			draw.Draw(img, dst, src, b.Min, draw.Src)
			return nil
		})
	}
	_ = g.Wait()

	m := &Mosaic{Image: img, Plan: plan}
	for i, err := range errs {
		if err == nil {
			m.Drawn++
			continue
		}
		m.Failures = append(m.Failures, tile.Failure{Tile: results[i].Tile, Err: err})
		if errors.Is(err, tile.ErrDecode) {
			log.WithField("tile", fmt.Sprintf("%d/%d/%d", results[i].Tile.Z, results[i].Tile.X, results[i].Tile.Y)).
				WithError(err).Warn("tile could not be decoded")
		}
	}

	if m.Drawn == 0 {
		return m, &tile.AllTilesFailedError{Failures: m.Failures}
	}
	log.Debugf("drew %d of %d tiles into %dx%d mosaic", m.Drawn, len(results), img.Rect.Dx(), img.Rect.Dy())
	return m, nil
}
