package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/paulmach/orb/maptile"

	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

var errEmpty = errors.New("no tile data")

// Result is the outcome for one plan slot
type Result struct {
	Index    int
	Tile     maptile.Tile
	URL      string
	Data     []byte
	Cached   bool
	Attempts int
	Err      error
}

// OK reports whether the tile bytes are available
func (r Result) OK() bool {
	return r.Err == nil && len(r.Data) > 0
}

// Batch holds the results of one FetchAll call in plan order
type Batch struct {
	Plan    *tileset.Plan
	Results []Result

	Fetched int
	Cached  int
	Failed  int
	Elapsed time.Duration
}

// NewBatch wraps results gathered elsewhere, e.g. from a tile store, and tallies them
func NewBatch(plan *tileset.Plan, results []Result) *Batch {
	b := &Batch{Plan: plan, Results: results}
	b.tally()
	return b
}

func (b *Batch) tally() {
	b.Fetched, b.Cached, b.Failed = 0, 0, 0
	for _, r := range b.Results {
		switch {
		case !r.OK():
			b.Failed++
		case r.Cached:
			b.Cached++
		default:
			b.Fetched++
		}
	}
}

// Failures lists every failed slot with its cause
func (b *Batch) Failures() []tile.Failure {
	var out []tile.Failure
	for _, r := range b.Results {
		if r.OK() {
			continue
		}
		err := r.Err
		if err == nil {
			err = &tile.FetchError{URL: r.URL, Err: errEmpty}
		}
		out = append(out, tile.Failure{Tile: r.Tile, Err: err})
	}
	return out
}

// FailedIndices returns the plan slots that have no data
func (b *Batch) FailedIndices() []int {
	var out []int
	for _, r := range b.Results {
		if !r.OK() {
			out = append(out, r.Index)
		}
	}
	return out
}

// Load serves tiles out of the batch so it can stand in for a tile store
func (b *Batch) Load(_ context.Context, t maptile.Tile) ([]byte, bool, error) {
	i, ok := b.Plan.Slot(t)
	if !ok || !b.Results[i].OK() {
		return nil, false, nil
	}
	return b.Results[i].Data, true, nil
}

// Save is a no-op; batches are read-only once FetchAll returns
func (b *Batch) Save(context.Context, maptile.Tile, []byte) error {
	return nil
}

// Collect assembles a batch from tiles already held in store, without touching the network.
// Tiles missing from the store are recorded as failures.
func Collect(ctx context.Context, plan *tileset.Plan, store Store) (*Batch, error) {
	start := time.Now()
	tiles := plan.Tiles()
	results := make([]Result, len(tiles))
	for i, t := range tiles {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(tiles); j++ {
				results[j] = Result{Index: j, Tile: tiles[j], Err: err}
			}
			b := NewBatch(plan, results)
			return b, err
		}

		r := Result{Index: i, Tile: t, Cached: true}
		data, ok, err := store.Load(ctx, t)
		switch {
		case err != nil:
			r.Err = fmt.Errorf("%w: load from store: %w", tile.ErrFetch, err)
		case !ok:
			r.Err = fmt.Errorf("%w: tile %d/%d/%d not in store", tile.ErrFetch, t.Z, t.X, t.Y)
		default:
			r.Data = data
		}
		results[i] = r
	}

	b := NewBatch(plan, results)
	b.Elapsed = time.Since(start)
	if b.Failed == len(tiles) {
		return b, &tile.AllTilesFailedError{Failures: b.Failures()}
	}
	return b, nil
}
