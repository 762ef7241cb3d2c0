// Package fetch retrieves the tiles of a plan with a bounded worker pool.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulmach/orb/maptile"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/internal/tileset"
	"github.com/kiesman99/geostitch/pkg/tile"
)

const (
	DefaultWorkers = 10
	DefaultRetries = 3
	DefaultBackoff = 250 * time.Millisecond
)

// Client performs a single tile request
type Client interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Store persists raw tile bytes between runs
type Store interface {
	Load(ctx context.Context, t maptile.Tile) ([]byte, bool, error)
	Save(ctx context.Context, t maptile.Tile, data []byte) error
}

// Options tunes a Fetcher. Zero values select the defaults.
type Options struct {
	Workers int
	// Retries is the number of extra attempts per mirror after a transient failure
	Retries int
	// Backoff is multiplied by the attempt number before each retry
	Backoff time.Duration
	// Timeout bounds the whole batch. Tiles not fetched in time fail with tile.ErrDeadline.
	Timeout time.Duration

	Store Store
	// Overwrite refetches tiles already present in Store
	Overwrite bool

	// OnProgress is called from worker goroutines after every finished tile
	OnProgress func(done, total int)
	Logger     logrus.FieldLogger
}

// Fetcher downloads plans. It holds no per-batch state and is safe for concurrent use.
type Fetcher struct {
	client Client
	opts   Options
	log    logrus.FieldLogger
}

// New creates a fetcher around client
func New(client Client, opts Options) *Fetcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = DefaultRetries
	}
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Fetcher{
		client: client,
		opts:   opts,
		log:    log.WithField("component", "fetch"),
	}
}

// FetchAll retrieves every tile of plan from desc.
//
// Per-tile failures are recorded in the batch and never abort the others. The returned
// error is a *tile.ConfigError when URLs cannot be generated, ctx.Err() when the caller
// cancelled, or a *tile.AllTilesFailedError when nothing could be retrieved. The batch is
// returned alongside the last two.
func (f *Fetcher) FetchAll(ctx context.Context, plan *tileset.Plan, desc mapdesc.Descriptor) (*Batch, error) {
	tiles := plan.Tiles()

	urls := make([][]string, len(tiles))
	for i, t := range tiles {
		u, err := desc.URLs(t)
		if err != nil {
			if !errors.Is(err, tile.ErrConfig) {
				err = &tile.ConfigError{Map: desc.Name(), Err: err}
			}
			return nil, err
		}
		if len(u) == 0 {
			return nil, &tile.ConfigError{Map: desc.Name(), Err: fmt.Errorf("no URLs for tile %d/%d/%d", t.Z, t.X, t.Y)}
		}
		urls[i] = u
	}

	start := time.Now()
	batch := &Batch{Plan: plan, Results: make([]Result, len(tiles))}
	for i, t := range tiles {
		batch.Results[i] = Result{Index: i, Tile: t}
	}

	// gate stops dispatch and backoff; requests already on the wire run to completion
	var (
		gate   context.Context
		cancel context.CancelFunc
	)
	if f.opts.Timeout > 0 {
		gate, cancel = context.WithTimeout(ctx, f.opts.Timeout)
	} else {
		gate, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	wire := context.WithoutCancel(ctx)

	f.log.WithFields(logrus.Fields{
		"map":     desc.Name(),
		"tiles":   len(tiles),
		"workers": f.opts.Workers,
	}).Debugf("fetching %s", plan)

	var done atomic.Int64
	total := len(tiles)

	g := new(errgroup.Group)
	g.SetLimit(f.opts.Workers)

	dispatched := 0
	for i := range tiles {
		if gate.Err() != nil {
			break
		}
		r := &batch.Results[i]
		mirrors := urls[i]
		g.Go(func() error {
			f.fetchTile(gate, wire, r, mirrors, desc.Delay())
			if f.opts.OnProgress != nil {
				f.opts.OnProgress(int(done.Add(1)), total)
			}
			return nil
		})
		dispatched++
	}
	_ = g.Wait()

	if dispatched < len(tiles) {
		reason := stopReason(ctx)
		for i := dispatched; i < len(tiles); i++ {
			batch.Results[i].Err = reason
		}
		f.log.WithError(reason).Warnf("%d tiles not dispatched", len(tiles)-dispatched)
	}

	batch.tally()
	batch.Elapsed = time.Since(start)

	f.log.WithFields(logrus.Fields{
		"fetched": batch.Fetched,
		"cached":  batch.Cached,
		"failed":  batch.Failed,
		"elapsed": batch.Elapsed.Round(time.Millisecond),
	}).Info("fetch finished")

	if err := ctx.Err(); err != nil {
		return batch, err
	}
	if batch.Failed == len(tiles) {
		return batch, &tile.AllTilesFailedError{Failures: batch.Failures()}
	}
	return batch, nil
}

// FetchOne retrieves a single tile through the store and the mirrors of desc,
// with the same retry rules as FetchAll
func (f *Fetcher) FetchOne(ctx context.Context, desc mapdesc.Descriptor, t maptile.Tile) (Result, error) {
	r := Result{Tile: t}
	mirrors, err := desc.URLs(t)
	if err != nil {
		if !errors.Is(err, tile.ErrConfig) {
			err = &tile.ConfigError{Map: desc.Name(), Err: err}
		}
		return r, err
	}
	if len(mirrors) == 0 {
		return r, &tile.ConfigError{Map: desc.Name(), Err: fmt.Errorf("no URLs for tile %d/%d/%d", t.Z, t.X, t.Y)}
	}

	f.fetchTile(ctx, context.WithoutCancel(ctx), &r, mirrors, desc.Delay())
	if err := ctx.Err(); err != nil && r.Err != nil {
		return r, err
	}
	return r, r.Err
}

// fetchTile fills r from the store or the mirrors
func (f *Fetcher) fetchTile(gate, wire context.Context, r *Result, mirrors []string, delay time.Duration) {
	log := f.log.WithField("tile", fmt.Sprintf("%d/%d/%d", r.Tile.Z, r.Tile.X, r.Tile.Y))

	if f.opts.Store != nil && !f.opts.Overwrite {
		data, ok, err := f.opts.Store.Load(wire, r.Tile)
		if err != nil {
			log.WithError(err).Warn("tile store lookup failed")
		} else if ok {
			r.Data = data
			r.Cached = true
			return
		}
	}

	var lastErr error
	for _, url := range mirrors {
		stopped := false
		op := func() error {
			if gate.Err() != nil {
				stopped = true
				return backoff.Permanent(stopReason(gate))
			}
			r.Attempts++
			data, err := f.client.Fetch(wire, url)
			if delay > 0 {
				sleep(gate, delay)
			}
			if err != nil {
				log.WithFields(logrus.Fields{"url": url, "attempt": r.Attempts}).WithError(err).Debug("tile request failed")
				if !tile.IsTransient(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			r.Data = data
			return nil
		}

		err := backoff.Retry(op, f.retryPolicy(gate))
		if err == nil {
			r.URL = url
			r.Err = nil
			f.save(wire, log, r)
			return
		}
		if stopped || (gate.Err() != nil && errors.Is(err, gate.Err())) {
			r.Err = stopReason(gate)
			return
		}
		lastErr = err
	}

	r.Err = lastErr
	if len(mirrors) > 0 {
		r.URL = mirrors[len(mirrors)-1]
	}
	log.WithError(lastErr).Warn("tile failed on every mirror")
}

// retryPolicy allows Retries extra attempts per mirror with linearly growing pauses, ending early once gate is done
func (f *Fetcher) retryPolicy(gate context.Context) backoff.BackOff {
	var b backoff.BackOff = &backoff.StopBackOff{}
	// WithMaxRetries treats zero as unlimited
	if f.opts.Retries > 0 {
		b = backoff.WithMaxRetries(&linearBackOff{step: f.opts.Backoff}, uint64(f.opts.Retries))
	}
	return backoff.WithContext(b, gate)
}

// linearBackOff waits step times the number of the retry
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

func (f *Fetcher) save(ctx context.Context, log logrus.FieldLogger, r *Result) {
	if f.opts.Store == nil {
		return
	}
	if err := f.opts.Store.Save(ctx, r.Tile, r.Data); err != nil {
		log.WithError(err).Warn("saving tile to store failed")
	}
}

// stopReason explains why work stopped: the caller's cancellation or the batch deadline
func stopReason(ctx context.Context) error {
	if err := context.Cause(ctx); errors.Is(err, context.Canceled) {
		return err
	}
	return tile.ErrDeadline
}

// sleep waits for d, the politeness delay, and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
