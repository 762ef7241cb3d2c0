package cache

import (
	"context"
	"errors"

	"github.com/paulmach/orb/maptile"
)

// Tiered consults stores in order and copies hits into the faster tiers above them
type Tiered []Store

func (t Tiered) Load(ctx context.Context, mt maptile.Tile) ([]byte, bool, error) {
	var errs []error
	for i, s := range t {
		data, ok, err := s.Load(ctx, mt)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !ok {
			continue
		}
		for _, upper := range t[:i] {
			_ = upper.Save(ctx, mt, data)
		}
		return data, true, nil
	}
	return nil, false, errors.Join(errs...)
}

func (t Tiered) Save(ctx context.Context, mt maptile.Tile, data []byte) error {
	var errs []error
	for _, s := range t {
		if err := s.Save(ctx, mt, data); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
