package cache

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb/maptile"
)

// MemoryStore is a bounded LRU of tile bytes
type MemoryStore struct {
	lru *lru.Cache[maptile.Tile, []byte]
}

// NewMemoryStore keeps at most entries tiles
func NewMemoryStore(entries int) (*MemoryStore, error) {
	c, err := lru.New[maptile.Tile, []byte](entries)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{lru: c}, nil
}

func (s *MemoryStore) Load(_ context.Context, t maptile.Tile) ([]byte, bool, error) {
	data, ok := s.lru.Get(t)
	return data, ok, nil
}

func (s *MemoryStore) Save(_ context.Context, t maptile.Tile, data []byte) error {
	s.lru.Add(t, data)
	return nil
}

// Len is the number of cached tiles
func (s *MemoryStore) Len() int {
	return s.lru.Len()
}
