package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/paulmach/orb/maptile"

	"github.com/kiesman99/geostitch/internal/mapdesc"
	"github.com/kiesman99/geostitch/pkg/tile"
)

// DirStore keeps one file per tile under a root directory
type DirStore struct {
	root   string
	layout Layout
	suffix string
}

// NewDirStore creates root if needed. format picks the file suffix.
func NewDirStore(root string, layout Layout, format tile.ImageFormat) (*DirStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create tile directory: %w", err)
	}
	suffix := format.Suffix()
	if suffix == "" {
		suffix = ".tile"
	}
	return &DirStore{root: root, layout: layout, suffix: suffix}, nil
}

// Root is the directory tiles are stored in
func (s *DirStore) Root() string { return s.root }

// Path returns the file a tile is stored in
func (s *DirStore) Path(t maptile.Tile) string {
	if s.layout == LayoutQuadkey {
		name := mapdesc.Quadkey(t)
		if name == "" {
			// zoom 0 has an empty quadkey
			name = "root"
		}
		return filepath.Join(s.root, name+s.suffix)
	}
	return filepath.Join(s.root,
		strconv.Itoa(int(t.Z)),
		strconv.FormatUint(uint64(t.X), 10),
		strconv.FormatUint(uint64(t.Y), 10)+s.suffix)
}

func (s *DirStore) Load(_ context.Context, t maptile.Tile) ([]byte, bool, error) {
	data, err := os.ReadFile(s.Path(t))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, nil
	}
	return data, true, nil
}

// Save writes through a temporary file so readers never see partial tiles
func (s *DirStore) Save(_ context.Context, t maptile.Tile, data []byte) error {
	path := s.Path(t)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".tile-*")
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return err
	}
	if err := os.Rename(f.Name(), path); err != nil {
		os.Remove(f.Name())
		return err
	}
	return nil
}

// Exists reports whether the tile file is present
func (s *DirStore) Exists(t maptile.Tile) bool {
	_, err := os.Stat(s.Path(t))
	return err == nil
}
