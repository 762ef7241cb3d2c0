package cmd

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb/maptile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/geostitch/internal/config"
	"github.com/kiesman99/geostitch/pkg/tile"
)

func TestStoreName(t *testing.T) {
	assert.Equal(t, "osm", storeName("osm"))
	assert.Equal(t, "google-road", storeName("google-road"))

	src := storeName("source:https://example.com/{z}/{x}/{y}.png")
	assert.Regexp(t, `^src-[0-9a-f]{12}$`, src)
	assert.Equal(t, src, storeName("source:https://example.com/{z}/{x}/{y}.png"))
}

func TestBackingStores(t *testing.T) {
	ctx := context.Background()

	open, err := backingStores(ctx, config.Cache{Kind: "none"})
	require.NoError(t, err)
	assert.Nil(t, open)

	_, err = backingStores(ctx, config.Cache{Kind: "mysql", DSN: "user@/tiles"})
	assert.Error(t, err)

	root := t.TempDir()
	open, err = backingStores(ctx, config.Cache{Kind: "dir", Path: root, Layout: "zxy"})
	require.NoError(t, err)
	store, release, err := open("osm", tile.FormatPNG)
	require.NoError(t, err)
	defer release()

	require.NoError(t, store.Save(ctx, maptile.New(1, 2, 3), []byte("tile")))
	assert.FileExists(t, filepath.Join(root, "osm", "3", "1", "2.png"))
}
