package cmd

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiesman99/geostitch/pkg/tile"
)

func TestParseBBox(t *testing.T) {
	b, err := parseBBox("-38.349326, 111.905820,-10.550982,155.047867")
	require.NoError(t, err)
	assert.Equal(t, tile.BoundingBox{MinLat: -38.349326, MinLon: 111.905820, MaxLat: -10.550982, MaxLon: 155.047867}, b)

	_, err = parseBBox("1,2,3")
	assert.Error(t, err)
	_, err = parseBBox("1,2,x,4")
	assert.ErrorContains(t, err, "max-lat")
}

func regionCmd(t *testing.T, args ...string) *cobra.Command {
	t.Helper()
	c := &cobra.Command{Use: "test", RunE: func(*cobra.Command, []string) error { return nil }}
	addRegionFlags(c)
	require.NoError(t, c.ParseFlags(args))
	return c
}

func TestRegion(t *testing.T) {
	bbox, zoom, err := region(regionCmd(t, "--bbox", "1,2,3,4", "-z", "5"), 256)
	require.NoError(t, err)
	assert.Equal(t, 5, zoom)
	assert.Equal(t, tile.BoundingBox{MinLat: 1, MinLon: 2, MaxLat: 3, MaxLon: 4}, bbox)

	bbox, _, err = region(regionCmd(t, "--min-lat", "1", "--min-lon", "2", "--max-lat", "3", "--max-lon", "4", "--zoom", "0"), 256)
	require.NoError(t, err)
	assert.Equal(t, 4.0, bbox.MaxLon)

	bbox, _, err = region(regionCmd(t, "--lat", "0", "--lon", "0", "--width", "256", "--height", "256", "--zoom", "1"), 256)
	require.NoError(t, err)
	assert.InDelta(t, -90, bbox.MinLon, 1e-9)
	assert.InDelta(t, 90, bbox.MaxLon, 1e-9)

	_, _, err = region(regionCmd(t, "--bbox", "1,2,3,4"), 256)
	assert.ErrorContains(t, err, "zoom")

	_, _, err = region(regionCmd(t, "--zoom", "3"), 256)
	assert.Error(t, err)
}
