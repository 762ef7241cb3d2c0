package cmd

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiesman99/geostitch/internal/cache"
)

var tilesCmd = &cobra.Command{
	Use:   "tiles",
	Short: "Download the raw tiles of a region into a tile store",
	Long: `Download every tile covering a region into the configured tile store without
assembling them. Tiles already in the store are skipped unless --overwrite is given.

Examples:
  # OGC directory layout, z/x/y.png
  geostitch tiles --map osm --bbox 47.2,5.8,55.1,15.1 --zoom 7 --cache dir --cache-path ./tiles

  # MBTiles file
  geostitch tiles --map osm --bbox 47.2,5.8,55.1,15.1 --zoom 7 --cache mbtiles --cache-path germany.mbtiles`,
	RunE: runTiles,
}

func init() {
	rootCmd.AddCommand(tilesCmd)
	addRegionFlags(tilesCmd)
	tilesCmd.Flags().Bool("json", false, "print the request report as JSON")
}

func runTiles(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	switch a.cfg.Cache.Kind {
	case "none", "temp", "memory":
		return errors.New("tiles needs a persistent store, e.g. --cache dir --cache-path ./tiles")
	}

	desc, err := a.cfg.Descriptor("")
	if err != nil {
		return err
	}
	bbox, zoom, err := region(cmd, desc.TileSize())
	if err != nil {
		return err
	}

	store, release, err := a.cfg.Cache.OpenStore(a.ctx, desc.Name(), desc.Format())
	if err != nil {
		return err
	}
	defer release()

	st, err := a.stitcher(store)
	if err != nil {
		return err
	}
	batch, report, err := st.DownloadTiles(a.ctx, desc, bbox, zoom)
	a.finish(report)
	if err != nil {
		return err
	}

	if sql, ok := store.(*cache.SQLStore); ok {
		err := sql.WriteMetadata(a.ctx, cache.Metadata{
			Name:    desc.Name(),
			Format:  desc.Format(),
			Bounds:  batch.Plan.Extent(),
			MinZoom: zoom,
			MaxZoom: zoom,
		})
		if err != nil {
			return fmt.Errorf("write tileset metadata: %w", err)
		}
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d tiles: %d downloaded, %d already stored, %d failed\n",
		report.Tiles, report.Fetched, report.Cached, report.Failed)
	return nil
}
