package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kiesman99/geostitch/internal/export"
)

var constructCmd = &cobra.Command{
	Use:   "construct",
	Short: "Assemble a raster from tiles downloaded earlier",
	Long: `Assemble a georeferenced raster from a tile store filled by "geostitch tiles",
without touching the network. Tiles missing from the store are painted with the fill colour.

Example:
  geostitch construct --map osm --bbox 50.0,7.0,51.0,8.0 --zoom 7 --cache dir --cache-path ./tiles -o bonn.tif`,
	RunE: runConstruct,
}

func init() {
	rootCmd.AddCommand(constructCmd)
	addRegionFlags(constructCmd)
	addOutputFlags(constructCmd)
}

func runConstruct(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	switch a.cfg.Cache.Kind {
	case "none", "temp", "memory":
		return errors.New("construct reads from a persistent store, e.g. --cache dir --cache-path ./tiles")
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

	st, err := a.stitcher(nil)
	if err != nil {
		return err
	}
	raster, report, err := st.ConstructRaster(a.ctx, store, bbox, zoom, desc)
	a.finish(report)
	if err != nil {
		return err
	}

	enc, err := a.cfg.Encoder()
	if err != nil {
		return err
	}
	dest, _ := cmd.Flags().GetString("output")
	if dest == "" {
		dest = fmt.Sprintf("%s_z%d", desc.Name(), zoom)
	}
	out, err := export.Export(a.ctx, raster.Mosaic, raster.Crop, raster.GeoTransform, dest, enc, export.Options{
		WorldFile: a.cfg.Output.WorldFile,
		Logger:    a.log,
	})
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s %dx%d (%d tiles, %d missing)\n",
		out.Path, out.Width, out.Height, report.Tiles, report.Failed)
	return nil
}
