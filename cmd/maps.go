package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kiesman99/geostitch/internal/mapdesc"
)

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "List the built-in map services",
	Long: `List the built-in map services. Names are matched in any case style, so
GoogleSatellite, google_satellite and google-satellite select the same service.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		infos := make([]mapdesc.Info, 0)
		for _, name := range mapdesc.Names() {
			d, err := mapdesc.Lookup(name)
			if err != nil {
				return err
			}
			infos = append(infos, mapdesc.Describe(d))
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(infos)
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tFORMAT\tTILE SIZE\tMAX ZOOM\tMIRRORS")
		for _, info := range infos {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", info.Name, info.Format, info.TileSize, info.MaxZoom, info.Mirrors)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(mapsCmd)
	mapsCmd.Flags().Bool("json", false, "print as JSON")
}
