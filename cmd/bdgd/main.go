package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/geoenergia/bdgd/pkg/bdgd"
)

func main() {
	var cmdRoot = &cobra.Command{
		Use:   "bdgd",
		Short: "BDGD dataset downloader and grid mapper",
		Long:  "Download BDGD geodatabases from the open data catalog, load them into a local store, and aggregate consumer units over a grid map",
	}
	cmdRoot.PersistentFlags().StringP("config", "c", "", "load configuration from a TOML file")
	cmdRoot.PersistentFlags().Bool("verbose", false, "log debugging information")
	cmdRoot.PersistentFlags().Bool("quiet", false, "log warnings and errors only")

	cmdRoot.AddCommand(cmdRun())
	cmdRoot.AddCommand(cmdSearch())

	if err := cmdRoot.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger from the shared flags.
func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelInfo
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		level = slog.LevelWarn
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// signalContext cancels on interrupt so a long download run stops cleanly.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func cmdRun() *cobra.Command {
	var cmd = &cobra.Command{
		Use:          "run",
		Short:        "run the full pipeline: search, download, load, aggregate, map",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			applyRunFlags(cmd, &cfg)

			logger := newLogger(cmd)
			p, err := bdgd.NewPipeline(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			report, err := p.Run(ctx)
			if err != nil {
				return err
			}
			printReport(cmd, report)
			return nil
		},
	}

	cmd.Flags().String("company", "", "filter datasets by company name")
	cmd.Flags().String("date", "", "filter datasets by date in the file name")
	cmd.Flags().Int("max", 0, "maximum datasets to download (0 = all)")
	cmd.Flags().String("store", "", "store database file")
	cmd.Flags().Bool("fresh", false, "discard the existing store before loading")
	cmd.Flags().Bool("reproject", false, "reproject datasets to the store's coordinate system")
	cmd.Flags().String("column", "", "attribute to aggregate (ENE_TOT or DEM)")
	cmd.Flags().String("function", "", "aggregation function: sum, mean, or count")
	cmd.Flags().Float64("cell-size", 0, "grid cell edge length")
	cmd.Flags().String("cell-units", "", "grid cell units: km, m, or deg")
	cmd.Flags().String("strategy", "", "aggregation strategy: cells or scan")
	cmd.Flags().StringP("output", "o", "", "write the map to this HTML file")
	return cmd
}

// applyRunFlags lets command line flags override the configuration file.
func applyRunFlags(cmd *cobra.Command, cfg *bdgd.Config) {
	if cmd.Flags().Changed("company") {
		cfg.CompanyFilter, _ = cmd.Flags().GetString("company")
	}
	if cmd.Flags().Changed("date") {
		cfg.DateFilter, _ = cmd.Flags().GetString("date")
	}
	if cmd.Flags().Changed("max") {
		cfg.MaxDownloads, _ = cmd.Flags().GetInt("max")
	}
	if cmd.Flags().Changed("store") {
		cfg.StorePath, _ = cmd.Flags().GetString("store")
	}
	if cmd.Flags().Changed("fresh") {
		cfg.FreshStore, _ = cmd.Flags().GetBool("fresh")
	}
	if cmd.Flags().Changed("reproject") {
		cfg.Reproject, _ = cmd.Flags().GetBool("reproject")
	}
	if cmd.Flags().Changed("column") {
		cfg.Column, _ = cmd.Flags().GetString("column")
	}
	if cmd.Flags().Changed("function") {
		cfg.Function, _ = cmd.Flags().GetString("function")
	}
	if cmd.Flags().Changed("cell-size") {
		cfg.CellSize, _ = cmd.Flags().GetFloat64("cell-size")
	}
	if cmd.Flags().Changed("cell-units") {
		cfg.CellUnits, _ = cmd.Flags().GetString("cell-units")
	}
	if cmd.Flags().Changed("strategy") {
		cfg.Strategy, _ = cmd.Flags().GetString("strategy")
	}
	if cmd.Flags().Changed("output") {
		cfg.OutputPath, _ = cmd.Flags().GetString("output")
	}
}

func printReport(cmd *cobra.Command, report *bdgd.RunReport) {
	out := cmd.OutOrStdout()

	if len(report.Items) == 0 {
		fmt.Fprintln(out, "no datasets matched the filters")
		return
	}

	fmt.Fprintf(out, "datasets matched:  %d\n", len(report.Items))
	if report.Fetch != nil {
		fmt.Fprintf(out, "geodatabases:      %d\n", len(report.Fetch.GDBPaths))
		for _, f := range report.Fetch.Failures {
			fmt.Fprintf(out, "  fetch failed:    %s (%s)\n", f.Item.Name, f.Code)
		}
	}
	for _, l := range report.Loads {
		if l.AlreadyLoaded {
			fmt.Fprintf(out, "  already loaded:  %s\n", l.Dataset)
			continue
		}
		fmt.Fprintf(out, "  loaded:          %s (%d records, %d skipped, %d orphaned)\n",
			l.Dataset, l.RecordsAdded, l.RecordsSkipped, l.Orphaned)
	}
	for _, f := range report.LoadFailures {
		fmt.Fprintf(out, "  load failed:     %s (%s)\n", f.Dataset, f.Code)
	}
	fmt.Fprintf(out, "records in store:  %d\n", report.Records)

	if agg := report.Aggregate; agg != nil {
		fmt.Fprintf(out, "grid:              %dx%d cells, %s of %s\n",
			agg.Rows, agg.Cols, agg.Function, agg.Column)
	}
	if report.MapPath != "" {
		fmt.Fprintf(out, "map written:       %s\n", report.MapPath)
	}
}

func cmdSearch() *cobra.Command {
	var cmd = &cobra.Command{
		Use:          "search",
		Short:        "list catalog datasets matching the filters",
		Long:         "Search the catalog and print matching datasets. Use the title for the company filter and the name for the date filter.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			configFile, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(configFile)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("company") {
				cfg.CompanyFilter, _ = cmd.Flags().GetString("company")
			}
			if cmd.Flags().Changed("date") {
				cfg.DateFilter, _ = cmd.Flags().GetString("date")
			}
			cfg.MaxDownloads = 0

			logger := newLogger(cmd)
			p, err := bdgd.NewPipeline(cfg, logger)
			if err != nil {
				return err
			}

			ctx, cancel := signalContext()
			defer cancel()

			items, err := p.Search(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(items) == 0 {
				fmt.Fprintln(out, "no datasets matched the filters")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(out, "%s\n", item.Title)
				fmt.Fprintf(out, "  name: %s\n", item.Name)
				if item.Size > 0 {
					fmt.Fprintf(out, "  size: %s\n", humanize.Bytes(uint64(item.Size)))
				}
			}
			fmt.Fprintf(out, "%d datasets\n", len(items))
			return nil
		},
	}

	cmd.Flags().String("company", "", "filter datasets by company name")
	cmd.Flags().String("date", "", "filter datasets by date in the file name")
	return cmd
}
