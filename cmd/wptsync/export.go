package main

import (
	"fmt"

	"github.com/ladybirdbrowser/wptsync/pkg/export"
	"github.com/spf13/cobra"
)

var (
	exportDir   string
	exportLimit int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export run totals as JSON documents",
	Long: `Write one JSON document per recent run, a run listing per product and an
index to a local directory or to S3-compatible storage.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVar(&exportDir, "dir", "",
		"local output directory (overrides export.dir)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", -1,
		"runs per product, 0 for all (overrides export.limit)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if exportDir != "" {
		cfg.Export.Dir = exportDir
	}

	if exportLimit >= 0 {
		cfg.Export.Limit = exportLimit
	}

	var sink export.Sink

	switch {
	case cfg.Export.Dir != "" && cfg.Export.S3.Enabled:
		return fmt.Errorf("export.dir and export.s3 are mutually exclusive")
	case cfg.Export.S3.Enabled:
		sink, err = export.NewS3Sink(log, &cfg.Export.S3)
		if err != nil {
			return fmt.Errorf("creating S3 sink: %w", err)
		}
	case cfg.Export.Dir != "":
		sink = export.NewLocalSink(cfg.Export.Dir)
	default:
		return fmt.Errorf("no export target configured (use --dir, export.dir or export.s3)")
	}

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}

	defer func() { _ = st.Stop() }()

	exporter := export.NewExporter(log, st, sink, cfg.Export.Concurrency)

	if _, err := exporter.Export(ctx, cfg.Export.Limit); err != nil {
		return fmt.Errorf("exporting: %w", err)
	}

	return nil
}
