package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jsherman999/statehub/internal/config"
	"github.com/jsherman999/statehub/internal/db"
	"github.com/jsherman999/statehub/internal/exporter"
	"github.com/jsherman999/statehub/internal/hub"
	"github.com/jsherman999/statehub/internal/store"
)

func exportCmd(cfgPath *string) *cobra.Command {
	var format, outPath, device, fp string
	var limit int

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export recorded device sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if device != "" && fp != "" {
				return fmt.Errorf("use either --device or --fingerprint")
			}
			if device != "" {
				fp = hub.Fingerprint(device)
			}

			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required (set STATEHUB_DB_DSN or config file)")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			dbConn, err := db.Open(ctx, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer dbConn.Close()

			b, _, err := exporter.Export(ctx, store.New(dbConn), format, fp, limit)
			if err != nil {
				return err
			}
			return writeOut(cmd, outPath, b)
		},
	}

	cmd.Flags().StringVar(&format, "format", "json", "export format: json|csv")
	cmd.Flags().StringVar(&outPath, "out", "-", "output path (or - for stdout)")
	cmd.Flags().StringVar(&device, "device", "", "only sessions of this device identifier")
	cmd.Flags().StringVar(&fp, "fingerprint", "", "only sessions of this device fingerprint")
	cmd.Flags().IntVar(&limit, "limit", 10000, "max sessions")
	return cmd
}

func writeOut(cmd *cobra.Command, path string, b []byte) error {
	if path == "" || path == "-" {
		_, err := cmd.OutOrStdout().Write(b)
		return err
	}
	return os.WriteFile(path, b, 0644)
}
