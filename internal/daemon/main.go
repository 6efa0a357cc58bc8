package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jsherman999/statehub/internal/api"
	"github.com/jsherman999/statehub/internal/config"
	"github.com/jsherman999/statehub/internal/db"
	"github.com/jsherman999/statehub/internal/exporter"
	"github.com/jsherman999/statehub/internal/hub"
	"github.com/jsherman999/statehub/internal/logging"
	"github.com/jsherman999/statehub/internal/store"
	"github.com/jsherman999/statehub/internal/transport"
	"github.com/jsherman999/statehub/internal/version"
	"github.com/jsherman999/statehub/internal/watchhub"
	"github.com/jsherman999/statehub/internal/worker"
)

func Main() {
	var cfgPath string

	root := &cobra.Command{Use: "statehubd", Short: "Device state hub (websocket ingest + viewers)"}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "config file (yaml)")

	root.AddCommand(migrateCmd(&cfgPath))
	root.AddCommand(serveCmd(&cfgPath))
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, zerolog.Logger, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func migrateCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply session history migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if cfg.DB.DSN == "" {
				return fmt.Errorf("db.dsn is required to migrate (set STATEHUB_DB_DSN or config file)")
			}
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			dbConn, err := db.Open(ctx, cfg.DB.DSN)
			if err != nil {
				return err
			}
			defer dbConn.Close()
			return db.ApplyMigrations(ctx, dbConn)
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Version)
		},
	}
}

func serveCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			build := version.Resolve(cfg.Build.Version)

			var (
				registerer prometheus.Registerer
				gatherer   prometheus.Gatherer
			)
			if cfg.Metrics.Enabled {
				reg := prometheus.NewRegistry()
				reg.MustRegister(
					collectors.NewGoCollector(),
					collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
				)
				registerer, gatherer = reg, reg
			}

			var (
				recorder hub.SessionRecorder
				sessions exporter.SessionLister
			)
			if cfg.DB.DSN != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
				dbConn, err := db.Open(ctx, cfg.DB.DSN)
				if err != nil {
					cancel()
					return err
				}
				defer dbConn.Close()
				if err := db.ApplyMigrations(ctx, dbConn); err != nil {
					cancel()
					return err
				}
				st := store.New(dbConn)
				if n, err := st.CloseDangling(ctx); err != nil {
					log.Warn().Err(err).Msg("could not close dangling sessions")
				} else if n > 0 {
					log.Info().Int64("sessions", n).Msg("closed sessions left open by previous run")
				}
				cancel()
				recorder, sessions = st, st
			} else {
				log.Info().Msg("no db.dsn configured, session history disabled")
			}

			var integrations []hub.Integration
			if cfg.Integrations.WebhookURL != "" {
				integrations = append(integrations, hub.NewWebhook(cfg.Integrations.WebhookURL, cfg.Integrations.Timeout))
			}

			events := watchhub.New()
			h := hub.New(hub.Options{
				HandshakeTimeout:   cfg.Handshake.Timeout,
				BuildVersion:       build,
				Logger:             log,
				Metrics:            hub.NewMetrics(registerer),
				Recorder:           recorder,
				Integrations:       integrations,
				IntegrationTimeout: cfg.Integrations.Timeout,
				Events:             events,
			})
			a := api.New(api.Options{
				Hub:      h,
				Events:   events,
				Sessions: sessions,
				Gatherer: gatherer,
				Transport: transport.Options{
					MaxMessageBytes: cfg.Transport.MaxMessageBytes,
					SendBuffer:      cfg.Transport.SendBuffer,
				},
				Logger: log,
			})
			srv := &http.Server{Addr: cfg.API.Listen, Handler: a.Router(), ReadHeaderTimeout: 10 * time.Second}

			bgCtx, bgCancel := context.WithCancel(context.Background())
			defer bgCancel()

			go worker.NewSweeper(h.Registry(), h.HasDevice, cfg.Sweeper.Interval, log).Run(bgCtx)

			listenErr := make(chan error, 1)
			go func() {
				log.Info().Str("listen", cfg.API.Listen).Str("build", build).Msg("statehubd listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					listenErr <- err
				}
			}()

			stop := make(chan os.Signal, 2)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case <-stop:
			case err := <-listenErr:
				return fmt.Errorf("listen: %w", err)
			}
			log.Info().Msg("shutting down")

			shCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			return nil
		},
	}
}
