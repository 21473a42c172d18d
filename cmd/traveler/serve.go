package main

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/monalisha31/traveler-integrated/internal/api"
	"github.com/monalisha31/traveler-integrated/internal/config"
	"github.com/monalisha31/traveler-integrated/internal/logger"
	"github.com/monalisha31/traveler-integrated/internal/queryregistry"
	"github.com/monalisha31/traveler-integrated/internal/scheduler"
	"github.com/monalisha31/traveler-integrated/internal/shutdown"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Restore stored datasets and serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStack(cfg)
	if err != nil {
		return err
	}
	lg := logger.Get("serve")
	lg.Info().Str("version", Version).Msg("Starting traveler")

	coordinator := shutdown.New(time.Duration(cfg.Server.ShutdownTimeout)*time.Second, log.Logger)
	coordinator.Register("storage", st.backend, shutdown.PriorityStorage)
	coordinator.Register("catalog", st.catalog, shutdown.PriorityCatalog)

	queries := queryregistry.NewRegistry(&queryregistry.RegistryConfig{HistorySize: cfg.Query.HistorySize}, log.Logger)
	coordinator.RegisterFunc("queries", func(context.Context) error {
		if n := queries.CancelAll(); n > 0 {
			lg.Info().Int("cancelled", n).Msg("Cancelled running queries")
		}
		return nil
	}, shutdown.PriorityQueries)

	var retention *scheduler.RetentionScheduler
	if maxAge := cfg.Retention.MaxAge(); maxAge > 0 {
		retention, err = scheduler.NewRetentionScheduler(&scheduler.RetentionSchedulerConfig{
			Purger:   st.registry,
			Schedule: cfg.Retention.Schedule,
			MaxAge:   maxAge,
			Logger:   log.Logger,
		})
		if err != nil {
			coordinator.Shutdown()
			return err
		}
	}

	serverConfig := &api.ServerConfig{
		Addr:           cfg.Server.Addr(),
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:    120 * time.Second,
		MaxPayloadSize: cfg.Server.MaxPayloadSize,
	}
	if cfg.Server.TLSEnabled {
		serverConfig.TLS = &api.TLSConfig{CertFile: cfg.Server.TLSCertFile, KeyFile: cfg.Server.TLSKeyFile}
	}
	server := api.NewServer(serverConfig, log.Logger)
	server.RegisterRoutes()
	app := server.GetApp()
	api.NewDatasetHandler(st.registry, log.Logger).RegisterRoutes(app)
	api.NewQueryHandler(st.registry, queries, st.snapshots, log.Logger).RegisterRoutes(app)
	api.NewQueryManagementHandler(queries, log.Logger).RegisterRoutes(app)
	var retentionAPI api.RetentionScheduler
	if retention != nil {
		retentionAPI = retention
	}
	api.NewSchedulerHandler(retentionAPI, log.Logger).RegisterRoutes(app)

	serveErr := server.Start()
	coordinator.RegisterFunc("http-server", server.Shutdown, shutdown.PriorityHTTPServer)
	go func() {
		if err := <-serveErr; err != nil {
			lg.Error().Err(err).Msg("HTTP server stopped")
			coordinator.Trigger()
		}
	}()

	restored, err := st.snapshots.LoadAll(ctx, st.registry)
	if err != nil {
		lg.Error().Err(err).Msg("Failed to restore datasets")
	}
	lg.Info().Int("datasets", len(restored)).Msg("Datasets restored")
	server.SetReady(true)

	if retention != nil {
		if err := retention.Start(); err != nil {
			lg.Error().Err(err).Msg("Failed to start retention scheduler")
		} else {
			coordinator.RegisterFunc("retention-scheduler", func(context.Context) error {
				retention.Stop()
				return nil
			}, shutdown.PriorityScheduler)
		}
	}

	reason := coordinator.Wait(ctx)
	lg.Info().Str("reason", reason).Msg("Shutting down")
	return coordinator.Shutdown()
}
