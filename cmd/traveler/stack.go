package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/monalisha31/traveler-integrated/internal/catalog"
	"github.com/monalisha31/traveler-integrated/internal/config"
	"github.com/monalisha31/traveler-integrated/internal/dataset"
	"github.com/monalisha31/traveler-integrated/internal/logger"
	"github.com/monalisha31/traveler-integrated/internal/metrics"
	"github.com/monalisha31/traveler-integrated/internal/snapshot"
	"github.com/monalisha31/traveler-integrated/internal/storage"
)

// stack is the persistence and dataset layer shared by every command.
type stack struct {
	cfg       *config.Config
	backend   storage.Backend
	catalog   *catalog.Catalog
	snapshots *snapshot.Manager
	registry  *dataset.Registry
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openStack configures logging and metrics and opens storage, the catalog
// and an empty dataset registry.
func openStack(cfg *config.Config) (*stack, error) {
	logger.Setup(cfg.Log.Level, cfg.Log.Format)
	metrics.Init(log.Logger)

	backend, err := storage.New(storageConfig(cfg.Storage), log.Logger)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	cat, err := catalog.Open(cfg.Catalog.Path, log.Logger)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("catalog: %w", err)
	}
	snapshots := snapshot.NewManager(backend, cat, log.Logger)
	registry := dataset.NewRegistry(&dataset.RegistryConfig{
		MaxConcurrentFinalize: int64(cfg.Ingest.MaxConcurrentFinalize),
		MaxHistogramBins:      cfg.Query.MaxBins,
	}, snapshots, log.Logger)

	log.Info().
		Str("storage", storage.Describe(backend)).
		Str("catalog", cfg.Catalog.Path).
		Msg("Persistence ready")

	return &stack{
		cfg:       cfg,
		backend:   backend,
		catalog:   cat,
		snapshots: snapshots,
		registry:  registry,
	}, nil
}

func (s *stack) Close() error {
	return errors.Join(s.backend.Close(), s.catalog.Close())
}

func storageConfig(c config.StorageConfig) storage.Config {
	cfg := storage.Config{
		Backend:   c.Backend,
		LocalPath: c.LocalPath,
		S3: storage.S3Config{
			Bucket:    c.S3Bucket,
			Prefix:    c.S3Prefix,
			Region:    c.S3Region,
			Endpoint:  c.S3Endpoint,
			AccessKey: c.S3AccessKey,
			SecretKey: c.S3SecretKey,
			UseSSL:    c.S3UseSSL,
			PathStyle: c.S3PathStyle,
		},
		Azure: storage.AzureBlobConfig{
			ConnectionString:   c.AzureConnectionString,
			AccountName:        c.AzureAccountName,
			AccountKey:         c.AzureAccountKey,
			SASToken:           c.AzureSASToken,
			UseManagedIdentity: c.AzureUseManagedIdentity,
			ContainerName:      c.AzureContainer,
			Prefix:             c.AzurePrefix,
			Endpoint:           c.AzureEndpoint,
		},
	}
	res := storage.DefaultResilientConfig()
	if c.BreakerMaxFailures > 0 {
		res.MaxFailures = c.BreakerMaxFailures
	}
	if c.BreakerTimeoutSec > 0 {
		res.Timeout = time.Duration(c.BreakerTimeoutSec) * time.Second
	}
	if c.MaxRetries >= 0 {
		res.MaxRetries = c.MaxRetries
	}
	cfg.Resilience = res
	return cfg
}
