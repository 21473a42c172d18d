package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/monalisha31/traveler-integrated/internal/index"
)

// Config holds all configuration for the traveler server.
type Config struct {
	Server    ServerConfig
	Log       LogConfig
	Storage   StorageConfig
	Catalog   CatalogConfig
	Ingest    IngestConfig
	Query     QueryConfig
	Retention RetentionConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     int   // seconds
	WriteTimeout    int   // seconds; 0 leaves streamed responses unbounded
	ShutdownTimeout int   // seconds
	MaxPayloadSize  int64 // applies to uploads after decompression too
	TLSEnabled      bool
	TLSCertFile     string
	TLSKeyFile      string
}

type LogConfig struct {
	Level  string
	Format string // json or console
}

type StorageConfig struct {
	Backend   string // local, s3, minio, azure
	LocalPath string
	// S3/MinIO
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool
	// Azure Blob Storage
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzurePrefix             string
	AzureEndpoint           string
	AzureUseManagedIdentity bool
	// Remote backends only
	BreakerMaxFailures int
	BreakerTimeoutSec  int
	MaxRetries         int
}

type CatalogConfig struct {
	Path string // SQLite file; ":memory:" keeps the catalog in process
}

type IngestConfig struct {
	MaxConcurrentFinalize int
}

type QueryConfig struct {
	HistorySize int
	MaxBins     int // largest bins value a histogram request may ask for
}

type RetentionConfig struct {
	MaxAgeHours int // 0 disables retention
	Schedule    string
}

// MaxAge returns the retention window, or zero when retention is disabled.
func (r RetentionConfig) MaxAge() time.Duration {
	if r.MaxAgeHours <= 0 {
		return 0
	}
	return time.Duration(r.MaxAgeHours) * time.Hour
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Load reads configuration from defaults, an optional traveler.toml and
// TRAVELER_* environment variables, in increasing precedence.
func Load() (*Config, error) {
	return load(viper.New(), "")
}

// LoadFile is Load with an explicit config file path.
func LoadFile(path string) (*Config, error) {
	return load(viper.New(), path)
}

func load(v *viper.Viper, path string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("TRAVELER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("traveler")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/traveler/")
		v.AddConfigPath("$HOME/.traveler/")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	maxPayloadSize, err := ParseSize(v.GetString("server.max_payload_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid server.max_payload_size: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetInt("server.read_timeout"),
			WriteTimeout:    v.GetInt("server.write_timeout"),
			ShutdownTimeout: v.GetInt("server.shutdown_timeout"),
			MaxPayloadSize:  maxPayloadSize,
			TLSEnabled:      v.GetBool("server.tls_enabled"),
			TLSCertFile:     v.GetString("server.tls_cert_file"),
			TLSKeyFile:      v.GetString("server.tls_key_file"),
		},
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Storage: StorageConfig{
			Backend:                 strings.ToLower(v.GetString("storage.backend")),
			LocalPath:               v.GetString("storage.local_path"),
			S3Bucket:                v.GetString("storage.s3_bucket"),
			S3Prefix:                v.GetString("storage.s3_prefix"),
			S3Region:                v.GetString("storage.s3_region"),
			S3Endpoint:              v.GetString("storage.s3_endpoint"),
			S3AccessKey:             v.GetString("storage.s3_access_key"),
			S3SecretKey:             v.GetString("storage.s3_secret_key"),
			S3UseSSL:                v.GetBool("storage.s3_use_ssl"),
			S3PathStyle:             v.GetBool("storage.s3_path_style"),
			AzureConnectionString:   v.GetString("storage.azure_connection_string"),
			AzureAccountName:        v.GetString("storage.azure_account_name"),
			AzureAccountKey:         v.GetString("storage.azure_account_key"),
			AzureSASToken:           v.GetString("storage.azure_sas_token"),
			AzureContainer:          v.GetString("storage.azure_container"),
			AzurePrefix:             v.GetString("storage.azure_prefix"),
			AzureEndpoint:           v.GetString("storage.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("storage.azure_use_managed_identity"),
			BreakerMaxFailures:      v.GetInt("storage.breaker_max_failures"),
			BreakerTimeoutSec:       v.GetInt("storage.breaker_timeout_sec"),
			MaxRetries:              v.GetInt("storage.max_retries"),
		},
		Catalog: CatalogConfig{
			Path: v.GetString("catalog.path"),
		},
		Ingest: IngestConfig{
			MaxConcurrentFinalize: v.GetInt("ingest.max_concurrent_finalize"),
		},
		Query: QueryConfig{
			HistorySize: v.GetInt("query.history_size"),
			MaxBins:     v.GetInt("query.max_bins"),
		},
		Retention: RetentionConfig{
			MaxAgeHours: v.GetInt("retention.max_age_hours"),
			Schedule:    v.GetString("retention.schedule"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 0)
	v.SetDefault("server.shutdown_timeout", 30)
	v.SetDefault("server.max_payload_size", "1GB")
	v.SetDefault("server.tls_enabled", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_path", "./data/traveler")
	v.SetDefault("storage.s3_region", "us-east-1")
	v.SetDefault("storage.s3_use_ssl", true)
	v.SetDefault("storage.s3_path_style", false)
	v.SetDefault("storage.breaker_max_failures", 5)
	v.SetDefault("storage.breaker_timeout_sec", 30)
	v.SetDefault("storage.max_retries", 3)

	v.SetDefault("catalog.path", "./data/traveler.db")

	v.SetDefault("ingest.max_concurrent_finalize", getDefaultFinalizeWorkers())

	v.SetDefault("query.history_size", 100)
	v.SetDefault("query.max_bins", 10000)

	v.SetDefault("retention.max_age_hours", 0)
	v.SetDefault("retention.schedule", "0 * * * *")
}

// Finalize builds whole indexes in memory, so it is bounded well below the
// core count.
func getDefaultFinalizeWorkers() int {
	workers := runtime.NumCPU() / 2
	if workers < 1 {
		return 1
	}
	if workers > 8 {
		return 8
	}
	return workers
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	switch c.Storage.Backend {
	case "", "local":
	case "s3", "minio":
		if c.Storage.S3Bucket == "" {
			return fmt.Errorf("storage.s3_bucket is required for backend %q", c.Storage.Backend)
		}
	case "azure", "azblob":
		if c.Storage.AzureContainer == "" {
			return fmt.Errorf("storage.azure_container is required for backend %q", c.Storage.Backend)
		}
	default:
		return fmt.Errorf("unsupported storage.backend: %q", c.Storage.Backend)
	}
	if c.Retention.MaxAgeHours < 0 {
		return fmt.Errorf("retention.max_age_hours cannot be negative")
	}
	if c.Query.HistorySize < 0 {
		return fmt.Errorf("query.history_size cannot be negative")
	}
	if c.Query.MaxBins < 1 || c.Query.MaxBins > index.MaxBins {
		return fmt.Errorf("query.max_bins must be between 1 and %d, got %d", index.MaxBins, c.Query.MaxBins)
	}
	return c.Server.ValidateTLS()
}

// ValidateTLS checks the certificate and key paths when TLS is enabled.
func (cfg *ServerConfig) ValidateTLS() error {
	if !cfg.TLSEnabled {
		return nil
	}
	if cfg.TLSCertFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_cert_file not specified")
	}
	if cfg.TLSKeyFile == "" {
		return fmt.Errorf("TLS enabled but server.tls_key_file not specified")
	}
	for _, f := range [][2]string{{"certificate", cfg.TLSCertFile}, {"key", cfg.TLSKeyFile}} {
		what, path := f[0], f[1]
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("TLS %s file not found: %s", what, path)
			}
			return fmt.Errorf("cannot access TLS %s file %s: %w", what, path, err)
		}
		if info.IsDir() {
			return fmt.Errorf("TLS %s path is a directory, not a file: %s", what, path)
		}
	}
	return nil
}

// ParseSize parses a human-readable size such as "1GB", "500MB" or "100KB"
// into bytes. A bare number is taken as bytes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))
		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
