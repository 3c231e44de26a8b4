package target

import (
	"s3probe/internal/auth"
	"s3probe/internal/metrics"
	"s3probe/internal/storage"
)

// DefaultMinPartSize is the smallest size accepted for every part but the
// last of a multipart upload.
const DefaultMinPartSize = 5 << 20

type Config struct {
	DataDir string
	Region  string
	Engine  storage.StorageEngine

	// Credentials are the users the target knows. Access keys double as
	// canonical user IDs in ACLs.
	Credentials   []auth.Credentials
	Authenticator auth.AuthEngine

	MinPartSize int64
	Metrics     *metrics.Metrics
}

type ConfigOption func(*Config)

func WithStorageEngine(engine storage.StorageEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Engine = engine
	}
}

// WithAuthEngine replaces the default V2 header and POST policy verifiers.
func WithAuthEngine(authenticator auth.AuthEngine) ConfigOption {
	return func(cfg *Config) {
		cfg.Authenticator = authenticator
	}
}

func WithRegion(region string) ConfigOption {
	return func(cfg *Config) {
		cfg.Region = region
	}
}

func WithDataDir(dataDir string) ConfigOption {
	return func(cfg *Config) {
		cfg.DataDir = dataDir
	}
}

// WithCredentials adds users to the target.
func WithCredentials(creds ...auth.Credentials) ConfigOption {
	return func(cfg *Config) {
		cfg.Credentials = append(cfg.Credentials, creds...)
	}
}

func WithMinPartSize(size int64) ConfigOption {
	return func(cfg *Config) {
		cfg.MinPartSize = size
	}
}

// WithMetrics records every served request in m.
func WithMetrics(m *metrics.Metrics) ConfigOption {
	return func(cfg *Config) {
		cfg.Metrics = m
	}
}

func NewConfig(opts ...ConfigOption) Config {
	cfg := Config{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
