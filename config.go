package fedaccel

import "time"

// Config consolidates the runtime's ambient settings, mirroring the shape
// of forma.Config (config.go): one struct per concern, a DefaultConfig()
// constructor, and a Validate() pass returning a *ConfigError. Per-dataset
// policy lives in Dataset/Acceleration; this struct covers process-wide
// defaults.
type Config struct {
	Runtime   RuntimeConfig   `json:"runtime"`
	Query     QueryConfig     `json:"query"`
	Refresh   RefreshDefaults `json:"refresh"`
	Logging   LoggingConfig   `json:"logging"`
	Metrics   MetricsConfig   `json:"metrics"`
	Registry  RegistryConfig  `json:"registry"`
}

// RuntimeConfig contains process-level settings.
type RuntimeConfig struct {
	ShutdownGracePeriod time.Duration `json:"shutdownGracePeriod"`
	SecretStorePrefix   string        `json:"secretStorePrefix"`
}

// QueryConfig contains query-routing settings shared by every dataset
// unless overridden (disable_query_push_down lives per-Acceleration).
type QueryConfig struct {
	DefaultTimeout  time.Duration `json:"defaultTimeout"`
	MaxRows         int           `json:"maxRows"`
	EnableExplain   bool          `json:"enableExplain"`
}

// RefreshDefaults seeds Acceleration fields left unset by a dataset's
// configuration.
type RefreshDefaults struct {
	CheckInterval   time.Duration `json:"checkInterval"`
	MaxJitter       time.Duration `json:"maxJitter"`
	AppendOverlap   time.Duration `json:"appendOverlap"`
	RetryMaxAttempts int          `json:"retryMaxAttempts"`
	RetryBaseDelay   time.Duration `json:"retryBaseDelay"`
	RetryMaxDelay    time.Duration `json:"retryMaxDelay"`
	ViewRegistrationDeadline time.Duration `json:"viewRegistrationDeadline"`
}

// LoggingConfig mirrors forma's LoggingConfig (config.go), tuned to zap
// field names used throughout this module.
type LoggingConfig struct {
	Level              string `json:"level"`
	Format             string `json:"format"` // "json" | "console"
	SanitizeParameters bool   `json:"sanitizeParameters"`
	LogRefreshJobs     bool   `json:"logRefreshJobs"`
}

// MetricsConfig mirrors forma's MetricsConfig (config.go).
type MetricsConfig struct {
	Enabled            bool              `json:"enabled"`
	Namespace          string            `json:"namespace"`
	CollectionInterval time.Duration     `json:"collectionInterval"`
	Labels             map[string]string `json:"labels"`
}

// RegistryConfig controls catalog behavior.
type RegistryConfig struct {
	DefaultSchema          string        `json:"defaultSchema"`
	ViewPollInterval        time.Duration `json:"viewPollInterval"`
	ViewRegistrationTimeout time.Duration `json:"viewRegistrationTimeout"`
	// CheckpointDSN, when set, backs StorageModeShared checkpoints with a
	// table in this Postgres database instead of the local filesystem, so
	// multiple fedacceld processes sharing an accelerated catalog agree on
	// whether a dataset's snapshot already exists.
	CheckpointDSN string `json:"checkpointDSN"`
}

// DefaultConfig returns a configuration with sane defaults, mirroring
// forma.DefaultConfig's structure (60s view registration deadline, 3
// retry attempts, json logging, etc.).
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			ShutdownGracePeriod: 30 * time.Second,
			SecretStorePrefix:   "store",
		},
		Query: QueryConfig{
			DefaultTimeout: 30 * time.Second,
			MaxRows:        0, // unlimited
			EnableExplain:  false,
		},
		Refresh: RefreshDefaults{
			CheckInterval:            0, // disabled unless a dataset sets one
			MaxJitter:                0,
			AppendOverlap:            0,
			RetryMaxAttempts:         3,
			RetryBaseDelay:           500 * time.Millisecond,
			RetryMaxDelay:            1 * time.Minute,
			ViewRegistrationDeadline: 60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "json",
			SanitizeParameters: true,
			LogRefreshJobs:     true,
		},
		Metrics: MetricsConfig{
			Enabled:            true,
			Namespace:          "fedaccel",
			CollectionInterval: 30 * time.Second,
		},
		Registry: RegistryConfig{
			DefaultSchema:           DefaultSchema,
			ViewPollInterval:        2 * time.Second,
			ViewRegistrationTimeout: 60 * time.Second,
		},
	}
}

// Validate validates the configuration, mirroring forma's (*Config).Validate.
func (c *Config) Validate() error {
	if c.Query.DefaultTimeout <= 0 {
		return &ConfigError{Field: "query.defaultTimeout", Message: "must be greater than 0"}
	}
	if c.Refresh.RetryMaxAttempts < 0 {
		return &ConfigError{Field: "refresh.retryMaxAttempts", Message: "must be >= 0"}
	}
	if c.Refresh.ViewRegistrationDeadline <= 0 {
		return &ConfigError{Field: "refresh.viewRegistrationDeadline", Message: "must be greater than 0"}
	}
	if c.Registry.DefaultSchema == "" {
		return &ConfigError{Field: "registry.defaultSchema", Message: "must not be empty"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
