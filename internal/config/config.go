// Package config loads and validates flounder configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/flounder/internal/link"
)

// EnvPrefix namespaces every environment override, e.g. FLOUNDER_SERVER_PORT.
const EnvPrefix = "FLOUNDER"

// Sink backends.
const (
	SinkSheets   = "sheets"
	SinkPostgres = "postgres"
	SinkMemory   = "memory"
)

// Storage backends.
const (
	StorageGCS    = "gcs"
	StorageLocal  = "local"
	StorageMemory = "memory"
)

// legacyEnv maps keys to the unprefixed variable names older deployments set.
var legacyEnv = map[string]string{
	"classifier.api_key":           "ANTHROPIC_API_KEY",
	"sink.sheets.spreadsheet_id":   "GOOGLE_SHEETS_ID",
	"sink.sheets.credentials_file": "GOOGLE_SERVICE_ACCOUNT_FILE",
	"whatsapp.verify_token":        "WHATSAPP_VERIFY_TOKEN",
	"buckets":                      "BUCKETS",
}

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	WhatsApp   WhatsAppConfig   `mapstructure:"whatsapp"`
	Buckets    string           `mapstructure:"buckets"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Extractor  ExtractorConfig  `mapstructure:"extractor"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Sink       SinkConfig       `mapstructure:"sink"`
	Archive    ArchiveConfig    `mapstructure:"archive"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Tracing    TracingConfig    `mapstructure:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// WhatsAppConfig holds webhook verification settings.
type WhatsAppConfig struct {
	VerifyToken string `mapstructure:"verify_token"`
}

// PipelineConfig governs the fan-out orchestrator.
type PipelineConfig struct {
	MaxInFlight int `mapstructure:"max_in_flight"`
}

// ExtractorConfig controls page fetching.
type ExtractorConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxBodyChars   int    `mapstructure:"max_body_chars"`
	// HostRPS paces fetches per host. Zero disables pacing.
	HostRPS   float64 `mapstructure:"host_rps"`
	HostBurst int     `mapstructure:"host_burst"`
}

// ClassifierConfig points at an OpenAI-compatible chat endpoint.
type ClassifierConfig struct {
	APIKey         string `mapstructure:"api_key"`
	BaseURL        string `mapstructure:"base_url"`
	Model          string `mapstructure:"model"`
	MaxTokens      int    `mapstructure:"max_tokens"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// SinkConfig selects and configures the persistence backend.
type SinkConfig struct {
	Backend  string         `mapstructure:"backend"`
	Sheets   SheetsConfig   `mapstructure:"sheets"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// SheetsConfig configures the Google Sheets sink.
type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// PostgresConfig configures the Postgres sink.
type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// ArchiveConfig toggles raw webhook archiving.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Prefix  string `mapstructure:"prefix"`
}

// StorageConfig selects the blob store used by the archive.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem blob store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// PubSubConfig holds metadata for link.saved notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, legacy := range legacyEnv {
		if err := v.BindEnv(key, EnvPrefix+"_"+envKey(key), legacy); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envKey(key string) string {
	return strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 120)
	v.SetDefault("server.shutdown_timeout_seconds", 30)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("whatsapp.verify_token", "")
	v.SetDefault("buckets", "Tech,Finance,Health,News,Shopping,Travel,Other")
	v.SetDefault("pipeline.max_in_flight", 0)
	v.SetDefault("extractor.user_agent", "Mozilla/5.0 (compatible; FlounderBot/1.0)")
	v.SetDefault("extractor.timeout_seconds", 15)
	v.SetDefault("extractor.max_body_chars", 12000)
	v.SetDefault("extractor.host_rps", 0)
	v.SetDefault("extractor.host_burst", 1)
	v.SetDefault("classifier.api_key", "")
	v.SetDefault("classifier.base_url", "https://api.anthropic.com/v1/")
	v.SetDefault("classifier.model", "claude-sonnet-4-20250514")
	v.SetDefault("classifier.max_tokens", 256)
	v.SetDefault("classifier.timeout_seconds", 30)
	v.SetDefault("sink.backend", SinkMemory)
	v.SetDefault("sink.sheets.spreadsheet_id", "")
	v.SetDefault("sink.sheets.credentials_file", "service_account.json")
	v.SetDefault("sink.postgres.dsn", "")
	v.SetDefault("sink.postgres.table", "links")
	v.SetDefault("sink.postgres.max_conns", 0)
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.prefix", "webhooks")
	v.SetDefault("storage.backend", StorageMemory)
	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.local.base_dir", "data/archive")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "flounder")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if len(c.BucketList()) == 0 {
		return fmt.Errorf("buckets must list at least one bucket")
	}
	if c.Pipeline.MaxInFlight < 0 {
		return fmt.Errorf("pipeline.max_in_flight must be >= 0")
	}
	if c.Extractor.TimeoutSeconds <= 0 {
		return fmt.Errorf("extractor.timeout_seconds must be > 0")
	}
	if c.Extractor.MaxBodyChars <= 0 {
		return fmt.Errorf("extractor.max_body_chars must be > 0")
	}
	if c.Extractor.HostRPS < 0 {
		return fmt.Errorf("extractor.host_rps must be >= 0")
	}
	if c.Classifier.MaxTokens <= 0 {
		return fmt.Errorf("classifier.max_tokens must be > 0")
	}
	if c.Classifier.TimeoutSeconds <= 0 {
		return fmt.Errorf("classifier.timeout_seconds must be > 0")
	}

	switch c.Sink.Backend {
	case SinkSheets:
		if c.Sink.Sheets.SpreadsheetID == "" {
			return fmt.Errorf("sink.sheets.spreadsheet_id must be set when sink.backend is sheets")
		}
	case SinkPostgres:
		if c.Sink.Postgres.DSN == "" {
			return fmt.Errorf("sink.postgres.dsn must be set when sink.backend is postgres")
		}
	case SinkMemory:
	default:
		return fmt.Errorf("sink.backend %q is not one of sheets, postgres, memory", c.Sink.Backend)
	}

	if c.Archive.Enabled {
		switch c.Storage.Backend {
		case StorageGCS:
			if c.Storage.Bucket == "" {
				return fmt.Errorf("storage.bucket must be set when storage.backend is gcs")
			}
		case StorageLocal:
			if c.Storage.Local.BaseDir == "" {
				return fmt.Errorf("storage.local.base_dir must be set when storage.backend is local")
			}
		case StorageMemory:
		default:
			return fmt.Errorf("storage.backend %q is not one of gcs, local, memory", c.Storage.Backend)
		}
	}

	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	return nil
}

// BucketList parses the configured buckets.
func (c Config) BucketList() link.Buckets {
	return link.ParseBuckets(c.Buckets)
}

// NotificationsEnabled reports whether link.saved messages should be published.
func (c Config) NotificationsEnabled() bool {
	return c.PubSub.ProjectID != "" && c.PubSub.TopicName != ""
}

// RequestTimeout is the per-request deadline applied by the HTTP middleware.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown, including background batches.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
