package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cabohealth/pkg/storage"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the YAML file read at startup. CONFIG_PATH overrides it.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// DefaultMaxUploadBytes caps decoded process-pdf payloads.
const DefaultMaxUploadBytes = 20 * 1024 * 1024

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port           string         `yaml:"port"`
	DatabaseURL    string         `yaml:"databaseURL"`
	LogLevel       string         `yaml:"logLevel"`
	LogsDir        string         `yaml:"logsDir"`
	SentryDSN      string         `yaml:"sentryDSN"`
	Environment    string         `yaml:"environment"`
	Storage        storage.Config `yaml:"storage"`
	MaxUploadBytes int64          `yaml:"maxUploadBytes"`
	PresignExpiry  string         `yaml:"presignExpiry"`

	AuthServiceURL string `yaml:"authServiceURL"`
	AuthJWKSURL    string `yaml:"authJWKSURL"`
	JWTIssuer      string `yaml:"jwtIssuer"`
	JWTAudience    string `yaml:"jwtAudience"`
	JWTLeeway      string `yaml:"jwtLeeway"`

	InterpreterURL            string `yaml:"interpreterURL"`
	InternalJWTKeyID          string `yaml:"internalJWTKeyId"`
	InternalJWTPrivateKeyPath string `yaml:"internalJWTPrivateKeyPath"`

	EventsAMQPURL  string `yaml:"eventsAMQPURL"`
	EventsExchange string `yaml:"eventsExchange"`
}

// Load reads config from path (defaults to ConfigPath).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	if cfg.MaxUploadBytes == 0 {
		cfg.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if cfg.AuthJWKSURL == "" && cfg.AuthServiceURL != "" {
		cfg.AuthJWKSURL = strings.TrimRight(cfg.AuthServiceURL, "/") + "/auth/jwks.json"
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"RECORDS_PORT":                  &cfg.Port,
		"DATABASE_URL":                  &cfg.DatabaseURL,
		"LOG_LEVEL":                     &cfg.LogLevel,
		"LOGS_DIR":                      &cfg.LogsDir,
		"SENTRY_DSN":                    &cfg.SentryDSN,
		"ENVIRONMENT":                   &cfg.Environment,
		"RECORDS_PRESIGN_EXPIRY":        &cfg.PresignExpiry,
		"STORAGE_PROVIDER":              &cfg.Storage.Provider,
		"MINIO_ENDPOINT":                &cfg.Storage.Endpoint,
		"MINIO_ACCESS_KEY":              &cfg.Storage.AccessKey,
		"MINIO_SECRET_KEY":              &cfg.Storage.SecretKey,
		"STORAGE_BUCKET":                &cfg.Storage.Bucket,
		"STORAGE_REGION":                &cfg.Storage.Region,
		"STORAGE_BASE_DIR":              &cfg.Storage.BaseDir,
		"AUTH_SERVICE_URL":              &cfg.AuthServiceURL,
		"AUTH_JWKS_URL":                 &cfg.AuthJWKSURL,
		"JWT_ISSUER":                    &cfg.JWTIssuer,
		"JWT_AUDIENCE":                  &cfg.JWTAudience,
		"JWT_LEEWAY":                    &cfg.JWTLeeway,
		"INTERPRETER_URL":               &cfg.InterpreterURL,
		"INTERNAL_JWT_KEY_ID":           &cfg.InternalJWTKeyID,
		"INTERNAL_JWT_PRIVATE_KEY_PATH": &cfg.InternalJWTPrivateKeyPath,
		"EVENTS_AMQP_URL":               &cfg.EventsAMQPURL,
		"EVENTS_EXCHANGE":               &cfg.EventsExchange,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.Storage.UseSSL = true
	}
	if v := os.Getenv("RECORDS_MAX_UPLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxUploadBytes = n
		}
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if cfg.DatabaseURL == "" {
		return errors.New("config: databaseURL is required (set in config.yaml)")
	}
	if cfg.AuthServiceURL == "" {
		return errors.New("config: authServiceURL is required")
	}
	if cfg.InterpreterURL == "" {
		return errors.New("config: interpreterURL is required")
	}
	if cfg.InternalJWTPrivateKeyPath == "" {
		return errors.New("config: internalJWTPrivateKeyPath is required (set INTERNAL_JWT_PRIVATE_KEY_PATH)")
	}
	if cfg.MaxUploadBytes < 0 {
		return errors.New("config: maxUploadBytes must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Provider)) {
	case "", "minio", "s3", "file":
	default:
		return fmt.Errorf("config: unknown storage provider %q", cfg.Storage.Provider)
	}
	for name, raw := range map[string]string{"presignExpiry": cfg.PresignExpiry, "jwtLeeway": cfg.JWTLeeway} {
		if _, err := ParseDuration(name, raw); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}
	return nil
}

// ParseDuration parses an optional duration string. Empty input is zero.
func ParseDuration(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s duration: %w", name, err)
	}
	if dur < 0 {
		return 0, fmt.Errorf("invalid %s duration: must not be negative", name)
	}
	return dur, nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
