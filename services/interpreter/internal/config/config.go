package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cabohealth/pkg/ai"
	"cabohealth/pkg/storage"
	"gopkg.in/yaml.v3"
)

// ConfigPath is the YAML file read at startup. CONFIG_PATH overrides it.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port        string         `yaml:"port"`
	DatabaseURL string         `yaml:"databaseURL"`
	LogLevel    string         `yaml:"logLevel"`
	LogsDir     string         `yaml:"logsDir"`
	SentryDSN   string         `yaml:"sentryDSN"`
	Environment string         `yaml:"environment"`
	Storage     storage.Config `yaml:"storage"`
	AI          ai.Config      `yaml:"ai"`

	RedisAddr        string `yaml:"redisAddr"`
	RedisPassword    string `yaml:"redisPassword"`
	QueueName        string `yaml:"queueName"`
	QueueGroup       string `yaml:"queueGroup"`
	QueueConcurrency int    `yaml:"queueConcurrency"`
	QueueMaxRetries  int    `yaml:"queueMaxRetries"`
	QueueRetryDelay  string `yaml:"queueRetryDelay"`

	InternalJWTKeyID            string `yaml:"internalJWTKeyId"`
	InternalJWTPublicKeyPath    string `yaml:"internalJWTPublicKeyPath"`
	InternalJWTVerifyPublicKeys string `yaml:"internalJWTVerifyPublicKeys"`

	PDFToTextPath string `yaml:"pdftotextPath"`
	ExcerptRunes  int    `yaml:"excerptRunes"`

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
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	strs := map[string]*string{
		"INTERPRETER_PORT":                &cfg.Port,
		"DATABASE_URL":                    &cfg.DatabaseURL,
		"LOG_LEVEL":                       &cfg.LogLevel,
		"LOGS_DIR":                        &cfg.LogsDir,
		"SENTRY_DSN":                      &cfg.SentryDSN,
		"ENVIRONMENT":                     &cfg.Environment,
		"REDIS_ADDR":                      &cfg.RedisAddr,
		"REDIS_PASSWORD":                  &cfg.RedisPassword,
		"INTERPRETER_QUEUE_NAME":          &cfg.QueueName,
		"INTERPRETER_QUEUE_GROUP":         &cfg.QueueGroup,
		"INTERPRETER_QUEUE_RETRY_DELAY":   &cfg.QueueRetryDelay,
		"STORAGE_PROVIDER":                &cfg.Storage.Provider,
		"MINIO_ENDPOINT":                  &cfg.Storage.Endpoint,
		"MINIO_ACCESS_KEY":                &cfg.Storage.AccessKey,
		"MINIO_SECRET_KEY":                &cfg.Storage.SecretKey,
		"STORAGE_BUCKET":                  &cfg.Storage.Bucket,
		"STORAGE_REGION":                  &cfg.Storage.Region,
		"STORAGE_BASE_DIR":                &cfg.Storage.BaseDir,
		"AI_PROVIDER":                     &cfg.AI.Provider,
		"AI_BASE_URL":                     &cfg.AI.BaseURL,
		"AI_MODEL":                        &cfg.AI.Model,
		"INTERNAL_JWT_KEY_ID":             &cfg.InternalJWTKeyID,
		"INTERNAL_JWT_PUBLIC_KEY_PATH":    &cfg.InternalJWTPublicKeyPath,
		"INTERNAL_JWT_VERIFY_PUBLIC_KEYS": &cfg.InternalJWTVerifyPublicKeys,
		"PDFTOTEXT_PATH":                  &cfg.PDFToTextPath,
		"EVENTS_AMQP_URL":                 &cfg.EventsAMQPURL,
		"EVENTS_EXCHANGE":                 &cfg.EventsExchange,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	// Provider specific key names take precedence over the generic one.
	for _, key := range []string{"AI_API_KEY", "GEMINI_API_KEY"} {
		if v := os.Getenv(key); v != "" {
			cfg.AI.APIKey = v
		}
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.Storage.UseSSL = true
	}
	ints := map[string]*int{
		"INTERPRETER_QUEUE_CONCURRENCY": &cfg.QueueConcurrency,
		"INTERPRETER_QUEUE_MAX_RETRIES": &cfg.QueueMaxRetries,
		"INTERPRETER_EXCERPT_RUNES":     &cfg.ExcerptRunes,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
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
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for the job queue")
	}
	if cfg.InternalJWTPublicKeyPath == "" && cfg.InternalJWTVerifyPublicKeys == "" {
		return errors.New("config: internalJWTPublicKeyPath or internalJWTVerifyPublicKeys is required")
	}
	if cfg.QueueConcurrency < 0 || cfg.QueueMaxRetries < 0 || cfg.ExcerptRunes < 0 {
		return errors.New("config: queue and excerpt settings must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.AI.Provider)) {
	case "", ai.ProviderGemini:
		if strings.TrimSpace(cfg.AI.APIKey) == "" {
			return errors.New("config: ai.apiKey is required for gemini (set GEMINI_API_KEY)")
		}
	case ai.ProviderOllama:
	case ai.ProviderOpenAICompat, "openai":
		if strings.TrimSpace(cfg.AI.BaseURL) == "" {
			return errors.New("config: ai.baseURL is required for openai-compat")
		}
	default:
		return fmt.Errorf("config: unknown ai provider %q", cfg.AI.Provider)
	}
	if _, err := ParseDuration("queueRetryDelay", cfg.QueueRetryDelay); err != nil {
		return fmt.Errorf("config: %w", err)
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
