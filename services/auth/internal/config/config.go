package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the YAML file read at startup. CONFIG_PATH overrides it.
var ConfigPath = envOr("CONFIG_PATH", "config.yaml")

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port                       string `yaml:"port"`
	DatabaseURL                string `yaml:"databaseURL"`
	RedisAddr                  string `yaml:"redisAddr"`
	RedisPassword              string `yaml:"redisPassword"`
	SessionTTL                 string `yaml:"sessionTTL"`
	RefreshTTL                 string `yaml:"refreshTTL"`
	LogLevel                   string `yaml:"logLevel"`
	LogsDir                    string `yaml:"logsDir"`
	SentryDSN                  string `yaml:"sentryDSN"`
	Environment                string `yaml:"environment"`
	JWTPrivateKeyPath          string `yaml:"jwtPrivateKeyPath"`
	JWTPublicKeyPath           string `yaml:"jwtPublicKeyPath"`
	JWTKeyID                   string `yaml:"jwtKeyId"`
	JWTVerifyPublicKeys        string `yaml:"jwtVerifyPublicKeys"`
	JWTIssuer                  string `yaml:"jwtIssuer"`
	JWTAudience                string `yaml:"jwtAudience"`
	JWTLeeway                  string `yaml:"jwtLeeway"`
	TrustedProxies             string `yaml:"trustedProxies"`
	SignupRateLimitPerMinute   int    `yaml:"signupRateLimitPerMinute"`
	LoginRateLimitPerMinute    int    `yaml:"loginRateLimitPerMinute"`
	RefreshRateLimitPerMinute  int    `yaml:"refreshRateLimitPerMinute"`
	PasswordRateLimitPerMinute int    `yaml:"passwordRateLimitPerMinute"`
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
		"AUTH_PORT":              &cfg.Port,
		"DATABASE_URL":           &cfg.DatabaseURL,
		"REDIS_ADDR":             &cfg.RedisAddr,
		"REDIS_PASSWORD":         &cfg.RedisPassword,
		"LOG_LEVEL":              &cfg.LogLevel,
		"LOGS_DIR":               &cfg.LogsDir,
		"SENTRY_DSN":             &cfg.SentryDSN,
		"ENVIRONMENT":            &cfg.Environment,
		"JWT_PRIVATE_KEY_PATH":   &cfg.JWTPrivateKeyPath,
		"JWT_PUBLIC_KEY_PATH":    &cfg.JWTPublicKeyPath,
		"JWT_KEY_ID":             &cfg.JWTKeyID,
		"JWT_VERIFY_PUBLIC_KEYS": &cfg.JWTVerifyPublicKeys,
		"JWT_ISSUER":             &cfg.JWTIssuer,
		"JWT_AUDIENCE":           &cfg.JWTAudience,
		"JWT_LEEWAY":             &cfg.JWTLeeway,
		"AUTH_SESSION_TTL":       &cfg.SessionTTL,
		"AUTH_REFRESH_TTL":       &cfg.RefreshTTL,
		"TRUSTED_PROXIES":        &cfg.TrustedProxies,
	}
	for key, dst := range strs {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	ints := map[string]*int{
		"AUTH_SIGNUP_RATE_LIMIT_PER_MINUTE":   &cfg.SignupRateLimitPerMinute,
		"AUTH_LOGIN_RATE_LIMIT_PER_MINUTE":    &cfg.LoginRateLimitPerMinute,
		"AUTH_REFRESH_RATE_LIMIT_PER_MINUTE":  &cfg.RefreshRateLimitPerMinute,
		"AUTH_PASSWORD_RATE_LIMIT_PER_MINUTE": &cfg.PasswordRateLimitPerMinute,
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
		return errors.New("config: redisAddr is required for jwt+redis session strategy")
	}
	if cfg.JWTPrivateKeyPath == "" {
		return errors.New("config: jwtPrivateKeyPath is required (set JWT_PRIVATE_KEY_PATH)")
	}
	if cfg.SignupRateLimitPerMinute < 0 || cfg.LoginRateLimitPerMinute < 0 || cfg.RefreshRateLimitPerMinute < 0 || cfg.PasswordRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	for name, raw := range map[string]string{"sessionTTL": cfg.SessionTTL, "refreshTTL": cfg.RefreshTTL, "jwtLeeway": cfg.JWTLeeway} {
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

// SplitList splits a comma separated list and drops blanks.
func SplitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}
