package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the portal's client configuration.
type Config struct {
	AuthURL        string        `mapstructure:"auth_url"`
	RecordsURL     string        `mapstructure:"records_url"`
	SessionFile    string        `mapstructure:"session_file"`
	Timezone       string        `mapstructure:"timezone"`
	LogLevel       string        `mapstructure:"log_level"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Load reads defaults, then the optional YAML file at path, then CABO_*
// environment variables.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetDefault("auth_url", "http://localhost:8081")
	v.SetDefault("records_url", "http://localhost:8082")
	v.SetDefault("session_file", defaultSessionFile())
	v.SetDefault("timezone", "Local")
	v.SetDefault("log_level", "warn")
	v.SetDefault("request_timeout", "30s")

	v.SetEnvPrefix("CABO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path = strings.TrimSpace(path); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Location resolves Timezone; "Local" or empty is the machine zone.
func (c Config) Location() (*time.Location, error) {
	tz := strings.TrimSpace(c.Timezone)
	if tz == "" || strings.EqualFold(tz, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(tz)
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.AuthURL) == "" {
		return errors.New("config: auth_url is required")
	}
	if strings.TrimSpace(cfg.RecordsURL) == "" {
		return errors.New("config: records_url is required")
	}
	if cfg.RequestTimeout <= 0 {
		return errors.New("config: request_timeout must be positive")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("config: invalid timezone: %w", err)
	}
	return nil
}

func defaultSessionFile() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".cabohealth-session.json"
	}
	return filepath.Join(dir, "cabohealth", "session.json")
}
