package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPath         = "/etc/petkit/config.yaml"
	DefaultHTTPAddr     = "0.0.0.0:9108"
	DefaultRegion       = "DE"
	DefaultTimezone     = "Europe/Berlin"
	DefaultPollInterval = 5 * time.Minute
	DefaultExpiryMargin = 30 * time.Second
	DefaultHTTPTimeout  = 15 * time.Second
	DefaultPerMinute    = 60
	DefaultWorkers      = 4

	minPollInterval = 30 * time.Second
)

// Config is the file layout of the petkit command.
type Config struct {
	PetKit    PetKitConfig    `yaml:"petkit"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	HTTP      HTTPConfig      `yaml:"http"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type PetKitConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// PasswordFile is read when Password is empty.
	PasswordFile            string        `yaml:"password_file"`
	Region                  string        `yaml:"region"`
	Timezone                string        `yaml:"timezone"`
	BaseURL                 string        `yaml:"base_url"`
	PollInterval            time.Duration `yaml:"poll_interval"`
	ExpiryMargin            time.Duration `yaml:"expiry_margin"`
	DetailWorkers           int           `yaml:"detail_workers"`
	PetLinksOnDeviceRefresh bool          `yaml:"pet_links_on_device_refresh"`
}

type MQTTConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Broker         string `yaml:"broker"`
	RefreshOnEvent bool   `yaml:"refresh_on_event"`
}

type RateLimitConfig struct {
	PerMinute int `yaml:"per_minute"`
	PerDay    int `yaml:"per_day"`
}

type HTTPConfig struct {
	Addr    string        `yaml:"addr"`
	Timeout time.Duration `yaml:"timeout"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// LoadDotEnv loads KEY=value files into the environment. Missing files are
// skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// Load parses the YAML config file, applies environment overrides and
// defaults, and validates. An empty path configures from the environment
// alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := resolvePassword(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.PetKit.Region == "" {
		cfg.PetKit.Region = DefaultRegion
	}
	if cfg.PetKit.Timezone == "" {
		cfg.PetKit.Timezone = DefaultTimezone
	}
	if cfg.PetKit.PollInterval == 0 {
		cfg.PetKit.PollInterval = DefaultPollInterval
	}
	if cfg.PetKit.ExpiryMargin == 0 {
		cfg.PetKit.ExpiryMargin = DefaultExpiryMargin
	}
	if cfg.PetKit.DetailWorkers == 0 {
		cfg.PetKit.DetailWorkers = DefaultWorkers
	}
	if cfg.RateLimit.PerMinute == 0 {
		cfg.RateLimit.PerMinute = DefaultPerMinute
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.HTTP.Timeout == 0 {
		cfg.HTTP.Timeout = DefaultHTTPTimeout
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
}

// applyEnvOverrides follows the PETKIT_SECTION_KEY pattern.
func applyEnvOverrides(cfg *Config) error {
	strs := map[string]*string{
		"PETKIT_USERNAME":      &cfg.PetKit.Username,
		"PETKIT_PASSWORD":      &cfg.PetKit.Password,
		"PETKIT_PASSWORD_FILE": &cfg.PetKit.PasswordFile,
		"PETKIT_REGION":        &cfg.PetKit.Region,
		"PETKIT_TIMEZONE":      &cfg.PetKit.Timezone,
		"PETKIT_BASE_URL":      &cfg.PetKit.BaseURL,
		"PETKIT_MQTT_BROKER":   &cfg.MQTT.Broker,
		"PETKIT_HTTP_ADDR":     &cfg.HTTP.Addr,
		"PETKIT_LOG_LEVEL":     &cfg.Logging.Level,
		"PETKIT_LOG_FORMAT":    &cfg.Logging.Format,
	}
	for key, target := range strs {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*target = v
		}
	}

	if v := os.Getenv("PETKIT_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PETKIT_POLL_INTERVAL: %w", err)
		}
		cfg.PetKit.PollInterval = d
	}
	if v := os.Getenv("PETKIT_MQTT_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("PETKIT_MQTT_ENABLED: %w", err)
		}
		cfg.MQTT.Enabled = enabled
	}
	if v := os.Getenv("PETKIT_RATE_LIMIT_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PETKIT_RATE_LIMIT_PER_MINUTE: %w", err)
		}
		cfg.RateLimit.PerMinute = n
	}
	return nil
}

func resolvePassword(cfg *Config) error {
	if cfg.PetKit.Password != "" || cfg.PetKit.PasswordFile == "" {
		return nil
	}
	data, err := os.ReadFile(cfg.PetKit.PasswordFile)
	if err != nil {
		return fmt.Errorf("read petkit.password_file: %w", err)
	}
	cfg.PetKit.Password = strings.TrimRight(string(data), "\r\n")
	return nil
}

// Validate enforces required invariants beyond YAML typing.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	var errs []string
	if strings.TrimSpace(cfg.PetKit.Username) == "" {
		errs = append(errs, "petkit.username is required (or PETKIT_USERNAME)")
	}
	if cfg.PetKit.Password == "" {
		errs = append(errs, "petkit.password or petkit.password_file is required (or PETKIT_PASSWORD)")
	}
	if _, err := time.LoadLocation(cfg.PetKit.Timezone); err != nil {
		errs = append(errs, fmt.Sprintf("petkit.timezone %q is not a known zone", cfg.PetKit.Timezone))
	}
	if cfg.PetKit.PollInterval < minPollInterval {
		errs = append(errs, fmt.Sprintf("petkit.poll_interval must be at least %s", minPollInterval))
	}
	if cfg.PetKit.ExpiryMargin < 0 {
		errs = append(errs, "petkit.expiry_margin must not be negative")
	}
	if cfg.PetKit.DetailWorkers < 1 {
		errs = append(errs, "petkit.detail_workers must be positive")
	}
	if cfg.RateLimit.PerMinute < 0 || cfg.RateLimit.PerDay < 0 {
		errs = append(errs, "rate_limit values must not be negative")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or text", cfg.Logging.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
