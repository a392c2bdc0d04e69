package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PETKIT_USERNAME", "PETKIT_PASSWORD", "PETKIT_PASSWORD_FILE", "PETKIT_REGION",
		"PETKIT_TIMEZONE", "PETKIT_BASE_URL", "PETKIT_MQTT_BROKER", "PETKIT_HTTP_ADDR",
		"PETKIT_LOG_LEVEL", "PETKIT_LOG_FORMAT", "PETKIT_POLL_INTERVAL", "PETKIT_MQTT_ENABLED",
		"PETKIT_RATE_LIMIT_PER_MINUTE",
	} {
		t.Setenv(key, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadYAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", `
petkit:
  username: owner@example.com
  password: hunter2
  region: FR
  poll_interval: 2m
  pet_links_on_device_refresh: true
mqtt:
  enabled: true
  refresh_on_event: true
rate_limit:
  per_day: 5000
logging:
  level: debug
  format: text
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PetKit.Region != "FR" || cfg.PetKit.PollInterval != 2*time.Minute || !cfg.PetKit.PetLinksOnDeviceRefresh {
		t.Fatalf("petkit = %+v", cfg.PetKit)
	}
	if !cfg.MQTT.Enabled || !cfg.MQTT.RefreshOnEvent {
		t.Fatalf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.RateLimit.PerMinute != DefaultPerMinute || cfg.RateLimit.PerDay != 5000 {
		t.Fatalf("rate_limit = %+v", cfg.RateLimit)
	}
	if cfg.PetKit.Timezone != DefaultTimezone || cfg.HTTP.Addr != DefaultHTTPAddr || cfg.PetKit.ExpiryMargin != DefaultExpiryMargin {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Logging.Format != "text" || cfg.Logging.Output != "stderr" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "config.yaml", "petkit:\n  username: file@example.com\n  password: fromfile\n")
	t.Setenv("PETKIT_USERNAME", "env@example.com")
	t.Setenv("PETKIT_REGION", "us")
	t.Setenv("PETKIT_POLL_INTERVAL", "90s")
	t.Setenv("PETKIT_MQTT_ENABLED", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PetKit.Username != "env@example.com" || cfg.PetKit.Password != "fromfile" || cfg.PetKit.Region != "us" {
		t.Fatalf("petkit = %+v", cfg.PetKit)
	}
	if cfg.PetKit.PollInterval != 90*time.Second || !cfg.MQTT.Enabled {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("PETKIT_USERNAME", "env@example.com")
	t.Setenv("PETKIT_PASSWORD", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PetKit.Region != DefaultRegion {
		t.Fatalf("region = %q", cfg.PetKit.Region)
	}
}

func TestLoadPasswordFile(t *testing.T) {
	clearEnv(t)
	secret := writeFile(t, "password", "s3cret\n")
	path := writeFile(t, "config.yaml", "petkit:\n  username: owner@example.com\n  password_file: "+secret+"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.PetKit.Password != "s3cret" {
		t.Fatalf("password = %q", cfg.PetKit.Password)
	}
}

func TestLoadInvalidEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("PETKIT_USERNAME", "env@example.com")
	t.Setenv("PETKIT_PASSWORD", "secret")
	t.Setenv("PETKIT_POLL_INTERVAL", "soon")

	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "PETKIT_POLL_INTERVAL") {
		t.Fatalf("err = %v", err)
	}
}

func TestValidate(t *testing.T) {
	clearEnv(t)
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing username", "petkit:\n  password: x\n", "petkit.username"},
		{"missing password", "petkit:\n  username: a@b.c\n", "petkit.password"},
		{"bad timezone", "petkit:\n  username: a@b.c\n  password: x\n  timezone: Mars/Olympus\n", "petkit.timezone"},
		{"fast poll", "petkit:\n  username: a@b.c\n  password: x\n  poll_interval: 5s\n", "poll_interval"},
		{"bad format", "petkit:\n  username: a@b.c\n  password: x\nlogging:\n  format: xml\n", "logging.format"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "config.yaml", tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	env := writeFile(t, ".env", "PETKIT_USERNAME=dotenv@example.com\nPETKIT_PASSWORD=dotenv\n")
	t.Setenv("PETKIT_PASSWORD", "already-set")
	// godotenv does not override variables that are already present.
	os.Unsetenv("PETKIT_USERNAME")

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), env); err != nil {
		t.Fatalf("load dotenv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("PETKIT_USERNAME") })
	if got := os.Getenv("PETKIT_USERNAME"); got != "dotenv@example.com" {
		t.Fatalf("PETKIT_USERNAME = %q", got)
	}
	if got := os.Getenv("PETKIT_PASSWORD"); got != "already-set" {
		t.Fatalf("PETKIT_PASSWORD = %q", got)
	}
}
