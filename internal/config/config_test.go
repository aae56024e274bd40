package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nixpig/taskworker/internal/config"
)

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("Test empty path returns defaults", func(t *testing.T) {
		t.Parallel()

		cfg, err := config.Load("")
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if err := cfg.Validate(); err != nil {
			t.Errorf("expected defaults to be valid: got '%v'", err)
		}

		if cfg.Store.PollInterval != time.Second {
			t.Errorf(
				"expected poll interval: got '%s', want '%s'",
				cfg.Store.PollInterval,
				time.Second,
			)
		}
	})

	t.Run("Test file overrides defaults", func(t *testing.T) {
		t.Parallel()

		path := filepath.Join(t.TempDir(), "taskserver.yaml")

		data := []byte(`
http:
  addr: "127.0.0.1:9000"
store:
  driver: sqlite
  db_path: /tmp/tasks.db
  poll_interval: 250ms
log:
  level: debug
`)

		if err := os.WriteFile(path, data, 0o644); err != nil {
			t.Fatalf("failed to write config: '%v'", err)
		}

		cfg, err := config.Load(path)
		if err != nil {
			t.Fatalf("expected not to receive error: got '%v'", err)
		}

		if cfg.HTTP.Addr != "127.0.0.1:9000" {
			t.Errorf("expected http addr: got '%s'", cfg.HTTP.Addr)
		}

		if cfg.Store.Driver != config.StoreDriverSQLite {
			t.Errorf("expected store driver: got '%s'", cfg.Store.Driver)
		}

		if cfg.Store.PollInterval != 250*time.Millisecond {
			t.Errorf("expected poll interval: got '%s'", cfg.Store.PollInterval)
		}

		if cfg.Log.Level != "debug" {
			t.Errorf("expected log level: got '%s'", cfg.Log.Level)
		}

		// Untouched sections keep their defaults.
		if cfg.Log.Format != "text" {
			t.Errorf("expected log format: got '%s'", cfg.Log.Format)
		}
	})

	t.Run("Test missing file", func(t *testing.T) {
		t.Parallel()

		if _, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Errorf("expected to receive error: got '%v'", err)
		}
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	scenarios := map[string]func(c *config.Config){
		"No surfaces":         func(c *config.Config) { c.HTTP.Addr = ""; c.GRPC.Addr = "" },
		"Bad http addr":       func(c *config.Config) { c.HTTP.Addr = "localhost" },
		"Port out of range":   func(c *config.Config) { c.HTTP.Addr = ":70000" },
		"Missing grpc cert":   func(c *config.Config) { c.GRPC.Addr = ":8443"; c.GRPC.CertPath = "/nonexistent.crt" },
		"Unknown driver":      func(c *config.Config) { c.Store.Driver = "redis" },
		"Empty store dir":     func(c *config.Config) { c.Store.Dir = "" },
		"Zero poll interval":  func(c *config.Config) { c.Store.PollInterval = 0 },
		"Template w/o target": func(c *config.Config) { c.Action.URLTemplate = "https://example.com" },
		"Zero action timeout": func(c *config.Config) { c.Action.Timeout = 0 },
	}

	for scenario, mutate := range scenarios {
		t.Run(scenario, func(t *testing.T) {
			t.Parallel()

			cfg := config.Default()
			mutate(cfg)

			if err := cfg.Validate(); err == nil {
				t.Errorf("expected to receive error: got '%v'", err)
			}
		})
	}
}
