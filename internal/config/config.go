// Package config holds the taskserver configuration, loaded from an optional
// YAML file and overridden by command-line flags.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StoreDriverFile   = "file"
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

// Config is the complete taskserver configuration.
type Config struct {
	HTTP   HTTPConfig   `yaml:"http"`
	GRPC   GRPCConfig   `yaml:"grpc"`
	Log    LogConfig    `yaml:"log"`
	Store  StoreConfig  `yaml:"store"`
	Action ActionConfig `yaml:"action"`
}

type HTTPConfig struct {
	// Addr is the listen address. Empty disables the HTTP surface.
	Addr string `yaml:"addr"`
}

type GRPCConfig struct {
	// Addr is the listen address. Empty disables the gRPC surface.
	Addr       string `yaml:"addr"`
	CertPath   string `yaml:"cert_path"`
	KeyPath    string `yaml:"key_path"`
	CACertPath string `yaml:"ca_cert_path"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	// Dir is the directory holding one log file per task (file driver).
	Dir string `yaml:"dir"`
	// DBPath is the SQLite database path (sqlite driver).
	DBPath string `yaml:"db_path"`
	// PollInterval is how long a tailer waits before checking for new lines.
	PollInterval time.Duration `yaml:"poll_interval"`
}

type ActionConfig struct {
	// URLTemplate is the endpoint each attempt posts to. "{target}" is
	// replaced with the task's target identifier.
	URLTemplate string        `yaml:"url_template"`
	Timeout     time.Duration `yaml:"timeout"`
	UserAgent   string        `yaml:"user_agent"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{Addr: ":21240"},
		GRPC: GRPCConfig{
			Addr:       "",
			CertPath:   "certs/server.crt",
			KeyPath:    "certs/server.key",
			CACertPath: "certs/ca.crt",
		},
		Log: LogConfig{Level: "info", Format: "text"},
		Store: StoreConfig{
			Driver:       StoreDriverFile,
			Dir:          "logs",
			DBPath:       "taskworker.db",
			PollInterval: time.Second,
		},
		Action: ActionConfig{
			URLTemplate: "https://graph.facebook.com/v18.0/t_{target}/",
			Timeout:     30 * time.Second,
			UserAgent:   "taskworker/" + Version,
		},
	}
}

// Version is the taskworker release version.
// TODO: Inject version at build time.
const Version = "0.0.1"

// Load reads the YAML file at path over the defaults. An empty path returns
// the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" && c.GRPC.Addr == "" {
		return errors.New("at least one of http addr or grpc addr must be set")
	}

	if c.HTTP.Addr != "" {
		if err := validateAddr(c.HTTP.Addr); err != nil {
			return fmt.Errorf("http addr: %w", err)
		}
	}

	if c.GRPC.Addr != "" {
		if err := validateAddr(c.GRPC.Addr); err != nil {
			return fmt.Errorf("grpc addr: %w", err)
		}

		for name, path := range map[string]string{
			"cert-path":    c.GRPC.CertPath,
			"key-path":     c.GRPC.KeyPath,
			"ca-cert-path": c.GRPC.CACertPath,
		} {
			if path == "" {
				return fmt.Errorf("%s cannot be empty", name)
			}

			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("failed to stat %s: %w", name, err)
			}
		}
	}

	switch c.Store.Driver {
	case StoreDriverFile:
		if c.Store.Dir == "" {
			return errors.New("store dir cannot be empty")
		}
	case StoreDriverSQLite:
		if c.Store.DBPath == "" {
			return errors.New("store db path cannot be empty")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver '%s'", c.Store.Driver)
	}

	if c.Store.PollInterval <= 0 {
		return errors.New("store poll interval must be positive")
	}

	if !strings.Contains(c.Action.URLTemplate, "{target}") {
		return errors.New("action url template must contain {target}")
	}

	if c.Action.Timeout <= 0 {
		return errors.New("action timeout must be positive")
	}

	return nil
}

func validateAddr(addr string) error {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("port string to number: %w", err)
	}

	// Port 0 asks the kernel for a free port.
	if port < 0 || port > 65535 {
		return errors.New("port must be in valid range")
	}

	return nil
}
