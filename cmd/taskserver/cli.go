package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nixpig/taskworker/internal/config"
	"github.com/nixpig/taskworker/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Flag names. Flags that are set override the config file.
const (
	flagConfig        = "config"
	flagDebug         = "debug"
	flagLogLevel      = "log-level"
	flagLogFormat     = "log-format"
	flagActionURL     = "action-url"
	flagActionTimeout = "action-timeout"
	flagHTTPAddr      = "http-addr"
	flagGRPCAddr      = "grpc-addr"
	flagCertPath      = "cert-path"
	flagKeyPath       = "key-path"
	flagCACertPath    = "ca-cert-path"
	flagStore         = "store"
	flagStoreDir      = "store-dir"
	flagDBPath        = "db-path"
	flagPollInterval  = "poll-interval"
)

func rootCmd() *cobra.Command {
	defaults := config.Default()

	c := &cobra.Command{
		Use:   "taskserver",
		Short: "Run long-lived messaging tasks and serve them over HTTP and gRPC",
		Example: "  taskserver --config taskworker.yaml\n" +
			"  taskserver --grpc-addr :8443 --store sqlite --debug",
		Version:      config.Version,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return err
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}

			return serve(cmd.Context(), cfg, newLogger(cfg))
		},
	}

	c.CompletionOptions.HiddenDefaultCmd = true

	pf := c.PersistentFlags()
	pf.String(flagConfig, "", "Path to YAML config file")
	pf.Bool(flagDebug, false, "Enable debug logs (same as --log-level debug)")
	pf.String(flagLogLevel, defaults.Log.Level, "Log level: debug, info, warn, error")
	pf.String(flagLogFormat, defaults.Log.Format, "Log format: text or json")
	pf.String(flagActionURL, defaults.Action.URLTemplate, "URL each message is posted to; {target} is replaced with the target")
	pf.Duration(flagActionTimeout, defaults.Action.Timeout, "Timeout of a single attempt")

	f := c.Flags()
	f.String(flagHTTPAddr, defaults.HTTP.Addr, "HTTP listen address, empty to disable")
	f.String(flagGRPCAddr, defaults.GRPC.Addr, "gRPC listen address, empty to disable")
	f.String(flagCertPath, defaults.GRPC.CertPath, "Path to server TLS certificate")
	f.String(flagKeyPath, defaults.GRPC.KeyPath, "Path to server TLS private key")
	f.String(flagCACertPath, defaults.GRPC.CACertPath, "Path to CA certificate for mTLS")
	f.String(flagStore, defaults.Store.Driver, "Log store: file, sqlite or memory")
	f.String(flagStoreDir, defaults.Store.Dir, "Directory of task log files (file store)")
	f.String(flagDBPath, defaults.Store.DBPath, "Path to SQLite database (sqlite store)")
	f.Duration(flagPollInterval, defaults.Store.PollInterval, "How often log streams check for new lines")

	c.AddCommand(runCmd())

	return c
}

// loadConfig reads the file named by --config, if any, then applies every
// flag that was set on the command line.
func loadConfig(fs *pflag.FlagSet) (*config.Config, error) {
	path, err := fs.GetString(flagConfig)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	stringFlags := map[string]*string{
		flagLogLevel:   &cfg.Log.Level,
		flagLogFormat:  &cfg.Log.Format,
		flagActionURL:  &cfg.Action.URLTemplate,
		flagHTTPAddr:   &cfg.HTTP.Addr,
		flagGRPCAddr:   &cfg.GRPC.Addr,
		flagCertPath:   &cfg.GRPC.CertPath,
		flagKeyPath:    &cfg.GRPC.KeyPath,
		flagCACertPath: &cfg.GRPC.CACertPath,
		flagStore:      &cfg.Store.Driver,
		flagStoreDir:   &cfg.Store.Dir,
		flagDBPath:     &cfg.Store.DBPath,
	}

	for name, dst := range stringFlags {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}

		if *dst, err = fs.GetString(name); err != nil {
			return nil, err
		}
	}

	durationFlags := map[string]*time.Duration{
		flagActionTimeout: &cfg.Action.Timeout,
		flagPollInterval:  &cfg.Store.PollInterval,
	}

	for name, dst := range durationFlags {
		if fs.Lookup(name) == nil || !fs.Changed(name) {
			continue
		}

		if *dst, err = fs.GetDuration(name); err != nil {
			return nil, err
		}
	}

	if debug, _ := fs.GetBool(flagDebug); debug {
		cfg.Log.Level = "debug"
	}

	return cfg, nil
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logging.NewLogger(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
}
