package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/config"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/logging"
	"github.com/AwakeLion-Robot-Lab/awakelion-logger/internal/server"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const envPrefix = "AWLOG"

const (
	configKey    = "config"
	hostKey      = "host"
	portKey      = "port"
	pathKey      = "path"
	logLevelKey  = "log-level"
	logFormatKey = "log-format"
)

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:           "awlog-server",
		Short:         "Real-time WebSocket event server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the WebSocket event server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	flags := serve.Flags()
	flags.String(configKey, "", "path to a YAML config file")
	flags.String(hostKey, "", "listen host (default 0.0.0.0)")
	flags.Int(portKey, 0, "listen port (default 1234)")
	flags.String(pathKey, "", "WebSocket endpoint path (default /ws)")
	flags.String(logLevelKey, "", "log level: trace, debug, info, warn, error")
	flags.String(logFormatKey, "", "log format: console or json")
	_ = v.BindPFlags(flags)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(serve, versionCmd)
	return root
}

// loadConfig reads the optional config file and lays flag and environment
// overrides on top.
func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg := config.Default()
	if path := v.GetString(configKey); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	if host := v.GetString(hostKey); host != "" {
		cfg.Server.Host = host
	}
	if port := v.GetInt(portKey); port > 0 {
		cfg.Server.Port = port
	}
	if path := v.GetString(pathKey); path != "" {
		cfg.Server.Path = path
	}
	if level := v.GetString(logLevelKey); level != "" {
		cfg.Log.Level = level
	}
	if format := v.GetString(logFormatKey); format != "" {
		cfg.Log.Format = format
	}

	cfg.Sanitize()
	return cfg, cfg.Validate()
}

func run(parent context.Context, cfg config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger.Info().Str("version", version).Msg("Starting event server...")

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error().Err(err).Msg("Server stopped with error")
		return err
	}
	logger.Info().Msg("Server stopped")
	return nil
}
