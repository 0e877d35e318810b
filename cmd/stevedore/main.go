// Command stevedore runs a Docker/OCI-compatible container image registry
// backed by a single SQLite database.
//
// Logging:
//   - Base logger is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"stevedore/internal/auth"
	"stevedore/internal/config"
	"stevedore/internal/logging"
	"stevedore/internal/registry"
	"stevedore/internal/server"
	"stevedore/internal/store/sqlite"
)

var version = "dev"

func main() {
	logLevel := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	rootCmd := &cobra.Command{
		Use:   "stevedore",
		Short: "Container image registry",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				logLevel.Set(slog.LevelDebug)
			}
		},
	}
	rootCmd.PersistentFlags().String("config", "", "path to JSON config file")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the registry service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
				cfg.Listen = addr
			}
			if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
				cfg.DataDir = dataDir
			}
			if username, _ := cmd.Flags().GetString("username"); username != "" {
				password, _ := cmd.Flags().GetString("password")
				if password == "" {
					return fmt.Errorf("--username requires --password")
				}
				hash, err := auth.HashPassword(password)
				if err != nil {
					return fmt.Errorf("hash password: %w", err)
				}
				cfg.Auth = config.AuthConfig{Enabled: true, Username: username, Password: hash}
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return serve(ctx, logger, cfg)
		},
	}
	serveCmd.Flags().String("addr", "", "listen address (host:port), overrides config")
	serveCmd.Flags().String("data-dir", "", "data directory, overrides config")
	serveCmd.Flags().String("username", "", "enable basic auth with this username")
	serveCmd.Flags().String("password", "", "basic auth password (hashed before use)")

	gcCmd := &cobra.Command{
		Use:   "gc",
		Short: "Run one offline garbage collection pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if dataDir, _ := cmd.Flags().GetString("data-dir"); dataDir != "" {
				cfg.DataDir = dataDir
			}
			return collectGarbage(cmd.Context(), logger, cfg)
		},
	}
	gcCmd.Flags().String("data-dir", "", "data directory, overrides config")

	hashCmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash a password for the config file's auth section",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	}

	rootCmd.AddCommand(serveCmd, gcCmd, hashCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return config.Load(path)
}

func dbPath(cfg config.Config) string {
	return filepath.Join(cfg.DataDir, "registry.db")
}

func serve(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	logger = logging.Default(logger)

	st, err := sqlite.New(dbPath(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg, err := registry.New(st, cfg, logger)
	if err != nil {
		return err
	}
	if err := reg.Start(); err != nil {
		return err
	}
	defer reg.Stop()

	// Sweep sessions abandoned before this process started, so a crash does
	// not leave chunks pinned until the first scheduled pass.
	if res, err := reg.RunCleanup(ctx); err != nil {
		logger.Warn("startup cleanup failed", "error", err)
	} else if res.SessionsRemoved > 0 {
		logger.Info("startup cleanup", "sessionsRemoved", res.SessionsRemoved)
	}

	srv := server.New(reg, cfg, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ServeTCP(cfg.Listen)
	}()
	logger.Info("registry serving", "addr", cfg.Listen, "dataDir", cfg.DataDir, "version", version)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

func collectGarbage(ctx context.Context, logger *slog.Logger, cfg config.Config) error {
	logger = logging.Default(logger)

	st, err := sqlite.New(dbPath(cfg))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	reg, err := registry.New(st, cfg, logger)
	if err != nil {
		return err
	}

	res, err := reg.RunGC(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(res)
}
