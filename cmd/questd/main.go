// questd is the quest automation daemon: it watches trigger sources,
// evaluates quests and runs their commands.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamhouse/questd/internal/config"
	"github.com/dreamhouse/questd/internal/logging"
)

var (
	configPath string
	dataDir    string
	port       int
	verbose    bool

	version = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "questd",
		Short:         "questd - quest automation daemon",
		Version:       version,
		RunE:          runDaemon,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "config file (default <data-dir>/config.json)")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "data directory (default ~/.questd)")
	rootCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides config)")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig layers .env files, the config file and flags
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envFiles := []string{".env"}
	if dataDir != "" {
		envFiles = append(envFiles, filepath.Join(dataDir, ".env"))
	}
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	path := configPath
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, "config.json")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cmd.Flags().Changed("data-dir") {
		cfg.DataDir = dataDir
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port = port
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logging.Configure(logging.Options{
		Level:       logging.ParseLevel(cfg.Logging.Level),
		Development: cfg.Logging.Development,
	})
	defer logging.Sync()

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logging.WithFields(map[string]interface{}{
		"version":  version,
		"data_dir": cfg.DataDir,
		"addr":     cfg.Server.Addr(),
	}).Info("questd starting")

	return d.Run(ctx)
}
