package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rpattn/flagstate/internal/config"
	"github.com/rpattn/flagstate/internal/db"
	"github.com/rpattn/flagstate/internal/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "flagstate",
	Short:         "Serves SDK feature flag configuration from PostgreSQL",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", ".", "directory containing config.yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(exportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app holds what every command needs once configuration is loaded.
type app struct {
	cfg    config.Config
	logger *zap.Logger
	conn   *db.Connection
}

func (a *app) Close() {
	if a.conn != nil {
		a.conn.Close()
	}
	_ = a.logger.Sync()
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	if cfg.ConfigFile != "" {
		log.Info("configuration loaded", zap.String("file", cfg.ConfigFile))
	}

	conn, err := db.NewConnection(ctx, cfg.Database, log)
	if err != nil {
		_ = log.Sync()
		return nil, err
	}

	return &app{cfg: cfg, logger: log, conn: conn}, nil
}
