// Package cli provides the command-line interface of the article pipeline
// service: batch processing, worker runtime, schema migration, and
// operational status commands.
package cli

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/langgraphsystem/rssnews-sub002/common"
	"github.com/langgraphsystem/rssnews-sub002/config"
	"github.com/langgraphsystem/rssnews-sub002/db"
)

var (
	cfgFile  string
	logLevel string
)

// configName is the system_configurations row this service reads and writes.
const configName = "pipeline"

// RootCmd is the service entrypoint command.
var RootCmd = &cobra.Command{
	Use:   "rssnews-pipeline",
	Short: "Article ingestion pipeline orchestrator",
	Long: `Drives raw RSS articles through validation, deduplication,
normalization, cleaning, chunking, and search indexing, coordinated
across workers with distributed locks and adaptive batching.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path")
	RootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	RootCmd.AddCommand(workerCmd)
	RootCmd.AddCommand(processCmd)
	RootCmd.AddCommand(healthCheckCmd)
	RootCmd.AddCommand(statusCmd)
	RootCmd.AddCommand(migrateCmd)
	RootCmd.AddCommand(configCmd)
	RootCmd.AddCommand(versionCmd)
}

// loadConfig loads and validates configuration, applying CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	common.ConfigureLogging(cfg.LogLevel, cfg.LogFormat)
	return cfg, nil
}

// services bundles the shared infrastructure handles commands build on.
type services struct {
	cfg  *config.Config
	pg   *db.PostgresDB
	gorm *gorm.DB
	kv   *redis.Client
}

// openServices connects to Postgres (pgx and gorm) and Redis.
func openServices(ctx context.Context, cfg *config.Config) (*services, error) {
	pg, err := db.NewPostgresDB(ctx, cfg.Database.DSN, cfg.Database.MaxConnections,
		cfg.Database.SynchronousCommit)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	gormDB, err := db.NewGormDB(cfg.Database.DSN)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to open gorm connection: %w", err)
	}

	kv, err := db.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		pg.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &services{cfg: cfg, pg: pg, gorm: gormDB, kv: kv}, nil
}

// Close releases the connections.
func (s *services) Close() {
	if s.kv != nil {
		_ = s.kv.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
}
