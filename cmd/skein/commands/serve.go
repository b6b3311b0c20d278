package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/skein-dev/skein/bulk"
	"github.com/skein-dev/skein/bulk/aggregate"
	"github.com/skein-dev/skein/bulk/entity"
	"github.com/skein-dev/skein/bulk/executor"
	"github.com/skein-dev/skein/bulk/job"
	"github.com/skein-dev/skein/bulk/progress"
	"github.com/skein-dev/skein/bulk/schema"
	"github.com/skein-dev/skein/config"
	"github.com/skein-dev/skein/dispatch"
	"github.com/skein-dev/skein/logger"
)

// ServeCmd starts the worker daemon
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker daemon",
	Long: `Start the worker daemon in foreground mode.

The daemon will:
- Recover jobs left in progress by a previous crash (re-queue them)
- Poll the queue and run bulk jobs on a fixed worker pool
- Publish progress and results to the cache for pollers
- Run until interrupted (Ctrl+C) with graceful shutdown

Entity types come from the [[entity_types]] section of the config file;
applications embedding skein as a library register descriptors in code
instead.

Example:
  skein serve              # Start daemon in foreground
  skein serve --workers 4  # Start with 4 concurrent workers`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, _ := cmd.Flags().GetInt("workers")
		dbPath, _ := cmd.Flags().GetString("db")
		return runServe(workers, dbPath)
	},
}

func init() {
	ServeCmd.Flags().Int("workers", 0, "Number of concurrent workers (0 = config value)")
	ServeCmd.Flags().String("db", "", "Database path (overrides config)")
}

func runServe(workers int, dbPath string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	database, err := openDatabase(cfg, dbPath)
	if err != nil {
		return err
	}
	defer database.Close()

	registry, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	cache := buildCache(cfg)

	log := logger.Logger
	jobs := job.NewManager(job.NewStore(database), log)
	entities := entity.NewStore(database, log)
	exec := executor.New(jobs, entities, registry, cache, log)
	agg := aggregate.NewRunner(jobs, entities, registry, log)

	if workers <= 0 {
		workers = cfg.Worker.Workers
	}
	poolCfg := dispatch.Config{
		Workers:      workers,
		PollInterval: time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlers := dispatch.NewRegistry()
	pool := dispatch.NewPool(ctx, jobs, handlers, poolCfg, log)

	svc := bulk.NewService(jobs, pool.Queue(), exec, agg, cache, registry, cfg.Bulk.MaxSyncItems, log)
	svc.RegisterHandlers(handlers)

	if err := pool.Start(); err != nil {
		return fmt.Errorf("failed to start worker pool: %w", err)
	}

	fmt.Println("Skein worker daemon started")
	fmt.Printf("  Workers: %d\n", pool.Workers())
	fmt.Printf("  Poll interval: %v\n", poolCfg.PollInterval)
	fmt.Printf("  Entity types: %d\n", len(registry.Names()))
	fmt.Printf("\nPress Ctrl+C for graceful shutdown\n\n")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	pool.Stop()
	fmt.Println("Worker daemon stopped")
	return nil
}

// buildRegistry registers the config file's entity types
func buildRegistry(cfg *config.Config) (*schema.Registry, error) {
	registry := schema.NewRegistry()
	for _, et := range cfg.EntityTypes {
		fields := make([]schema.Field, 0, len(et.Fields))
		for _, f := range et.Fields {
			kind, err := parseKind(f.Kind)
			if err != nil {
				return nil, fmt.Errorf("entity type %q field %q: %w", et.Name, f.Name, err)
			}
			fields = append(fields, schema.Field{
				Name:     f.Name,
				Kind:     kind,
				Required: f.Required,
				Relation: f.Relation,
			})
		}
		err := registry.Register(&schema.EntityType{
			Name:     et.Name,
			Table:    et.Table,
			IDColumn: et.IDColumn,
			Fields:   fields,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register entity type %q: %w", et.Name, err)
		}
	}
	return registry, nil
}

func parseKind(s string) (schema.Kind, error) {
	switch schema.Kind(s) {
	case schema.KindString, schema.KindInt, schema.KindFloat, schema.KindBool, schema.KindTime:
		return schema.Kind(s), nil
	case "":
		return schema.KindString, nil
	default:
		return "", fmt.Errorf("unknown field kind %q", s)
	}
}

// buildCache picks Redis when an address is configured, otherwise the
// in-process cache
func buildCache(cfg *config.Config) progress.Store {
	progressTTL := time.Duration(cfg.Cache.ProgressTTLSeconds) * time.Second
	resultTTL := time.Duration(cfg.Cache.ResultTTLSeconds) * time.Second

	if cfg.Cache.Addr == "" {
		return progress.NewMemoryStore(progressTTL, resultTTL)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Addr,
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	return progress.NewRedisStore(client, progressTTL, resultTTL)
}
