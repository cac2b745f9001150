package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/opsmesh/workorderd/applications/workorder"
	"github.com/opsmesh/workorderd/internal/platform/database"
	"github.com/opsmesh/workorderd/internal/platform/migrations"
	"github.com/opsmesh/workorderd/pkg/config"
	"github.com/opsmesh/workorderd/pkg/logger"
	"github.com/opsmesh/workorderd/pkg/metrics"
	"github.com/opsmesh/workorderd/pkg/pgnotify"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (defaults to config or :8080)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	redisAddr := flag.String("redis-addr", "", "Redis address for the lease backend (empty uses the Postgres row-lease backend)")
	flag.Parse()

	cfg := config.New()
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			log.Fatalf("load config %s: %v", trimmed, err)
		}
		cfg = loaded
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var (
		db  *sql.DB
		err error
	)
	var store workorder.Store
	if dsnVal != "" {
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		store = workorder.NewPGStore(db)
	} else {
		log.Warn("no DSN configured; running with an in-memory store")
		store = workorder.NewInMemoryStore()
	}
	if db != nil {
		defer db.Close()
	}

	clock := workorder.SystemClock{}

	orderGraph := workorder.DefaultOrderTransitions()
	if len(cfg.StateMachine.OrderTransitions) > 0 {
		orderGraph = graphFromConfig(cfg.StateMachine.OrderTransitions)
	}
	itemGraph := workorder.DefaultItemTransitions()
	if len(cfg.StateMachine.ItemTransitions) > 0 {
		itemGraph = graphFromConfig(cfg.StateMachine.ItemTransitions)
	}
	sm := workorder.NewStateMachine(store, clock, orderGraph, itemGraph)

	var bus *pgnotify.Bus
	if db != nil {
		bus, err = pgnotify.NewWithDB(db, dsnVal)
		if err != nil {
			log.Fatalf("start pgnotify bus: %v", err)
		}
		defer bus.Close()
	}
	journal := workorder.NewJournal(sm, store, bus)
	journal.Subscribe(func(e workorder.Event) {
		log.WithFields(map[string]interface{}{
			"order_id": e.OrderID,
			"item_id":  e.ItemID,
			"event":    e.Kind,
		}).Debug("work event committed")
	})

	guard := workorder.NewIdempotencyGuard(store, clock)
	requiredOps := make(map[string]bool, len(cfg.Idempotency.RequiredOperations))
	for _, op := range cfg.Idempotency.RequiredOperations {
		requiredOps[op] = true
	}
	guard.SetRequired(requiredOps)

	leaseCfg := workorder.LeaseConfig{TTL: cfg.Lease.TTL(), HeartbeatEvery: cfg.Lease.HeartbeatEvery()}
	baseLease := workorder.NewLeaseEngine(store, clock, sm, leaseCfg)

	var lease workorder.LeaseOperator = baseLease
	if strings.EqualFold(cfg.Lease.Backend, "redis") || strings.EqualFold(cfg.Lease.Backend, "external") || strings.TrimSpace(*redisAddr) != "" {
		redisAddress := strings.TrimSpace(*redisAddr)
		if redisAddress == "" {
			redisAddress = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
		}
		if redisAddress == "" {
			log.Fatal("lease.backend=redis or external requires --redis-addr or REDIS_ADDR")
		}
		client := redis.NewClient(&redis.Options{Addr: redisAddress})
		backend := workorder.NewRedisLeaseBackend(client, "workorder:lease:")
		lease = workorder.NewRedisLeaseEngine(baseLease, backend)
		defer client.Close()
	}

	registry := workorder.NewRegistry()

	allocator := workorder.NewAllocator(store, clock, sm, registry)

	execCfg := workorder.DefaultExecutorConfig()
	executor := workorder.NewExecutor(store, clock, sm, registry, execCfg)

	maintCfg := workorder.MaintenanceConfig{
		DeadLetterAfter:     time.Duration(cfg.Maintenance.DeadLetterAfterHours) * time.Hour,
		StaleOrderThreshold: time.Duration(cfg.Maintenance.StaleOrderThresholdHours) * time.Hour,
		EnableAlerts:        cfg.Maintenance.EnableAlerts,
		ReclaimLeases:       true,
		DeadLetter:          true,
		CheckStale:          true,
	}
	maintainer := workorder.NewMaintainer(store, clock, sm, lease, maintCfg, log.WithField("component", "maintainer"))

	if strings.TrimSpace(cfg.Maintenance.CronSpec) != "" {
		if _, err := maintainer.StartCron(cfg.Maintenance.CronSpec); err != nil {
			log.Fatalf("start maintainer cron: %v", err)
		}
		defer maintainer.StopCron()
	}

	queryCfg := workorder.QueryConfig{DefaultPageSize: cfg.Query.DefaultPageSize, MaxPageSize: cfg.Query.MaxPageSize}
	query := workorder.NewQuerySurface(store, queryCfg)

	server := workorder.NewServer(allocator, executor, lease, guard, query, registry)

	mux := http.NewServeMux()
	mux.Handle("/", server)
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}
	handler := metrics.InstrumentHandler(mux)

	listenAddr := determineAddr(*addr, cfg)
	httpServer := &http.Server{Addr: listenAddr, Handler: handler}

	go func() {
		log.Infof("workorderd listening on %s", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("serve: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func graphFromConfig(raw map[string][]string) workorder.TransitionGraph {
	g := make(workorder.TransitionGraph, len(raw))
	for k, v := range raw {
		g[k] = v
	}
	return g
}

func determineAddr(flagAddr string, cfg *config.Config) string {
	addr := strings.TrimSpace(flagAddr)
	if addr != "" {
		return addr
	}
	host := strings.TrimSpace(cfg.Server.Host)
	port := cfg.Server.Port
	if port != 0 {
		if host == "" {
			host = "0.0.0.0"
		}
		return fmt.Sprintf("%s:%d", host, port)
	}
	return ":8080"
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}
