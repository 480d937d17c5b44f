// Command orchestrator runs the multi-agent orchestration engine
// standalone: an in-memory or Postgres-backed Job Store, the nine
// stand-in stages, and the Scheduler/Executor/Orchestrator/Progress Bus
// loop, fronted by a tiny CLI for submitting jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormLogger "gorm.io/gorm/logger"

	"github.com/arclight/paperforge/internal/blobstore"
	"github.com/arclight/paperforge/internal/data/repos/jobstore"
	"github.com/arclight/paperforge/internal/domain/job"
	"github.com/arclight/paperforge/internal/engine"
	"github.com/arclight/paperforge/internal/executor"
	"github.com/arclight/paperforge/internal/observability"
	"github.com/arclight/paperforge/internal/orchestrator"
	"github.com/arclight/paperforge/internal/pkg/logger"
	"github.com/arclight/paperforge/internal/platform/config"
	"github.com/arclight/paperforge/internal/progressbus"
	"github.com/arclight/paperforge/internal/registry"
	"github.com/arclight/paperforge/internal/stages"
	"github.com/arclight/paperforge/internal/worker"
)

func main() {
	log, err := logger.New(envOr("LOG_MODE", "development"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.LoadFile(os.Getenv("ENGINE_CONFIG_FILE"))
	if err != nil {
		log.Fatal("failed to load engine config", "error", err)
	}

	blobs, err := openBlobStore()
	if err != nil {
		log.Fatal("failed to open blob store", "error", err)
	}

	reg := registry.New()
	if err := stages.RegisterAll(reg, blobs, cfg.DefaultTimeout); err != nil {
		log.Fatal("failed to register stages", "error", err)
	}

	store, progLog, err := openStore(reg, log)
	if err != nil {
		log.Fatal("failed to open job store", "error", err)
	}

	bus := progressbus.New(progLog, nil)
	exec := executor.New(reg)
	orch := orchestrator.New(store, reg, exec, bus, cfg, log)
	svc := engine.New(store, reg, blobs, bus, orch, log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdownTracing := observability.Init(ctx, log, observability.EnabledFromEnv(os.Getenv("OTEL_ENABLED")))
	defer shutdownTracing(context.Background())

	if envTrue("RUN_WORKER", true) {
		runner := worker.New(store, store, reg, orch.Handle, cfg, log)
		go func() {
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker runner exited", "error", err)
			}
		}()
		log.Info("orchestration engine worker started", "global_concurrency", cfg.GlobalConcurrency)
	}

	if len(os.Args) > 1 && os.Args[1] == "submit" {
		runSubmitCLI(ctx, svc, os.Args[2:], log)
		return
	}

	log.Info("orchestration engine running; Ctrl-C to stop")
	<-ctx.Done()
}

// openStore builds the Job Store and its Progress Bus log from
// JOB_STORE_DSN; an empty/unset DSN falls back to the in-memory
// implementations so the engine runs standalone with no external services.
func openStore(reg *registry.Registry, log *logger.Logger) (jobstore.Store, progressbus.Log, error) {
	dsn := strings.TrimSpace(os.Getenv("JOB_STORE_DSN"))
	if dsn == "" {
		log.Info("JOB_STORE_DSN unset; running with in-memory Job Store")
		return jobstore.NewMemory(), progressbus.NewMemoryLog(), nil
	}

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormLogger.Default.LogMode(gormLogger.Warn),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := jobstore.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate jobs: %w", err)
	}
	if err := progressbus.AutoMigrate(db); err != nil {
		return nil, nil, fmt.Errorf("migrate progress events: %w", err)
	}
	return jobstore.NewPostgres(db, reg, log), progressbus.NewPostgresLog(db, log), nil
}

func openBlobStore() (blobstore.Store, error) {
	dir := strings.TrimSpace(os.Getenv("BLOB_STORE_DIR"))
	if dir == "" {
		return blobstore.NewMemory(), nil
	}
	return blobstore.NewLocal(dir)
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envTrue(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func runSubmitCLI(ctx context.Context, svc *engine.Service, args []string, log *logger.Logger) {
	if len(args) == 0 {
		fmt.Println("usage: orchestrator submit <title|arxiv:ID>")
		return
	}
	var input job.PaperInput
	if strings.HasPrefix(args[0], "arxiv:") {
		input = job.NewArxivInput(strings.TrimPrefix(args[0], "arxiv:"))
	} else {
		input = job.NewTitleInput(args[0])
	}
	id, err := svc.Submit(ctx, input, job.DefaultOptions())
	if err != nil {
		log.Error("submit failed", "error", err)
		return
	}
	fmt.Printf("submitted job %s\n", id)
	time.Sleep(100 * time.Millisecond)
}
