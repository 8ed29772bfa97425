package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/bryanwahyu/scanops/internal/application"
	appai "github.com/bryanwahyu/scanops/internal/application/ai"
	appscans "github.com/bryanwahyu/scanops/internal/application/scans"
	"github.com/bryanwahyu/scanops/internal/config"
	"github.com/bryanwahyu/scanops/internal/domain/quota"
	domain "github.com/bryanwahyu/scanops/internal/domain/scans"
	aioracle "github.com/bryanwahyu/scanops/internal/infra/ai/openai"
	"github.com/bryanwahyu/scanops/internal/infra/audit"
	mysqlp "github.com/bryanwahyu/scanops/internal/infra/db/mysql"
	postgresp "github.com/bryanwahyu/scanops/internal/infra/db/postgres"
	dockerrunner "github.com/bryanwahyu/scanops/internal/infra/executor/docker"
	"github.com/bryanwahyu/scanops/internal/infra/httpserver"
	minioStore "github.com/bryanwahyu/scanops/internal/infra/storage"
	"github.com/bryanwahyu/scanops/internal/infra/stream"
	"github.com/bryanwahyu/scanops/internal/middleware"
)

func main() {
	// path config.yaml
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	// load config
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// connect database (driver dipilih lewat config)
	var db *sql.DB
	var repo domain.Repository
	var logs domain.LogRepository
	switch cfg.Database.Driver {
	case "postgres":
		db, err = postgresp.Connect(ctx, cfg.PostgresDSN(),
			postgresp.Pool{MaxOpen: cfg.Database.MaxOpen, MaxIdle: cfg.Database.MaxIdle})
		if err != nil {
			log.Fatalf("postgres connect error: %v", err)
		}
		repo = postgresp.NewScanRepository(db)
		logs = postgresp.NewScanLogRepository(db)
	default:
		db, err = mysqlp.Connect(ctx, cfg.MySQLDSN(),
			mysqlp.Pool{MaxOpen: cfg.Database.MaxOpen, MaxIdle: cfg.Database.MaxIdle})
		if err != nil {
			log.Fatalf("mysql connect error: %v", err)
		}
		repo = mysqlp.NewScanRepository(db)
		logs = mysqlp.NewScanLogRepository(db)
	}
	defer db.Close()

	// init minio
	store, err := minioStore.New(ctx,
		cfg.Minio.Endpoint,
		cfg.Minio.Region,
		cfg.Minio.BucketName,
		cfg.Minio.AccessKey,
		cfg.Minio.SecretKey,
		cfg.Minio.UseSSL,
	)
	if err != nil {
		log.Fatalf("minio init error: %v", err)
	}

	clock := application.SystemClock{}

	// init stream hub
	hub := stream.NewHub(cfg.Stream.SendBuffer)
	middleware.SubscriberGauge = hub.Connections

	// init runner + orphan sweep
	runner := dockerrunner.NewRunner(dockerrunner.Config{
		MaxConcurrent:     cfg.Executor.MaxConcurrent,
		OutputCapBytes:    int64(cfg.Executor.OutputCapBytes),
		MaxTimeout:        cfg.ExecutorMaxTimeout(),
		ReconcileInterval: cfg.ExecutorReconcileInterval(),
		Limits: domain.ResourceLimits{
			CPUs:     cfg.Executor.CPUs,
			MemoryMB: cfg.Executor.MemoryMB,
			Pids:     cfg.Executor.Pids,
		},
	}, clock)
	go runner.RunReconciler(ctx)

	// init quota gate
	gate := quota.NewGate(cfg.Roles)

	// init AI oracle (optional)
	var aiSvc *appai.Service
	if cfg.OpenAI.APIKey != "" {
		oracle := aioracle.NewClient(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		aiSvc = appai.NewService(oracle, gate, clock)
	}

	// init service
	svc := &appscans.Service{
		Repo:      repo,
		Logs:      logs,
		Audit:     audit.NewRecorder(logs, hub, clock),
		Exec:      runner,
		Hub:       hub,
		Gate:      gate,
		Lifecycle: domain.NewLifecycle(),
		Artifacts: store,
		Oracle:    aiSvc,
		Clock:     clock,
	}

	// API keys -> user identity
	apiKeys := make(map[string]middleware.User, len(cfg.APIKeys))
	for key, u := range cfg.APIKeys {
		apiKeys[key] = middleware.User{ID: u.UserID, Role: u.Role}
	}

	// health checks
	health := middleware.HealthHandler(map[string]middleware.HealthChecker{
		"database": &middleware.DatabaseHealthChecker{DB: db},
		"sandbox":  &middleware.SandboxHealthChecker{Executor: runner, Image: "instrumentisto/nmap:latest"},
	})

	// init router
	mux := chi.NewRouter()
	mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	mux.Use(middleware.LoggingMiddleware)
	mux.Use(middleware.MetricsMiddleware)
	mux.Use(middleware.APIKeyAuth(apiKeys))
	mux.Use(middleware.RateLimitMiddleware(cfg.RateLimit.Capacity, cfg.RateLimit.RefillRate))
	mux.Mount("/", httpserver.NewRouter(svc, aiSvc, hub, health))

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// run server
	go func() {
		log.Printf("server listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down server...")

	cancel()
	hub.Close()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
