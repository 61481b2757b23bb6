package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/client"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/config"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/db"
	httpapi "github.com/wenwu/saas-platform/tenant-provisioner/internal/http"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/identifier"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/ingress"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/logger"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/metrics"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/plans"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/repository"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/secret"
	"github.com/wenwu/saas-platform/tenant-provisioner/internal/service"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tenant-provisioner: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.Load()

	log, err := logger.Init(&logger.LogConfig{
		Level:       cfg.Log.Level,
		Environment: cfg.Log.Environment,
		ServiceName: "tenant-provisioner",
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.LogSummary(log)

	catalog := plans.Default()
	if cfg.PlanCatalog != "" {
		if catalog, err = plans.Load(cfg.PlanCatalog); err != nil {
			return fmt.Errorf("load plan catalog: %w", err)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Control plane database
	database, err := db.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer database.Close()

	if err := db.Migrate(ctx, database.Pool); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	store := repository.NewPostgresStore(database.Pool)

	// Shared server that hosts one database per tenant
	tenantPool, err := db.NewPool(ctx, cfg.TenantDB.DSN(), 4)
	if err != nil {
		return fmt.Errorf("connect tenant database server: %w", err)
	}
	defer tenantPool.Close()

	adapter, err := newClusterAdapter(cfg, tenantPool, log)
	if err != nil {
		return err
	}

	sealer, err := secret.NewSealer(cfg.Encryption.Key)
	if err != nil {
		return fmt.Errorf("init sealer: %w", err)
	}

	m := metrics.New()
	orch := cfg.Orchestration

	executor := service.NewExecutor(store, adapter, catalog, sealer, service.ExecutorConfig{
		StepTimeout:        orch.StepTimeout,
		StepMaxAttempts:    orch.StepMaxAttempts,
		StepInitialBackoff: orch.StepInitialBackoff,
		StepMaxBackoff:     orch.StepMaxBackoff,
		AdminEmail:         cfg.Release.AdminEmail,
	}, m, log.Named("executor"))

	pool := service.NewPool(store, executor, service.PoolConfig{
		Workers:         orch.WorkerCount,
		PollInterval:    orch.PollInterval,
		MaxTaskAttempts: orch.MaxTaskAttempts,
		RetryBase:       orch.TaskRetryBase,
		RetryMax:        orch.TaskRetryMax,
	}, m, log.Named("worker"))

	naming := identifier.Options{
		NamespacePrefix: cfg.Naming.NamespacePrefix,
		BaseDomain:      cfg.Naming.BaseDomain,
	}
	dispatcher := service.NewDispatcher(store, catalog, naming, pool, m, log.Named("dispatcher"))
	webhooks := ingress.NewHandler(ingress.NewVerifier(cfg.Webhook.Secret, cfg.Webhook.Tolerance), dispatcher, log.Named("ingress"))

	reconciler := service.NewReconciler(store, pool, service.ReconcilerConfig{
		Interval:            orch.ReconcileInterval,
		StaleAfter:          orch.StaleAfter,
		TaskLease:           orch.TaskLease,
		DeletionGracePeriod: orch.DeletionGracePeriod,
	}, m, log.Named("reconciler"))

	server := httpapi.NewServer(cfg, httpapi.Deps{
		Webhooks:    webhooks,
		Tenants:     service.NewTenantService(store, adapter, pool, log.Named("tenants")),
		Provisioner: dispatcher,
		Store:       store,
		Metrics:     m,
		Log:         log,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("server starting", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return pool.Run(gctx)
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})

	err = g.Wait()
	log.Info("tenant provisioner stopped")
	return err
}

func newClusterAdapter(cfg *config.Config, tenantPool *pgxpool.Pool, log *zap.Logger) (*client.ClusterAdapter, error) {
	kube, err := client.NewKubeClient(cfg.Cluster, log.Named("kube"))
	if err != nil {
		return nil, fmt.Errorf("init cluster client: %w", err)
	}
	runner := &client.ExecRunner{Timeout: cfg.Release.InstallTimeout + time.Minute, Log: log.Named("exec")}

	helm := client.NewHelmClient(client.HelmConfig{
		Binary:       cfg.Release.HelmPath,
		Chart:        cfg.Release.ChartPath,
		Image:        cfg.Release.Image,
		CertIssuer:   cfg.Release.CertIssuer,
		Timezone:     cfg.Release.Timezone,
		AdminEmail:   cfg.Release.AdminEmail,
		Timeout:      cfg.Release.InstallTimeout,
		DatabaseHost: cfg.TenantDB.Host,
		DatabasePort: cfg.TenantDB.Port,
	}, runner, log.Named("helm"))

	installer := client.NewInstaller(kube, runner, cfg.Cluster.KubectlPath, cfg.Release.InstallerCmd, log.Named("installer"))
	tenantDB := client.NewTenantDBAdmin(tenantPool, log.Named("tenantdb"))
	return client.NewClusterAdapter(kube, helm, tenantDB, installer), nil
}
