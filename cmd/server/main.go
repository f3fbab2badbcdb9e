// Command server runs the dispatch engine: the HTTP ingress, the worker
// pool, and the scheduler in one process, wired together from
// environment configuration (spec §6.5).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/kelseyhightower/envconfig"
	goredis "github.com/redis/go-redis/v9"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	dispatch "github.com/mailforge/dispatch"
	"github.com/mailforge/dispatch/cluster"
	clusterk8s "github.com/mailforge/dispatch/cluster/k8s"
	clustermemory "github.com/mailforge/dispatch/cluster/memory"
	"github.com/mailforge/dispatch/enqueue"
	"github.com/mailforge/dispatch/id"
	"github.com/mailforge/dispatch/identity"
	"github.com/mailforge/dispatch/ingress"
	"github.com/mailforge/dispatch/job"
	"github.com/mailforge/dispatch/provider"
	"github.com/mailforge/dispatch/queuestore"
	querymemory "github.com/mailforge/dispatch/queuestore/memory"
	queryredis "github.com/mailforge/dispatch/queuestore/redis"
	"github.com/mailforge/dispatch/ratelimit"
	ratelimitmemory "github.com/mailforge/dispatch/ratelimit/memory"
	ratelimitredis "github.com/mailforge/dispatch/ratelimit/redis"
	"github.com/mailforge/dispatch/renderer"
	"github.com/mailforge/dispatch/retry"
	"github.com/mailforge/dispatch/scheduler"
	"github.com/mailforge/dispatch/stats"
	"github.com/mailforge/dispatch/supervisor"
	"github.com/mailforge/dispatch/worker"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cfg dispatch.Config
	if err := envconfig.Process("DISPATCH", &cfg); err != nil {
		logger.Error("failed to load config", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	store, err := buildStore(cfg)
	if err != nil {
		logger.Error("failed to build queue store", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close(context.Background())

	rateLimiter := buildRateLimiter(cfg)
	clusterStore, err := buildClusterStore(cfg, logger)
	if err != nil {
		logger.Error("failed to build cluster store", "error", err.Error())
		os.Exit(1)
	}
	drivers := buildDrivers(ctx, cfg, logger)

	rend := renderer.New()
	retryController := retry.New(store,
		retry.WithMaxAttempts(cfg.MaxAttempts),
		retry.WithBaseDelay(cfg.BaseRetryDelay),
		retry.WithLogger(logger),
	)
	enqueuer := enqueue.New(store, enqueue.WithLogger(logger))
	aggr := stats.New(store, rateLimiter)
	stats.Init()

	auth := identity.NewStaticAuthenticator(cfg.ServiceTokenMap(), cfg.ServiceTokenPrefix)

	poolFactory := func(_ context.Context, workerID id.WorkerID) (supervisor.Worker, error) {
		return worker.New(
			store, rateLimiter, rend, drivers, retryController, clusterStore, workerID,
			worker.WithConcurrency(1),
			worker.WithDispatchTimeout(cfg.DispatchTimeout),
			worker.WithRateWaitMax(cfg.RateWaitMax),
			worker.WithReclaimInterval(cfg.ReclaimInterval),
			worker.WithPendingTimeout(cfg.PendingTimeout),
			worker.WithFromAddress(cfg.FromAddress),
			worker.WithLogger(logger),
		), nil
	}
	sup := supervisor.New(poolFactory, cfg.WorkerCount,
		supervisor.WithDrainTimeout(cfg.DrainTimeout),
		supervisor.WithLogger(logger),
	)
	sup.Start(ctx)
	defer sup.Stop(context.Background())

	sched := scheduler.New(store, clusterStore, id.NewWorkerID(),
		scheduler.WithTickInterval(cfg.SchedulerTick),
	)
	sched.Start(ctx)
	defer sched.Stop(context.Background())

	handler := ingress.New(enqueuer, aggr, auth, ingress.WithLogger(logger))
	httpServer := &http.Server{Addr: cfg.HTTPAddr, Handler: handler}

	go func() {
		logger.Info("http server started", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err.Error())
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err.Error())
	}

	logger.Info("shutdown complete")
}

func buildStore(cfg dispatch.Config) (queuestore.Store, error) {
	if cfg.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.StoreAddr})
		return queryredis.New(client), nil
	}
	return querymemory.New(), nil
}

func buildRateLimiter(cfg dispatch.Config) ratelimit.Limiter {
	if cfg.Backend == "redis" {
		client := goredis.NewClient(&goredis.Options{Addr: cfg.StoreAddr})
		return ratelimitredis.New(client, ratelimit.DefaultBuckets)
	}
	return ratelimitmemory.New(ratelimit.DefaultBuckets)
}

// buildClusterStore returns the leader-election/worker-registry backend.
// "memory" suits a single-process deployment; "k8s" backs leadership with
// a real coordination/v1 Lease and worker discovery with Pod annotations,
// for a multi-replica Kubernetes deployment.
func buildClusterStore(cfg dispatch.Config, logger *slog.Logger) (cluster.Store, error) {
	if cfg.ClusterBackend != "k8s" {
		return clustermemory.New(), nil
	}

	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("k8s in-cluster config: %w", err)
	}
	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return clusterk8s.New(client, cfg.K8sNamespace, clusterk8s.WithLogger(logger)), nil
}

func buildDrivers(ctx context.Context, cfg dispatch.Config, logger *slog.Logger) map[job.ProviderKind]provider.Driver {
	drivers := map[job.ProviderKind]provider.Driver{
		job.ProviderSMTP: provider.NewSMTPDriver(provider.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.FromAddress,
		}),
	}

	if cfg.SendGridAPIKey != "" {
		drivers[job.ProviderSendgrid] = provider.NewSendGridDriver(provider.SendGridConfig{
			APIKey: cfg.SendGridAPIKey,
			From:   cfg.FromAddress,
		})
	}

	if cfg.MailgunAPIKey != "" {
		drivers[job.ProviderMailgun] = provider.NewMailgunDriver(provider.MailgunConfig{
			APIKey:  cfg.MailgunAPIKey,
			Domain:  cfg.MailgunDomain,
			From:    cfg.FromAddress,
			BaseURL: cfg.MailgunBaseURL,
		})
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.AWSRegion))
	if err != nil {
		logger.Warn("aws config unavailable, ses driver disabled", "error", err.Error())
	} else {
		drivers[job.ProviderAWSSES] = provider.NewSESDriver(sesv2.NewFromConfig(awsCfg), cfg.FromAddress)
	}

	for _, breakerTarget := range job.Providers {
		if d, ok := drivers[breakerTarget]; ok {
			drivers[breakerTarget] = provider.NewCircuitBreaker(string(breakerTarget), d)
		}
	}

	return drivers
}
