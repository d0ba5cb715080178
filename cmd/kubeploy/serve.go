package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/splax/kubeploy/internal/app/migrate"
	"github.com/splax/kubeploy/internal/build"
	"github.com/splax/kubeploy/internal/cluster"
	"github.com/splax/kubeploy/internal/docker"
	"github.com/splax/kubeploy/internal/git"
	httpx "github.com/splax/kubeploy/internal/http"
	"github.com/splax/kubeploy/internal/kube"
	"github.com/splax/kubeploy/internal/kubeconfig"
	"github.com/splax/kubeploy/internal/lock"
	"github.com/splax/kubeploy/internal/logstream"
	"github.com/splax/kubeploy/internal/process"
	"github.com/splax/kubeploy/internal/repository"
	"github.com/splax/kubeploy/internal/repository/memory"
	"github.com/splax/kubeploy/internal/repository/postgres"
	"github.com/splax/kubeploy/internal/service/access"
	"github.com/splax/kubeploy/internal/service/deploy"
	"github.com/splax/kubeploy/internal/service/environment"
	"github.com/splax/kubeploy/internal/service/pipeline"
	"github.com/splax/kubeploy/internal/service/rbac"
	"github.com/splax/kubeploy/internal/service/team"
	"github.com/splax/kubeploy/internal/sshkey"
	"github.com/splax/kubeploy/internal/worker"
	"github.com/splax/kubeploy/internal/workspace"
	"github.com/splax/kubeploy/pkg/config"
	"github.com/splax/kubeploy/pkg/crypto"
	"github.com/splax/kubeploy/pkg/logger"
)

const (
	clusterRequestTimeout = 30 * time.Second
	lockMargin            = 10 * time.Minute
	shutdownTimeout       = 15 * time.Second
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control plane HTTP server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), config.LoadServerConfig())
	},
}

func serve(parent context.Context, cfg config.ServerConfig) error {
	log := logger.New("kubeploy", logger.ParseLevel(cfg.LogLevel))
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	sealer, err := crypto.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return fmt.Errorf("configure encryption: %w", err)
	}

	pool := worker.New(cfg.WorkerPoolSize, log.With("component", "worker"))
	gateway := logstream.New(log.With("component", "logstream"))
	defer gateway.Close()

	runner := process.New(log.With("component", "process"))
	k3d := cluster.NewK3d(cfg.ClusterToolBin, runner)
	resolver := kubeconfig.NewResolver(sealer, k3d, store, log.With("component", "kubeconfig"))
	clients := kube.NewConnector(resolver, clusterRequestTimeout)

	guard := access.New(store)
	synchronizer := rbac.New(store, store, clients, pool, log.With("component", "rbac"))
	teams := team.New(store, store, synchronizer, guard, log.With("component", "team"))
	environments := environment.New(environment.Deps{
		Environments: store,
		Teams:        store,
		Tool:         k3d,
		Clients:      clients,
		Sealer:       sealer,
		Pool:         pool,
		Guard:        guard,
		Logger:       log.With("component", "environment"),
	}, environment.Config{KubeconfigDir: cfg.KubeconfigDir})

	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}
	var knownHosts []string
	if cfg.GitKnownHosts != "" {
		knownHosts = append(knownHosts, cfg.GitKnownHosts)
	}
	keys, err := sshkey.NewLoader(knownHosts...)
	if err != nil {
		return err
	}
	sources := git.New(workspaces, keys, gateway, log.With("component", "git"))
	builder := build.New(build.Config{Bin: cfg.BuilderBin, LogLimit: cfg.BuildLogLimit}, gateway, log.With("component", "build"))
	deployer := deploy.New(clients, pool, gateway, deploy.Config{
		CertIssuer:    cfg.CertIssuer,
		ReadyAttempts: cfg.PodReadyAttempts,
		ReadyInterval: cfg.PodReadyInterval,
		TailMax:       cfg.LogTailMax,
		TailGrace:     cfg.LogTailGrace,
	}, log.With("component", "deploy"))

	locks, closeLocks := openLocker(cfg, log)
	defer closeLocks()

	deps := pipeline.Deps{
		Applications: store,
		Projects:     store,
		Environments: store,
		Teams:        store,
		Guard:        guard,
		Locks:        locks,
		Sessions:     gateway,
		Pool:         pool,
		Sources:      sources,
		Builder:      builder,
		Deployer:     deployer,
		Images:       k3d,
		Workspaces:   workspaces,
		Secrets:      sealer,
		Logger:       log.With("component", "pipeline"),
	}
	if cfg.VerifyImages {
		verifier, err := docker.New(cfg.DockerHost)
		if err != nil {
			return err
		}
		defer verifier.Close()
		if err := verifier.Ping(ctx); err != nil {
			log.Warn("docker daemon unreachable, image verification disabled", "error", err)
		} else {
			deps.Verifier = verifier
		}
	}
	coordinator := pipeline.New(deps, pipeline.Config{BuildTimeout: cfg.BuildTimeout, WorkspaceKeep: cfg.WorkspaceKeep})
	deployer.OnResult(coordinator.DeploymentFinished)

	router := httpx.NewRouter(log.With("component", "http"), httpx.Services{
		Pipeline:     coordinator,
		Environments: environments,
		Teams:        teams,
		Logs:         gateway,
	}, httpx.Options{
		JWTSecret: cfg.JWTSecret,
		Limiter:   openRateLimiter(cfg, log),
		Health:    store.Ping,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr, "store", cfg.Store)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		log.Warn("worker pool did not drain", "error", err)
	}
	log.Info("server stopped")
	return nil
}

// openStore selects the persistence backend. Postgres is migrated on start.
func openStore(ctx context.Context, cfg config.ServerConfig, log *slog.Logger) (repository.Store, func(), error) {
	if strings.EqualFold(cfg.Store, "memory") {
		log.Warn("using in-memory store, state is lost on restart")
		return memory.New(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	runner, err := migrate.New(pool, cfg.MigrationsDir, log.With("component", "migrate"))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	defer runner.Close()
	if err := runner.Up(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}

func openLocker(cfg config.ServerConfig, log *slog.Logger) (lock.Locker, func()) {
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return lock.NewLocal(), func() {}
	}
	redisLock, err := lock.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.BuildTimeout+lockMargin, log.With("component", "lock"))
	if err != nil {
		log.Warn("redis lock unavailable, falling back to in-process lock", "error", err)
		return lock.NewLocal(), func() {}
	}
	return redisLock, func() { _ = redisLock.Close() }
}

func openRateLimiter(cfg config.ServerConfig, log *slog.Logger) httpx.RateLimiter {
	if strings.TrimSpace(cfg.RedisAddr) != "" {
		limiter, err := httpx.NewRedisRateLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, log.With("component", "ratelimit"))
		if err == nil {
			return limiter
		}
		log.Warn("redis rate limiter unavailable", "error", err)
	}
	return httpx.NewMemoryRateLimiter()
}
