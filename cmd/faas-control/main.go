package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"faas-control/internal/adapters/docker"
	"faas-control/internal/adapters/gorm"
	"faas-control/internal/adapters/kubernetes"
	"faas-control/internal/config"
	"faas-control/internal/core/apps"
	"faas-control/internal/core/functions"
	"faas-control/internal/core/gateway"
	"faas-control/internal/core/instances"
	"faas-control/internal/core/quota"
	"faas-control/internal/core/triggers"
	api "faas-control/internal/delivery/http"

	_ "faas-control/docs"

	"github.com/rs/zerolog"
)

// @title           FaaS Control Plane API
// @version         1.0
// @description     Multi-tenant serverless function control plane.
// @host            localhost:8080
// @BasePath        /
func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().
		Str("svc", "faas-control").Logger()

	cfg := config.MustLoad()
	log.Info().
		Str("deployment_env", string(cfg.DeploymentEnv)).
		Msg("bootstrapping control plane")

	db, err := gorm.New(cfg.DatabaseDSN, log)
	if err != nil {
		log.Fatal().Err(err).Msg("gorm connect")
	}

	var runtime instances.Runtime
	if cfg.DeploymentEnv == config.EnvKubernetes {
		kcli, err := kubernetes.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("kubernetes client init")
		}
		runtime = kcli
	} else {
		dcli, err := docker.New(cfg, log)
		if err != nil {
			log.Fatal().Err(err).Msg("docker client init")
		}
		runtime = dcli
	}

	router := gateway.NewRouter(log)
	orchestrator := instances.NewOrchestrator(db, runtime, router, cfg, log)
	orchestrator.Start()

	admission := quota.NewAdmission(log)
	compiler := functions.NewCompiler(cfg, log)
	registry := functions.NewRegistry(db, compiler, admission, orchestrator, router, log)
	appMgr := apps.NewManager(db, orchestrator, log)
	scheduler := triggers.NewScheduler(db, router, cfg, log)

	if err := orchestrator.ResumeAll(context.Background()); err != nil {
		log.Error().Err(err).Msg("error resuming instances")
	}
	scheduler.Start()

	maintCtx, stopMaint := context.WithCancel(context.Background())
	go runMaintenance(maintCtx, cfg, orchestrator, registry, log)

	handler := api.NewHandler(appMgr, registry, router, scheduler, log)
	srv := &http.Server{Addr: cfg.ListenAddr, Handler: handler}

	ctx, stop := signal.NotifyContext(
		context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Info().Str("listen", cfg.ListenAddr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()

	log.Info().Msg("shutting down server...")
	_ = srv.Shutdown(context.Background())

	stopMaint()
	scheduler.Stop()
	orchestrator.Stop()

	if cfg.CleanupOnShutdown {
		if err := orchestrator.TerminateAll(context.Background()); err != nil {
			log.Error().Err(err).Msg("error during instance cleanup")
		}
	}

	log.Info().Msg("shutdown complete")
}

// runMaintenance drives the periodic health sweep and artifact garbage
// collection until ctx is cancelled.
func runMaintenance(ctx context.Context, cfg config.Config,
	orchestrator *instances.Orchestrator, registry *functions.Registry, log zerolog.Logger) {
	health := time.NewTicker(cfg.HealthSweepInterval)
	gc := time.NewTicker(cfg.ArtifactGCInterval)
	defer health.Stop()
	defer gc.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-health.C:
			orchestrator.HealthSweep(ctx)
		case <-gc.C:
			removed, err := registry.GCArtifacts(ctx)
			if err != nil {
				log.Error().Err(err).Msg("artifact gc failed")
			} else if removed > 0 {
				log.Info().Int("removed", removed).Msg("artifact gc completed")
			}
		}
	}
}
