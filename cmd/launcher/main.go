package main

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/api"
	"github.com/skylark-robotics/launcher/internal/buildinfo"
	"github.com/skylark-robotics/launcher/internal/bus"
	"github.com/skylark-robotics/launcher/internal/config"
	"github.com/skylark-robotics/launcher/internal/installer"
	"github.com/skylark-robotics/launcher/internal/lifecycle"
	"github.com/skylark-robotics/launcher/internal/metrics"
	"github.com/skylark-robotics/launcher/internal/middleware"
	"github.com/skylark-robotics/launcher/internal/monitor/heartbeat"
	"github.com/skylark-robotics/launcher/internal/monitor/registry"
	"github.com/skylark-robotics/launcher/internal/monitor/vehicle"
	"github.com/skylark-robotics/launcher/internal/monitor/watchdog"
	"github.com/skylark-robotics/launcher/internal/ota/artifact"
	"github.com/skylark-robotics/launcher/internal/ota/orchestrator"
	"github.com/skylark-robotics/launcher/internal/ota/version"
)

const launcherService = "launcher"

func main() {
	log.Info().Str("version", buildinfo.Version).Msg("starting launcher")
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// configure log level from config
	switch strings.ToLower(cfg.Logging.Level) {
	case "trace":
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn", "warning":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// shared state: health registry over the fixed service set, vehicle
	// telemetry relay
	serviceOrder := []string{"gateway", launcherService, "media"}
	reg := registry.New(serviceOrder...)
	veh := vehicle.NewStore()

	rdb := bus.NewClientFromConfig(&cfg.Redis)
	events := bus.NewPublisher(rdb)

	pkgInstaller, lifecycleMgr := platformCollaborators(cfg)

	store, err := artifact.NewStore(cfg.OTA.DownloadDir, cfg.OTA.BackupCount, 5*time.Minute)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init artifact store")
	}

	specs := map[string]orchestrator.ServiceSpec{
		"gateway": {Package: cfg.Services.Gateway.Package, Unit: cfg.Services.Gateway.Unit},
		"media":   {Package: cfg.Services.Media.Package, Unit: cfg.Services.Media.Unit},
	}

	feed := version.NewFeed(cfg.OTA.VersionCheckURL, 30*time.Second)
	orch := orchestrator.New(orchestrator.Deps{
		Registry:       reg,
		Feed:           feed,
		Store:          store,
		Installer:      pkgInstaller,
		Lifecycle:      lifecycleMgr,
		Events:         events,
		Services:       specs,
		AllowDowngrade: cfg.OTA.AllowDowngrade,
		SourceFilter:   cfg.OTA.ArtifactSource,
		ConfirmTimeout: config.Duration(cfg.OTA.ConfirmTimeout, 2*time.Minute),
	})

	seedInstalledVersions(ctx, reg, pkgInstaller, specs)
	bootManagedServices(ctx, cfg, lifecycleMgr)

	// ingress + periodic tasks
	consumer := heartbeat.NewConsumer(rdb, reg, veh)
	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("heartbeat consumer stopped")
		}
	}()
	go watchdog.Start(ctx, watchdog.Deps{
		Registry:   reg,
		StaleAfter: config.Duration(cfg.Monitor.StaleAfter, time.Minute),
		Interval:   config.Duration(cfg.Monitor.WatchdogInterval, 10*time.Second),
	})
	go version.Start(ctx, version.Deps{
		Registry: reg,
		Checker:  version.NewChecker(feed, cfg.OTA.AllowDowngrade, cfg.OTA.ArtifactSource),
		Feed:     feed,
		Targets: []version.Target{
			{Service: "gateway", Package: cfg.Services.Gateway.Package},
			{Service: "media", Package: cfg.Services.Media.Package},
		},
		Strategy: cfg.OTA.Strategy,
		Interval: config.Duration(cfg.OTA.CheckInterval, 5*time.Minute),
		Propose: func(ctx context.Context, service, v string) error {
			_, err := orch.Propose(ctx, service, v)
			return err
		},
		InFlight: orchestrator.ErrUpdateInFlight,
	})
	go selfHeartbeat(ctx, events, reg)

	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(middleware.Authentication(cfg.Server.AuthToken))
	api.New(router, reg, veh, orch, cfg.Vehicle.ID, serviceOrder)

	log.Info().Msgf("Starting status server on %s", cfg.Server.BindAddr)
	if err := router.Run(cfg.Server.BindAddr); err != nil {
		log.Fatal().Err(err).Msg("start launcher status server failed.")
	}
	log.Info().Msg("launcher exit...")
}

// platformCollaborators picks the real dpkg/systemd pair, or the no-op pair
// when LAUNCHER_DEV_MODE is set so the pipeline can run on a workstation.
func platformCollaborators(cfg *config.Config) (installer.Installer, lifecycle.Manager) {
	if v, _ := strconv.ParseBool(os.Getenv("LAUNCHER_DEV_MODE")); v {
		log.Warn().Msg("dev mode: using no-op installer and lifecycle")
		return installer.NewNoop(cfg.OTA.DownloadDir), lifecycle.Noop{}
	}
	return installer.NewDpkg(cfg.OTA.DownloadDir), lifecycle.NewSystemd()
}

// seedInstalledVersions fills registry versions from the package manager so
// update checks work before the first heartbeat arrives.
func seedInstalledVersions(ctx context.Context, reg *registry.Registry, inst installer.Installer, specs map[string]orchestrator.ServiceSpec) {
	for service, spec := range specs {
		v, err := inst.InstalledVersion(ctx, spec.Package)
		if err != nil {
			log.Warn().Err(err).Str("service", service).Msg("could not read installed version from disk")
			continue
		}
		reg.RecordHeartbeat(service, v, registry.StatusUnknown, time.Time{})
		log.Info().Str("service", service).Str("version", v).Msg("seeded installed version from disk")
	}
}

// bootManagedServices starts the enabled sibling services at launch.
func bootManagedServices(ctx context.Context, cfg *config.Config, mgr lifecycle.Manager) {
	for _, svc := range []struct {
		name string
		conf config.ServiceConfig
	}{
		{"gateway", cfg.Services.Gateway},
		{"media", cfg.Services.Media},
	} {
		if !svc.conf.Enabled {
			log.Info().Str("service", svc.name).Msg("service disabled in config, not starting")
			continue
		}
		if err := mgr.Start(ctx, svc.conf.Unit); err != nil {
			log.Error().Err(err).Str("service", svc.name).Msg("failed to start managed service")
			continue
		}
		log.Info().Str("service", svc.name).Str("unit", svc.conf.Unit).Msg("managed service started")
	}
}

// selfHeartbeat reports the launcher's own liveness the same way sibling
// services do, so the registry and remote tooling treat it uniformly.
func selfHeartbeat(ctx context.Context, events *bus.Publisher, reg *registry.Registry) {
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	publish := func() {
		now := time.Now()
		reg.RecordHeartbeat(launcherService, buildinfo.Version, registry.StatusRunning, now)
		metrics.ServiceUp.WithLabelValues(launcherService).Set(1)
		events.Publish(ctx, "vehicle:health:"+launcherService, heartbeat.Report{
			Service:   launcherService,
			Version:   buildinfo.Version,
			Status:    string(registry.StatusRunning),
			Timestamp: now,
		})
	}
	publish()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			publish()
		}
	}
}
