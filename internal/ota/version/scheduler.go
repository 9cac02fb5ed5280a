package version

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/config"
	"github.com/skylark-robotics/launcher/internal/metrics"
	"github.com/skylark-robotics/launcher/internal/monitor/registry"
)

// Target names one managed service and the OS package carrying it.
type Target struct {
	Service string
	Package string
}

type Deps struct {
	Registry *registry.Registry
	Checker  *Checker
	Feed     FeedSource
	Targets  []Target
	Strategy string
	Interval time.Duration
	// Propose hands an eligible update to the orchestrator. Only consulted
	// under the auto strategy. A single-flight rejection is not an error
	// here; the running job already covers the service.
	Propose func(ctx context.Context, service, version string) error
	// InFlight is the sentinel Propose returns for single-flight conflicts.
	InFlight error
}

// Start runs the periodic version check until ctx is cancelled. Under the
// disabled strategy it returns immediately without ever touching the feed.
func Start(ctx context.Context, deps Deps) {
	if deps.Strategy == config.StrategyDisabled {
		log.Info().Msg("version checks disabled by strategy")
		return
	}
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Minute
	}
	log.Info().Str("strategy", deps.Strategy).Dur("interval", deps.Interval).Msg("starting version check task")

	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce(ctx, deps)
		}
	}
}

// runOnce fetches the release feed once and applies a decision per target.
// Feed failures are absorbed: they are retried next tick and never clear an
// existing update_available flag (stale-but-available beats silently
// dropping a known update).
func runOnce(ctx context.Context, deps Deps) {
	rel, err := deps.Feed.Latest(ctx)
	if err != nil {
		metrics.VersionChecksTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(err).Msg("version check failed, retrying next cycle")
		return
	}
	metrics.VersionChecksTotal.WithLabelValues("ok").Inc()

	for _, target := range deps.Targets {
		rec, ok := deps.Registry.Get(target.Service)
		if !ok {
			continue
		}
		if rec.Version == "" {
			// No heartbeat and no disk inventory yet; nothing to compare.
			continue
		}
		decision := deps.Checker.Decide(rel, target.Package, rec.Version)
		switch decision.Kind {
		case CheckFailed:
			log.Warn().Err(decision.Reason).Str("service", target.Service).Msg("version comparison failed")
		case UpToDate:
			deps.Registry.ClearUpdateAvailable(target.Service)
		case UpdateAvailable:
			deps.Registry.MarkUpdateAvailable(target.Service, decision.Version)
			log.Info().Str("service", target.Service).Str("installed", rec.Version).Str("available", decision.Version).Msg("update available")
			if deps.Strategy != config.StrategyAuto || deps.Propose == nil {
				continue
			}
			if err := deps.Propose(ctx, target.Service, decision.Version); err != nil {
				if deps.InFlight != nil && errors.Is(err, deps.InFlight) {
					continue
				}
				log.Warn().Err(err).Str("service", target.Service).Msg("auto update proposal rejected")
			}
		}
	}
}
