package watchdog

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/metrics"
	"github.com/skylark-robotics/launcher/internal/monitor/registry"
)

type Deps struct {
	Registry   *registry.Registry
	StaleAfter time.Duration
	Interval   time.Duration
}

// Start runs the staleness watchdog until ctx is cancelled. Each tick it
// expires registry records whose last heartbeat is older than StaleAfter.
func Start(ctx context.Context, deps Deps) {
	if deps.Interval <= 0 {
		deps.Interval = 10 * time.Second
	}
	if deps.StaleAfter <= 0 {
		deps.StaleAfter = 60 * time.Second
	}
	t := time.NewTicker(deps.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			runOnce(deps.Registry, deps.StaleAfter)
		}
	}
}

func runOnce(reg *registry.Registry, staleAfter time.Duration) {
	expired := reg.ExpireStale(time.Now(), staleAfter)
	for _, name := range expired {
		metrics.ServiceUp.WithLabelValues(name).Set(0)
		log.Warn().Str("service", name).Dur("staleAfter", staleAfter).Msg("no heartbeat within staleness window, marking Unknown")
	}
}
