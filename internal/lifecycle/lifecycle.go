// Package lifecycle controls managed service processes. Onboard services
// run as systemd units; control goes over the system D-Bus.
package lifecycle

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/v22/dbus"
	"github.com/rs/zerolog/log"
)

// Manager starts, stops, and restarts managed services by unit name. Calls
// are synchronous: they return once systemd reports the job finished.
type Manager interface {
	Start(ctx context.Context, unit string) error
	Stop(ctx context.Context, unit string) error
	Restart(ctx context.Context, unit string) error
}

// Systemd is the production Manager.
type Systemd struct{}

func NewSystemd() *Systemd {
	return &Systemd{}
}

func (s *Systemd) Start(ctx context.Context, unit string) error {
	return s.run(ctx, unit, "start")
}

func (s *Systemd) Stop(ctx context.Context, unit string) error {
	return s.run(ctx, unit, "stop")
}

func (s *Systemd) Restart(ctx context.Context, unit string) error {
	return s.run(ctx, unit, "restart")
}

func (s *Systemd) run(ctx context.Context, unit, op string) error {
	conn, err := dbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to systemd: %w", err)
	}
	defer conn.Close()

	done := make(chan string, 1)
	switch op {
	case "start":
		_, err = conn.StartUnitContext(ctx, unit, "replace", done)
	case "stop":
		_, err = conn.StopUnitContext(ctx, unit, "replace", done)
	case "restart":
		_, err = conn.RestartUnitContext(ctx, unit, "replace", done)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", op, unit, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case result := <-done:
		if result != "done" {
			return fmt.Errorf("%s of %s finished with result %q", op, unit, result)
		}
	}
	log.Debug().Str("unit", unit).Str("op", op).Msg("systemd job finished")
	return nil
}

// Noop is the development Manager; it logs instead of touching systemd.
type Noop struct{}

func (Noop) Start(ctx context.Context, unit string) error {
	log.Debug().Str("unit", unit).Msg("noop lifecycle: skipping start")
	return nil
}

func (Noop) Stop(ctx context.Context, unit string) error {
	log.Debug().Str("unit", unit).Msg("noop lifecycle: skipping stop")
	return nil
}

func (Noop) Restart(ctx context.Context, unit string) error {
	log.Debug().Str("unit", unit).Msg("noop lifecycle: skipping restart")
	return nil
}
