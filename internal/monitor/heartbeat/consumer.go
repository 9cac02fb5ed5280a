package heartbeat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/bus"
	"github.com/skylark-robotics/launcher/internal/metrics"
	"github.com/skylark-robotics/launcher/internal/monitor/registry"
	"github.com/skylark-robotics/launcher/internal/monitor/vehicle"
)

// Report is the heartbeat payload each managed service publishes on
// vehicle:health:<service>.
type Report struct {
	Service   string    `json:"service"`
	Version   string    `json:"version"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type telemetryPayload struct {
	Location   [2]float64 `json:"location"`
	YawDegree  float32    `json:"yaw_degree"`
	Battery    float32    `json:"battery_percentage"`
	Armed      bool       `json:"armed"`
	FlightMode string     `json:"flight_mode"`
}

// Consumer feeds bus health and telemetry messages into the registry and
// vehicle store. Malformed payloads are dropped here; the registry trusts
// its inputs.
type Consumer struct {
	rdb      *redis.Client
	registry *registry.Registry
	vehicle  *vehicle.Store
}

func NewConsumer(rdb *redis.Client, reg *registry.Registry, veh *vehicle.Store) *Consumer {
	return &Consumer{rdb: rdb, registry: reg, vehicle: veh}
}

// Start subscribes and consumes until ctx is cancelled.
func (c *Consumer) Start(ctx context.Context) error {
	sub := c.rdb.PSubscribe(ctx, bus.HealthChannelPattern)
	defer sub.Close()
	if err := sub.Subscribe(ctx, bus.TelemetryChannel); err != nil {
		return err
	}
	log.Info().Str("pattern", bus.HealthChannelPattern).Msg("heartbeat consumer subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			c.handle(msg.Channel, msg.Payload)
		}
	}
}

func (c *Consumer) handle(channel, payload string) {
	switch {
	case channel == bus.TelemetryChannel:
		c.handleTelemetry(payload)
	case strings.HasPrefix(channel, "vehicle:health:"):
		c.handleHealth(channel, payload)
	default:
		log.Debug().Str("channel", channel).Msg("ignoring message on unexpected channel")
	}
}

func (c *Consumer) handleHealth(channel, payload string) {
	var report Report
	if err := json.Unmarshal([]byte(payload), &report); err != nil {
		metrics.MalformedIngressTotal.Inc()
		log.Warn().Err(err).Str("channel", channel).Msg("dropping malformed heartbeat")
		return
	}
	service := report.Service
	if service == "" {
		service = strings.TrimPrefix(channel, "vehicle:health:")
	}
	status := parseStatus(report.Status)

	c.registry.RecordHeartbeat(service, report.Version, status, report.Timestamp)
	metrics.HeartbeatsTotal.WithLabelValues(service).Inc()
	if status == registry.StatusRunning {
		metrics.ServiceUp.WithLabelValues(service).Set(1)
	} else {
		metrics.ServiceUp.WithLabelValues(service).Set(0)
	}
	log.Debug().Str("service", service).Str("version", report.Version).Str("status", string(status)).Msg("heartbeat recorded")
}

func (c *Consumer) handleTelemetry(payload string) {
	var t telemetryPayload
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		metrics.MalformedIngressTotal.Inc()
		log.Warn().Err(err).Msg("dropping malformed telemetry")
		return
	}
	c.vehicle.Update(vehicle.State{
		Latitude:          t.Location[0],
		Longitude:         t.Location[1],
		YawDegree:         t.YawDegree,
		BatteryPercentage: t.Battery,
		Armed:             t.Armed,
		FlightMode:        t.FlightMode,
	})
}

// parseStatus maps wire status strings onto registry states. Services that
// publish a heartbeat without a status are alive, so Running is the default.
func parseStatus(s string) registry.Status {
	switch strings.ToLower(s) {
	case "", "running", "ok", "healthy":
		return registry.StatusRunning
	case "stopped":
		return registry.StatusStopped
	default:
		return registry.StatusUnknown
	}
}
