// Package bus wraps the redis pub/sub transport the onboard services share.
// The broker itself is an external collaborator; this package only maps
// launcher concerns onto channels.
package bus

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/skylark-robotics/launcher/internal/config"
)

// Channel layout shared with the gateway and media services.
const (
	HealthChannelPattern = "vehicle:health:*"
	TelemetryChannel     = "vehicle:telemetry"
	UpdateEventsChannel  = "vehicle:events:update"
	AlarmsChannel        = "vehicle:alarms"
)

// NewClientFromConfig constructs a redis client from app config.
func NewClientFromConfig(c *config.RedisConfig) *redis.Client {
	if c == nil {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     c.Addr,
		Password: c.Password,
		DB:       c.DB,
	})
}

// Publisher emits launcher events onto the bus. A nil Publisher or a
// Publisher without a client drops everything silently, which keeps the
// orchestrator testable without a broker.
type Publisher struct {
	rdb *redis.Client
}

func NewPublisher(rdb *redis.Client) *Publisher {
	return &Publisher{rdb: rdb}
}

// Publish marshals payload as JSON onto channel. Transport failures are
// logged and absorbed; the event feed is best-effort.
func (p *Publisher) Publish(ctx context.Context, channel string, payload any) {
	if p == nil || p.rdb == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Error().Err(err).Str("channel", channel).Msg("failed to marshal bus event")
		return
	}
	if err := p.rdb.Publish(ctx, channel, data).Err(); err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("failed to publish bus event")
	}
}
