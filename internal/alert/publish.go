package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultChannel   = "dmarc:alerts"
	publishOpTimeout = 5 * time.Second
)

type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

// PubSub is the part of a redis client RedisPublisher needs.
type PubSub interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher sends each event as JSON on a redis channel.
type RedisPublisher struct {
	client  PubSub
	channel string
}

func NewRedisPublisher(client PubSub, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

func (p *RedisPublisher) Publish(ctx context.Context, events []Event) error {
	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("encode alert: %w", err)
		}

		opCtx, cancel := context.WithTimeout(ctx, publishOpTimeout)
		err = p.client.Publish(opCtx, p.channel, payload).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("publish alert to %s: %w", p.channel, err)
		}
		log.Debug("published alert", "channel", p.channel, "rule", ev.Rule, "reason", ev.ReasonCode)
	}
	return nil
}

// LogPublisher writes events to the log.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, events []Event) error {
	for _, ev := range events {
		fields := []interface{}{
			"rule", ev.Rule,
			"reason", ev.ReasonCode,
			"value", fmt.Sprintf("%.2f", ev.MetricValue),
			"threshold", ev.Threshold,
			"domain", ev.FilterContext.Domain,
		}
		if ev.Severity == SeverityCritical {
			log.Error("DMARC alert", fields...)
		} else {
			log.Warn("DMARC alert", fields...)
		}
	}
	return nil
}
