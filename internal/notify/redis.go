package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
)

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Redis publishes messages on a channel so every instance can hand them to
// its own Hub. Run subscribes and forwards to Local.
type Redis struct {
	client  *redis.Client
	channel string
	Local   Notifier
	log     zerolog.Logger
}

func NewRedis(ctx context.Context, cfg RedisConfig, local Notifier, log zerolog.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	return &Redis{client: client, channel: cfg.Channel, Local: local, log: log}, nil
}

// Notify publishes msg. Local delivery happens when the message comes back
// through the subscription, including on this instance.
func (r *Redis) Notify(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, data).Err()
}

// Run forwards channel messages to Local until ctx is done.
func (r *Redis) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.Warn().Err(err).Msg("redis notification: bad payload")
				continue
			}
			if r.Local == nil {
				continue
			}
			if err := r.Local.Notify(ctx, msg); err != nil {
				r.log.Warn().Err(err).Str("request_id", msg.RequestID).Msg("redis notification: local delivery failed")
			}
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
