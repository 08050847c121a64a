// Package publish fans readings out to Redis: one Pub/Sub message per
// reading plus a capped per-sensor history list.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/shaunagostinho/aanderaa-reader/internal/session"
	"github.com/sirupsen/logrus"
)

// Config mirrors the redis section of the service config.
type Config struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	Channel    string
	HistoryLen int64 // entries kept per sensor; 0 disables the list
}

// client is the subset of *redis.Client the publisher uses.
type client interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	LPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	LTrim(ctx context.Context, key string, start, stop int64) *redis.StatusCmd
	Close() error
}

type Publisher struct {
	client  client
	channel string
	history int64
	log     *logrus.Entry
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg Config, log *logrus.Entry) (*Publisher, error) {
	rc := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := rc.Ping(ctx).Err(); err != nil {
		rc.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Addr, err)
	}
	log.Infof("[redis] connected to %s, publishing on %q", cfg.Addr, cfg.Channel)
	return newPublisher(rc, cfg, log), nil
}

func newPublisher(c client, cfg Config, log *logrus.Entry) *Publisher {
	if cfg.Channel == "" {
		cfg.Channel = "aanderaa:readings"
	}
	return &Publisher{client: c, channel: cfg.Channel, history: cfg.HistoryLen, log: log}
}

// HistoryKey is the list holding recent readings for one sensor.
func (p *Publisher) HistoryKey(r session.Reading) string {
	id := r.Identity.SerialNumber
	if id == "" {
		id = r.Endpoint
	}
	return fmt.Sprintf("%s:%s", p.channel, id)
}

// Publish sends r on the channel and appends it to the sensor's history.
// A history failure is logged, not returned.
func (p *Publisher) Publish(ctx context.Context, r session.Reading) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode reading: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("publish reading: %w", err)
	}
	if p.history <= 0 {
		return nil
	}
	key := p.HistoryKey(r)
	if err := p.client.LPush(ctx, key, data).Err(); err != nil {
		p.log.Warnf("[redis] history push %s: %v", key, err)
		return nil
	}
	if err := p.client.LTrim(ctx, key, 0, p.history-1).Err(); err != nil {
		p.log.Warnf("[redis] history trim %s: %v", key, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.client.Close()
}
