// Package cache publishes the relay status snapshot to redis (or valkey) so
// dashboards can poll it without reaching the admin surface.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/gotrs-io/mailrelay/internal/admin"
)

// RedisConfig defines the connection to the status store.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewRedisClient connects and pings the store.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

type statusWriter interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Snapshotter produces the value to publish.
type Snapshotter interface {
	Snapshot() admin.Status
}

// StatusPublisher writes the snapshot under one key with a TTL, so a stale
// key disappears when the relay stops.
type StatusPublisher struct {
	client   statusWriter
	source   Snapshotter
	key      string
	ttl      time.Duration
	schedule string
	logger   *log.Logger

	mu      sync.Mutex
	lastErr error
}

// PublisherOption customizes StatusPublisher.
type PublisherOption func(*StatusPublisher)

// WithPublisherLogger overrides the logger.
func WithPublisherLogger(logger *log.Logger) PublisherOption {
	return func(p *StatusPublisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewStatusPublisher publishes source under key on the cron schedule
// (e.g. "@every 15s"); ttl should exceed the schedule interval.
func NewStatusPublisher(client statusWriter, source Snapshotter, key, schedule string, ttl time.Duration, opts ...PublisherOption) *StatusPublisher {
	p := &StatusPublisher{
		client:   client,
		source:   source,
		key:      key,
		ttl:      ttl,
		schedule: schedule,
		logger:   log.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Publish writes one snapshot.
func (p *StatusPublisher) Publish(ctx context.Context) error {
	payload, err := json.Marshal(p.source.Snapshot())
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	err = p.client.Set(ctx, p.key, payload, p.ttl).Err()
	p.mu.Lock()
	// Only transitions are logged.
	if err != nil && p.lastErr == nil {
		p.logger.Printf("cache: status publish to %s failed: %v", p.key, err)
	} else if err == nil && p.lastErr != nil {
		p.logger.Printf("cache: status publish to %s recovered", p.key)
	}
	p.lastErr = err
	p.mu.Unlock()
	return err
}

// Run publishes immediately and then on the schedule until ctx is done.
func (p *StatusPublisher) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() { _ = p.Publish(ctx) }); err != nil {
		return fmt.Errorf("status schedule %q: %w", p.schedule, err)
	}
	_ = p.Publish(ctx)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
