package cache

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/gotrs-io/mailrelay/internal/admin"
)

type fakeStore struct {
	mu     sync.Mutex
	err    error
	keys   []string
	values [][]byte
	ttls   []time.Duration
}

func (s *fakeStore) Set(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.StatusCmd {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, key)
	s.values = append(s.values, value.([]byte))
	s.ttls = append(s.ttls, ttl)
	return redis.NewStatusResult("OK", s.err)
}

func (s *fakeStore) writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

type fixedSnapshot admin.Status

func (f fixedSnapshot) Snapshot() admin.Status { return admin.Status(f) }

func TestPublishWritesSnapshot(t *testing.T) {
	store := &fakeStore{}
	snap := fixedSnapshot{State: "SELECTED", Mailbox: "watcher@example.com", Suppressed: true}
	p := NewStatusPublisher(store, snap, "mailrelay:status", "@every 1m", time.Minute, WithPublisherLogger(log.New(io.Discard, "", 0)))

	require.NoError(t, p.Publish(context.Background()))
	require.Equal(t, []string{"mailrelay:status"}, store.keys)
	require.Equal(t, []time.Duration{time.Minute}, store.ttls)

	var got admin.Status
	require.NoError(t, json.Unmarshal(store.values[0], &got))
	require.Equal(t, "SELECTED", got.State)
	require.True(t, got.Suppressed)
}

func TestPublishReportsStoreErrors(t *testing.T) {
	store := &fakeStore{err: errors.New("connection refused")}
	p := NewStatusPublisher(store, fixedSnapshot{}, "k", "@every 1m", time.Minute, WithPublisherLogger(log.New(io.Discard, "", 0)))
	require.Error(t, p.Publish(context.Background()))
	require.Error(t, p.Publish(context.Background()))
	store.err = nil
	require.NoError(t, p.Publish(context.Background()))
}

func TestRunPublishesUntilCancelled(t *testing.T) {
	store := &fakeStore{}
	p := NewStatusPublisher(store, fixedSnapshot{}, "k", "@every 1h", time.Hour, WithPublisherLogger(log.New(io.Discard, "", 0)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return store.writes() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRunRejectsBadSchedule(t *testing.T) {
	p := NewStatusPublisher(&fakeStore{}, fixedSnapshot{}, "k", "not a schedule", time.Hour)
	require.Error(t, p.Run(context.Background()))
}
