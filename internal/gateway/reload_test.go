// ABOUTME: Tests for the Redis reload listener message loop
// ABOUTME: Messages are fed directly so no Redis server is needed

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSyncer struct {
	mu    sync.Mutex
	uuids []string
	fail  map[string]bool
}

func (r *recordingSyncer) Sync(_ context.Context, uuid string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.uuids = append(r.uuids, uuid)
	if r.fail[uuid] {
		return errors.New("boom")
	}
	return nil
}

func (r *recordingSyncer) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uuids...)
}

func TestConsumeReloads(t *testing.T) {
	syncer := &recordingSyncer{fail: map[string]bool{"bad": true}}
	messages := make(chan *redis.Message, 4)
	messages <- &redis.Message{Channel: "relay:reload", Payload: " bad "}
	messages <- &redis.Message{Channel: "relay:reload", Payload: ""}
	messages <- &redis.Message{Channel: "relay:reload", Payload: "good"}
	close(messages)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	consumeReloads(context.Background(), messages, syncer, logger)

	// The failing tenant does not stop the loop; the empty payload is skipped.
	assert.Equal(t, []string{"bad", "good"}, syncer.seen())
}

func TestConsumeReloads_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		consumeReloads(ctx, make(chan *redis.Message), &recordingSyncer{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumeReloads did not return after cancel")
	}
}

func TestReloadURLValidation(t *testing.T) {
	_, err := NewReloadListener("not-a-redis-url", "relay:reload", &recordingSyncer{}, slog.Default())
	assert.ErrorContains(t, err, "parsing redis url")

	_, err = PublishReload(context.Background(), "http://localhost:6379", "relay:reload", "x")
	assert.ErrorContains(t, err, "parsing redis url")

	l, err := NewReloadListener("redis://localhost:6379/0", "relay:reload", &recordingSyncer{}, slog.Default())
	require.NoError(t, err)
	assert.NoError(t, l.Close())
}
