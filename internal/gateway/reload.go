// ABOUTME: Redis pub/sub listener that hot-reloads tenants named on a channel
// ABOUTME: The CRUD collaborator publishes a tenant UUID after every catalog write

package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// reloadTimeout bounds a single tenant rebuild triggered by a message.
const reloadTimeout = 30 * time.Second

// Syncer brings one tenant in line with the catalog.
type Syncer interface {
	Sync(ctx context.Context, uuid string) error
}

// ReloadListener subscribes to the reload channel and syncs each named tenant.
type ReloadListener struct {
	client  *redis.Client
	channel string
	syncer  Syncer
	logger  *slog.Logger
}

// NewReloadListener connects to Redis. The connection is verified lazily by Run.
func NewReloadListener(redisURL, channel string, syncer Syncer, logger *slog.Logger) (*ReloadListener, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	return &ReloadListener{
		client:  redis.NewClient(opts),
		channel: channel,
		syncer:  syncer,
		logger:  logger.With("component", "reload"),
	}, nil
}

// Run consumes reload messages until ctx is canceled.
func (l *ReloadListener) Run(ctx context.Context) {
	sub := l.client.Subscribe(ctx, l.channel)
	defer func() { _ = sub.Close() }()

	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() == nil {
			l.logger.Error("subscribing to reload channel failed", "channel", l.channel, "error", err)
		}
		return
	}
	l.logger.Info("listening for reload notifications", "channel", l.channel)
	consumeReloads(ctx, sub.Channel(), l.syncer, l.logger)
}

// Close releases the Redis connection.
func (l *ReloadListener) Close() error {
	return l.client.Close()
}

// consumeReloads syncs the tenant named in each message. Failures are logged
// and the loop keeps going.
func consumeReloads(ctx context.Context, messages <-chan *redis.Message, syncer Syncer, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			uuid := strings.TrimSpace(msg.Payload)
			if uuid == "" {
				logger.Warn("ignoring empty reload message", "channel", msg.Channel)
				continue
			}

			syncCtx, cancel := context.WithTimeout(ctx, reloadTimeout)
			err := syncer.Sync(syncCtx, uuid)
			cancel()
			if err != nil {
				logger.Warn("reload failed", "tenant_uuid", uuid, "error", err)
				continue
			}
			logger.Info("reloaded server", "tenant_uuid", uuid)
		}
	}
}

// PublishReload announces a tenant change on the reload channel and returns
// the number of gateways that received it.
func PublishReload(ctx context.Context, redisURL, channel, uuid string) (int64, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return 0, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	defer func() { _ = client.Close() }()

	n, err := client.Publish(ctx, channel, uuid).Result()
	if err != nil {
		return 0, fmt.Errorf("publishing reload: %w", err)
	}
	return n, nil
}
