package auth

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ReloadChannel carries identity ids whose profile changed.
const ReloadChannel = "profiles:reload"

// ReloadBus spreads profile reloads to the registries of every instance.
// Messages are "<instance>|<identity>"; an instance skips its own.
type ReloadBus struct {
	redis    *redis.Client
	registry *Registry
	logger   *slog.Logger
	instance string
}

// NewReloadBus constructs a ReloadBus over registry.
func NewReloadBus(client *redis.Client, registry *Registry, logger *slog.Logger) *ReloadBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReloadBus{redis: client, registry: registry, logger: logger, instance: uuid.NewString()}
}

// ReloadIdentity reloads identityID in the local registry and publishes it to
// the other instances. It returns the number of local managers reloaded.
func (b *ReloadBus) ReloadIdentity(identityID string) int {
	n := b.registry.ReloadIdentity(identityID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.redis.Publish(ctx, ReloadChannel, b.instance+"|"+identityID).Err(); err != nil {
		b.logger.Error("publish profile reload", slog.String("identity", identityID), slog.Any("error", err))
	}
	return n
}

// Listen applies reloads published by other instances until ctx ends.
func (b *ReloadBus) Listen(ctx context.Context) error {
	sub := b.redis.Subscribe(ctx, ReloadChannel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", ReloadChannel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			from, identityID, found := strings.Cut(msg.Payload, "|")
			if !found || from == b.instance || identityID == "" {
				continue
			}
			if n := b.registry.ReloadIdentity(identityID); n > 0 {
				b.logger.Debug("reloaded profile from peer", slog.String("identity", identityID), slog.Int("sessions", n))
			}
		}
	}
}
