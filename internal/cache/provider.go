// Package cache keeps a best-effort record of webhook events that were
// already settled so redeliveries can skip the database. The idempotency
// ledger stays authoritative; a cache miss or failure only costs a query.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("key not found")

type Provider interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

type Config struct {
	Provider              string
	RedisConnectionString string
	MemorySize            int
}

func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Provider {
	case "memory", "":
		return NewMemoryProvider(cfg.MemorySize)
	case "redis":
		return NewRedisProvider(ctx, cfg.RedisConnectionString)
	default:
		return nil, fmt.Errorf("unsupported cache provider: %s", cfg.Provider)
	}
}

func WebhookKey(source, eventID string) string {
	return fmt.Sprintf("webhook:%s:%s", source, eventID)
}

// DefaultWebhookTTL covers Stripe's retry window for a single delivery burst.
const DefaultWebhookTTL = 24 * time.Hour

// EventDeduper remembers settled event ids for one webhook source.
type EventDeduper struct {
	provider Provider
	source   string
	ttl      time.Duration
}

func NewEventDeduper(provider Provider, source string, ttl time.Duration) *EventDeduper {
	if ttl <= 0 {
		ttl = DefaultWebhookTTL
	}
	return &EventDeduper{provider: provider, source: source, ttl: ttl}
}

// Seen returns the remembered outcome for the event. Provider errors are
// reported as a miss.
func (d *EventDeduper) Seen(ctx context.Context, eventID string) (string, bool) {
	if d == nil || d.provider == nil {
		return "", false
	}
	value, err := d.provider.Get(ctx, WebhookKey(d.source, eventID))
	if err != nil {
		return "", false
	}
	return value, true
}

func (d *EventDeduper) Remember(ctx context.Context, eventID, outcome string) error {
	if d == nil || d.provider == nil {
		return nil
	}
	return d.provider.Set(ctx, WebhookKey(d.source, eventID), outcome, d.ttl)
}
