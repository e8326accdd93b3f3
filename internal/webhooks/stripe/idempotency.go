package stripewebhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// claimPending marks a delivery that is being reconciled right now.
const claimPending = "pending"

// DeliveryStore is the Redis surface the guard needs.
type DeliveryStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// IdempotencyGuard records gateway event ids in Redis. A delivery is first
// claimed as pending, then settled with its outcome, or released so the
// gateway's next retry can reconcile it again.
type IdempotencyGuard struct {
	store DeliveryStore
	ttl   time.Duration
	scope string
}

func NewIdempotencyGuard(store DeliveryStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if strings.TrimSpace(scope) == "" {
		return nil, errors.New("scope is required")
	}
	return &IdempotencyGuard{store: store, ttl: ttl, scope: scope}, nil
}

// Claim reserves eventID. When another delivery already holds it, claimed is
// false and prior is that delivery's recorded outcome (or claimPending).
func (g *IdempotencyGuard) Claim(ctx context.Context, eventID string) (prior string, claimed bool, err error) {
	key, err := g.key(eventID)
	if err != nil {
		return "", false, err
	}
	claimed, err = g.store.SetNX(ctx, key, claimPending, g.ttl)
	if err != nil {
		return "", false, fmt.Errorf("claim gateway event: %w", err)
	}
	if claimed {
		return "", true, nil
	}
	prior, err = g.store.Get(ctx, key)
	if err != nil && !errors.Is(err, goredis.Nil) {
		return "", false, fmt.Errorf("read gateway event claim: %w", err)
	}
	return prior, false, nil
}

// Settle replaces the pending claim with the final outcome.
func (g *IdempotencyGuard) Settle(ctx context.Context, eventID, outcome string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Set(ctx, key, outcome, g.ttl)
}

// Release drops the claim so a redelivery is processed again.
func (g *IdempotencyGuard) Release(ctx context.Context, eventID string) error {
	key, err := g.key(eventID)
	if err != nil {
		return err
	}
	return g.store.Del(ctx, key)
}

func (g *IdempotencyGuard) key(eventID string) (string, error) {
	if strings.TrimSpace(eventID) == "" {
		return "", errors.New("event id is required")
	}
	return g.store.IdempotencyKey(g.scope, eventID), nil
}
