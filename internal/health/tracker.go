// Package health tracks webhook liveness per connection in Redis. The
// fallback worker reports remote activity it found by polling; if remote
// records keep changing while no deliveries arrive, the connection's
// webhooks are considered degraded and polling stays at full cadence.
package health

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	lastWebhookKey  = "elder:wh:last:"
	lastActivityKey = "elder:wh:activity:"
	dedupeKey       = "elder:wh:seen:"
)

// dedupeTTL bounds how long delivery ids are remembered. Platforms retry
// failed deliveries for at most a couple of days.
const dedupeTTL = 48 * time.Hour

type Status struct {
	LastWebhookAt  time.Time `json:"last_webhook_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	Degraded       bool      `json:"degraded"`
}

type Tracker struct {
	rdb        *redis.Client
	staleAfter time.Duration
}

func NewTracker(rdb *redis.Client, staleAfter time.Duration) *Tracker {
	return &Tracker{rdb: rdb, staleAfter: staleAfter}
}

// MarkWebhook records a verified delivery for the connection.
func (t *Tracker) MarkWebhook(ctx context.Context, connectionID string) error {
	return t.setTime(ctx, lastWebhookKey+connectionID, time.Now())
}

// ObserveRemoteActivity records that a batch sync found changed remote
// records. Implements the engine's health sink.
func (t *Tracker) ObserveRemoteActivity(ctx context.Context, connectionID string, changes int) {
	if changes <= 0 {
		return
	}
	if err := t.setTime(ctx, lastActivityKey+connectionID, time.Now()); err != nil {
		// Health tracking is advisory; sync must not fail on it.
		return
	}
}

// Dedupe reports whether the delivery is new. Platforms redeliver on
// timeouts, and a replayed delivery must not trigger a second sync.
func (t *Tracker) Dedupe(ctx context.Context, platform, deliveryID string) (bool, error) {
	if deliveryID == "" {
		return true, nil
	}
	ok, err := t.rdb.SetNX(ctx, dedupeKey+platform+":"+deliveryID, "1", dedupeTTL).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe delivery: %w", err)
	}
	return ok, nil
}

// Check returns the connection's webhook status. Degraded means remote
// activity was observed but no delivery has arrived within the staleness
// window since.
func (t *Tracker) Check(ctx context.Context, connectionID string) (Status, error) {
	lastWebhook, err := t.getTime(ctx, lastWebhookKey+connectionID)
	if err != nil {
		return Status{}, err
	}
	lastActivity, err := t.getTime(ctx, lastActivityKey+connectionID)
	if err != nil {
		return Status{}, err
	}

	st := Status{LastWebhookAt: lastWebhook, LastActivityAt: lastActivity}
	if !lastActivity.IsZero() && lastActivity.Sub(lastWebhook) > t.staleAfter {
		st.Degraded = true
	}
	return st, nil
}

func (t *Tracker) setTime(ctx context.Context, key string, at time.Time) error {
	if err := t.rdb.Set(ctx, key, strconv.FormatInt(at.UnixMilli(), 10), 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (t *Tracker) getTime(ctx context.Context, key string) (time.Time, error) {
	raw, err := t.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("get %s: %w", key, err)
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %s: %w", key, err)
	}
	return time.UnixMilli(ms), nil
}
