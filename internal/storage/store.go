package storage

import (
	"context"
	"time"
)

const (
	// AttemptWindow and AttemptMax bound failed logins per username.
	AttemptWindow = 10 * time.Minute
	AttemptMax    = 10

	MaxSubsPerUser  = 10
	SubscriptionTTL = 30 * 24 * time.Hour
)

// TokenStore keeps revoked token ids until they would have expired anyway,
// and throttles repeated login attempts.
type TokenStore interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	AllowAttempt(ctx context.Context, key string) (bool, error)
	ResetAttempts(ctx context.Context, key string) error
}

// PushSubscription is what the browser hands out from PushManager.subscribe.
type PushSubscription struct {
	Endpoint string `json:"endpoint"`
	Keys     struct {
		P256dh string `json:"p256dh"`
		Auth   string `json:"auth"`
	} `json:"keys"`
}

// PushStore keeps at most MaxSubsPerUser subscriptions per user, newest last.
type PushStore interface {
	AddSubscription(ctx context.Context, userID string, sub PushSubscription) error
	RemoveSubscription(ctx context.Context, userID, endpoint string) error
	Subscriptions(ctx context.Context, userID string) ([]PushSubscription, error)
}

// Store is implemented by redis.Client and memory.Client (single instance, no Redis).
type Store interface {
	TokenStore
	PushStore
	Close() error
}
