package memory

import (
	"context"
	"sync"
	"time"

	"github.com/chatroom/internal/storage"
)

type subs struct {
	list []storage.PushSubscription
	exp  time.Time
}

// Client keeps tokens, attempts and push subscriptions in process memory; used when
// no Redis is configured (single instance only).
type Client struct {
	mu       sync.RWMutex
	revoked  map[string]time.Time
	attempts map[string][]time.Time
	push     map[string]subs
	now      func() time.Time
}

func New() *Client {
	return &Client{
		revoked:  make(map[string]time.Time),
		attempts: make(map[string][]time.Time),
		push:     make(map[string]subs),
		now:      time.Now,
	}
}

func (c *Client) Close() error { return nil }

func (c *Client) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	for id, exp := range c.revoked {
		if now.After(exp) {
			delete(c.revoked, id)
		}
	}
	c.revoked[tokenID] = now.Add(ttl)
	return nil
}

func (c *Client) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	exp, ok := c.revoked[tokenID]
	return ok && c.now().Before(exp), nil
}

func (c *Client) AllowAttempt(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	cut := now.Add(-storage.AttemptWindow)
	var kept []time.Time
	for _, t := range c.attempts[key] {
		if t.After(cut) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= storage.AttemptMax {
		c.attempts[key] = kept
		return false, nil
	}
	c.attempts[key] = append(kept, now)
	return true, nil
}

func (c *Client) ResetAttempts(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, key)
	return nil
}

func (c *Client) AddSubscription(_ context.Context, userID string, sub storage.PushSubscription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur := c.live(userID)
	list := make([]storage.PushSubscription, 0, len(cur)+1)
	for _, s := range cur {
		if s.Endpoint != sub.Endpoint {
			list = append(list, s)
		}
	}
	list = append(list, sub)
	if len(list) > storage.MaxSubsPerUser {
		list = list[len(list)-storage.MaxSubsPerUser:]
	}
	c.push[userID] = subs{list: list, exp: c.now().Add(storage.SubscriptionTTL)}
	return nil
}

func (c *Client) RemoveSubscription(_ context.Context, userID, endpoint string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.push[userID]
	if !ok {
		return nil
	}
	var kept []storage.PushSubscription
	for _, s := range entry.list {
		if s.Endpoint != endpoint {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		delete(c.push, userID)
		return nil
	}
	entry.list = kept
	c.push[userID] = entry
	return nil
}

func (c *Client) Subscriptions(_ context.Context, userID string) ([]storage.PushSubscription, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cur := c.live(userID)
	out := make([]storage.PushSubscription, len(cur))
	copy(out, cur)
	return out, nil
}

// live must be called with mu held.
func (c *Client) live(userID string) []storage.PushSubscription {
	entry, ok := c.push[userID]
	if !ok || c.now().After(entry.exp) {
		return nil
	}
	return entry.list
}
