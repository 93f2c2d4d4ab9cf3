package profiles

import (
	"context"
	"sync"
	"time"

	"github.com/example/care-matching/internal/clock"
)

// CachedReviews keeps review averages for a short TTL. A matching pass reads
// one average per candidate, and averages move slowly.
type CachedReviews struct {
	Reviews Reviews
	TTL     time.Duration
	Clock   clock.Clock

	mu    sync.RWMutex
	store map[string]ratingEntry
}

type ratingEntry struct {
	v  *float64
	ts time.Time
}

func NewCachedReviews(r Reviews, ttl time.Duration) *CachedReviews {
	return &CachedReviews{Reviews: r, TTL: ttl, store: make(map[string]ratingEntry)}
}

func (c *CachedReviews) AverageRating(ctx context.Context, caregiverID string) (*float64, error) {
	now := c.now()
	c.mu.RLock()
	e, ok := c.store[caregiverID]
	c.mu.RUnlock()
	if ok && now.Sub(e.ts) <= c.TTL {
		return e.v, nil
	}
	v, err := c.Reviews.AverageRating(ctx, caregiverID)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.store == nil {
		c.store = make(map[string]ratingEntry)
	}
	c.store[caregiverID] = ratingEntry{v: v, ts: now}
	c.mu.Unlock()
	return v, nil
}

func (c *CachedReviews) now() time.Time {
	if c.Clock == nil {
		return clock.Real{}.Now()
	}
	return c.Clock.Now()
}
