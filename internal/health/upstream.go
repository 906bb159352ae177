package health

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// HeadPinger returns the current chain head from the upstream explorer.
type HeadPinger interface {
	Ping(ctx context.Context) (uint64, error)
}

// UpstreamChecker pings the explorer at most once per interval so that
// frequent health checks do not eat into the API rate limit.
type UpstreamChecker struct {
	client   HeadPinger
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	checked time.Time
	head    uint64
	lastErr error
}

// NewUpstreamChecker creates a checker. interval <= 0 pings on every call.
func NewUpstreamChecker(client HeadPinger, interval time.Duration) *UpstreamChecker {
	return &UpstreamChecker{client: client, interval: interval, now: time.Now}
}

// Ping reports whether the explorer answered the last ping.
func (c *UpstreamChecker) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if !c.checked.IsZero() && c.interval > 0 && now.Sub(c.checked) < c.interval {
		return c.lastErr
	}
	head, err := c.client.Ping(ctx)
	c.checked = now
	if err != nil {
		c.lastErr = fmt.Errorf("etherscan: %w", err)
		return c.lastErr
	}
	c.head, c.lastErr = head, nil
	return nil
}

// Head is the chain head seen by the last successful ping.
func (c *UpstreamChecker) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}
