package database

import (
	"context"
	"time"
)

// HealthCheck verifies database connectivity with a bounded ping. Used by
// the ops server's readiness endpoint.
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}
