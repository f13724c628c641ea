// Package pgchecker reports whether the Postgres pool answers a ping.
package pgchecker

import (
	"context"
	"time"

	"github.com/memohai/chatgate/internal/healthcheck"
)

const (
	checkTypePostgres = "postgres.ping"
	pingTimeout       = 2 * time.Second
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Checker struct {
	pool Pinger
}

func NewChecker(pool Pinger) *Checker {
	return &Checker{pool: pool}
}

func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if c.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	start := time.Now()
	item := healthcheck.CheckResult{
		ID:      checkTypePostgres,
		Type:    checkTypePostgres,
		Status:  healthcheck.StatusOK,
		Summary: "Postgres is reachable.",
	}
	if err := c.pool.Ping(ctx); err != nil {
		item.Status = healthcheck.StatusError
		item.Summary = "Postgres ping failed."
		item.Detail = err.Error()
	}
	item.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	return []healthcheck.CheckResult{item}
}
