package storage

import (
	"context"
	"time"
)

// DefaultQueryTimeout is the maximum time allowed for database queries.
const DefaultQueryTimeout = 5 * time.Second

// withQueryTimeout wraps the context with a query timeout if one isn't already set,
// respecting any deadline the caller chose.
func withQueryTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, DefaultQueryTimeout)
}
