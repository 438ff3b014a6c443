// Package janitor runs the scheduled cleanup of old completed sessions.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/tonystef/grov/internal/store"
)

// Janitor deletes completed sessions past the retention window on a cron
// schedule. Team memory is durable and untouched.
type Janitor struct {
	store     *store.Store
	expr      string
	retention func() time.Duration
	gron      *gronx.Gronx
}

func New(s *store.Store, cronExpr string, retention func() time.Duration) *Janitor {
	if cronExpr == "" {
		cronExpr = "0 * * * *"
	}
	return &Janitor{store: s, expr: cronExpr, retention: retention, gron: gronx.New()}
}

// Run ticks every minute and fires when the cron expression matches. Blocks
// until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	if !j.gron.IsValid(j.expr) {
		slog.Warn("janitor disabled: invalid cron expression", "expr", j.expr)
		return
	}
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := j.gron.IsDue(j.expr, time.Now())
			if err != nil || !due {
				continue
			}
			j.sweep(ctx)
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) {
	n, err := j.store.CleanupOldCompleted(ctx, j.retention())
	if err != nil {
		slog.Error("janitor sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("cleaned up completed sessions", "count", n, "retention", j.retention().String())
	}
}
