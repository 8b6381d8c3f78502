// Package prune removes expired token records and dead authorizations
// from the store. It runs off the request-serving path: a failed cycle
// is logged and retried at the next tick, never surfaced to clients.
package prune

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oidc-provider/instrumentation"
	"github.com/giantswarm/oidc-provider/storage"
)

// Stats summarizes one pruning cycle.
type Stats struct {
	TokensDeleted         int
	AuthorizationsDeleted int
}

// Pruner sweeps the store in bounded batches. Every delete is
// conditional at the store level, so a cycle racing with live traffic
// cannot remove a record that just became referenced again. Running a
// cycle twice over the same state is a no-op.
type Pruner struct {
	store     storage.PruneStore
	batchSize int
	logger    *slog.Logger

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
}

// New creates a pruner deleting at most batchSize records per batch.
func New(store storage.PruneStore, batchSize int, logger *slog.Logger) *Pruner {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pruner{
		store:     store,
		batchSize: batchSize,
		logger:    logger,
	}
}

// SetInstrumentation enables tracing and metrics for pruning cycles.
func (p *Pruner) SetInstrumentation(inst *instrumentation.Instrumentation) {
	p.instrumentation = inst
	if inst != nil {
		p.tracer = inst.Tracer("prune")
	}
}

// RunCycle executes one pruning cycle: expired token records first,
// then authorizations that own no live token. Cancellation is honored
// between batches; each batch's deletes are independently safe, so a
// cancelled cycle leaves no inconsistent state behind.
func (p *Pruner) RunCycle(ctx context.Context) (Stats, error) {
	var span trace.Span
	if p.tracer != nil {
		ctx, span = p.tracer.Start(ctx, "prune.run_cycle")
		defer span.End()
	}

	startTime := time.Now()
	var stats Stats

	err := p.pruneTokens(ctx, &stats)
	if err == nil {
		err = p.pruneAuthorizations(ctx, &stats)
	}

	if p.instrumentation != nil {
		durationMs := float64(time.Since(startTime).Milliseconds())
		p.instrumentation.Metrics().RecordPruneRun(ctx, stats.TokensDeleted, stats.AuthorizationsDeleted, durationMs, err)
		if err != nil {
			instrumentation.RecordError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}

	if err != nil {
		p.logger.Warn("Pruning cycle failed, will retry at next tick",
			"error", err,
			"tokens_deleted", stats.TokensDeleted,
			"authorizations_deleted", stats.AuthorizationsDeleted)
		return stats, err
	}

	if stats.TokensDeleted > 0 || stats.AuthorizationsDeleted > 0 {
		p.logger.Debug("Pruning cycle completed",
			"tokens_deleted", stats.TokensDeleted,
			"authorizations_deleted", stats.AuthorizationsDeleted,
			"duration", time.Since(startTime))
	}
	return stats, nil
}

func (p *Pruner) pruneTokens(ctx context.Context, stats *Stats) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := time.Now()
		ids, err := p.store.ExpiredTokens(ctx, now, p.batchSize)
		if err != nil {
			return fmt.Errorf("failed to select expired tokens: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		for _, id := range ids {
			deleted, err := p.store.DeleteTokenIfExpired(ctx, id, now)
			if err != nil {
				return fmt.Errorf("failed to delete token: %w", err)
			}
			if deleted {
				stats.TokensDeleted++
			}
		}

		if len(ids) < p.batchSize {
			return nil
		}
	}
}

func (p *Pruner) pruneAuthorizations(ctx context.Context, stats *Stats) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		now := time.Now()
		ids, err := p.store.PrunableAuthorizations(ctx, now, p.batchSize)
		if err != nil {
			return fmt.Errorf("failed to select prunable authorizations: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		progressed := false
		for _, id := range ids {
			deleted, err := p.store.DeleteAuthorizationIfUnreferenced(ctx, id, now)
			if err != nil {
				return fmt.Errorf("failed to delete authorization: %w", err)
			}
			if deleted {
				stats.AuthorizationsDeleted++
				progressed = true
			}
		}

		// A full batch where nothing passed the conditional delete
		// means the candidates became referenced again; stop rather
		// than spin on them.
		if len(ids) < p.batchSize || !progressed {
			return nil
		}
	}
}
