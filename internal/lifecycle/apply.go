package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"vibetap/internal/cas"
	"vibetap/internal/patch"
	"vibetap/internal/suggest"
)

// Apply applies one suggestion and returns its record.
func (a *Agent) Apply(ctx context.Context, key suggest.Key) (*suggest.AppliedRecord, error) {
	defer a.phase(PhaseIdle)
	if _, err := a.Reconcile(ctx); err != nil {
		return nil, err
	}

	sg, err := a.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sg.State != suggest.StateSuggested {
		return nil, fmt.Errorf("%w: suggestion %s is %s", suggest.ErrInvalidTransition, key, sg.State)
	}

	a.phase(PhaseApplying)
	rec, err := a.engine.Apply(ctx, sg, a.store)
	if err != nil {
		return nil, fmt.Errorf("suggestion %s (%s): %w", key, sg.TargetFile, err)
	}
	return rec, nil
}

// ApplyAll applies every Suggested suggestion of the latest batch in
// ordinal order. Each failure is reported in its result; the returned error
// is a *BatchError when any suggestion failed.
func (a *Agent) ApplyAll(ctx context.Context) ([]patch.Result, error) {
	defer a.phase(PhaseIdle)
	if _, err := a.Reconcile(ctx); err != nil {
		return nil, err
	}

	batch, err := a.store.LatestBatch(ctx)
	if err != nil {
		return nil, err
	}
	sgs, err := a.store.List(ctx, suggest.Filter{Batch: batch.ID, States: []suggest.State{suggest.StateSuggested}})
	if err != nil {
		return nil, err
	}
	if len(sgs) == 0 {
		return nil, nil
	}

	a.phase(PhaseApplying)
	results := a.engine.ApplyAll(ctx, sgs, a.store)
	return results, batchErr("apply", results)
}

// Revert undoes the applied suggestion key, or the most recently applied
// suggestion when key is nil.
func (a *Agent) Revert(ctx context.Context, key *suggest.Key) (*suggest.AppliedRecord, error) {
	defer a.phase(PhaseIdle)
	if _, err := a.Reconcile(ctx); err != nil {
		return nil, err
	}

	var rec *suggest.AppliedRecord
	var err error
	if key == nil {
		rec, err = a.store.LatestApplied(ctx)
		if errors.Is(err, suggest.ErrNotFound) {
			return nil, fmt.Errorf("no applied suggestions: %w", err)
		}
	} else {
		rec, err = a.store.AppliedRecordFor(ctx, *key)
	}
	if err != nil {
		return nil, err
	}

	a.phase(PhaseReverting)
	if err := a.engine.Revert(ctx, rec, a.store); err != nil {
		return nil, fmt.Errorf("suggestion %s (%s): %w", rec.Key, rec.TargetFile, err)
	}
	return rec, nil
}

// RevertAll reverts every applied suggestion, newest first, continuing past
// failures.
func (a *Agent) RevertAll(ctx context.Context) ([]patch.Result, error) {
	defer a.phase(PhaseIdle)
	if _, err := a.Reconcile(ctx); err != nil {
		return nil, err
	}

	recs, err := a.store.ListApplied(ctx)
	if err != nil {
		return nil, err
	}

	a.phase(PhaseReverting)
	results := make([]patch.Result, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		r := patch.Result{Key: rec.Key, Path: rec.TargetFile, Record: rec}
		if err := ctx.Err(); err != nil {
			r.Err = err
		} else {
			r.Err = a.engine.Revert(ctx, rec, a.store)
		}
		if r.Err != nil {
			a.log.Warn("revert failed", zap.String("suggestion", rec.Key.String()), zap.String("path", rec.TargetFile), zap.Error(r.Err))
		}
		results = append(results, r)
	}
	return results, batchErr("revert", results)
}

// ReconcileReport counts how pending records were resolved.
type ReconcileReport struct {
	Committed int
	Discarded int
	Abandoned int
}

// Reconcile resolves applies that persisted their intent but never
// confirmed, typically because the process died between the write and the
// commit. The file on disk decides: the written content means the apply
// happened, the original content means it did not, anything else leaves the
// suggestion Stale. Records younger than the grace period may belong to a
// concurrent process and are left alone.
func (a *Agent) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport
	pending, err := a.store.PendingRecords(ctx)
	if err != nil || len(pending) == 0 {
		return rep, err
	}

	cutoff := cas.NowMs() - a.grace.Milliseconds()
	for _, rec := range pending {
		if rec.AppliedAt > cutoff {
			continue
		}
		actual, err := a.engine.Verify(rec.TargetFile)
		if err != nil {
			return rep, err
		}
		switch actual {
		case rec.PostChecksum:
			err = a.store.CommitApplied(ctx, rec.ID)
			rep.Committed++
		case rec.PreChecksum:
			err = a.store.DiscardApplied(ctx, rec.ID)
			rep.Discarded++
		default:
			err = a.store.AbandonApplied(ctx, rec.ID, "interrupted apply: file changed")
			rep.Abandoned++
		}
		if errors.Is(err, suggest.ErrInvalidTransition) {
			// The suggestion went stale while the apply was in flight.
			err = a.store.AbandonApplied(ctx, rec.ID, "interrupted apply: suggestion went stale")
		}
		if err != nil {
			return rep, err
		}
		a.log.Info("reconciled interrupted apply",
			zap.String("suggestion", rec.Key.String()),
			zap.String("path", rec.TargetFile),
			zap.Duration("age", time.Duration(cas.NowMs()-rec.AppliedAt)*time.Millisecond))
	}
	return rep, nil
}
