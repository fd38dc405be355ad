package lifecycle

import (
	"context"
	"time"

	"go.uber.org/zap"

	"vibetap/internal/fingerprint"
	"vibetap/internal/hush"
	"vibetap/internal/suggest"
)

// HushResult reports a new suppression.
type HushResult struct {
	Entry *hush.Entry
	// Suppressed counts Suggested suggestions moved to Suppressed.
	Suppressed int
}

// Hush registers a suppression and moves every matching Suggested
// suggestion to Suppressed. A current-scope hush is tied to the staged
// change of each matching path as it is now.
func (a *Agent) Hush(ctx context.Context, pattern string, scope hush.Scope, ttl time.Duration) (*HushResult, error) {
	a.phase(PhaseSuppressing)
	defer a.phase(PhaseIdle)

	d, err := a.repo.StagedDiff()
	if err != nil {
		return nil, err
	}
	live, err := fingerprint.Compute(d)
	if err != nil {
		return nil, err
	}

	entry, err := a.hush.Hush(ctx, pattern, scope, live, ttl)
	if err != nil {
		return nil, err
	}

	candidates, err := a.store.List(ctx, suggest.Filter{States: []suggest.State{suggest.StateSuggested}})
	if err != nil {
		return nil, err
	}
	res := &HushResult{Entry: entry}
	if entry.Negated() {
		return res, nil
	}
	for i := range candidates {
		sg := &candidates[i]
		if !entry.Matches(sg.TargetFile, live) && !(sg.SourceFile != "" && entry.Matches(sg.SourceFile, live)) {
			continue
		}
		if err := a.store.Transition(ctx, sg.Key, suggest.StateSuppressed, "hushed "+entry.Pattern); err != nil {
			return nil, err
		}
		res.Suppressed++
	}

	a.log.Info("path hushed",
		zap.String("pattern", entry.Pattern),
		zap.String("scope", string(entry.Scope)),
		zap.Int("suppressed", res.Suppressed))
	return res, nil
}

// Unhush removes a suppression. Suggestions it already suppressed stay
// Suppressed; the next cycle surfaces fresh ones.
func (a *Agent) Unhush(ctx context.Context, pattern string) error {
	return a.hush.Remove(ctx, pattern)
}

// Hushed lists active suppressions.
func (a *Agent) Hushed(ctx context.Context) ([]hush.Entry, error) {
	return a.hush.List(ctx)
}
