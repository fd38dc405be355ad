package lifecycle

import (
	"context"
	"fmt"
	"path"
	"strings"

	"go.uber.org/zap"

	"vibetap/internal/cas"
	"vibetap/internal/fingerprint"
	"vibetap/internal/gitio"
	"vibetap/internal/hush"
	"vibetap/internal/remote"
	"vibetap/internal/suggest"
)

// NowOptions controls one suggestion cycle.
type NowOptions struct {
	// Uncommitted diffs HEAD against the worktree instead of the index.
	Uncommitted bool
	// File restricts the cycle to one changed path.
	File string
	// Refresh bypasses the cache and always queries the service.
	Refresh bool
	// Security asks for security suggestions and counts only those as
	// high-priority findings.
	Security       bool
	MaxSuggestions int
	TestRunner     string
}

// Hidden is a suggestion kept out of view by a suppression.
type Hidden struct {
	Suggestion suggest.Suggestion
	Pattern    string
}

// NowResult is the outcome of a cycle.
type NowResult struct {
	Fingerprint *fingerprint.Fingerprint
	Batch       *suggest.Batch
	// Suggestions are the batch's suggestions that are not suppressed, in
	// ordinal order and in whatever state they are.
	Suggestions []suggest.Suggestion
	Hidden      []Hidden
	// SuppressedFiles are changed paths left out of the query.
	SuppressedFiles []string
	CacheHit        bool
	// NoChanges is set when there was nothing to analyze.
	NoChanges bool
	Stale     int
	Warning   string
	Skipped   []string

	security bool
}

// HighPriority returns the actionable HIGH suggestions. With the security
// option only security suggestions count.
func (r *NowResult) HighPriority() []suggest.Suggestion {
	var out []suggest.Suggestion
	for _, sg := range r.Suggestions {
		if sg.State != suggest.StateSuggested || sg.Priority != suggest.PriorityHigh {
			continue
		}
		if r.security && sg.Kind != suggest.KindSecurity {
			continue
		}
		out = append(out, sg)
	}
	return out
}

// Now runs one cycle: fingerprint, staleness pass, suppression, cache
// lookup, query on a miss, record. A failed query leaves the store as it
// was.
func (a *Agent) Now(ctx context.Context, opts NowOptions) (*NowResult, error) {
	defer a.phase(PhaseIdle)

	if _, err := a.Reconcile(ctx); err != nil {
		return nil, err
	}

	a.phase(PhaseFingerprinting)
	d, err := a.diff(opts.Uncommitted)
	if err != nil {
		return nil, err
	}
	full, err := fingerprint.Compute(d)
	if err != nil {
		return nil, fmt.Errorf("fingerprinting: %w", err)
	}

	res := &NowResult{security: opts.Security}
	if !opts.Uncommitted && !full.Empty() {
		if res.Stale, err = a.markStale(ctx, full); err != nil {
			return nil, err
		}
	}

	if opts.File != "" {
		d = d.Filter(opts.File)
	}
	if d.Empty() {
		res.NoChanges = true
		res.Fingerprint = full
		return res, nil
	}

	if err := a.hush.SyncConfig(ctx, a.project.Ignore); err != nil {
		return nil, err
	}
	set, err := a.hush.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	live, err := fingerprint.Compute(d)
	if err != nil {
		return nil, err
	}
	d, res.SuppressedFiles = dropSuppressed(d, set, live)
	if d.Empty() {
		res.NoChanges = true
		res.Fingerprint = live
		return res, nil
	}

	fp, err := fingerprint.Compute(d)
	if err != nil {
		return nil, err
	}
	res.Fingerprint = fp

	var batch *suggest.Batch
	var sgs []suggest.Suggestion
	replace := opts.Refresh
	if !opts.Refresh {
		batch, err = a.store.FindBatch(ctx, fp.Aggregate)
		if err != nil && !isNotFound(err) {
			return nil, err
		}
	}
	if batch != nil {
		if sgs, err = a.store.List(ctx, suggest.Filter{Batch: batch.ID}); err != nil {
			return nil, err
		}
		if exhausted(sgs) {
			// Every suggestion was superseded by a later change set; the
			// change set is back, so ask again.
			a.log.Debug("cached batch exhausted", zap.String("fingerprint", fp.Aggregate), zap.Int64("batch", batch.ID))
			batch, replace = nil, true
		}
	}

	if batch != nil {
		a.phase(PhaseCacheHit)
		res.CacheHit = true
		a.log.Debug("cache hit", zap.String("fingerprint", fp.Aggregate), zap.Int64("batch", batch.ID))
		if err := a.store.Surface(ctx, batch.ID); err != nil {
			return nil, err
		}
	} else {
		a.phase(PhaseQuerying)
		batch, err = a.query(ctx, d, fp, opts, replace, res)
		if err != nil {
			return nil, err
		}
		if sgs, err = a.store.List(ctx, suggest.Filter{Batch: batch.ID}); err != nil {
			return nil, err
		}
	}
	res.Batch = batch

	for _, sg := range sgs {
		if e, ok := suppressedSuggestion(set, &sg, live); ok {
			res.Hidden = append(res.Hidden, Hidden{Suggestion: sg, Pattern: e.Pattern})
			continue
		}
		res.Suggestions = append(res.Suggestions, sg)
	}

	a.phase(PhaseReady)
	a.log.Info("suggestions ready",
		zap.String("fingerprint", fp.Aggregate),
		zap.Int64("batch", batch.ID),
		zap.Bool("cached", res.CacheHit),
		zap.Int("suggestions", len(res.Suggestions)),
		zap.Int("hidden", len(res.Hidden)))
	return res, nil
}

func (a *Agent) diff(uncommitted bool) (*gitio.Diff, error) {
	if uncommitted {
		return a.repo.UncommittedDiff()
	}
	return a.repo.StagedDiff()
}

// exhausted reports whether a cached batch has nothing left to offer: at
// least one suggestion went stale and none is Suggested or Applied.
func exhausted(sgs []suggest.Suggestion) bool {
	stale := false
	for _, sg := range sgs {
		switch sg.State {
		case suggest.StateSuggested, suggest.StateApplied:
			return false
		case suggest.StateStale:
			stale = true
		}
	}
	return stale
}

// markStale moves Suggested suggestions to Stale when a hunk of one of their
// origin paths is no longer part of the live change set.
func (a *Agent) markStale(ctx context.Context, live *fingerprint.Fingerprint) (int, error) {
	pending, err := a.store.List(ctx, suggest.Filter{States: []suggest.State{suggest.StateSuggested}})
	if err != nil {
		return 0, err
	}
	var keys []suggest.Key
	for _, sg := range pending {
		if sg.SourceFingerprint == nil {
			continue
		}
		for _, p := range sg.OriginPaths() {
			if !live.Covers(sg.SourceFingerprint, p) {
				keys = append(keys, sg.Key)
				break
			}
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	return a.store.MarkStale(ctx, keys, "staged change no longer matches")
}

// query asks the service for suggestions and records them. Nothing is
// written unless the call succeeds.
func (a *Agent) query(ctx context.Context, d *gitio.Diff, fp *fingerprint.Fingerprint, opts NowOptions, replace bool, res *NowResult) (*suggest.Batch, error) {
	if a.analyzer == nil {
		return nil, &remote.AnalysisError{Reason: remote.ReasonNotConfigured}
	}

	ropts := remote.Options{
		TestRunner:           a.project.TestRunner,
		TestDirectory:        a.project.TestDirectory,
		MaxSuggestions:       a.project.Generation.MaxSuggestions,
		IncludeSecurity:      a.project.Generation.IncludeSecurity || opts.Security,
		IncludeNegativePaths: a.project.Generation.IncludeNegativePaths,
	}
	if opts.MaxSuggestions > 0 {
		ropts.MaxSuggestions = opts.MaxSuggestions
	}
	if opts.TestRunner != "" {
		ropts.TestRunner = opts.TestRunner
	}

	req := remote.NewRequest(fp, d, a.repo.Root(), ropts)
	resp, err := a.analyzer.Generate(ctx, req)
	if err != nil {
		a.log.Warn("analysis failed", zap.String("fingerprint", fp.Aggregate), zap.Error(err))
		return nil, err
	}
	res.Warning = resp.Warning

	payloads := resp.Suggestions
	if len(payloads) > ropts.MaxSuggestions {
		payloads = payloads[:ropts.MaxSuggestions]
	}
	items := make([]suggest.Suggestion, 0, len(payloads))
	for _, p := range payloads {
		sg, err := a.fromPayload(p)
		if err != nil {
			a.log.Warn("skipping suggestion", zap.String("id", p.ID), zap.String("path", p.FilePath), zap.Error(err))
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %v", p.FilePath, err))
			continue
		}
		items = append(items, sg)
	}

	batch, created, err := a.store.PutBatch(ctx, fp, suggest.BatchMeta{Summary: resp.Summary, Model: resp.ModelUsed}, items, replace)
	if err != nil {
		return nil, err
	}
	if !created {
		// Another invocation stored this change set while we were querying.
		res.CacheHit = true
	}
	return batch, nil
}

// fromPayload turns a service payload into a suggestion, choosing the patch
// operation from the payload and the target's current state and capturing
// the target's checksum for conflict detection at apply time.
func (a *Agent) fromPayload(p remote.Payload) (suggest.Suggestion, error) {
	target := cleanPath(p.FilePath)
	if target == "" {
		return suggest.Suggestion{}, fmt.Errorf("no target file")
	}
	abs, err := a.engine.Resolve(target)
	if err != nil {
		return suggest.Suggestion{}, err
	}
	base, err := cas.FileChecksum(abs)
	if err != nil {
		return suggest.Suggestion{}, err
	}

	sg := suggest.Suggestion{
		RemoteID:     p.ID,
		TargetFile:   target,
		SourceFile:   cleanPath(p.SourceFile),
		Kind:         p.Kind(),
		Priority:     p.DerivedPriority(),
		Description:  p.Description,
		Confidence:   p.Confidence,
		BaseChecksum: base,
	}

	empty := base == cas.AbsentChecksum || base == cas.Checksum(nil)
	switch {
	case p.Patch != "":
		if empty {
			return suggest.Suggestion{}, fmt.Errorf("diff targets a file that does not exist")
		}
		sg.Patch = suggest.Patch{Op: suggest.OpUnified, Path: target, Content: []byte(p.Patch)}
	case empty:
		sg.Patch = suggest.Patch{Op: suggest.OpCreate, Path: target, Content: []byte(p.Code)}
	default:
		sg.Patch = suggest.Patch{Op: suggest.OpAppend, Path: target, Content: []byte(p.Code)}
	}
	if sg.Patch.Op != suggest.OpUnified && strings.TrimSpace(p.Code) == "" {
		return suggest.Suggestion{}, fmt.Errorf("no code")
	}
	return sg, nil
}

func cleanPath(p string) string {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" {
		return ""
	}
	p = path.Clean(strings.TrimPrefix(p, "./"))
	if p == "." {
		return ""
	}
	return p
}

// dropSuppressed removes suppressed files from d.
func dropSuppressed(d *gitio.Diff, set *hush.Set, live *fingerprint.Fingerprint) (*gitio.Diff, []string) {
	if set.Len() == 0 {
		return d, nil
	}
	out := &gitio.Diff{}
	var dropped []string
	for _, f := range d.Files {
		if _, ok := set.Suppressed(f.Path, live); ok {
			dropped = append(dropped, f.Path)
			continue
		}
		out.Files = append(out.Files, f)
	}
	return out, dropped
}

// suppressedSuggestion checks both the suggestion's target and its origin.
func suppressedSuggestion(set *hush.Set, sg *suggest.Suggestion, live *fingerprint.Fingerprint) (*hush.Entry, bool) {
	if e, ok := set.Suppressed(sg.TargetFile, live); ok {
		return e, true
	}
	if sg.SourceFile != "" {
		return set.Suppressed(sg.SourceFile, live)
	}
	return nil, false
}
