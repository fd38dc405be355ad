package suggest

import (
	"context"
	"errors"
	"testing"

	"vibetap/internal/fingerprint"
	"vibetap/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := storage.Open(context.Background(), t.TempDir(), storage.DefaultOptions())
	if err != nil {
		t.Fatalf("opening storage: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, nil)
}

func testFingerprint(aggregate string, paths ...string) *fingerprint.Fingerprint {
	fp := &fingerprint.Fingerprint{Aggregate: aggregate, Files: map[string]fingerprint.File{}}
	for _, p := range paths {
		fp.Files[p] = fingerprint.File{Path: p, Status: "modified", Digest: aggregate + ":" + p, Hunks: []string{aggregate + ":" + p + ":h"}}
	}
	return fp
}

func loginSuggestions() []Suggestion {
	return []Suggestion{
		{
			TargetFile:  "tests/auth/login.test.ts",
			SourceFile:  "src/auth/login.ts",
			Kind:        KindSecurity,
			Priority:    PriorityHigh,
			Description: "rejects empty password",
			Confidence:  0.9,
			Patch:       Patch{Op: OpCreate, Path: "tests/auth/login.test.ts", Content: []byte("test('a', () => {})\n")},
		},
		{
			TargetFile:  "tests/auth/session.test.ts",
			SourceFile:  "src/auth/login.ts",
			Kind:        KindUnit,
			Priority:    PriorityHigh,
			Description: "issues a session",
			Confidence:  0.85,
			Patch:       Patch{Op: OpCreate, Path: "tests/auth/session.test.ts", Content: []byte("test('b', () => {})\n")},
		},
	}
}

func TestPutBatch_StoresAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fp := testFingerprint("agg-1", "src/auth/login.ts")

	b, created, err := s.PutBatch(ctx, fp, BatchMeta{Summary: "auth"}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("first put should create a batch")
	}

	again, created, err := s.PutBatch(ctx, fp, BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	if created || again.ID != b.ID {
		t.Errorf("second put for same aggregate should return batch %d, got %d (created=%v)", b.ID, again.ID, created)
	}

	list, err := s.List(ctx, Filter{Batch: b.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 suggestions, got %d", len(list))
	}
	for i, sg := range list {
		if sg.Key.Ordinal != i+1 {
			t.Errorf("ordinal = %d, want %d", sg.Key.Ordinal, i+1)
		}
		if sg.State != StateSuggested {
			t.Errorf("state = %s, want suggested", sg.State)
		}
		if sg.SourceFingerprint == nil || sg.SourceFingerprint.Aggregate != "agg-1" {
			t.Errorf("source fingerprint not loaded: %+v", sg.SourceFingerprint)
		}
	}
	if string(list[0].Patch.Content) != "test('a', () => {})\n" {
		t.Errorf("patch did not round-trip: %q", list[0].Patch.Content)
	}

	found, err := s.FindBatch(ctx, "agg-1")
	if err != nil || found.ID != b.ID {
		t.Errorf("FindBatch = %v, %v", found, err)
	}
	if _, err := s.FindBatch(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPutBatch_SupersedesSamePath(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _, err := s.PutBatch(ctx, testFingerprint("agg-1", "src/auth/login.ts"), BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	other := []Suggestion{{TargetFile: "tests/util.test.ts", SourceFile: "src/util.ts", Kind: KindUnit, Priority: PriorityLow,
		Patch: Patch{Op: OpCreate, Path: "tests/util.test.ts", Content: []byte("x")}}}
	if _, _, err := s.PutBatch(ctx, testFingerprint("agg-2", "src/util.ts"), BatchMeta{}, other, false); err != nil {
		t.Fatal(err)
	}

	// Unrelated path: first batch untouched.
	sg, err := s.Get(ctx, Key{Batch: first.ID, Ordinal: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sg.State != StateSuggested {
		t.Errorf("unrelated batch changed state to %s", sg.State)
	}

	if _, _, err := s.PutBatch(ctx, testFingerprint("agg-3", "src/auth/login.ts"), BatchMeta{}, loginSuggestions(), false); err != nil {
		t.Fatal(err)
	}
	sg, err = s.Get(ctx, Key{Batch: first.ID, Ordinal: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sg.State != StateStale {
		t.Errorf("superseded suggestion state = %s, want stale", sg.State)
	}
}

func TestPutBatch_SupersedesByBatchPathsWithoutSource(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	noSource := []Suggestion{{TargetFile: "tests/login.test.ts", Kind: KindUnit, Priority: PriorityHigh,
		Patch: Patch{Op: OpCreate, Path: "tests/login.test.ts", Content: []byte("x")}}}

	first, _, err := s.PutBatch(ctx, testFingerprint("agg-1", "src/auth/login.ts", "src/util.ts"), BatchMeta{}, noSource, false)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.PutBatch(ctx, testFingerprint("agg-2", "src/app.ts"), BatchMeta{}, noSource, false); err != nil {
		t.Fatal(err)
	}
	sg, err := s.Get(ctx, Key{Batch: first.ID, Ordinal: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sg.State != StateSuggested {
		t.Errorf("disjoint batch changed state to %s", sg.State)
	}

	if _, _, err := s.PutBatch(ctx, testFingerprint("agg-3", "src/util.ts"), BatchMeta{}, noSource, false); err != nil {
		t.Fatal(err)
	}
	sg, err = s.Get(ctx, Key{Batch: first.ID, Ordinal: 1})
	if err != nil {
		t.Fatal(err)
	}
	if sg.State != StateStale {
		t.Errorf("overlapping batch should supersede, state = %s", sg.State)
	}
}

func TestLatestBatch_FollowsSurface(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	first, _, err := s.PutBatch(ctx, testFingerprint("agg-1", "src/a.ts"), BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	second, _, err := s.PutBatch(ctx, testFingerprint("agg-2", "src/b.ts"), BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	if latest, err := s.LatestBatch(ctx); err != nil || latest.ID != second.ID {
		t.Fatalf("latest = %v, %v; want %d", latest, err, second.ID)
	}

	if err := s.Surface(ctx, first.ID); err != nil {
		t.Fatal(err)
	}
	if latest, err := s.LatestBatch(ctx); err != nil || latest.ID != first.ID {
		t.Errorf("after surfacing, latest = %v, %v; want %d", latest, err, first.ID)
	}

	// A racing PutBatch that finds the existing batch surfaces it too.
	if _, created, err := s.PutBatch(ctx, testFingerprint("agg-2", "src/b.ts"), BatchMeta{}, nil, false); err != nil || created {
		t.Fatalf("PutBatch = created %v, %v", created, err)
	}
	if latest, err := s.LatestBatch(ctx); err != nil || latest.ID != second.ID {
		t.Errorf("latest = %v, %v; want %d", latest, err, second.ID)
	}
}

func TestPutBatch_Replace(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	fp := testFingerprint("agg-1", "src/auth/login.ts")

	first, _, err := s.PutBatch(ctx, fp, BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	second, created, err := s.PutBatch(ctx, fp, BatchMeta{}, loginSuggestions()[:1], true)
	if err != nil {
		t.Fatal(err)
	}
	if !created || second.ID == first.ID {
		t.Fatal("replace should create a new batch")
	}
	latest, err := s.LatestBatch(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest batch = %d, want %d", latest.ID, second.ID)
	}
	found, err := s.FindBatch(ctx, "agg-1")
	if err != nil || found.ID != second.ID {
		t.Errorf("FindBatch should prefer the newest batch, got %v, %v", found, err)
	}
}

func TestTransition(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b, _, err := s.PutBatch(ctx, testFingerprint("agg-1", "src/auth/login.ts"), BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	k1 := Key{Batch: b.ID, Ordinal: 1}
	k2 := Key{Batch: b.ID, Ordinal: 2}

	if err := s.Transition(ctx, k1, StateApplied, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Applied without a record: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Transition(ctx, k1, StateReverted, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Suggested -> Reverted: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Transition(ctx, k1, StateSuppressed, "hushed"); err != nil {
		t.Fatal(err)
	}
	if err := s.Transition(ctx, k1, StateApplied, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Suppressed -> Applied: expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Transition(ctx, k1, StateStale, "drift"); err != nil {
		t.Errorf("any -> Stale should be allowed: %v", err)
	}
	if err := s.Transition(ctx, k1, StateStale, "drift"); err != nil {
		t.Errorf("Stale -> Stale should be a no-op: %v", err)
	}
	if err := s.Transition(ctx, Key{Batch: b.ID, Ordinal: 9}, StateStale, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	n, err := s.MarkStale(ctx, []Key{k1, k2}, "drift")
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("MarkStale changed %d, want 1", n)
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateSuggested, StateApplied, true},
		{StateSuggested, StateSuppressed, true},
		{StateApplied, StateReverted, true},
		{StateReverted, StateStale, true},
		{StateApplied, StateStale, true},
		{StateApplied, StateSuggested, false},
		{StateReverted, StateApplied, false},
		{StateSuppressed, StateSuggested, false},
		{StateStale, StateApplied, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestAppliedRecordLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b, _, err := s.PutBatch(ctx, testFingerprint("agg-1", "src/auth/login.ts"), BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	key := Key{Batch: b.ID, Ordinal: 1}

	rec := &AppliedRecord{
		Key:          key,
		TargetFile:   "tests/auth/login.test.ts",
		Forward:      Patch{Op: OpCreate, Path: "tests/auth/login.test.ts", Content: []byte("x")},
		Reverse:      Patch{Op: OpDelete, Path: "tests/auth/login.test.ts"},
		PostChecksum: "b3:post",
		CreatedDirs:  []string{"tests/auth", "tests"},
	}
	if err := s.RecordApplied(ctx, rec); err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" || rec.Status != RecordPending {
		t.Fatalf("record not filled in: %+v", rec)
	}
	if err := s.RecordApplied(ctx, &AppliedRecord{Key: key, TargetFile: rec.TargetFile}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second pending record: expected ErrInvalidTransition, got %v", err)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].ID != rec.ID {
		t.Fatalf("pending = %+v", pending)
	}

	if err := s.CommitApplied(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	sg, err := s.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if sg.State != StateApplied {
		t.Errorf("state = %s, want applied", sg.State)
	}

	latest, err := s.LatestApplied(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != rec.ID || latest.Reverse.Op != OpDelete || len(latest.CreatedDirs) != 2 {
		t.Errorf("LatestApplied = %+v", latest)
	}
	byKey, err := s.AppliedRecordFor(ctx, key)
	if err != nil || byKey.ID != rec.ID {
		t.Errorf("AppliedRecordFor = %v, %v", byKey, err)
	}

	if err := s.CommitRevert(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	sg, _ = s.Get(ctx, key)
	if sg.State != StateReverted {
		t.Errorf("state = %s, want reverted", sg.State)
	}
	if _, err := s.LatestApplied(ctx); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected no applied records after revert, got %v", err)
	}
	if err := s.CommitRevert(ctx, rec.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("double revert: expected ErrInvalidTransition, got %v", err)
	}
}

func TestPendingRecordResolution(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	b, _, err := s.PutBatch(ctx, testFingerprint("agg-1", "src/auth/login.ts"), BatchMeta{}, loginSuggestions(), false)
	if err != nil {
		t.Fatal(err)
	}
	k1 := Key{Batch: b.ID, Ordinal: 1}
	k2 := Key{Batch: b.ID, Ordinal: 2}

	r1 := &AppliedRecord{Key: k1, TargetFile: "a"}
	r2 := &AppliedRecord{Key: k2, TargetFile: "b"}
	if err := s.RecordApplied(ctx, r1); err != nil {
		t.Fatal(err)
	}
	if err := s.RecordApplied(ctx, r2); err != nil {
		t.Fatal(err)
	}

	if err := s.DiscardApplied(ctx, r1.ID); err != nil {
		t.Fatal(err)
	}
	sg, _ := s.Get(ctx, k1)
	if sg.State != StateSuggested {
		t.Errorf("discarded apply should leave suggestion Suggested, got %s", sg.State)
	}

	if err := s.AbandonApplied(ctx, r2.ID, "interrupted apply"); err != nil {
		t.Fatal(err)
	}
	sg, _ = s.Get(ctx, k2)
	if sg.State != StateStale || sg.StateReason != "interrupted apply" {
		t.Errorf("abandoned apply: state = %s (%q)", sg.State, sg.StateReason)
	}

	pending, err := s.PendingRecords(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Errorf("expected no pending records, got %d", len(pending))
	}
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("3/2")
	if err != nil {
		t.Fatal(err)
	}
	if k != (Key{Batch: 3, Ordinal: 2}) {
		t.Errorf("ParseKey = %+v", k)
	}
	if k.String() != "3/2" {
		t.Errorf("String = %s", k.String())
	}
	for _, bad := range []string{"", "3", "a/1", "1/b"} {
		if _, err := ParseKey(bad); err == nil {
			t.Errorf("ParseKey(%q) should fail", bad)
		}
	}
}
