// Package lifecycle sequences the suggestion lifecycle for one repository:
// fingerprint the change set, consult suppressions and the cache, query the
// service on a miss, record the batch, and apply, revert or hush on request.
package lifecycle

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"vibetap/internal/config"
	"vibetap/internal/gitio"
	"vibetap/internal/hush"
	"vibetap/internal/patch"
	"vibetap/internal/remote"
	"vibetap/internal/storage"
	"vibetap/internal/suggest"
)

// DefaultReconcileGrace is how old a pending applied record must be before
// another process may resolve it.
const DefaultReconcileGrace = 30 * time.Second

// Phase is a step of one now/watch cycle.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseFingerprinting Phase = "fingerprinting"
	PhaseCacheHit       Phase = "cache_hit"
	PhaseQuerying       Phase = "querying"
	PhaseReady          Phase = "ready"
	PhaseApplying       Phase = "applying"
	PhaseReverting      Phase = "reverting"
	PhaseSuppressing    Phase = "suppressing"
)

// DiffSource reads the change sets a cycle works from.
type DiffSource interface {
	Root() string
	IndexPath() string
	StagedDiff() (*gitio.Diff, error)
	UncommittedDiff() (*gitio.Diff, error)
}

// Options wires an Agent.
type Options struct {
	Repo     DiffSource
	Store    *suggest.Store
	Hush     *hush.Registry
	Engine   *patch.Engine
	Analyzer remote.Analyzer
	Project  *config.Project
	Logger   *zap.Logger

	// ReconcileGrace overrides DefaultReconcileGrace.
	ReconcileGrace time.Duration
	// OnPhase observes phase changes.
	OnPhase func(Phase)
}

// Agent runs lifecycle operations against one repository.
type Agent struct {
	repo     DiffSource
	store    *suggest.Store
	hush     *hush.Registry
	engine   *patch.Engine
	analyzer remote.Analyzer
	project  *config.Project
	log      *zap.Logger
	grace    time.Duration
	onPhase  func(Phase)

	db *storage.DB
}

// New creates an agent from already-open components.
func New(opts Options) *Agent {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Project == nil {
		opts.Project = config.DefaultProject()
	}
	if opts.ReconcileGrace == 0 {
		opts.ReconcileGrace = DefaultReconcileGrace
	}
	return &Agent{
		repo:     opts.Repo,
		store:    opts.Store,
		hush:     opts.Hush,
		engine:   opts.Engine,
		analyzer: opts.Analyzer,
		project:  opts.Project,
		log:      opts.Logger,
		grace:    opts.ReconcileGrace,
		onPhase:  opts.OnPhase,
	}
}

// Open opens the store under the repository's state directory and builds an
// agent around it. Close releases the store.
func Open(ctx context.Context, repo *gitio.Repository, cfg *config.Config, analyzer remote.Analyzer, log *zap.Logger) (*Agent, error) {
	if log == nil {
		log = zap.NewNop()
	}
	sopts := storage.DefaultOptions()
	sopts.Logger = log
	db, err := storage.Open(ctx, cfg.StoreDir(), sopts)
	if err != nil {
		return nil, err
	}
	engine, err := patch.NewEngine(repo.Root(), log)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := New(Options{
		Repo:     repo,
		Store:    suggest.New(db, log),
		Hush:     hush.New(db, log),
		Engine:   engine,
		Analyzer: analyzer,
		Project:  cfg.Project,
		Logger:   log,
	})
	a.db = db
	return a, nil
}

// Close releases the store when the agent opened it.
func (a *Agent) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// Store exposes the suggestion store for read-only listings.
func (a *Agent) Store() *suggest.Store {
	return a.store
}

// Registry exposes the suppression registry.
func (a *Agent) Registry() *hush.Registry {
	return a.hush
}

// Project returns the project configuration in effect.
func (a *Agent) Project() *config.Project {
	return a.project
}

// Root returns the repository root.
func (a *Agent) Root() string {
	return a.repo.Root()
}

func (a *Agent) phase(p Phase) {
	a.log.Debug("phase", zap.String("phase", string(p)))
	if a.onPhase != nil {
		a.onPhase(p)
	}
}

// ResolveKey parses a suggestion reference. A bare ordinal refers to the
// batch most recently shown by now or watch; "batch/ordinal" is taken as is.
func (a *Agent) ResolveKey(ctx context.Context, ref string) (suggest.Key, error) {
	if k, err := suggest.ParseKey(ref); err == nil {
		return k, nil
	}
	ord, err := strconv.Atoi(ref)
	if err != nil || ord < 1 {
		return suggest.Key{}, fmt.Errorf("invalid suggestion id %q", ref)
	}
	batch, err := a.store.LatestBatch(ctx)
	if err != nil {
		return suggest.Key{}, fmt.Errorf("no suggestions yet: %w", err)
	}
	return suggest.Key{Batch: batch.ID, Ordinal: ord}, nil
}
