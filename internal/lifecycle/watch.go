package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"vibetap/internal/watch"
)

// WatchOptions controls Watch.
type WatchOptions struct {
	Now       NowOptions
	Debounce  time.Duration
	Poll      time.Duration
	ForcePoll bool
	// OnCycle receives every cycle's outcome, failed ones included.
	OnCycle func(Cycle)
}

// Cycle is one completed watch iteration.
type Cycle struct {
	ID     string
	Result *NowResult
	Err    error
}

// Watch runs a cycle at start and then once per settled change to the
// index or worktree until ctx is done. Cycles never overlap, and queries
// are limited to one per debounce window. A failed cycle is reported and
// watching continues.
func (a *Agent) Watch(ctx context.Context, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = a.project.Debounce()
	}
	if opts.Debounce <= 0 {
		opts.Debounce = watch.DefaultDebounce
	}
	if opts.Poll <= 0 {
		opts.Poll = a.project.Poll()
	}

	w := watch.New(a.repo.Root(), a.repo.IndexPath(), watch.Options{
		Debounce:  opts.Debounce,
		Poll:      opts.Poll,
		ForcePoll: opts.ForcePoll,
		Logger:    a.log,
	})
	limiter := rate.NewLimiter(rate.Every(opts.Debounce), 1)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(ctx)
	})
	g.Go(func() error {
		a.cycle(ctx, limiter, opts)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-w.Changes():
				a.cycle(ctx, limiter, opts)
			}
		}
	})

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (a *Agent) cycle(ctx context.Context, limiter *rate.Limiter, opts WatchOptions) {
	if err := limiter.Wait(ctx); err != nil {
		return
	}
	c := Cycle{ID: uuid.NewString()}
	log := a.log.With(zap.String("cycle", c.ID))
	log.Debug("cycle started")

	c.Result, c.Err = a.Now(ctx, opts.Now)
	if c.Err != nil {
		if ctx.Err() != nil {
			return
		}
		log.Warn("cycle failed", zap.Error(c.Err))
	} else {
		log.Debug("cycle finished",
			zap.Bool("cached", c.Result.CacheHit),
			zap.Int("suggestions", len(c.Result.Suggestions)),
			zap.Int("stale", c.Result.Stale))
	}
	if opts.OnCycle != nil {
		opts.OnCycle(c)
	}
}
