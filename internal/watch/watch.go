// Package watch signals when the git index or the worktree has settled after
// a change. It prefers fsnotify and falls back to polling when native events
// are unavailable.
package watch

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 2 * time.Second
	DefaultPoll     = time.Second
)

// skipDirs are never watched or scanned.
var skipDirs = map[string]bool{
	".git":         true,
	".vibetap":     true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	".venv":        true,
	"__pycache__":  true,
}

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration
	Poll     time.Duration
	// ForcePoll disables fsnotify.
	ForcePoll bool
	Logger    *zap.Logger
}

// Watcher emits one signal per settled burst of changes.
type Watcher struct {
	root      string
	indexPath string
	debounce  time.Duration
	poll      time.Duration
	forcePoll bool
	log       *zap.Logger

	changes chan struct{}
}

// New creates a watcher for the worktree at root whose index file is
// indexPath.
func New(root, indexPath string, opts Options) *Watcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Poll <= 0 {
		opts.Poll = DefaultPoll
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		root:      root,
		indexPath: indexPath,
		debounce:  opts.Debounce,
		poll:      opts.Poll,
		forcePoll: opts.ForcePoll,
		log:       opts.Logger,
		changes:   make(chan struct{}, 1),
	}
}

// Changes delivers a value after each settled change. At most one signal is
// buffered, so a slow consumer sees a single pending signal rather than a
// backlog.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Run watches until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.forcePoll {
		fw, err := w.newNotify()
		if err == nil {
			defer fw.Close()
			w.log.Debug("watching with fsnotify", zap.String("root", w.root))
			return w.notifyLoop(ctx, fw)
		}
		w.log.Warn("native file events unavailable, polling", zap.Error(err))
	}
	w.log.Debug("watching by polling", zap.String("root", w.root), zap.Duration("interval", w.poll))
	return w.pollLoop(ctx)
}

func (w *Watcher) newNotify() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// The index is replaced by rename on every stage, so watch its directory.
	if err := fw.Add(filepath.Dir(w.indexPath)); err != nil {
		fw.Close()
		return nil, err
	}
	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
	if err != nil {
		fw.Close()
		return nil, err
	}
	return fw, nil
}

func (w *Watcher) notifyLoop(ctx context.Context, fw *fsnotify.Watcher) error {
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() && !skipDirs[filepath.Base(ev.Name)] {
					if err := fw.Add(ev.Name); err != nil {
						w.log.Debug("watching new directory", zap.String("path", ev.Name), zap.Error(err))
					}
				}
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			w.signal()
		}
	}
}

// relevant filters out churn inside .git other than the index itself and
// our own temporary files.
func (w *Watcher) relevant(path string) bool {
	if path == w.indexPath {
		return true
	}
	if strings.Contains(filepath.Base(path), ".tmp.") {
		return false
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if skipDirs[part] {
			return false
		}
	}
	return true
}

func (w *Watcher) pollLoop(ctx context.Context) error {
	last, err := w.scan()
	if err != nil {
		return err
	}
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	var changedAt time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			sig, err := w.scan()
			if err != nil {
				w.log.Warn("poll scan failed", zap.Error(err))
				continue
			}
			if sig != last {
				last = sig
				changedAt = now
				continue
			}
			if !changedAt.IsZero() && now.Sub(changedAt) >= w.debounce {
				changedAt = time.Time{}
				w.signal()
			}
		}
	}
}

type signature struct {
	files  int
	size   int64
	latest int64
}

// scan summarizes the index and worktree cheaply: file count, total size and
// newest modification time.
func (w *Watcher) scan() (signature, error) {
	var sig signature
	if info, err := os.Stat(w.indexPath); err == nil {
		sig.size += info.Size()
		sig.latest = info.ModTime().UnixNano()
	} else if !errors.Is(err, fs.ErrNotExist) {
		return sig, err
	}
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != w.root && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		sig.files++
		sig.size += info.Size()
		if m := info.ModTime().UnixNano(); m > sig.latest {
			sig.latest = m
		}
		return nil
	})
	return sig, err
}

func (w *Watcher) signal() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
