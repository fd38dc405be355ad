// Package patch turns suggestions into file mutations on the working tree.
// Every mutation is a single-file atomic replace, and every apply captures
// the reverse patch and checksums needed to undo it safely later.
package patch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"vibetap/internal/cas"
	"vibetap/internal/suggest"
)

const (
	defaultFileMode os.FileMode = 0644
	defaultDirMode  os.FileMode = 0755
)

var (
	// ErrConflict means the target changed since the suggestion was generated.
	ErrConflict = errors.New("file changed since suggestion was generated")
	// ErrRevertConflict means the target changed since the suggestion was applied.
	ErrRevertConflict = errors.New("file changed since suggestion was applied")
	// ErrAlreadyExists means a new-file suggestion found its path occupied.
	ErrAlreadyExists = errors.New("target file already exists")
	// ErrPatchRejected means a unified diff does not apply to the file.
	ErrPatchRejected = errors.New("patch does not apply")
	// ErrPathEscapes means a target resolves outside the repository.
	ErrPathEscapes = errors.New("path escapes repository root")
)

// ConflictError reports a checksum mismatch before apply or revert.
type ConflictError struct {
	Path     string
	Expected string
	Actual   string
	Revert   bool
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s (expected %s, found %s)", e.Path, e.Unwrap(), short(e.Expected), short(e.Actual))
}

func (e *ConflictError) Unwrap() error {
	if e.Revert {
		return ErrRevertConflict
	}
	return ErrConflict
}

func short(sum string) string {
	if sum == cas.AbsentChecksum {
		return "absent"
	}
	s := strings.TrimPrefix(sum, cas.ChecksumPrefix)
	if len(s) > 12 {
		s = s[:12]
	}
	return s
}

// Journal durably records apply intent before the working tree changes.
// suggest.Store satisfies it.
type Journal interface {
	RecordApplied(ctx context.Context, rec *suggest.AppliedRecord) error
	CommitApplied(ctx context.Context, recordID string) error
	DiscardApplied(ctx context.Context, recordID string) error
	CommitRevert(ctx context.Context, recordID string) error
}

// Engine applies and reverts patches under a repository root.
type Engine struct {
	root string
	log  *zap.Logger
}

// NewEngine creates an engine rooted at root.
func NewEngine(root string, log *zap.Logger) (*Engine, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{root: abs, log: log}, nil
}

// Root returns the absolute repository root.
func (e *Engine) Root() string {
	return e.root
}

// Plan is a computed but unwritten application.
type Plan struct {
	Record suggest.AppliedRecord
	// Warnings are non-fatal findings such as a syntax error in the result.
	Warnings []string

	abs     string
	post    []byte
	mode    os.FileMode
	deleted bool
}

// Resolve maps a repository-relative path to an absolute one, refusing
// paths that leave the root.
func (e *Engine) Resolve(rel string) (string, error) {
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	r, err := filepath.Rel(e.root, abs)
	if err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("%w: %s", ErrPathEscapes, rel)
	}
	return abs, nil
}

// Prepare computes the result of applying sg without touching the disk. It
// fails with ErrConflict when an existing target no longer matches the
// checksum captured at generation time, and with ErrAlreadyExists when a
// new-file target is now occupied by non-empty content.
func (e *Engine) Prepare(ctx context.Context, sg *suggest.Suggestion) (*Plan, error) {
	abs, err := e.Resolve(sg.TargetFile)
	if err != nil {
		return nil, err
	}

	current, mode, exists, err := readTarget(abs)
	if err != nil {
		return nil, err
	}
	pre := cas.AbsentChecksum
	if exists {
		pre = cas.Checksum(current)
	}

	p := &Plan{abs: abs, mode: mode}
	fwd := sg.Patch
	fwd.Path = sg.TargetFile

	switch fwd.Op {
	case suggest.OpCreate:
		if exists && len(current) > 0 {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, sg.TargetFile)
		}
		p.post = fwd.Content
		if !exists {
			p.mode = defaultFileMode
		}

	case suggest.OpAppend, suggest.OpUnified, suggest.OpReplace, suggest.OpDelete:
		if pre != sg.BaseChecksum {
			return nil, &ConflictError{Path: sg.TargetFile, Expected: sg.BaseChecksum, Actual: pre}
		}
		switch fwd.Op {
		case suggest.OpAppend:
			p.post = appendContent(current, fwd.Content)
		case suggest.OpUnified:
			if p.post, err = applyUnified(current, fwd.Content); err != nil {
				return nil, fmt.Errorf("%s: %w", sg.TargetFile, err)
			}
		case suggest.OpReplace:
			p.post = fwd.Content
			if fwd.Mode != 0 {
				p.mode = os.FileMode(fwd.Mode)
			}
		case suggest.OpDelete:
			if !exists {
				return nil, fmt.Errorf("%s: nothing to delete", sg.TargetFile)
			}
			p.deleted = true
		}
		if !exists && !p.deleted {
			p.mode = defaultFileMode
		}

	default:
		return nil, fmt.Errorf("%s: unknown patch op %q", sg.TargetFile, fwd.Op)
	}

	post := cas.AbsentChecksum
	if !p.deleted {
		if p.post == nil {
			p.post = []byte{}
		}
		post = cas.Checksum(p.post)
		if line := syntaxErrorLine(ctx, sg.TargetFile, p.post); line > 0 {
			p.Warnings = append(p.Warnings, fmt.Sprintf("%s:%d: result does not parse cleanly", sg.TargetFile, line))
		}
	}

	var reverse suggest.Patch
	if exists {
		reverse = suggest.Patch{Op: suggest.OpReplace, Path: sg.TargetFile, Content: current, Mode: uint32(mode.Perm())}
	} else {
		reverse = suggest.Patch{Op: suggest.OpDelete, Path: sg.TargetFile}
	}

	createdDirs, err := e.missingDirs(filepath.Dir(abs))
	if err != nil {
		return nil, err
	}

	p.Record = suggest.AppliedRecord{
		Key:          sg.Key,
		TargetFile:   sg.TargetFile,
		Forward:      fwd,
		Reverse:      reverse,
		PreChecksum:  pre,
		PostChecksum: post,
		CreatedDirs:  createdDirs,
	}
	return p, nil
}

// Execute writes a prepared plan. The target is re-checked against the
// plan's pre-checksum first, so a write racing between Prepare and Execute
// surfaces as a conflict rather than being overwritten.
func (e *Engine) Execute(p *Plan) error {
	actual, err := cas.FileChecksum(p.abs)
	if err != nil {
		return err
	}
	if actual != p.Record.PreChecksum {
		return &ConflictError{Path: p.Record.TargetFile, Expected: p.Record.PreChecksum, Actual: actual}
	}

	if p.deleted {
		if err := os.Remove(p.abs); err != nil {
			return fmt.Errorf("removing %s: %w", p.Record.TargetFile, err)
		}
		syncDir(filepath.Dir(p.abs))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(p.abs), defaultDirMode); err != nil {
		return fmt.Errorf("creating directories: %w", err)
	}
	if err := writeFileAtomic(p.abs, p.post, p.mode); err != nil {
		return fmt.Errorf("writing %s: %w", p.Record.TargetFile, err)
	}
	return nil
}

// Apply runs the full apply protocol: prepare, persist the pending record,
// write, then commit the record. A failed write discards the record; a
// failed commit leaves it pending for reconciliation on the next run.
func (e *Engine) Apply(ctx context.Context, sg *suggest.Suggestion, j Journal) (*suggest.AppliedRecord, error) {
	plan, err := e.Prepare(ctx, sg)
	if err != nil {
		return nil, err
	}
	for _, w := range plan.Warnings {
		e.log.Warn("suggestion applied with warnings", zap.String("suggestion", sg.Key.String()), zap.String("warning", w))
	}

	rec := plan.Record
	if err := j.RecordApplied(ctx, &rec); err != nil {
		return nil, err
	}

	if err := e.Execute(plan); err != nil {
		if derr := j.DiscardApplied(ctx, rec.ID); derr != nil {
			e.log.Error("discarding failed apply", zap.String("record", rec.ID), zap.Error(derr))
		}
		return nil, err
	}

	if err := j.CommitApplied(ctx, rec.ID); err != nil {
		return nil, fmt.Errorf("file written but apply not confirmed (will reconcile): %w", err)
	}
	rec.Status = suggest.RecordCommitted

	e.log.Info("suggestion applied",
		zap.String("suggestion", sg.Key.String()),
		zap.String("path", sg.TargetFile),
		zap.String("record", rec.ID))
	return &rec, nil
}

// Result is the outcome of one suggestion in ApplyAll.
type Result struct {
	Key    suggest.Key
	Path   string
	Record *suggest.AppliedRecord
	Err    error
}

// ApplyAll applies each suggestion in ascending key order. A failure is
// recorded against its suggestion and the batch continues.
func (e *Engine) ApplyAll(ctx context.Context, sgs []suggest.Suggestion, j Journal) []Result {
	ordered := make([]suggest.Suggestion, len(sgs))
	copy(ordered, sgs)
	sort.Slice(ordered, func(a, b int) bool {
		if ordered[a].Key.Batch != ordered[b].Key.Batch {
			return ordered[a].Key.Batch < ordered[b].Key.Batch
		}
		return ordered[a].Key.Ordinal < ordered[b].Key.Ordinal
	})

	results := make([]Result, 0, len(ordered))
	for i := range ordered {
		sg := &ordered[i]
		r := Result{Key: sg.Key, Path: sg.TargetFile}
		if err := ctx.Err(); err != nil {
			r.Err = err
		} else {
			r.Record, r.Err = e.Apply(ctx, sg, j)
		}
		if r.Err != nil {
			e.log.Warn("apply failed", zap.String("suggestion", sg.Key.String()), zap.String("path", sg.TargetFile), zap.Error(r.Err))
		}
		results = append(results, r)
	}
	return results
}

// Revert undoes rec. The target must still hold exactly what the apply
// wrote; otherwise the revert fails with ErrRevertConflict and nothing is
// touched. Directories the apply created are removed when left empty.
func (e *Engine) Revert(ctx context.Context, rec *suggest.AppliedRecord, j Journal) error {
	abs, err := e.Resolve(rec.TargetFile)
	if err != nil {
		return err
	}
	actual, err := cas.FileChecksum(abs)
	if err != nil {
		return err
	}

	switch actual {
	case rec.PostChecksum:
		if err := e.write(abs, rec.Reverse); err != nil {
			return err
		}
		e.removeCreatedDirs(rec.CreatedDirs)
	case rec.PreChecksum:
		// Restored on disk by an earlier revert whose commit did not land.
		e.log.Debug("target already at pre-apply state", zap.String("path", rec.TargetFile))
	default:
		return &ConflictError{Path: rec.TargetFile, Expected: rec.PostChecksum, Actual: actual, Revert: true}
	}

	if err := j.CommitRevert(ctx, rec.ID); err != nil {
		return err
	}
	e.log.Info("suggestion reverted",
		zap.String("suggestion", rec.Key.String()),
		zap.String("path", rec.TargetFile))
	return nil
}

// write performs a reverse patch, which is always a delete or a replace.
func (e *Engine) write(abs string, p suggest.Patch) error {
	switch p.Op {
	case suggest.OpDelete:
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", p.Path, err)
		}
		syncDir(filepath.Dir(abs))
		return nil
	case suggest.OpReplace:
		mode := os.FileMode(p.Mode)
		if mode == 0 {
			mode = defaultFileMode
		}
		if err := os.MkdirAll(filepath.Dir(abs), defaultDirMode); err != nil {
			return err
		}
		return writeFileAtomic(abs, p.Content, mode)
	}
	return fmt.Errorf("%s: unsupported reverse op %q", p.Path, p.Op)
}

// missingDirs lists the directories between root and dir that do not exist
// yet, deepest first, as repository-relative slash paths.
func (e *Engine) missingDirs(dir string) ([]string, error) {
	var out []string
	for dir != e.root && strings.HasPrefix(dir, e.root) {
		_, err := os.Stat(dir)
		if err == nil {
			break
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		rel, err := filepath.Rel(e.root, dir)
		if err != nil {
			return nil, err
		}
		out = append(out, filepath.ToSlash(rel))
		dir = filepath.Dir(dir)
	}
	return out, nil
}

func (e *Engine) removeCreatedDirs(dirs []string) {
	for _, d := range dirs {
		abs, err := e.Resolve(d)
		if err != nil {
			continue
		}
		// Remove fails on non-empty directories, which is what we want.
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			e.log.Debug("kept created directory", zap.String("path", d), zap.Error(err))
		}
	}
}

// Verify reports the on-disk checksum of a repository-relative path.
func (e *Engine) Verify(rel string) (string, error) {
	abs, err := e.Resolve(rel)
	if err != nil {
		return "", err
	}
	return cas.FileChecksum(abs)
}

func readTarget(abs string) (content []byte, mode os.FileMode, exists bool, err error) {
	info, err := os.Stat(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	if info.IsDir() {
		return nil, 0, false, fmt.Errorf("%s is a directory", abs)
	}
	content, err = os.ReadFile(abs)
	if err != nil {
		return nil, 0, false, err
	}
	return content, info.Mode().Perm(), true, nil
}

func appendContent(current, addition []byte) []byte {
	out := make([]byte, 0, len(current)+len(addition)+2)
	out = append(out, current...)
	if len(current) > 0 && !bytes.HasSuffix(current, []byte("\n")) {
		out = append(out, '\n')
	}
	if len(current) > 0 {
		out = append(out, '\n')
	}
	out = append(out, addition...)
	if len(addition) > 0 && !bytes.HasSuffix(addition, []byte("\n")) {
		out = append(out, '\n')
	}
	return out
}
