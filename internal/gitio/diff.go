package gitio

import (
	"fmt"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// DefaultContext is the number of unchanged lines kept around each hunk.
const DefaultContext = 3

// ChangeStatus describes how a file differs from HEAD.
type ChangeStatus string

const (
	StatusAdded    ChangeStatus = "added"
	StatusModified ChangeStatus = "modified"
	StatusDeleted  ChangeStatus = "deleted"
)

// Hunk is one unified-diff hunk. Content holds the hunk body with each line
// prefixed by its origin (' ', '-' or '+').
type Hunk struct {
	Path     string
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Content  string
}

// Header returns the "@@ -a,b +c,d @@" line for the hunk.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// FileChange is the set of hunks for one path. BlobDigest is the checksum
// of the new content and is empty for deletions.
type FileChange struct {
	Path       string
	Status     ChangeStatus
	Binary     bool
	BlobDigest string
	Hunks      []Hunk
}

// Diff is a snapshot of changes, files sorted by path.
type Diff struct {
	Files []FileChange
}

// Empty reports whether the diff carries no file changes.
func (d *Diff) Empty() bool {
	return d == nil || len(d.Files) == 0
}

// Paths returns the changed paths in sorted order.
func (d *Diff) Paths() []string {
	paths := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// Hunks returns every hunk across all files.
func (d *Diff) Hunks() []Hunk {
	var out []Hunk
	for _, f := range d.Files {
		out = append(out, f.Hunks...)
	}
	return out
}

// File returns the change for path, if present.
func (d *Diff) File(path string) (FileChange, bool) {
	for _, f := range d.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileChange{}, false
}

// Filter keeps only files whose path equals filter or ends with it, after
// trimming a leading "./" from both.
func (d *Diff) Filter(filter string) *Diff {
	filter = strings.TrimPrefix(filter, "./")
	out := &Diff{}
	for _, f := range d.Files {
		p := strings.TrimPrefix(f.Path, "./")
		if p == filter || strings.HasSuffix(p, "/"+filter) {
			out.Files = append(out.Files, f)
		}
	}
	return out
}

type lineOp struct {
	kind byte
	text string
}

// ComputeHunks produces unified-diff hunks for before -> after with the given
// number of context lines.
func ComputeHunks(path, before, after string, context int) []Hunk {
	if before == after {
		return nil
	}

	dmp := diffmatchpatch.New()
	chars1, chars2, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(chars1, chars2, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	var ops []lineOp
	for _, d := range diffs {
		kind := byte(' ')
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			kind = '-'
		case diffmatchpatch.DiffInsert:
			kind = '+'
		}
		for _, line := range splitLines(d.Text) {
			ops = append(ops, lineOp{kind: kind, text: line})
		}
	}

	// oldPos[i] / newPos[i]: 1-based line number of ops[i] on each side.
	oldPos := make([]int, len(ops))
	newPos := make([]int, len(ops))
	o, n := 1, 1
	for i, op := range ops {
		oldPos[i], newPos[i] = o, n
		if op.kind != '+' {
			o++
		}
		if op.kind != '-' {
			n++
		}
	}

	var hunks []Hunk
	for i := 0; i < len(ops); i++ {
		if ops[i].kind == ' ' {
			continue
		}
		start := i - context
		if start < 0 {
			start = 0
		}
		last := i
		j := i + 1
		for ; j < len(ops); j++ {
			if ops[j].kind != ' ' {
				last = j
				continue
			}
			if j-last > 2*context {
				break
			}
		}
		end := last + context
		if end >= len(ops) {
			end = len(ops) - 1
		}

		h := Hunk{Path: path, OldStart: oldPos[start], NewStart: newPos[start]}
		var body strings.Builder
		for k := start; k <= end; k++ {
			op := ops[k]
			if op.kind != '+' {
				h.OldLines++
			}
			if op.kind != '-' {
				h.NewLines++
			}
			body.WriteByte(op.kind)
			body.WriteString(op.text)
			if !strings.HasSuffix(op.text, "\n") {
				body.WriteString("\n\\ No newline at end of file\n")
			}
		}
		if h.OldLines == 0 {
			h.OldStart--
		}
		if h.NewLines == 0 {
			h.NewStart--
		}
		h.Content = body.String()
		hunks = append(hunks, h)
		i = end
	}
	return hunks
}

// splitLines splits text after each newline, keeping the terminator.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
