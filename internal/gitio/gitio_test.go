package gitio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

func TestComputeHunks_SingleEdit(t *testing.T) {
	hunks := ComputeHunks("a.ts", "a\nb\nc\n", "a\nB\nc\n", DefaultContext)
	if len(hunks) != 1 {
		t.Fatalf("expected 1 hunk, got %d", len(hunks))
	}
	h := hunks[0]
	if h.OldStart != 1 || h.OldLines != 3 || h.NewStart != 1 || h.NewLines != 3 {
		t.Errorf("unexpected header %s", h.Header())
	}
	want := " a\n-b\n+B\n c\n"
	if h.Content != want {
		t.Errorf("content = %q, want %q", h.Content, want)
	}
}

func TestComputeHunks_NewFile(t *testing.T) {
	hunks := ComputeHunks("n.ts", "", "x\ny\n", DefaultContext)
	if len(hunks) != 1 {
		t.Fatalf("expected 1 hunk, got %d", len(hunks))
	}
	if got := hunks[0].Header(); got != "@@ -0,0 +1,2 @@" {
		t.Errorf("header = %s", got)
	}
}

func TestComputeHunks_DistantEditsSplit(t *testing.T) {
	var before, after string
	for i := 0; i < 30; i++ {
		line := fmt.Sprintf("line %d\n", i)
		before += line
		switch i {
		case 2, 25:
			after += "changed\n"
		default:
			after += line
		}
	}

	hunks := ComputeHunks("f.go", before, after, DefaultContext)
	if len(hunks) != 2 {
		t.Fatalf("expected 2 hunks for distant edits, got %d", len(hunks))
	}
	if hunks[1].OldStart <= hunks[0].OldStart+hunks[0].OldLines {
		t.Errorf("hunks overlap: %s then %s", hunks[0].Header(), hunks[1].Header())
	}
}

func TestComputeHunks_Identical(t *testing.T) {
	if hunks := ComputeHunks("f", "same\n", "same\n", DefaultContext); hunks != nil {
		t.Errorf("expected no hunks, got %d", len(hunks))
	}
}

func TestDiffFilter(t *testing.T) {
	d := &Diff{Files: []FileChange{{Path: "src/auth/login.ts"}, {Path: "src/app.ts"}}}

	if got := d.Filter("./src/auth/login.ts").Paths(); len(got) != 1 || got[0] != "src/auth/login.ts" {
		t.Errorf("exact filter = %v", got)
	}
	if got := d.Filter("login.ts").Paths(); len(got) != 1 {
		t.Errorf("suffix filter = %v", got)
	}
	if got := d.Filter("pp.ts").Paths(); len(got) != 0 {
		t.Errorf("partial basename must not match, got %v", got)
	}
}

func TestOpen_NotARepo(t *testing.T) {
	_, err := Open(t.TempDir())
	if !errors.Is(err, ErrNotARepo) {
		t.Errorf("expected ErrNotARepo, got %v", err)
	}
}

func TestStagedDiff(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "src/a.ts", "export const a = 1;\n")
	writeFile(t, dir, "src/b.ts", "export const b = 1;\n")
	stage(t, wt, "src/a.ts", "src/b.ts")
	commit(t, wt)

	writeFile(t, dir, "src/a.ts", "export const a = 2;\n")
	writeFile(t, dir, "src/c.ts", "export const c = 3;\n")
	stage(t, wt, "src/a.ts", "src/c.ts")
	// unstaged edit must not appear in the staged diff
	writeFile(t, dir, "src/b.ts", "export const b = 99;\n")

	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := repo.StagedDiff()
	if err != nil {
		t.Fatal(err)
	}

	paths := d.Paths()
	if len(paths) != 2 || paths[0] != "src/a.ts" || paths[1] != "src/c.ts" {
		t.Fatalf("staged paths = %v", paths)
	}
	a, _ := d.File("src/a.ts")
	if a.Status != StatusModified || len(a.Hunks) != 1 {
		t.Errorf("src/a.ts: status %s hunks %d", a.Status, len(a.Hunks))
	}
	c, _ := d.File("src/c.ts")
	if c.Status != StatusAdded {
		t.Errorf("src/c.ts status = %s", c.Status)
	}

	u, err := repo.UncommittedDiff()
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := u.File("src/b.ts"); !ok {
		t.Errorf("uncommitted diff should include src/b.ts, got %v", u.Paths())
	}
}

func TestStagedDiff_UnbornHead(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "x.go", "package x\n")
	stage(t, wt, "x.go")

	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := repo.StagedDiff()
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Files) != 1 || d.Files[0].Status != StatusAdded {
		t.Errorf("expected single added file, got %+v", d.Files)
	}
}

func TestStagedDiff_NoChangesAfterCommit(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "README.md", "# demo\n")
	writeFile(t, dir, "src/a.ts", "export const a = 1;\n")
	stage(t, wt, "README.md", "src/a.ts")
	commit(t, wt)

	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	d, err := repo.StagedDiff()
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Files) != 0 {
		t.Errorf("clean index should have no staged changes, got %v", d.Paths())
	}

	if _, err := wt.Remove("README.md"); err != nil {
		t.Fatal(err)
	}
	if d, err = repo.StagedDiff(); err != nil {
		t.Fatal(err)
	}
	if len(d.Files) != 1 || d.Files[0].Path != "README.md" || d.Files[0].Status != StatusDeleted {
		t.Errorf("expected README.md deleted, got %+v", d.Files)
	}
}

func TestStagedDiff_UnmergedPathSkipped(t *testing.T) {
	dir, wt := initRepo(t)
	writeFile(t, dir, "src/a.ts", "export const a = 1;\n")
	writeFile(t, dir, "src/b.ts", "export const b = 1;\n")
	stage(t, wt, "src/a.ts", "src/b.ts")
	commit(t, wt)

	repo, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	idx, err := repo.repo.Storer.Index()
	if err != nil {
		t.Fatal(err)
	}
	var entries []*index.Entry
	for _, e := range idx.Entries {
		if e.Name != "src/a.ts" {
			entries = append(entries, e)
			continue
		}
		ours, theirs := *e, *e
		ours.Stage, theirs.Stage = index.OurMode, index.TheirMode
		entries = append(entries, &ours, &theirs)
	}
	idx.Entries = entries
	if err := repo.repo.Storer.SetIndex(idx); err != nil {
		t.Fatal(err)
	}

	d, err := repo.StagedDiff()
	if err != nil {
		t.Fatal(err)
	}
	if len(d.Files) != 0 {
		t.Errorf("unmerged path must be neither staged nor deleted, got %+v", d.Files)
	}
}

func initRepo(t *testing.T) (string, *git.Worktree) {
	t.Helper()
	dir := t.TempDir()
	r, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatal(err)
	}
	wt, err := r.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	return dir, wt
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func stage(t *testing.T, wt *git.Worktree, paths ...string) {
	t.Helper()
	for _, p := range paths {
		if _, err := wt.Add(p); err != nil {
			t.Fatalf("adding %s: %v", p, err)
		}
	}
}

func commit(t *testing.T, wt *git.Worktree) {
	t.Helper()
	_, err := wt.Commit("test", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	})
	if err != nil {
		t.Fatal(err)
	}
}
