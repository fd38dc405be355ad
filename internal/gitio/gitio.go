// Package gitio reads staged and uncommitted changes from a Git repository
// using go-git.
package gitio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"vibetap/internal/cas"
)

// ErrNotARepo is returned when no repository encloses the given path.
var ErrNotARepo = errors.New("not a git repository")

// Repository wraps a go-git repository and its worktree root.
type Repository struct {
	repo *git.Repository
	root string
}

// Open opens the repository enclosing path.
func Open(path string) (*Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, ErrNotARepo
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository: %w", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	return &Repository{repo: repo, root: wt.Filesystem.Root()}, nil
}

// Root returns the absolute worktree root.
func (r *Repository) Root() string {
	return r.root
}

// GitDir returns the path of the .git directory.
func (r *Repository) GitDir() string {
	return filepath.Join(r.root, git.GitDirName)
}

// IndexPath returns the path of the index file, which changes on every stage.
func (r *Repository) IndexPath() string {
	return filepath.Join(r.GitDir(), "index")
}

// StagedDiff returns the diff between HEAD and the index.
func (r *Repository) StagedDiff() (*Diff, error) {
	head, err := r.headFiles()
	if err != nil {
		return nil, err
	}

	idx, err := r.repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("reading index: %w", err)
	}

	// Resolved entries carry stage 0; stages 1-3 are the sides of an
	// unmerged path, which is neither staged nor deleted until resolved.
	staged := make(map[string]plumbing.Hash, len(idx.Entries))
	unmerged := make(map[string]bool)
	for _, e := range idx.Entries {
		if e.Mode == filemode.Submodule {
			continue
		}
		if e.Stage != 0 {
			unmerged[e.Name] = true
			continue
		}
		staged[e.Name] = e.Hash
	}

	d := &Diff{}
	for path, newHash := range staged {
		oldHash, inHead := head[path]
		if inHead && oldHash == newHash {
			continue
		}
		var before []byte
		if inHead {
			if before, err = r.blob(oldHash); err != nil {
				return nil, err
			}
		}
		after, err := r.blob(newHash)
		if err != nil {
			return nil, err
		}
		status := StatusModified
		if !inHead {
			status = StatusAdded
		}
		d.Files = append(d.Files, buildChange(path, status, before, after))
	}
	for path, oldHash := range head {
		if _, ok := staged[path]; ok || unmerged[path] {
			continue
		}
		before, err := r.blob(oldHash)
		if err != nil {
			return nil, err
		}
		d.Files = append(d.Files, buildChange(path, StatusDeleted, before, nil))
	}

	d.sort()
	return d, nil
}

// UncommittedDiff returns the diff between HEAD and the working tree,
// covering both staged and unstaged modifications plus untracked files.
func (r *Repository) UncommittedDiff() (*Diff, error) {
	head, err := r.headFiles()
	if err != nil {
		return nil, err
	}

	wt, err := r.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	st, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading status: %w", err)
	}

	d := &Diff{}
	for path, fs := range st {
		if fs.Staging == git.Unmodified && fs.Worktree == git.Unmodified {
			continue
		}
		var before []byte
		oldHash, inHead := head[path]
		if inHead {
			if before, err = r.blob(oldHash); err != nil {
				return nil, err
			}
		}
		after, err := os.ReadFile(filepath.Join(r.root, filepath.FromSlash(path)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		switch {
		case err != nil && inHead:
			d.Files = append(d.Files, buildChange(path, StatusDeleted, before, nil))
		case err != nil:
			continue
		case !inHead:
			d.Files = append(d.Files, buildChange(path, StatusAdded, nil, after))
		case !bytes.Equal(before, after):
			d.Files = append(d.Files, buildChange(path, StatusModified, before, after))
		}
	}

	d.sort()
	return d, nil
}

// headFiles maps every path in the HEAD tree to its blob hash. An unborn
// HEAD yields an empty map.
func (r *Repository) headFiles() (map[string]plumbing.Hash, error) {
	files := make(map[string]plumbing.Hash)

	ref, err := r.repo.Head()
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return files, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	commit, err := r.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("getting commit: %w", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("getting tree: %w", err)
	}

	err = tree.Files().ForEach(func(f *object.File) error {
		if f.Mode == filemode.Submodule {
			return nil
		}
		files[f.Name] = f.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking tree: %w", err)
	}
	return files, nil
}

func (r *Repository) blob(h plumbing.Hash) ([]byte, error) {
	b, err := r.repo.BlobObject(h)
	if err != nil {
		return nil, fmt.Errorf("getting blob %s: %w", h, err)
	}
	reader, err := b.Reader()
	if err != nil {
		return nil, fmt.Errorf("opening blob %s: %w", h, err)
	}
	defer reader.Close()

	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", h, err)
	}
	return content, nil
}

func buildChange(path string, status ChangeStatus, before, after []byte) FileChange {
	fc := FileChange{Path: path, Status: status}
	if after != nil {
		fc.BlobDigest = cas.Checksum(after)
	}
	if isBinary(before) || isBinary(after) {
		fc.Binary = true
		return fc
	}
	fc.Hunks = ComputeHunks(path, string(before), string(after), DefaultContext)
	return fc
}

func isBinary(content []byte) bool {
	n := len(content)
	if n > 8000 {
		n = 8000
	}
	return bytes.IndexByte(content[:n], 0) >= 0
}

// Language returns a language tag derived from the file extension.
func Language(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "ts", "tsx":
		return "typescript"
	case "js", "jsx", "mjs", "cjs":
		return "javascript"
	case "py":
		return "python"
	case "rs":
		return "rust"
	case "go":
		return "go"
	case "java":
		return "java"
	case "rb":
		return "ruby"
	case "php":
		return "php"
	case "cs":
		return "csharp"
	case "cpp", "cc", "cxx":
		return "cpp"
	case "c", "h":
		return "c"
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	case "md":
		return "markdown"
	case "sql":
		return "sql"
	case "sh", "bash":
		return "shell"
	case "css":
		return "css"
	case "scss", "sass":
		return "scss"
	case "html", "htm":
		return "html"
	default:
		return "text"
	}
}

func (d *Diff) sort() {
	sort.Slice(d.Files, func(i, j int) bool { return d.Files[i].Path < d.Files[j].Path })
}
