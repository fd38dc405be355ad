// Package hook manages the vibetap section of a repository's pre-commit hook.
package hook

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// Marker opens the vibetap section of the hook script.
	Marker = "# vibetap pre-commit hook"
	// EndMarker closes it.
	EndMarker = "# End vibetap hook"

	blockingTag     = "# mode: blocking"
	securityOnlyTag = "# filter: security-only"
	shebang         = "#!/bin/sh"
)

var (
	ErrAlreadyInstalled = errors.New("vibetap hook is already installed")
	ErrNotInstalled     = errors.New("vibetap hook is not installed")
)

// Options shape the installed section.
type Options struct {
	// Block aborts the commit when high-priority suggestions exist.
	Block bool
	// SecurityOnly asks only for security suggestions.
	SecurityOnly bool
}

// Status describes the current hook.
type Status struct {
	Path      string
	Installed bool
	Options   Options
	// Foreign reports whether the hook file holds commands besides ours.
	Foreign bool
}

// Path returns the pre-commit hook path for a .git directory.
func Path(gitDir string) string {
	return filepath.Join(gitDir, "hooks", "pre-commit")
}

// Command is the vibetap invocation the hook runs.
func Command(opts Options) string {
	cmd := "vibetap now --staged --quiet"
	if opts.SecurityOnly {
		cmd += " --security"
	}
	return cmd
}

func section(opts Options) string {
	var b strings.Builder
	b.WriteString(Marker + "\n")
	if opts.Block {
		b.WriteString(blockingTag + "\n")
	}
	if opts.SecurityOnly {
		b.WriteString(securityOnlyTag + "\n")
	}
	b.WriteString("if command -v vibetap >/dev/null 2>&1; then\n")
	if opts.Block {
		fmt.Fprintf(&b, "  %s\n", Command(opts))
		b.WriteString("  if [ $? -eq 1 ]; then\n")
		b.WriteString("    echo \"vibetap: high-priority test suggestions found. Run 'vibetap now' to review, or commit with --no-verify.\" >&2\n")
		b.WriteString("    exit 1\n")
		b.WriteString("  fi\n")
	} else {
		fmt.Fprintf(&b, "  %s || true\n", Command(opts))
	}
	b.WriteString("fi\n")
	b.WriteString(EndMarker + "\n")
	return b.String()
}

// Install adds the vibetap section to the pre-commit hook, creating the hook
// when there is none and appending to an existing one otherwise.
func Install(gitDir string, opts Options) (string, error) {
	path := Path(gitDir)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return "", err
	}
	content := string(existing)
	if strings.Contains(content, Marker) {
		return path, ErrAlreadyInstalled
	}

	var script string
	switch {
	case strings.TrimSpace(content) == "":
		script = shebang + "\n" + section(opts)
	case strings.HasPrefix(content, "#!"):
		script = strings.TrimRight(content, "\n") + "\n\n" + section(opts)
	default:
		script = shebang + "\n" + strings.TrimRight(content, "\n") + "\n\n" + section(opts)
	}

	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		return "", err
	}
	return path, os.Chmod(path, 0755)
}

// Uninstall removes the vibetap section. The hook file is deleted when
// nothing else remains in it. removed reports whether the file was deleted.
func Uninstall(gitDir string) (removed bool, err error) {
	path := Path(gitDir)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return false, ErrNotInstalled
	}
	if err != nil {
		return false, err
	}
	if !strings.Contains(string(data), Marker) {
		return false, ErrNotInstalled
	}

	rest := strings.TrimRight(strip(string(data)), "\n")
	if t := strings.TrimSpace(rest); t == "" || t == shebang {
		return true, os.Remove(path)
	}
	return false, os.WriteFile(path, []byte(rest+"\n"), 0755)
}

// strip drops every line from Marker through EndMarker.
func strip(content string) string {
	var kept []string
	inside := false
	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.Contains(line, Marker):
			inside = true
		case inside && strings.Contains(line, EndMarker):
			inside = false
		case !inside:
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

// Inspect reports the hook's state.
func Inspect(gitDir string) (Status, error) {
	st := Status{Path: Path(gitDir)}
	data, err := os.ReadFile(st.Path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	content := string(data)
	if !strings.Contains(content, Marker) {
		st.Foreign = strings.TrimSpace(content) != ""
		return st, nil
	}
	st.Installed = true
	st.Options.Block = strings.Contains(content, blockingTag)
	st.Options.SecurityOnly = strings.Contains(content, securityOnlyTag)
	rest := strings.TrimSpace(strip(content))
	st.Foreign = rest != "" && rest != shebang
	return st, nil
}
