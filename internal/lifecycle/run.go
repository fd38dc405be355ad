package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ErrNothingToRun is returned by Run when no suggestion is applied.
var ErrNothingToRun = errors.New("no applied suggestions to run")

// RunError carries a failing test run's exit status.
type RunError struct {
	Command  []string
	ExitCode int
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s exited with status %d", strings.Join(e.Command, " "), e.ExitCode)
}

// RunOptions controls Run.
type RunOptions struct {
	// All runs the whole suite instead of the applied test files.
	All    bool
	Stdout io.Writer
	Stderr io.Writer
}

// runnerCommands maps known runners to their invocation. Test files are
// appended as arguments.
var runnerCommands = map[string][]string{
	"vitest": {"npx", "vitest", "run"},
	"jest":   {"npx", "jest"},
	"mocha":  {"npx", "mocha"},
	"pytest": {"python", "-m", "pytest"},
	"go":     {"go", "test"},
	"cargo":  {"cargo", "test"},
}

// RunnerCommand returns the command line for runner and files. Unknown
// runners are taken as a command line of their own.
func RunnerCommand(runner string, files []string) []string {
	base, ok := runnerCommands[strings.ToLower(strings.TrimSpace(runner))]
	if !ok {
		base = strings.Fields(runner)
	}
	if len(base) == 0 {
		return nil
	}
	cmd := append([]string{}, base...)
	if base[0] == "go" && len(base) > 1 && base[1] == "test" {
		return append(cmd, goPackages(files)...)
	}
	if base[0] == "cargo" {
		// cargo selects tests by name, not file.
		return cmd
	}
	return append(cmd, files...)
}

// goPackages turns test files into package patterns.
func goPackages(files []string) []string {
	if len(files) == 0 {
		return []string{"./..."}
	}
	seen := map[string]bool{}
	var pkgs []string
	for _, f := range files {
		dir := "."
		if i := strings.LastIndex(f, "/"); i >= 0 {
			dir = f[:i]
		}
		pkg := "./" + strings.TrimPrefix(dir, "./")
		if dir == "." {
			pkg = "."
		}
		if !seen[pkg] {
			seen[pkg] = true
			pkgs = append(pkgs, pkg)
		}
	}
	return pkgs
}

// Run executes the project's test runner in the repository root, on the
// target files of every applied suggestion or on the whole suite.
func (a *Agent) Run(ctx context.Context, opts RunOptions) ([]string, error) {
	var files []string
	if !opts.All {
		recs, err := a.store.ListApplied(ctx)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		for _, r := range recs {
			if !seen[r.TargetFile] {
				seen[r.TargetFile] = true
				files = append(files, r.TargetFile)
			}
		}
		if len(files) == 0 {
			return nil, ErrNothingToRun
		}
		sort.Strings(files)
	}

	argv := RunnerCommand(a.project.TestRunner, files)
	if len(argv) == 0 {
		return nil, fmt.Errorf("no test runner configured")
	}
	a.log.Info("running tests", zap.Strings("command", argv))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = a.repo.Root()
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return argv, &RunError{Command: argv, ExitCode: exitErr.ExitCode()}
		}
		return argv, fmt.Errorf("starting %s: %w", argv[0], err)
	}
	return argv, nil
}
