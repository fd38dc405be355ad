package lifecycle

import (
	"errors"
	"fmt"
	"strings"

	"vibetap/internal/config"
	"vibetap/internal/gitio"
	"vibetap/internal/hush"
	"vibetap/internal/patch"
	"vibetap/internal/remote"
	"vibetap/internal/storage"
	"vibetap/internal/suggest"
)

// Exit codes.
const (
	ExitOK          = 0
	ExitHighFinding = 1
	ExitError       = 2
)

// ErrHighPriority is returned by quiet-mode commands that found HIGH
// suggestions, so a hook can block the commit.
var ErrHighPriority = errors.New("high-priority suggestions found")

// BatchError summarizes the failures of an apply-all or revert-all.
type BatchError struct {
	Op     string
	Failed []patch.Result
	Total  int
}

func batchErr(op string, results []patch.Result) error {
	be := &BatchError{Op: op, Total: len(results)}
	for _, r := range results {
		if r.Err != nil {
			be.Failed = append(be.Failed, r)
		}
	}
	if len(be.Failed) == 0 {
		return nil
	}
	return be
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("%s failed for %d of %d suggestions", e.Op, len(e.Failed), e.Total)
}

// Unwrap exposes each failure to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failed))
	for _, r := range e.Failed {
		errs = append(errs, r.Err)
	}
	return errs
}

// ExitCode maps an operation's error to the process exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var runErr *RunError
	if errors.Is(err, ErrHighPriority) || errors.As(err, &runErr) {
		return ExitHighFinding
	}
	return ExitError
}

func isNotFound(err error) bool {
	return errors.Is(err, suggest.ErrNotFound)
}

// Remediation returns a one-line hint for err, or "" when there is none.
func Remediation(err error) string {
	var ae *remote.AnalysisError
	if errors.As(err, &ae) {
		switch ae.Reason {
		case remote.ReasonNotConfigured:
			return "run `vibetap auth login --key <key>` or set VIBETAP_API_KEY"
		case remote.ReasonUnauthorized:
			return "the API key was rejected; run `vibetap auth login` with a valid key"
		case remote.ReasonRateLimited:
			if ae.RetryAfter > 0 {
				return fmt.Sprintf("rate limited; retry in %s", ae.RetryAfter)
			}
			return "rate limited; retry shortly"
		case remote.ReasonQuotaExceeded:
			return "usage quota exhausted; check `vibetap auth status`"
		case remote.ReasonNetwork:
			return "check your network connection and api_url"
		}
		return "the service had a problem; retry later"
	}

	var be *BatchError
	if errors.As(err, &be) {
		return "see the per-suggestion results above"
	}
	var ve config.ValidationErrors
	if errors.As(err, &ve) {
		return "fix the project config file"
	}
	var re *RunError
	if errors.As(err, &re) {
		return "tests failed; fix them or `vibetap revert` the applied suggestion"
	}

	switch {
	case errors.Is(err, storage.ErrStoreBusy):
		return "another vibetap process is using the store; retry in a moment"
	case errors.Is(err, storage.ErrSchemaMismatch):
		return "the store was written by a newer vibetap; upgrade, or delete " + config.DirName + "/" + config.StoreFile
	case errors.Is(err, patch.ErrConflict), errors.Is(err, patch.ErrPatchRejected):
		return "the file changed since the suggestion was generated; run `vibetap now --refresh`"
	case errors.Is(err, patch.ErrRevertConflict):
		return "the applied test was edited since; undo it by hand or keep it"
	case errors.Is(err, patch.ErrAlreadyExists):
		return "move the existing file aside or run `vibetap now --refresh`"
	case errors.Is(err, patch.ErrPathEscapes):
		return "the suggestion targets a path outside the repository; discard it"
	case errors.Is(err, suggest.ErrInvalidTransition):
		return "check the suggestion's state with `vibetap list`"
	case errors.Is(err, suggest.ErrNotFound):
		return "run `vibetap list` to see available suggestions"
	case errors.Is(err, gitio.ErrNotARepo):
		return "run vibetap inside a git repository"
	case errors.Is(err, hush.ErrNoLiveMatch):
		return "stage a change to that path first, or use --scope persistent"
	case errors.Is(err, hush.ErrNotFound):
		return "run `vibetap hush --list` to see registered patterns"
	case errors.Is(err, hush.ErrBadPattern):
		return "check the glob syntax"
	case errors.Is(err, ErrNothingToRun):
		return "apply a suggestion first, or use --all"
	}
	return ""
}

// Describe renders err and its remediation on one line each.
func Describe(err error) string {
	var b strings.Builder
	b.WriteString("error: " + err.Error())
	if hint := Remediation(err); hint != "" {
		b.WriteString("\nhint: " + hint)
	}
	return b.String()
}
