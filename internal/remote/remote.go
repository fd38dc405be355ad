// Package remote talks to the suggestion generation service. Everything the
// rest of vibetap needs from it is behind the Analyzer interface so tests can
// substitute the service wholesale.
package remote

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vibetap/internal/fingerprint"
	"vibetap/internal/gitio"
	"vibetap/internal/suggest"
)

// DefaultBaseURL is the production service.
const DefaultBaseURL = "https://vibetap.dev"

const (
	// MaxContextFiles bounds how many changed files are sent in full.
	MaxContextFiles = 10
	// MaxContextBytes bounds each context file.
	MaxContextBytes = 50 * 1024
	// DefaultRetryAfter is used when a 429 carries no usable Retry-After.
	DefaultRetryAfter = 60 * time.Second
)

// ErrAnalysisUnavailable covers every way the service can fail to produce
// suggestions. Local state must be left untouched when it is returned.
var ErrAnalysisUnavailable = errors.New("analysis unavailable")

// Reason classifies an AnalysisError.
type Reason string

const (
	ReasonNotConfigured   Reason = "not_configured"
	ReasonNetwork         Reason = "network"
	ReasonUnauthorized    Reason = "unauthorized"
	ReasonRateLimited     Reason = "rate_limited"
	ReasonQuotaExceeded   Reason = "quota_exceeded"
	ReasonServer          Reason = "server"
	ReasonInvalidResponse Reason = "invalid_response"
)

// AnalysisError is the concrete error behind ErrAnalysisUnavailable.
type AnalysisError struct {
	Reason     Reason
	StatusCode int
	RetryAfter time.Duration
	Code       string
	Message    string
	Err        error
}

func (e *AnalysisError) Error() string {
	var b strings.Builder
	b.WriteString("analysis unavailable: ")
	b.WriteString(string(e.Reason))
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Code != "" {
		b.WriteString(": " + e.Code)
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	if e.RetryAfter > 0 {
		fmt.Fprintf(&b, " (retry after %s)", e.RetryAfter)
	}
	return b.String()
}

func (e *AnalysisError) Is(target error) bool {
	return target == ErrAnalysisUnavailable
}

func (e *AnalysisError) Unwrap() error {
	return e.Err
}

// Analyzer produces suggestions for a change set.
type Analyzer interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// --- Wire types ---

// GenerateRequest is the body of POST /api/v1/generate.
type GenerateRequest struct {
	Fingerprint    string        `json:"fingerprint"`
	Diff           DiffPayload   `json:"diff"`
	Context        []FileContext `json:"context"`
	Options        Options       `json:"options"`
	RepoIdentifier string        `json:"repoIdentifier,omitempty"`
}

// DiffPayload carries the hunks of the change set.
type DiffPayload struct {
	Hunks      []DiffHunk `json:"hunks"`
	HeadCommit string     `json:"headCommit,omitempty"`
}

// DiffHunk is one hunk of one file.
type DiffHunk struct {
	FilePath string `json:"filePath"`
	OldStart int    `json:"oldStart"`
	OldLines int    `json:"oldLines"`
	NewStart int    `json:"newStart"`
	NewLines int    `json:"newLines"`
	Content  string `json:"content"`
}

// FileContext is the full content of a changed file.
type FileContext struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language,omitempty"`
}

// Options are the project's generation preferences.
type Options struct {
	TestRunner           string `json:"testRunner"`
	TestDirectory        string `json:"testDirectory,omitempty"`
	MaxSuggestions       int    `json:"maxSuggestions"`
	IncludeSecurity      bool   `json:"includeSecurity"`
	IncludeNegativePaths bool   `json:"includeNegativePaths"`
	ModelTier            string `json:"modelTier"`
}

// GenerateResponse is the data of a successful generate call.
type GenerateResponse struct {
	Suggestions []Payload `json:"suggestions"`
	Summary     string    `json:"summary"`
	ModelUsed   string    `json:"modelUsed"`
	TokensUsed  int       `json:"tokensUsed"`
	Warning     string    `json:"warning,omitempty"`
}

// Payload is one suggestion as the service sends it.
type Payload struct {
	ID             string   `json:"id"`
	FilePath       string   `json:"filePath"`
	SourceFile     string   `json:"sourceFile,omitempty"`
	TestRunner     string   `json:"testRunner,omitempty"`
	Category       string   `json:"category"`
	Priority       string   `json:"priority,omitempty"`
	Description    string   `json:"description"`
	Code           string   `json:"code"`
	Patch          string   `json:"patch,omitempty"`
	Confidence     float64  `json:"confidence"`
	RisksAddressed []string `json:"risksAddressed,omitempty"`
}

// Kind maps the payload's category onto a suggestion kind.
func (p Payload) Kind() suggest.Kind {
	c := strings.ToLower(strings.TrimSpace(p.Category))
	c = strings.ReplaceAll(c, "-", "_")
	switch c {
	case "":
		return suggest.KindUnit
	case "security", "guardrail":
		return suggest.KindSecurity
	case "edge", "edge_case", "edgecase":
		return suggest.KindEdgeCase
	case "negative", "negative_path":
		return suggest.KindNegative
	}
	return suggest.Kind(c)
}

// DerivedPriority is the payload's priority when it sent a valid one,
// otherwise security suggestions rank HIGH and the rest rank by confidence.
func (p Payload) DerivedPriority() suggest.Priority {
	if pr, ok := suggest.ParsePriority(p.Priority); ok {
		return pr
	}
	switch {
	case p.Kind() == suggest.KindSecurity:
		return suggest.PriorityHigh
	case p.Confidence >= 0.8:
		return suggest.PriorityHigh
	case p.Confidence >= 0.5:
		return suggest.PriorityMedium
	}
	return suggest.PriorityLow
}

// Usage is the data of GET /api/v1/usage.
type Usage struct {
	Period struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`
	Usage struct {
		TotalRequests int `json:"totalRequests"`
		TotalTokens   int `json:"totalTokens"`
	} `json:"usage"`
	Limits struct {
		RequestsPerMinute int `json:"requestsPerMinute"`
		RequestsPerHour   int `json:"requestsPerHour"`
		TokensPerDay      int `json:"tokensPerDay"`
		TokensRemaining   int `json:"tokensRemaining"`
	} `json:"limits"`
}

// NewRequest builds a generate request for d. Full content of up to
// MaxContextFiles changed files is read from root, each truncated to
// MaxContextBytes; deleted and binary files contribute hunks only.
func NewRequest(fp *fingerprint.Fingerprint, d *gitio.Diff, root string, opts Options) *GenerateRequest {
	req := &GenerateRequest{
		Fingerprint: fp.Aggregate,
		Options:     opts,
		Context:     []FileContext{},
		Diff:        DiffPayload{Hunks: []DiffHunk{}},
	}
	if req.Options.ModelTier == "" {
		req.Options.ModelTier = "default"
	}

	for _, h := range d.Hunks() {
		req.Diff.Hunks = append(req.Diff.Hunks, DiffHunk{
			FilePath: h.Path,
			OldStart: h.OldStart,
			OldLines: h.OldLines,
			NewStart: h.NewStart,
			NewLines: h.NewLines,
			Content:  h.Content,
		})
	}

	for _, fc := range d.Files {
		if len(req.Context) >= MaxContextFiles {
			break
		}
		if fc.Status == gitio.StatusDeleted || fc.Binary {
			continue
		}
		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(fc.Path)))
		if err != nil {
			continue
		}
		if len(content) > MaxContextBytes {
			content = content[:MaxContextBytes]
		}
		req.Context = append(req.Context, FileContext{
			Path:     fc.Path,
			Content:  string(content),
			Language: gitio.Language(fc.Path),
		})
	}
	return req
}
