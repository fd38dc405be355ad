// Package suggest is the durable record of generated test suggestions, the
// batches they arrived in and every application made from them.
package suggest

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"vibetap/internal/fingerprint"
)

var (
	// ErrNotFound is returned when a suggestion, batch or record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition guards the suggestion state machine.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// State is the lifecycle state of a suggestion.
type State string

const (
	StateSuggested  State = "suggested"
	StateApplied    State = "applied"
	StateReverted   State = "reverted"
	StateStale      State = "stale"
	StateSuppressed State = "suppressed"
)

// CanTransition reports whether from -> to is an allowed edge. Any state may
// go stale; a stale suggestion going stale again is a no-op rather than an
// error.
func CanTransition(from, to State) bool {
	if to == StateStale {
		return true
	}
	switch from {
	case StateSuggested:
		return to == StateApplied || to == StateSuppressed
	case StateApplied:
		return to == StateReverted
	}
	return false
}

// Priority ranks a suggestion.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MED"
	PriorityLow    Priority = "LOW"
)

// ParsePriority accepts the API's spellings.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "HIGH":
		return PriorityHigh, true
	case "MED", "MEDIUM":
		return PriorityMedium, true
	case "LOW":
		return PriorityLow, true
	}
	return "", false
}

// Rank orders priorities, highest first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	}
	return 2
}

// Kind is the category of test a suggestion proposes.
type Kind string

const (
	KindUnit        Kind = "unit"
	KindIntegration Kind = "integration"
	KindSecurity    Kind = "security"
	KindEdgeCase    Kind = "edge_case"
	KindNegative    Kind = "negative"
)

// Key identifies a suggestion: its ordinal within the batch that produced it.
type Key struct {
	Batch   int64
	Ordinal int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.Batch, k.Ordinal)
}

// ParseKey parses "batch/ordinal".
func ParseKey(s string) (Key, error) {
	b, o, ok := strings.Cut(s, "/")
	if !ok {
		return Key{}, fmt.Errorf("invalid suggestion key %q", s)
	}
	batch, err := strconv.ParseInt(b, 10, 64)
	if err != nil {
		return Key{}, fmt.Errorf("invalid suggestion key %q", s)
	}
	ord, err := strconv.Atoi(o)
	if err != nil {
		return Key{}, fmt.Errorf("invalid suggestion key %q", s)
	}
	return Key{Batch: batch, Ordinal: ord}, nil
}

// Op is the kind of file mutation a patch performs.
type Op string

const (
	// OpCreate writes Content to a path that is absent or empty.
	OpCreate Op = "create"
	// OpAppend appends Content to an existing file.
	OpAppend Op = "append"
	// OpUnified applies the unified diff in Content.
	OpUnified Op = "unified"
	// OpDelete removes the file.
	OpDelete Op = "delete"
	// OpReplace overwrites the file with Content and Mode.
	OpReplace Op = "replace"
)

// Patch is a single-file mutation.
type Patch struct {
	Op      Op     `json:"op"`
	Path    string `json:"path"`
	Content []byte `json:"content,omitempty"`
	Mode    uint32 `json:"mode,omitempty"`
}

// Suggestion is one proposed test.
type Suggestion struct {
	Key          Key
	RemoteID     string
	TargetFile   string
	SourceFile   string
	Kind         Kind
	Priority     Priority
	Description  string
	Confidence   float64
	BaseChecksum string
	Patch        Patch
	State        State
	StateReason  string
	UpdatedAt    int64

	// SourceFingerprint is the fingerprint of the batch the suggestion came from.
	SourceFingerprint *fingerprint.Fingerprint
}

// OriginPaths are the changed paths the suggestion was generated for: its
// source file when the service named one, otherwise every path of the batch
// it came from.
func (s *Suggestion) OriginPaths() []string {
	if s.SourceFile != "" {
		return []string{s.SourceFile}
	}
	if s.SourceFingerprint == nil {
		return nil
	}
	return s.SourceFingerprint.Paths()
}

// Batch is the set of suggestions produced for one fingerprint.
type Batch struct {
	ID          int64
	Fingerprint *fingerprint.Fingerprint
	Summary     string
	Model       string
	CreatedAt   int64
}

// BatchMeta carries the response-level fields stored with a batch.
type BatchMeta struct {
	Summary string
	Model   string
}

// RecordStatus tracks an applied record through the apply protocol.
type RecordStatus string

const (
	// RecordPending means the intent is durable but the write is unconfirmed.
	RecordPending RecordStatus = "pending"
	// RecordCommitted means the write completed and the suggestion is Applied.
	RecordCommitted RecordStatus = "committed"
	// RecordReverted means the reverse patch has been applied.
	RecordReverted RecordStatus = "reverted"
)

// AppliedRecord is the durable record of one application.
type AppliedRecord struct {
	ID           string
	Key          Key
	TargetFile   string
	Forward      Patch
	Reverse      Patch
	PreChecksum  string
	PostChecksum string
	CreatedDirs  []string
	Status       RecordStatus
	AppliedAt    int64
	RevertedAt   int64
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	Batch      int64
	States     []State
	TargetFile string
}
