// Package render formats lifecycle results for the terminal.
package render

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"vibetap/internal/hush"
	"vibetap/internal/lifecycle"
	"vibetap/internal/patch"
	"vibetap/internal/remote"
	"vibetap/internal/suggest"
)

// Format selects the output form.
type Format int

const (
	// FormatDefault is styled human-readable text.
	FormatDefault Format = iota
	// FormatJSON is indented JSON for scripts.
	FormatJSON
)

const (
	colorHigh  = lipgloss.Color("#E74C3C")
	colorMed   = lipgloss.Color("#F4D03F")
	colorLow   = lipgloss.Color("#2C4A54")
	colorOK    = lipgloss.Color("#2CD7C7")
	colorTitle = lipgloss.Color("#20B9B4")
)

// Printer writes results to one writer, styling them only when the writer
// is a terminal.
type Printer struct {
	w      io.Writer
	format Format
	now    func() time.Time

	title   lipgloss.Style
	muted   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	bold    lipgloss.Style
	box     lipgloss.Style
	byLevel map[suggest.Priority]lipgloss.Style
}

// New creates a printer for w.
func New(w io.Writer, format Format) *Printer {
	r := lipgloss.NewRenderer(w)
	return &Printer{
		w:      w,
		format: format,
		now:    time.Now,
		title:  r.NewStyle().Bold(true).Foreground(colorTitle),
		muted:  r.NewStyle().Foreground(colorLow),
		ok:     r.NewStyle().Foreground(colorOK),
		warn:   r.NewStyle().Foreground(colorMed),
		fail:   r.NewStyle().Foreground(colorHigh),
		bold:   r.NewStyle().Bold(true),
		box:    r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorTitle).Padding(0, 1),
		byLevel: map[suggest.Priority]lipgloss.Style{
			suggest.PriorityHigh:   r.NewStyle().Bold(true).Foreground(colorHigh),
			suggest.PriorityMedium: r.NewStyle().Foreground(colorMed),
			suggest.PriorityLow:    r.NewStyle().Foreground(colorLow),
		},
	}
}

func (p *Printer) json(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// SuggestionJSON is the machine-readable form of a suggestion.
type SuggestionJSON struct {
	ID          string  `json:"id"`
	Batch       int64   `json:"batch"`
	Ordinal     int     `json:"ordinal"`
	State       string  `json:"state"`
	Priority    string  `json:"priority"`
	Kind        string  `json:"kind"`
	TargetFile  string  `json:"targetFile"`
	SourceFile  string  `json:"sourceFile,omitempty"`
	Op          string  `json:"op"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
	Code        string  `json:"code,omitempty"`
	HiddenBy    string  `json:"hiddenBy,omitempty"`
}

func toJSON(sg suggest.Suggestion, withCode bool) SuggestionJSON {
	out := SuggestionJSON{
		ID:          sg.Key.String(),
		Batch:       sg.Key.Batch,
		Ordinal:     sg.Key.Ordinal,
		State:       string(sg.State),
		Priority:    string(sg.Priority),
		Kind:        string(sg.Kind),
		TargetFile:  sg.TargetFile,
		SourceFile:  sg.SourceFile,
		Op:          string(sg.Patch.Op),
		Description: sg.Description,
		Confidence:  sg.Confidence,
	}
	if withCode {
		out.Code = string(sg.Patch.Content)
	}
	return out
}

// NowJSON is the machine-readable form of a cycle.
type NowJSON struct {
	Fingerprint     string           `json:"fingerprint,omitempty"`
	Batch           int64            `json:"batch,omitempty"`
	CacheHit        bool             `json:"cacheHit"`
	NoChanges       bool             `json:"noChanges,omitempty"`
	Stale           int              `json:"stale,omitempty"`
	Suggestions     []SuggestionJSON `json:"suggestions"`
	Hidden          []SuggestionJSON `json:"hidden,omitempty"`
	SuppressedFiles []string         `json:"suppressedFiles,omitempty"`
	Warning         string           `json:"warning,omitempty"`
	Skipped         []string         `json:"skipped,omitempty"`
}

// Now prints a cycle's suggestions. Quiet prints only the HIGH ones, one
// line each.
func (p *Printer) Now(res *lifecycle.NowResult, quiet bool) error {
	if p.format == FormatJSON {
		out := NowJSON{
			CacheHit:        res.CacheHit,
			NoChanges:       res.NoChanges,
			Stale:           res.Stale,
			Suggestions:     []SuggestionJSON{},
			SuppressedFiles: res.SuppressedFiles,
			Warning:         res.Warning,
			Skipped:         res.Skipped,
		}
		if res.Fingerprint != nil {
			out.Fingerprint = res.Fingerprint.Aggregate
		}
		if res.Batch != nil {
			out.Batch = res.Batch.ID
		}
		for _, sg := range res.Suggestions {
			out.Suggestions = append(out.Suggestions, toJSON(sg, true))
		}
		for _, h := range res.Hidden {
			j := toJSON(h.Suggestion, false)
			j.HiddenBy = h.Pattern
			out.Hidden = append(out.Hidden, j)
		}
		return p.json(out)
	}

	if quiet {
		for _, sg := range res.HighPriority() {
			fmt.Fprintf(p.w, "%s %s %s\n", sg.Priority, sg.TargetFile, sg.Description)
		}
		return nil
	}

	if res.NoChanges {
		if len(res.SuppressedFiles) > 0 {
			fmt.Fprintf(p.w, "Nothing to analyze: %d changed %s hushed.\n",
				len(res.SuppressedFiles), plural(len(res.SuppressedFiles), "file is", "files are"))
			return nil
		}
		fmt.Fprintln(p.w, "No staged changes. Stage files with `git add` first.")
		return nil
	}

	source := "fresh"
	if res.CacheHit {
		source = "cached"
	}
	header := fmt.Sprintf("%d %s (%s)", len(res.Suggestions), plural(len(res.Suggestions), "suggestion", "suggestions"), source)
	fmt.Fprintln(p.w, p.title.Render(header))
	if res.Stale > 0 {
		fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("%d earlier %s went stale", res.Stale, plural(res.Stale, "suggestion", "suggestions"))))
	}
	if res.Warning != "" {
		fmt.Fprintln(p.w, p.warn.Render("warning: "+res.Warning))
	}
	fmt.Fprintln(p.w)

	for _, sg := range res.Suggestions {
		p.suggestion(sg)
	}
	if len(res.Hidden) > 0 {
		fmt.Fprintln(p.w, p.muted.Render(fmt.Sprintf("%d hidden by hush patterns", len(res.Hidden))))
	}
	for _, s := range res.Skipped {
		fmt.Fprintln(p.w, p.muted.Render("skipped "+s))
	}
	if len(res.SuppressedFiles) > 0 {
		fmt.Fprintln(p.w, p.muted.Render("hushed: "+strings.Join(res.SuppressedFiles, ", ")))
	}
	if n := countState(res.Suggestions, suggest.StateSuggested); n > 0 {
		fmt.Fprintln(p.w, p.muted.Render("apply with `vibetap apply <id>` or `vibetap apply all`"))
	}
	return nil
}

func (p *Printer) suggestion(sg suggest.Suggestion) {
	level := p.byLevel[sg.Priority].Render(fmt.Sprintf("%-4s", sg.Priority))
	line := fmt.Sprintf("%s %s %s", p.bold.Render(fmt.Sprintf("[%d]", sg.Key.Ordinal)), level, sg.TargetFile)
	if sg.State != suggest.StateSuggested {
		line += " " + p.muted.Render("("+string(sg.State)+")")
	}
	fmt.Fprintln(p.w, line)
	if sg.Description != "" {
		fmt.Fprintf(p.w, "    %s\n", sg.Description)
	}
	meta := fmt.Sprintf("    %s, %s", sg.Kind, sg.Patch.Op)
	if sg.SourceFile != "" {
		meta += ", for " + sg.SourceFile
	}
	fmt.Fprintln(p.w, p.muted.Render(meta))
	fmt.Fprintln(p.w)
}

func countState(sgs []suggest.Suggestion, st suggest.State) int {
	n := 0
	for _, sg := range sgs {
		if sg.State == st {
			n++
		}
	}
	return n
}

// Show prints one suggestion with its code.
func (p *Printer) Show(sg *suggest.Suggestion) error {
	if p.format == FormatJSON {
		return p.json(toJSON(*sg, true))
	}
	p.suggestion(*sg)
	fmt.Fprintln(p.w, p.box.Render(strings.TrimRight(string(sg.Patch.Content), "\n")))
	return nil
}

// List prints suggestions in a table with their age.
func (p *Printer) List(sgs []suggest.Suggestion) error {
	if p.format == FormatJSON {
		out := make([]SuggestionJSON, 0, len(sgs))
		for _, sg := range sgs {
			out = append(out, toJSON(sg, false))
		}
		return p.json(out)
	}
	if len(sgs) == 0 {
		fmt.Fprintln(p.w, "No suggestions. Run `vibetap now` to generate some.")
		return nil
	}
	fmt.Fprintln(p.w, p.title.Render(fmt.Sprintf("%-8s %-4s %-10s %-14s %s", "ID", "PRI", "STATE", "UPDATED", "TARGET")))
	for _, sg := range sgs {
		fmt.Fprintf(p.w, "%-8s %s %-10s %-14s %s\n",
			sg.Key.String(),
			p.byLevel[sg.Priority].Render(fmt.Sprintf("%-4s", sg.Priority)),
			sg.State,
			p.ago(sg.UpdatedAt),
			sg.TargetFile)
	}
	return nil
}

func (p *Printer) ago(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return humanize.RelTime(time.UnixMilli(ms), p.now(), "ago", "from now")
}

// Applied prints the outcome of a single apply.
func (p *Printer) Applied(rec *suggest.AppliedRecord) error {
	if p.format == FormatJSON {
		return p.json(map[string]interface{}{"id": rec.Key.String(), "path": rec.TargetFile, "applied": true})
	}
	fmt.Fprintf(p.w, "%s applied %s to %s\n", p.ok.Render("✓"), rec.Key, rec.TargetFile)
	fmt.Fprintln(p.w, p.muted.Render("  undo with `vibetap revert`"))
	return nil
}

// Reverted prints the outcome of a single revert.
func (p *Printer) Reverted(rec *suggest.AppliedRecord) error {
	if p.format == FormatJSON {
		return p.json(map[string]interface{}{"id": rec.Key.String(), "path": rec.TargetFile, "reverted": true})
	}
	fmt.Fprintf(p.w, "%s reverted %s (%s)\n", p.ok.Render("✓"), rec.Key, rec.TargetFile)
	return nil
}

// ResultJSON is the machine-readable form of one batch result.
type ResultJSON struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Results prints a per-suggestion table for apply-all or revert-all. done
// is the past-tense verb, such as "applied".
func (p *Printer) Results(done string, results []patch.Result) error {
	if p.format == FormatJSON {
		out := make([]ResultJSON, 0, len(results))
		for _, r := range results {
			j := ResultJSON{ID: r.Key.String(), Path: r.Path, OK: r.Err == nil}
			if r.Err != nil {
				j.Error = r.Err.Error()
			}
			out = append(out, j)
		}
		return p.json(out)
	}
	if len(results) == 0 {
		fmt.Fprintf(p.w, "Nothing %s.\n", done)
		return nil
	}
	ok := 0
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(p.w, "%s %s %s: %v\n", p.fail.Render("✗"), r.Key, r.Path, r.Err)
			if hint := lifecycle.Remediation(r.Err); hint != "" {
				fmt.Fprintln(p.w, p.muted.Render("    "+hint))
			}
			continue
		}
		ok++
		fmt.Fprintf(p.w, "%s %s %s\n", p.ok.Render("✓"), r.Key, r.Path)
	}
	fmt.Fprintf(p.w, "%s %d of %d\n", done, ok, len(results))
	return nil
}

// HushJSON is the machine-readable form of a suppression.
type HushJSON struct {
	Pattern   string `json:"pattern"`
	Scope     string `json:"scope"`
	Origin    string `json:"origin"`
	ExpiresAt int64  `json:"expiresAt,omitempty"`
	Paths     int    `json:"paths,omitempty"`
}

// Hushed prints the suppression list.
func (p *Printer) Hushed(entries []hush.Entry) error {
	if p.format == FormatJSON {
		out := make([]HushJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, HushJSON{Pattern: e.Pattern, Scope: string(e.Scope), Origin: string(e.Origin), ExpiresAt: e.ExpiresAt, Paths: len(e.Digests)})
		}
		return p.json(out)
	}
	if len(entries) == 0 {
		fmt.Fprintln(p.w, "No hushed paths.")
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(p.w, "%-32s %-10s %s\n", e.Pattern, e.Scope, p.muted.Render(p.hushDetail(e)))
	}
	return nil
}

func (p *Printer) hushDetail(e hush.Entry) string {
	var parts []string
	if e.Origin == hush.OriginConfig {
		parts = append(parts, "from config")
	}
	if e.Scope == hush.ScopeCurrent {
		parts = append(parts, fmt.Sprintf("until %s %s", plural(len(e.Digests), "path", "paths"), plural(len(e.Digests), "changes", "change")))
	}
	if e.ExpiresAt > 0 {
		parts = append(parts, "expires "+p.ago(e.ExpiresAt))
	} else if e.Scope == hush.ScopePersistent {
		parts = append(parts, "never expires")
	}
	return strings.Join(parts, ", ")
}

// Hush prints the outcome of a hush.
func (p *Printer) Hush(res *lifecycle.HushResult) error {
	if p.format == FormatJSON {
		return p.json(map[string]interface{}{"pattern": res.Entry.Pattern, "scope": res.Entry.Scope, "suppressed": res.Suppressed})
	}
	fmt.Fprintf(p.w, "%s hushed %s (%s)", p.ok.Render("✓"), res.Entry.Pattern, res.Entry.Scope)
	if res.Suppressed > 0 {
		fmt.Fprintf(p.w, ", %d %s suppressed", res.Suppressed, plural(res.Suppressed, "suggestion", "suggestions"))
	}
	fmt.Fprintln(p.w)
	return nil
}

// Usage prints the account's usage.
func (p *Printer) Usage(u *remote.Usage) error {
	if p.format == FormatJSON {
		return p.json(u)
	}
	fmt.Fprintln(p.w, p.title.Render("Usage"))
	if u.Period.Start != "" {
		fmt.Fprintf(p.w, "  period     %s to %s\n", u.Period.Start, u.Period.End)
	}
	fmt.Fprintf(p.w, "  requests   %s\n", humanize.Comma(int64(u.Usage.TotalRequests)))
	fmt.Fprintf(p.w, "  tokens     %s\n", humanize.Comma(int64(u.Usage.TotalTokens)))
	if u.Limits.TokensPerDay > 0 {
		fmt.Fprintf(p.w, "  remaining  %s of %s tokens today\n",
			humanize.Comma(int64(u.Limits.TokensRemaining)), humanize.Comma(int64(u.Limits.TokensPerDay)))
	}
	if u.Limits.RequestsPerMinute > 0 {
		fmt.Fprintf(p.w, "  limits     %d/min, %d/hour\n", u.Limits.RequestsPerMinute, u.Limits.RequestsPerHour)
	}
	return nil
}

// Cycle prints one watch cycle as a compact block.
func (p *Printer) Cycle(c lifecycle.Cycle) error {
	if p.format == FormatJSON {
		out := map[string]interface{}{"cycle": c.ID}
		if c.Err != nil {
			out["error"] = c.Err.Error()
		} else {
			out["suggestions"] = len(c.Result.Suggestions)
			out["cacheHit"] = c.Result.CacheHit
			out["high"] = len(c.Result.HighPriority())
		}
		return p.json(out)
	}
	stamp := p.muted.Render(p.now().Format("15:04:05"))
	if c.Err != nil {
		fmt.Fprintf(p.w, "%s %s %v\n", stamp, p.fail.Render("✗"), c.Err)
		if hint := lifecycle.Remediation(c.Err); hint != "" {
			fmt.Fprintln(p.w, p.muted.Render("         "+hint))
		}
		return nil
	}
	if c.Result.NoChanges {
		fmt.Fprintf(p.w, "%s no staged changes\n", stamp)
		return nil
	}
	fmt.Fprintf(p.w, "%s\n", stamp)
	return p.Now(c.Result, false)
}

// Error prints err and its remediation hint.
func (p *Printer) Error(err error) {
	if p.format == FormatJSON {
		out := map[string]string{"error": err.Error()}
		if hint := lifecycle.Remediation(err); hint != "" {
			out["hint"] = hint
		}
		_ = p.json(out)
		return
	}
	fmt.Fprintln(p.w, p.fail.Render("error: ")+err.Error())
	if hint := lifecycle.Remediation(err); hint != "" {
		fmt.Fprintln(p.w, p.muted.Render("hint: "+hint))
	}
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
