// Package hush is the suppression registry: path patterns whose suggestions
// are kept out of view, either until removed or only while the path's
// staged change is the one that was hushed.
package hush

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vibetap/internal/cas"
	"vibetap/internal/fingerprint"
	"vibetap/internal/storage"
)

var (
	// ErrNotFound is returned when removing a pattern that is not registered.
	ErrNotFound = errors.New("suppression not found")

	// ErrNoLiveMatch is returned when a current-scope hush matches no
	// staged path, which would make it a no-op.
	ErrNoLiveMatch = errors.New("pattern matches no staged change")
)

// Scope controls how long a suppression lasts.
type Scope string

const (
	// ScopeCurrent matches only while the path's staged change is unchanged.
	ScopeCurrent Scope = "current"
	// ScopePersistent matches until removed or expired.
	ScopePersistent Scope = "persistent"
)

// ParseScope parses a --scope value.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeCurrent:
		return ScopeCurrent, nil
	case ScopePersistent, "":
		return ScopePersistent, nil
	}
	return "", fmt.Errorf("unknown scope %q (want current or persistent)", s)
}

// Origin records who created a suppression.
type Origin string

const (
	OriginUser   Origin = "user"
	OriginConfig Origin = "config"
)

// Entry is one registered suppression.
type Entry struct {
	Pattern string
	Scope   Scope
	Origin  Origin
	// Digests maps each path the pattern matched at hush time to its file
	// digest then. Only used for ScopeCurrent.
	Digests   map[string]string
	ExpiresAt int64
	CreatedAt int64

	compiled pattern
}

// Expired reports whether the entry has lapsed at nowMs.
func (e *Entry) Expired(nowMs int64) bool {
	return e.ExpiresAt > 0 && nowMs >= e.ExpiresAt
}

// Negated reports whether the entry lifts suppressions instead of adding one.
func (e *Entry) Negated() bool {
	return e.compiled.negated
}

// Matches reports whether the entry suppresses path given the live
// fingerprint. Negation is not applied here.
func (e *Entry) Matches(path string, live *fingerprint.Fingerprint) bool {
	if !e.compiled.match(path) {
		return false
	}
	if e.Scope != ScopeCurrent {
		return true
	}
	want, ok := e.Digests[path]
	if !ok {
		return false
	}
	have, _ := live.FileDigest(path)
	return have == want
}

// Registry stores suppressions in the shared store database.
type Registry struct {
	db  *storage.DB
	log *zap.Logger
}

// New creates a registry on db.
func New(db *storage.DB, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{db: db, log: log}
}

// Hush registers pattern. A current-scope hush snapshots the file digest of
// every live path the pattern matches and fails with ErrNoLiveMatch when
// there are none. ttl of zero means no expiry. Hushing an already
// registered pattern replaces it.
func (r *Registry) Hush(ctx context.Context, raw string, scope Scope, live *fingerprint.Fingerprint, ttl time.Duration) (*Entry, error) {
	compiled, err := compile(raw)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Pattern:   NormalizePattern(raw),
		Scope:     scope,
		Origin:    OriginUser,
		Digests:   map[string]string{},
		CreatedAt: cas.NowMs(),
		compiled:  compiled,
	}
	if ttl > 0 {
		e.ExpiresAt = e.CreatedAt + ttl.Milliseconds()
	}

	if scope == ScopeCurrent {
		if !live.Empty() {
			for _, p := range live.Paths() {
				if compiled.match(p) {
					e.Digests[p], _ = live.FileDigest(p)
				}
			}
		}
		if len(e.Digests) == 0 {
			return nil, fmt.Errorf("%w: %s", ErrNoLiveMatch, e.Pattern)
		}
	}

	digests, err := json.Marshal(e.Digests)
	if err != nil {
		return nil, err
	}

	err = r.db.Write(ctx, func(tx *sql.Tx) error {
		if err := pruneTx(tx, e.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO suppressions (pattern, scope, digests, expires_at, created_at, origin)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(pattern) DO UPDATE SET
				scope = excluded.scope, digests = excluded.digests, expires_at = excluded.expires_at,
				created_at = excluded.created_at, origin = excluded.origin`,
			e.Pattern, string(e.Scope), string(digests), nullableMs(e.ExpiresAt), e.CreatedAt, string(e.Origin))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("storing suppression: %w", err)
	}

	r.log.Debug("suppression added",
		zap.String("pattern", e.Pattern),
		zap.String("scope", string(scope)),
		zap.Int("paths", len(e.Digests)))
	return e, nil
}

// Remove deletes a registered pattern.
func (r *Registry) Remove(ctx context.Context, raw string) error {
	pat := NormalizePattern(raw)
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM suppressions WHERE pattern = ?`, pat)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", ErrNotFound, pat)
		}
		return nil
	})
}

// List returns the unexpired entries in creation order.
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	var out []Entry
	now := cas.NowMs()
	err := r.db.Read(ctx, func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT pattern, scope, origin, digests, COALESCE(expires_at, 0), created_at FROM suppressions ORDER BY created_at, pattern`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var e Entry
			var scope, origin, digests string
			if err := rows.Scan(&e.Pattern, &scope, &origin, &digests, &e.ExpiresAt, &e.CreatedAt); err != nil {
				return err
			}
			e.Scope = Scope(scope)
			e.Origin = Origin(origin)
			if err := json.Unmarshal([]byte(digests), &e.Digests); err != nil {
				return fmt.Errorf("parsing suppression %s: %w", e.Pattern, err)
			}
			if e.Expired(now) {
				continue
			}
			if e.compiled, err = compile(e.Pattern); err != nil {
				r.log.Warn("skipping unreadable suppression", zap.String("pattern", e.Pattern), zap.Error(err))
				continue
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	return out, err
}

// SyncConfig replaces the config-originated entries with patterns. User
// entries for the same pattern are left alone.
func (r *Registry) SyncConfig(ctx context.Context, patterns []string) error {
	now := cas.NowMs()
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM suppressions WHERE origin = ?`, string(OriginConfig)); err != nil {
			return err
		}
		for i, raw := range patterns {
			if _, err := compile(raw); err != nil {
				r.log.Warn("ignoring invalid ignore pattern", zap.String("pattern", raw), zap.Error(err))
				continue
			}
			// Offset keeps config order stable under created_at ordering.
			_, err := tx.Exec(`
				INSERT INTO suppressions (pattern, scope, digests, created_at, origin)
				VALUES (?, ?, '{}', ?, ?)
				ON CONFLICT(pattern) DO NOTHING`,
				NormalizePattern(raw), string(ScopePersistent), now+int64(i), string(OriginConfig))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Snapshot loads the registry once for checking many paths.
func (r *Registry) Snapshot(ctx context.Context) (*Set, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	return &Set{entries: entries}, nil
}

// IsSuppressed reports whether path is suppressed under the live fingerprint.
func (r *Registry) IsSuppressed(ctx context.Context, path string, live *fingerprint.Fingerprint) (bool, error) {
	set, err := r.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	_, ok := set.Suppressed(path, live)
	return ok, nil
}

// Set is a point-in-time view of the registry.
type Set struct {
	entries []Entry
}

// Suppressed applies entries in order, later matches overriding earlier
// ones and negated patterns lifting a suppression. It returns the deciding
// entry when path is suppressed.
func (s *Set) Suppressed(path string, live *fingerprint.Fingerprint) (*Entry, bool) {
	var decided *Entry
	for i := range s.entries {
		e := &s.entries[i]
		if !e.Matches(path, live) {
			continue
		}
		if e.compiled.negated {
			decided = nil
		} else {
			decided = e
		}
	}
	return decided, decided != nil
}

// Len returns the number of active entries.
func (s *Set) Len() int {
	return len(s.entries)
}

func pruneTx(tx *sql.Tx, nowMs int64) error {
	_, err := tx.Exec(`DELETE FROM suppressions WHERE expires_at IS NOT NULL AND expires_at <= ?`, nowMs)
	return err
}

func nullableMs(ms int64) interface{} {
	if ms == 0 {
		return nil
	}
	return ms
}

// ParseDuration accepts "30m", "2h", "1d" and anything time.ParseDuration does.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("invalid duration %q", s)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid duration %q: use a form like 30m or 2h", s)
	}
	return d, nil
}
