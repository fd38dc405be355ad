package suggest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vibetap/internal/cas"
	"vibetap/internal/fingerprint"
	"vibetap/internal/storage"
)

// Store persists suggestions and applied records. It is the only writer of
// either; every write runs under the store's exclusive lock.
type Store struct {
	db  *storage.DB
	log *zap.Logger
}

// New creates a store on db.
func New(db *storage.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// ============================================================================
// Batches
// ============================================================================

// PutBatch records the suggestions generated for fp. Unless replace is set,
// an existing batch for the same aggregate is returned untouched and created
// is false, so two invocations racing on a cache miss converge on one batch.
// Either way the returned batch becomes the most recently surfaced one.
//
// A new batch supersedes older Suggested suggestions generated for any path
// in fp: they go Stale rather than being deleted.
func (s *Store) PutBatch(ctx context.Context, fp *fingerprint.Fingerprint, meta BatchMeta, items []Suggestion, replace bool) (batch *Batch, created bool, err error) {
	fpJSON, err := json.Marshal(fp)
	if err != nil {
		return nil, false, fmt.Errorf("marshaling fingerprint: %w", err)
	}

	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		if !replace {
			existing, err := findBatchTx(tx, fp.Aggregate)
			if err == nil {
				batch = existing
				return surfaceTx(tx, existing.ID)
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}

		now := cas.NowMs()
		res, err := tx.Exec(`
			INSERT INTO batches (aggregate, fingerprint, summary, model, created_at, surfaced_seq)
			VALUES (?, ?, ?, ?, ?, (SELECT COALESCE(MAX(surfaced_seq), 0) + 1 FROM batches))`,
			fp.Aggregate, string(fpJSON), meta.Summary, meta.Model, now)
		if err != nil {
			return fmt.Errorf("inserting batch: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for i, item := range items {
			blob, err := encodePatch(item.Patch)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO suggestions (batch_id, ordinal, remote_id, target_file, source_file, kind, priority,
					description, confidence, base_checksum, patch, state, state_reason, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, '', ?)`,
				id, i+1, item.RemoteID, item.TargetFile, item.SourceFile, string(item.Kind), string(item.Priority),
				item.Description, item.Confidence, item.BaseChecksum, blob, string(StateSuggested), now)
			if err != nil {
				return fmt.Errorf("inserting suggestion %d: %w", i+1, err)
			}
		}

		if err := supersedeTx(tx, id, fp.Paths(), now); err != nil {
			return err
		}

		batch = &Batch{ID: id, Fingerprint: fp, Summary: meta.Summary, Model: meta.Model, CreatedAt: now}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		s.log.Debug("batch stored",
			zap.Int64("batch", batch.ID),
			zap.String("fingerprint", fp.Aggregate),
			zap.Int("suggestions", len(items)))
	}
	return batch, created, nil
}

// supersedeTx marks Stale the Suggested suggestions of older batches whose
// origin overlaps paths.
func supersedeTx(tx *sql.Tx, batchID int64, paths []string, now int64) error {
	if len(paths) == 0 {
		return nil
	}
	changed := make(map[string]bool, len(paths))
	for _, p := range paths {
		changed[p] = true
	}

	older, err := querySuggestions(tx, suggestionSelect+` WHERE s.batch_id < ? AND s.state = ?`, batchID, string(StateSuggested))
	if err != nil {
		return fmt.Errorf("finding superseded suggestions: %w", err)
	}
	reason := fmt.Sprintf("superseded by batch %d", batchID)
	for _, sg := range older {
		overlap := false
		for _, p := range sg.OriginPaths() {
			if changed[p] {
				overlap = true
				break
			}
		}
		if !overlap {
			continue
		}
		_, err := tx.Exec(`UPDATE suggestions SET state = ?, state_reason = ?, updated_at = ? WHERE batch_id = ? AND ordinal = ?`,
			string(StateStale), reason, now, sg.Key.Batch, sg.Key.Ordinal)
		if err != nil {
			return fmt.Errorf("superseding suggestion %s: %w", sg.Key, err)
		}
	}
	return nil
}

func surfaceTx(tx *sql.Tx, id int64) error {
	_, err := tx.Exec(`UPDATE batches SET surfaced_seq = (SELECT COALESCE(MAX(surfaced_seq), 0) + 1 FROM batches) WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("surfacing batch %d: %w", id, err)
	}
	return nil
}

// Surface records that batch id was just shown, making it the batch a bare
// ordinal refers to.
func (s *Store) Surface(ctx context.Context, id int64) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return surfaceTx(tx, id)
	})
}

// FindBatch returns the newest batch for a fingerprint aggregate.
func (s *Store) FindBatch(ctx context.Context, aggregate string) (*Batch, error) {
	var b *Batch
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = findBatchTx(tx, aggregate)
		return err
	})
	return b, err
}

// LatestBatch returns the most recently surfaced batch: the last one stored
// or served from the cache.
func (s *Store) LatestBatch(ctx context.Context) (*Batch, error) {
	var b *Batch
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		b, err = scanBatch(tx.QueryRow(`SELECT id, fingerprint, summary, model, created_at FROM batches ORDER BY surfaced_seq DESC, id DESC LIMIT 1`))
		return err
	})
	return b, err
}

func findBatchTx(tx *sql.Tx, aggregate string) (*Batch, error) {
	return scanBatch(tx.QueryRow(`SELECT id, fingerprint, summary, model, created_at FROM batches WHERE aggregate = ? ORDER BY id DESC LIMIT 1`, aggregate))
}

func scanBatch(row scanner) (*Batch, error) {
	var b Batch
	var fpJSON string
	if err := row.Scan(&b.ID, &fpJSON, &b.Summary, &b.Model, &b.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("batch: %w", ErrNotFound)
		}
		return nil, err
	}
	fp, err := parseFingerprint(fpJSON)
	if err != nil {
		return nil, err
	}
	b.Fingerprint = fp
	return &b, nil
}

func parseFingerprint(raw string) (*fingerprint.Fingerprint, error) {
	var fp fingerprint.Fingerprint
	if err := json.Unmarshal([]byte(raw), &fp); err != nil {
		return nil, fmt.Errorf("parsing stored fingerprint: %w", err)
	}
	return &fp, nil
}

// ============================================================================
// Suggestions
// ============================================================================

const suggestionSelect = `
	SELECT s.batch_id, s.ordinal, s.remote_id, s.target_file, s.source_file, s.kind, s.priority,
		s.description, s.confidence, s.base_checksum, s.patch, s.state, s.state_reason, s.updated_at,
		b.fingerprint
	FROM suggestions s JOIN batches b ON b.id = s.batch_id`

func scanSuggestion(row scanner, fps map[int64]*fingerprint.Fingerprint) (*Suggestion, error) {
	var sg Suggestion
	var kind, priority, state, fpJSON string
	var blob []byte
	err := row.Scan(&sg.Key.Batch, &sg.Key.Ordinal, &sg.RemoteID, &sg.TargetFile, &sg.SourceFile, &kind, &priority,
		&sg.Description, &sg.Confidence, &sg.BaseChecksum, &blob, &state, &sg.StateReason, &sg.UpdatedAt, &fpJSON)
	if err != nil {
		return nil, err
	}
	sg.Kind = Kind(kind)
	sg.Priority = Priority(priority)
	sg.State = State(state)

	if sg.Patch, err = decodePatch(blob); err != nil {
		return nil, fmt.Errorf("suggestion %s: %w", sg.Key, err)
	}

	if fp, ok := fps[sg.Key.Batch]; ok {
		sg.SourceFingerprint = fp
	} else {
		if sg.SourceFingerprint, err = parseFingerprint(fpJSON); err != nil {
			return nil, err
		}
		fps[sg.Key.Batch] = sg.SourceFingerprint
	}
	return &sg, nil
}

// Get returns a suggestion by key.
func (s *Store) Get(ctx context.Context, key Key) (*Suggestion, error) {
	var sg *Suggestion
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		sg, err = getTx(tx, key)
		return err
	})
	return sg, err
}

func getTx(tx *sql.Tx, key Key) (*Suggestion, error) {
	row := tx.QueryRow(suggestionSelect+` WHERE s.batch_id = ? AND s.ordinal = ?`, key.Batch, key.Ordinal)
	sg, err := scanSuggestion(row, map[int64]*fingerprint.Fingerprint{})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("suggestion %s: %w", key, ErrNotFound)
	}
	return sg, err
}

// List returns the suggestions matching f, ordered by batch then ordinal.
func (s *Store) List(ctx context.Context, f Filter) ([]Suggestion, error) {
	var where []string
	var args []interface{}
	if f.Batch != 0 {
		where = append(where, "s.batch_id = ?")
		args = append(args, f.Batch)
	}
	if len(f.States) > 0 {
		where = append(where, "s.state IN ("+strings.TrimSuffix(strings.Repeat("?,", len(f.States)), ",")+")")
		for _, st := range f.States {
			args = append(args, string(st))
		}
	}
	if f.TargetFile != "" {
		where = append(where, "s.target_file = ?")
		args = append(args, f.TargetFile)
	}

	query := suggestionSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY s.batch_id, s.ordinal"

	var out []Suggestion
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = querySuggestions(tx, query, args...)
		return err
	})
	return out, err
}

func querySuggestions(tx *sql.Tx, query string, args ...interface{}) ([]Suggestion, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Suggestion
	fps := make(map[int64]*fingerprint.Fingerprint)
	for rows.Next() {
		sg, err := scanSuggestion(rows, fps)
		if err != nil {
			return nil, err
		}
		out = append(out, *sg)
	}
	return out, rows.Err()
}

// Transition moves a suggestion to a new state. Entering Applied requires an
// applied record for the suggestion to exist already.
func (s *Store) Transition(ctx context.Context, key Key, to State, reason string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return transitionTx(tx, key, to, reason)
	})
}

func transitionTx(tx *sql.Tx, key Key, to State, reason string) error {
	var raw string
	err := tx.QueryRow(`SELECT state FROM suggestions WHERE batch_id = ? AND ordinal = ?`, key.Batch, key.Ordinal).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("suggestion %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return err
	}
	from := State(raw)
	if from == StateStale && to == StateStale {
		return nil
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: suggestion %s %s -> %s", ErrInvalidTransition, key, from, to)
	}

	if to == StateApplied {
		var n int
		err := tx.QueryRow(`SELECT COUNT(*) FROM applied_records WHERE batch_id = ? AND ordinal = ? AND status IN (?, ?)`,
			key.Batch, key.Ordinal, string(RecordPending), string(RecordCommitted)).Scan(&n)
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("%w: suggestion %s has no applied record", ErrInvalidTransition, key)
		}
	}

	_, err = tx.Exec(`UPDATE suggestions SET state = ?, state_reason = ?, updated_at = ? WHERE batch_id = ? AND ordinal = ?`,
		string(to), reason, cas.NowMs(), key.Batch, key.Ordinal)
	return err
}

// MarkStale moves every key to Stale in one transaction and returns how
// many changed state.
func (s *Store) MarkStale(ctx context.Context, keys []Key, reason string) (int, error) {
	changed := 0
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		changed = 0
		for _, k := range keys {
			res, err := tx.Exec(`UPDATE suggestions SET state = ?, state_reason = ?, updated_at = ? WHERE batch_id = ? AND ordinal = ? AND state != ?`,
				string(StateStale), reason, cas.NowMs(), k.Batch, k.Ordinal, string(StateStale))
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			changed += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 {
		s.log.Debug("suggestions marked stale", zap.Int("count", changed), zap.String("reason", reason))
	}
	return changed, nil
}

// ============================================================================
// Applied records
// ============================================================================

const recordSelect = `
	SELECT id, batch_id, ordinal, target_file, forward, reverse, pre_checksum, post_checksum,
		created_dirs, status, applied_at, COALESCE(reverted_at, 0)
	FROM applied_records`

func scanRecord(row scanner) (*AppliedRecord, error) {
	var r AppliedRecord
	var fwd, rev []byte
	var dirs, status string
	err := row.Scan(&r.ID, &r.Key.Batch, &r.Key.Ordinal, &r.TargetFile, &fwd, &rev, &r.PreChecksum, &r.PostChecksum,
		&dirs, &status, &r.AppliedAt, &r.RevertedAt)
	if err != nil {
		return nil, err
	}
	r.Status = RecordStatus(status)
	if r.Forward, err = decodePatch(fwd); err != nil {
		return nil, err
	}
	if r.Reverse, err = decodePatch(rev); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(dirs), &r.CreatedDirs); err != nil {
		return nil, fmt.Errorf("parsing created dirs: %w", err)
	}
	return &r, nil
}

func queryRecords(tx *sql.Tx, query string, args ...interface{}) ([]AppliedRecord, error) {
	rows, err := tx.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AppliedRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// RecordApplied durably stores rec as pending before the working tree is
// touched. The suggestion must be Suggested and have no other pending
// record. rec.ID, rec.Status and rec.AppliedAt are filled in.
func (s *Store) RecordApplied(ctx context.Context, rec *AppliedRecord) error {
	fwd, err := encodePatch(rec.Forward)
	if err != nil {
		return err
	}
	rev, err := encodePatch(rec.Reverse)
	if err != nil {
		return err
	}
	dirs := rec.CreatedDirs
	if dirs == nil {
		dirs = []string{}
	}
	dirsJSON, err := json.Marshal(dirs)
	if err != nil {
		return err
	}

	id := rec.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := cas.NowMs()

	err = s.db.Write(ctx, func(tx *sql.Tx) error {
		sg, err := getTx(tx, rec.Key)
		if err != nil {
			return err
		}
		if !CanTransition(sg.State, StateApplied) {
			return fmt.Errorf("%w: suggestion %s is %s", ErrInvalidTransition, rec.Key, sg.State)
		}

		var pending int
		err = tx.QueryRow(`SELECT COUNT(*) FROM applied_records WHERE batch_id = ? AND ordinal = ? AND status = ?`,
			rec.Key.Batch, rec.Key.Ordinal, string(RecordPending)).Scan(&pending)
		if err != nil {
			return err
		}
		if pending > 0 {
			return fmt.Errorf("%w: suggestion %s already has an apply in progress", ErrInvalidTransition, rec.Key)
		}

		_, err = tx.Exec(`
			INSERT INTO applied_records (id, batch_id, ordinal, target_file, forward, reverse,
				pre_checksum, post_checksum, created_dirs, status, applied_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, rec.Key.Batch, rec.Key.Ordinal, rec.TargetFile, fwd, rev,
			rec.PreChecksum, rec.PostChecksum, string(dirsJSON), string(RecordPending), now)
		if err != nil {
			return fmt.Errorf("inserting applied record: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	rec.ID = id
	rec.Status = RecordPending
	rec.AppliedAt = now
	rec.CreatedDirs = dirs
	return nil
}

// CommitApplied confirms a pending record and moves its suggestion to
// Applied in the same transaction.
func (s *Store) CommitApplied(ctx context.Context, recordID string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		rec, err := recordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != RecordPending {
			return fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, recordID, rec.Status)
		}
		if err := transitionTx(tx, rec.Key, StateApplied, ""); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE applied_records SET status = ? WHERE id = ?`, string(RecordCommitted), recordID)
		return err
	})
}

// DiscardApplied deletes a pending record whose write never happened.
func (s *Store) DiscardApplied(ctx context.Context, recordID string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM applied_records WHERE id = ? AND status = ?`, recordID, string(RecordPending))
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("pending record %s: %w", recordID, ErrNotFound)
		}
		return nil
	})
}

// AbandonApplied deletes a pending record whose outcome cannot be
// determined and marks its suggestion Stale.
func (s *Store) AbandonApplied(ctx context.Context, recordID, reason string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		rec, err := recordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != RecordPending {
			return fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, recordID, rec.Status)
		}
		if _, err := tx.Exec(`DELETE FROM applied_records WHERE id = ?`, recordID); err != nil {
			return err
		}
		return transitionTx(tx, rec.Key, StateStale, reason)
	})
}

// CommitRevert marks a committed record reverted and moves its suggestion
// from Applied to Reverted.
func (s *Store) CommitRevert(ctx context.Context, recordID string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		rec, err := recordTx(tx, recordID)
		if err != nil {
			return err
		}
		if rec.Status != RecordCommitted {
			return fmt.Errorf("%w: record %s is %s", ErrInvalidTransition, recordID, rec.Status)
		}
		if err := transitionTx(tx, rec.Key, StateReverted, ""); err != nil {
			return err
		}
		_, err = tx.Exec(`UPDATE applied_records SET status = ?, reverted_at = ? WHERE id = ?`,
			string(RecordReverted), cas.NowMs(), recordID)
		return err
	})
}

func recordTx(tx *sql.Tx, id string) (*AppliedRecord, error) {
	rec, err := scanRecord(tx.QueryRow(recordSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("applied record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

// AppliedRecordFor returns the committed record of an Applied suggestion.
func (s *Store) AppliedRecordFor(ctx context.Context, key Key) (*AppliedRecord, error) {
	var rec *AppliedRecord
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		recs, err := queryRecords(tx, recordSelect+` WHERE batch_id = ? AND ordinal = ? AND status = ? ORDER BY applied_at DESC, rowid DESC LIMIT 1`,
			key.Batch, key.Ordinal, string(RecordCommitted))
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return fmt.Errorf("applied record for %s: %w", key, ErrNotFound)
		}
		rec = &recs[0]
		return nil
	})
	return rec, err
}

// ListApplied returns the committed records of suggestions still Applied,
// newest first.
func (s *Store) ListApplied(ctx context.Context) ([]AppliedRecord, error) {
	var out []AppliedRecord
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = queryRecords(tx, `
			SELECT r.id, r.batch_id, r.ordinal, r.target_file, r.forward, r.reverse, r.pre_checksum, r.post_checksum,
				r.created_dirs, r.status, r.applied_at, COALESCE(r.reverted_at, 0)
			FROM applied_records r
			JOIN suggestions s ON s.batch_id = r.batch_id AND s.ordinal = r.ordinal
			WHERE r.status = ? AND s.state = ?
			ORDER BY r.applied_at DESC, r.rowid DESC`,
			string(RecordCommitted), string(StateApplied))
		return err
	})
	return out, err
}

// LatestApplied returns the most recent record still in effect.
func (s *Store) LatestApplied(ctx context.Context) (*AppliedRecord, error) {
	recs, err := s.ListApplied(ctx)
	if err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("applied suggestion: %w", ErrNotFound)
	}
	return &recs[0], nil
}

// PendingRecords returns records whose apply was never confirmed.
func (s *Store) PendingRecords(ctx context.Context) ([]AppliedRecord, error) {
	var out []AppliedRecord
	err := s.db.Read(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = queryRecords(tx, recordSelect+` WHERE status = ? ORDER BY applied_at, rowid`, string(RecordPending))
		return err
	})
	return out, err
}
