package storage

// SchemaVersion is the version written by this build.
const SchemaVersion = 3

// MinSchemaVersion is the oldest on-disk version this build migrates forward.
const MinSchemaVersion = 1

var pragmas = []string{
	"journal_mode(WAL)",
	"busy_timeout(5000)",
	"foreign_keys(1)",
	"synchronous(FULL)",
}

// migrations[v] upgrades a v-schema database to v+1. Index 0 creates a fresh store.
var migrations = [][]string{
	{
		`CREATE TABLE batches (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			aggregate   TEXT NOT NULL,
			fingerprint TEXT NOT NULL,
			summary     TEXT NOT NULL DEFAULT '',
			model       TEXT NOT NULL DEFAULT '',
			created_at  INTEGER NOT NULL
		)`,
		`CREATE INDEX idx_batches_aggregate ON batches(aggregate)`,
		`CREATE TABLE suggestions (
			batch_id      INTEGER NOT NULL REFERENCES batches(id) ON DELETE CASCADE,
			ordinal       INTEGER NOT NULL,
			remote_id     TEXT NOT NULL DEFAULT '',
			target_file   TEXT NOT NULL,
			source_file   TEXT NOT NULL DEFAULT '',
			kind          TEXT NOT NULL,
			priority      TEXT NOT NULL,
			description   TEXT NOT NULL DEFAULT '',
			confidence    REAL NOT NULL DEFAULT 0,
			base_checksum TEXT NOT NULL DEFAULT '',
			patch         BLOB NOT NULL,
			state         TEXT NOT NULL,
			state_reason  TEXT NOT NULL DEFAULT '',
			updated_at    INTEGER NOT NULL,
			PRIMARY KEY (batch_id, ordinal)
		)`,
		`CREATE INDEX idx_suggestions_state ON suggestions(state)`,
		`CREATE INDEX idx_suggestions_target ON suggestions(target_file)`,
		`CREATE TABLE applied_records (
			id            TEXT PRIMARY KEY,
			batch_id      INTEGER NOT NULL,
			ordinal       INTEGER NOT NULL,
			target_file   TEXT NOT NULL,
			forward       BLOB NOT NULL,
			reverse       BLOB NOT NULL,
			pre_checksum  TEXT NOT NULL,
			post_checksum TEXT NOT NULL,
			created_dirs  TEXT NOT NULL DEFAULT '[]',
			status        TEXT NOT NULL,
			applied_at    INTEGER NOT NULL,
			reverted_at   INTEGER,
			FOREIGN KEY (batch_id, ordinal) REFERENCES suggestions(batch_id, ordinal) ON DELETE CASCADE
		)`,
		`CREATE INDEX idx_applied_suggestion ON applied_records(batch_id, ordinal)`,
		`CREATE TABLE suppressions (
			pattern    TEXT PRIMARY KEY,
			scope      TEXT NOT NULL,
			digests    TEXT NOT NULL DEFAULT '{}',
			expires_at INTEGER,
			created_at INTEGER NOT NULL
		)`,
	},
	{
		// v2: suppressions remember whether they came from the user or from
		// the project's ignore list, so config reloads can replace their own.
		`ALTER TABLE suppressions ADD COLUMN origin TEXT NOT NULL DEFAULT 'user'`,
	},
	{
		// v3: batches carry the order in which they were last shown, so a
		// bare ordinal names a suggestion from the batch the user just saw.
		`ALTER TABLE batches ADD COLUMN surfaced_seq INTEGER NOT NULL DEFAULT 0`,
		`UPDATE batches SET surfaced_seq = id`,
	},
}
