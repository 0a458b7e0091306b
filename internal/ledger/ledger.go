// Package ledger persists the pipeline's seen-set and import journal in
// SQLite, so restarts do not resubmit files the server already accepted.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/bioimage-lab/omero-ingest/constants"
)

// FileRecord is one journal row: a discovered file and its import outcome.
type FileRecord struct {
	ID           uuid.UUID
	Path         string
	Filename     string
	Size         int64
	ModTime      time.Time
	State        string
	Attempts     int
	LastError    string
	DiscoveredAt time.Time
	ImportedAt   time.Time
}

// FileLedger is the journal behavior the pipeline depends on.
type FileLedger interface {
	// Seen reports whether the (path, size, mtime) fingerprint is already
	// tracked in a state that blocks rediscovery.
	Seen(ctx context.Context, path string, size int64, mtime time.Time) (bool, error)
	// RecordDiscovery inserts a PENDING row for the fingerprint, reviving a
	// RESCUED row if one exists.
	RecordDiscovery(ctx context.Context, path string, size int64, mtime time.Time) (uuid.UUID, error)
	// MarkImported records a successful import.
	MarkImported(ctx context.Context, id uuid.UUID) error
	// MarkFailed records a failed attempt and the quarantine destination.
	MarkFailed(ctx context.Context, id uuid.UUID, reason, quarantinePath string) error
	// MarkRescuedByName clears the seen state for every FAILED (or, when
	// includeImported is set, IMPORTED) row with the given filename.
	MarkRescuedByName(ctx context.Context, filename string, includeImported bool) (int, error)
	// ResetPending requeues rows left PENDING by a previous run, so a crash
	// mid-import does not strand a file in the seen-set.
	ResetPending(ctx context.Context) (int, error)
	// Stats returns row counts keyed by state.
	Stats(ctx context.Context) (map[string]int, error)
	// Journal lists all rows in discovery order.
	Journal(ctx context.Context) ([]FileRecord, error)
}

type fileLedger struct {
	db     *sql.DB
	logger *slog.Logger
}

const schema = `
CREATE TABLE IF NOT EXISTS files (
	id            TEXT PRIMARY KEY,
	path          TEXT NOT NULL,
	filename      TEXT NOT NULL,
	size          INTEGER NOT NULL,
	mtime_ns      INTEGER NOT NULL,
	state         TEXT NOT NULL,
	attempts      INTEGER NOT NULL DEFAULT 0,
	last_error    TEXT NOT NULL DEFAULT '',
	quarantine    TEXT NOT NULL DEFAULT '',
	discovered_ns INTEGER NOT NULL,
	imported_ns   INTEGER NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS files_fingerprint ON files(path, size, mtime_ns);
CREATE INDEX IF NOT EXISTS files_filename ON files(filename);
CREATE INDEX IF NOT EXISTS files_state ON files(state);
`

// Open opens (or creates) the ledger database at path and applies the schema.
// WAL mode keeps the daemon and the reconciler process from blocking each other.
func Open(path string, logger *slog.Logger) (FileLedger, *sql.DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		logger.Error("failed to open ledger database", "path", path, "error", err)
		return nil, nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		logger.Error("failed to apply ledger schema", "path", path, "error", err)
		_ = db.Close()
		return nil, nil, err
	}
	return &fileLedger{db: db, logger: logger}, db, nil
}

func (l *fileLedger) Seen(ctx context.Context, path string, size int64, mtime time.Time) (bool, error) {
	var n int
	err := l.db.QueryRowContext(ctx, `
SELECT COUNT(1) FROM files
WHERE path = ? AND size = ? AND mtime_ns = ? AND state != ?`,
		path, size, mtime.UnixNano(), constants.StateRescued,
	).Scan(&n)
	if err != nil {
		l.logger.Error("ledger seen query failed", "path", path, "error", err)
		return false, err
	}
	return n > 0, nil
}

func (l *fileLedger) RecordDiscovery(ctx context.Context, path string, size int64, mtime time.Time) (uuid.UUID, error) {
	// Revive a rescued row so its attempt count survives the round trip.
	var id string
	err := l.db.QueryRowContext(ctx, `
SELECT id FROM files
WHERE path = ? AND size = ? AND mtime_ns = ? AND state = ?`,
		path, size, mtime.UnixNano(), constants.StateRescued,
	).Scan(&id)
	switch {
	case err == nil:
		if _, err := l.db.ExecContext(ctx,
			`UPDATE files SET state = ? WHERE id = ?`, constants.StatePending, id); err != nil {
			l.logger.Error("ledger revive failed", "path", path, "error", err)
			return uuid.Nil, err
		}
		return uuid.MustParse(id), nil
	case err != sql.ErrNoRows:
		l.logger.Error("ledger discovery lookup failed", "path", path, "error", err)
		return uuid.Nil, err
	}

	newID := uuid.New()
	_, err = l.db.ExecContext(ctx, `
INSERT INTO files (id, path, filename, size, mtime_ns, state, discovered_ns)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		newID.String(), path, filepath.Base(path), size, mtime.UnixNano(),
		constants.StatePending, time.Now().UTC().UnixNano(),
	)
	if err != nil {
		l.logger.Error("ledger discovery insert failed", "path", path, "error", err)
		return uuid.Nil, err
	}
	return newID, nil
}

func (l *fileLedger) MarkImported(ctx context.Context, id uuid.UUID) error {
	res, err := l.db.ExecContext(ctx, `
UPDATE files SET state = ?, imported_ns = ?, last_error = ''
WHERE id = ?`,
		constants.StateImported, time.Now().UTC().UnixNano(), id.String(),
	)
	if err != nil {
		l.logger.Error("ledger mark imported failed", "file_id", id, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark imported: file %s not tracked", id)
	}
	return nil
}

func (l *fileLedger) MarkFailed(ctx context.Context, id uuid.UUID, reason, quarantinePath string) error {
	if len(reason) > 500 {
		// Cut on a rune boundary; importer stderr is not always ASCII.
		cut := 500
		for cut > 0 && !utf8.RuneStart(reason[cut]) {
			cut--
		}
		reason = reason[:cut]
	}
	res, err := l.db.ExecContext(ctx, `
UPDATE files SET state = ?, attempts = attempts + 1, last_error = ?, quarantine = ?
WHERE id = ?`,
		constants.StateFailed, reason, quarantinePath, id.String(),
	)
	if err != nil {
		l.logger.Error("ledger mark failed failed", "file_id", id, "error", err)
		return err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return fmt.Errorf("mark failed: file %s not tracked", id)
	}
	return nil
}

func (l *fileLedger) MarkRescuedByName(ctx context.Context, filename string, includeImported bool) (int, error) {
	states := []any{constants.StateFailed}
	query := `UPDATE files SET state = ?, quarantine = '' WHERE filename = ? AND state IN (?`
	if includeImported {
		states = append(states, constants.StateImported)
		query += `, ?`
	}
	query += `)`

	args := append([]any{constants.StateRescued, filename}, states...)
	res, err := l.db.ExecContext(ctx, query, args...)
	if err != nil {
		l.logger.Error("ledger rescue failed", "filename", filename, "error", err)
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (l *fileLedger) ResetPending(ctx context.Context) (int, error) {
	res, err := l.db.ExecContext(ctx,
		`UPDATE files SET state = ? WHERE state = ?`,
		constants.StateRescued, constants.StatePending,
	)
	if err != nil {
		l.logger.Error("ledger pending reset failed", "error", err)
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (l *fileLedger) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM files GROUP BY state`)
	if err != nil {
		l.logger.Error("ledger stats query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int, len(constants.FileStates))
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, err
		}
		out[state] = n
	}
	return out, rows.Err()
}

func (l *fileLedger) Journal(ctx context.Context) ([]FileRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
SELECT id, path, filename, size, mtime_ns, state, attempts, last_error, discovered_ns, imported_ns
FROM files ORDER BY discovered_ns, id`)
	if err != nil {
		l.logger.Error("ledger journal query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []FileRecord
	for rows.Next() {
		var rec FileRecord
		var idStr string
		var mtimeNS, discoveredNS, importedNS int64
		if err := rows.Scan(&idStr, &rec.Path, &rec.Filename, &rec.Size, &mtimeNS,
			&rec.State, &rec.Attempts, &rec.LastError, &discoveredNS, &importedNS); err != nil {
			return nil, err
		}
		rec.ID, err = uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("journal row id: %w", err)
		}
		rec.ModTime = time.Unix(0, mtimeNS).UTC()
		rec.DiscoveredAt = time.Unix(0, discoveredNS).UTC()
		if importedNS > 0 {
			rec.ImportedAt = time.Unix(0, importedNS).UTC()
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
