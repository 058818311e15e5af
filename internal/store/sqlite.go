package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/bid-analyzer/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer; the upsert transaction relies on it for its
	// read-merge-write.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                  TEXT PRIMARY KEY,
	opportunity_id      TEXT,
	notice_id           TEXT,
	title               TEXT NOT NULL DEFAULT '',
	opportunity         BLOB,
	analysis            BLOB,
	documents_processed INTEGER NOT NULL DEFAULT 0,
	compliance_score    INTEGER,
	risk_level          TEXT NOT NULL DEFAULT '',
	last_run_id         TEXT NOT NULL DEFAULT '',
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at          DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_opportunity_id ON opportunities(opportunity_id) WHERE opportunity_id IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_opportunities_notice_id ON opportunities(notice_id) WHERE notice_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS requirements (
	record_id       TEXT NOT NULL REFERENCES opportunities(id) ON DELETE CASCADE,
	code            TEXT NOT NULL,
	run_id          TEXT NOT NULL,
	text            TEXT NOT NULL,
	category        TEXT NOT NULL,
	priority        TEXT NOT NULL,
	source_document TEXT NOT NULL DEFAULT '',
	origin          TEXT NOT NULL,
	PRIMARY KEY (record_id, code)
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	opportunity_id   TEXT NOT NULL DEFAULT '',
	notice_id        TEXT NOT NULL DEFAULT '',
	stage            TEXT NOT NULL,
	completed_stages BLOB NOT NULL,
	cancelled        INTEGER NOT NULL DEFAULT 0,
	result_ref       TEXT NOT NULL DEFAULT '',
	errors           BLOB NOT NULL,
	started_at       DATETIME NOT NULL,
	ended_at         DATETIME,
	updated_at       DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage);
CREATE INDEX IF NOT EXISTS idx_runs_opportunity_id ON runs(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_runs_notice_id ON runs(notice_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	data       BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, stage)
);
`

func sqlitePlaceholder(int) string { return "?" }

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) GetOpportunity(ctx context.Context, key model.NaturalKey) (*model.OpportunityRecord, error) {
	q, args, err := lookupQuery(key, sqlitePlaceholder, "")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get opportunity")
	}
	rec, err := scanRecord(s.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "opportunity %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get opportunity %s", key)
	}
	return rec, nil
}

func (s *SQLiteStore) UpsertOpportunity(ctx context.Context, key model.NaturalKey, fields model.OpportunityFields) (*model.OpportunityRecord, error) {
	q, args, err := lookupQuery(key, sqlitePlaceholder, "")
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert opportunity")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin upsert")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	rec, err := scanRecord(tx.QueryRowContext(ctx, q, args...))
	insert := errors.Is(err, sql.ErrNoRows)
	switch {
	case insert:
		rec = &model.OpportunityRecord{ID: uuid.New().String(), CreatedAt: now}
	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: lookup opportunity %s", key)
	}

	key = key.Normalize()
	before := rec.Key()
	fields.OpportunityID = firstNonEmpty(fields.OpportunityID, key.OpportunityID)
	fields.NoticeID = firstNonEmpty(fields.NoticeID, key.NoticeID)
	rec.Merge(fields)
	rec.UpdatedAt = now

	// A key part learned here may already sit on a second row. Fold that
	// row into rec so the write can't break the unique key indexes.
	dups, err := s.claimDuplicates(ctx, tx, rec, learnedKey(before, rec.Key(), key, insert))
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: reconcile opportunity %s", key)
	}

	vals, err := recordValues(rec)
	if err != nil {
		return nil, err
	}
	if insert {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO opportunities (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			append(append([]any{rec.ID}, vals[:len(vals)-1]...), rec.CreatedAt, rec.UpdatedAt)...,
		)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE opportunities SET opportunity_id = ?, notice_id = ?, title = ?, opportunity = ?, analysis = ?,
				documents_processed = ?, compliance_score = ?, risk_level = ?, last_run_id = ?, updated_at = ?
			 WHERE id = ?`,
			append(vals, rec.ID)...,
		)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: write opportunity %s", key)
	}
	for _, id := range dups {
		if err := s.dropDuplicate(ctx, tx, rec.ID, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit upsert")
	}
	return rec, nil
}

func (s *SQLiteStore) queryRecords(ctx context.Context, tx *sql.Tx, q string, args ...any) ([]*model.OpportunityRecord, error) {
	rows, err := tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close() //nolint:errcheck

	var out []*model.OpportunityRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// claimDuplicates absorbs every other row owning a part of learned into rec
// and clears that row's key columns. It returns the ids of those rows, which
// the caller deletes once rec is written.
func (s *SQLiteStore) claimDuplicates(ctx context.Context, tx *sql.Tx, rec *model.OpportunityRecord, learned model.NaturalKey) ([]string, error) {
	q, args, ok := duplicatesQuery(learned, rec.ID, sqlitePlaceholder, "")
	if !ok {
		return nil, nil
	}
	dups, err := s.queryRecords(ctx, tx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: find duplicate opportunities")
	}

	ids := make([]string, 0, len(dups))
	for _, d := range dups {
		rec.Absorb(*d)
		if _, err := tx.ExecContext(ctx,
			`UPDATE opportunities SET opportunity_id = NULL, notice_id = NULL WHERE id = ?`, d.ID); err != nil {
			return nil, eris.Wrapf(err, "sqlite: release keys of %s", d.ID)
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// dropDuplicate deletes a folded row. Its requirements move to recordID
// when recordID has none of its own.
func (s *SQLiteStore) dropDuplicate(ctx context.Context, tx *sql.Tx, recordID, dupID string) error {
	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM requirements WHERE record_id = ?`, recordID).Scan(&n); err != nil {
		return eris.Wrapf(err, "sqlite: count requirements of %s", recordID)
	}
	if n == 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE requirements SET record_id = ? WHERE record_id = ?`, recordID, dupID); err != nil {
			return eris.Wrapf(err, "sqlite: move requirements of %s", dupID)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM requirements WHERE record_id = ?`, dupID); err != nil {
		return eris.Wrapf(err, "sqlite: clear requirements of %s", dupID)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM opportunities WHERE id = ?`, dupID); err != nil {
		return eris.Wrapf(err, "sqlite: delete merged opportunity %s", dupID)
	}
	return nil
}

func (s *SQLiteStore) SaveRequirements(ctx context.Context, recordID, runID string, reqs []model.Requirement) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save requirements")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM requirements WHERE record_id = ?`, recordID); err != nil {
		return eris.Wrapf(err, "sqlite: clear requirements for %s", recordID)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO requirements (record_id, code, run_id, text, category, priority, source_document, origin)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (record_id, code) DO UPDATE SET run_id = excluded.run_id, text = excluded.text,
		   category = excluded.category, priority = excluded.priority,
		   source_document = excluded.source_document, origin = excluded.origin`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare requirement insert")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range reqs {
		if _, err := stmt.ExecContext(ctx, requirementRow(recordID, runID, r)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert requirement %s", r.Code)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit requirements")
}

func (s *SQLiteStore) ListRequirements(ctx context.Context, recordID string) ([]model.Requirement, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT record_id, code, run_id, text, category, priority, source_document, origin
		 FROM requirements WHERE record_id = ? ORDER BY code`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list requirements")
	}
	defer rows.Close() //nolint:errcheck

	out := []model.Requirement{}
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan requirement")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list requirements iterate")
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *model.AnalysisRun) error {
	vals, err := runValues(run)
	if err != nil {
		return err
	}
	key := run.OpportunityRef.Normalize()
	args := append([]any{run.ID, key.OpportunityID, key.NoticeID}, vals[:5]...)
	args = append(args, run.StartedAt.UTC(), vals[5], time.Now().UTC())

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, opportunity_id, notice_id, stage, completed_stages, cancelled, result_ref, errors, started_at, ended_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...)
	return eris.Wrapf(err, "sqlite: insert run %s", run.ID)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *model.AnalysisRun) error {
	vals, err := runValues(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, completed_stages = ?, cancelled = MAX(cancelled, ?), result_ref = ?, errors = ?, ended_at = ?, updated_at = ?
		 WHERE id = ?`,
		append(vals, time.Now().UTC(), run.ID)...,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run %s", run.ID)
	}
	return checkRowsAffected(res, "run", run.ID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	var args []any

	if filter.Stage != "" {
		query += ` AND stage = ?`
		args = append(args, string(filter.Stage))
	}
	if filter.OpportunityID != "" {
		query += ` AND opportunity_id = ?`
		args = append(args, filter.OpportunityID)
	}
	if filter.NoticeID != "" {
		query += ` AND notice_id = ?`
		args = append(args, filter.NoticeID)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.AnalysisRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

func (s *SQLiteStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (run_id, stage, data, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (run_id, stage) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		cp.RunID, string(cp.Stage), cp.Data, cp.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: save checkpoint")
}

func (s *SQLiteStore) LoadCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.db.QueryRowContext(ctx,
		`SELECT run_id, stage, data, created_at FROM checkpoints WHERE run_id = ?
		 ORDER BY created_at DESC, rowid DESC LIMIT 1`, runID,
	).Scan(&cp.RunID, &cp.Stage, &cp.Data, &cp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: load checkpoint")
	}
	return &cp, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
