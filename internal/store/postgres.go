package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-analyzer/internal/db"
	"github.com/sells-group/bid-analyzer/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(1)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS opportunities (
	id                  TEXT PRIMARY KEY,
	opportunity_id      TEXT UNIQUE,
	notice_id           TEXT UNIQUE,
	title               TEXT NOT NULL DEFAULT '',
	opportunity         JSONB,
	analysis            JSONB,
	documents_processed INTEGER NOT NULL DEFAULT 0,
	compliance_score    INTEGER,
	risk_level          TEXT NOT NULL DEFAULT '',
	last_run_id         TEXT NOT NULL DEFAULT '',
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

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
	completed_stages JSONB NOT NULL DEFAULT '[]',
	cancelled        BOOLEAN NOT NULL DEFAULT false,
	result_ref       TEXT NOT NULL DEFAULT '',
	errors           JSONB NOT NULL DEFAULT '[]',
	started_at       TIMESTAMPTZ NOT NULL,
	ended_at         TIMESTAMPTZ,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_stage ON runs(stage);
CREATE INDEX IF NOT EXISTS idx_runs_opportunity_id ON runs(opportunity_id);
CREATE INDEX IF NOT EXISTS idx_runs_notice_id ON runs(notice_id);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at DESC);

CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT NOT NULL,
	stage      TEXT NOT NULL,
	data       JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, stage)
);
`

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) GetOpportunity(ctx context.Context, key model.NaturalKey) (*model.OpportunityRecord, error) {
	q, args, err := lookupQuery(key, pgPlaceholder, "")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get opportunity")
	}
	rec, err := scanRecord(s.pool.QueryRow(ctx, q, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "opportunity %s", key)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get opportunity %s", key)
	}
	return rec, nil
}

// UpsertOpportunity locks the matching row, merges fields over it in Go and
// writes it back, or inserts a new row, in one transaction.
func (s *PostgresStore) UpsertOpportunity(ctx context.Context, key model.NaturalKey, fields model.OpportunityFields) (*model.OpportunityRecord, error) {
	q, args, err := lookupQuery(key, pgPlaceholder, " FOR UPDATE")
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert opportunity")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin upsert")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	rec, err := scanRecord(tx.QueryRow(ctx, q, args...))
	insert := errors.Is(err, pgx.ErrNoRows)
	switch {
	case insert:
		rec = &model.OpportunityRecord{ID: uuid.New().String(), CreatedAt: now}
	case err != nil:
		return nil, eris.Wrapf(err, "postgres: lookup opportunity %s", key)
	}

	key = key.Normalize()
	before := rec.Key()
	fields.OpportunityID = firstNonEmpty(fields.OpportunityID, key.OpportunityID)
	fields.NoticeID = firstNonEmpty(fields.NoticeID, key.NoticeID)
	rec.Merge(fields)
	rec.UpdatedAt = now

	dups, err := claimDuplicatesPG(ctx, tx, rec, learnedKey(before, rec.Key(), key, insert))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: reconcile opportunity %s", key)
	}

	vals, err := recordValues(rec)
	if err != nil {
		return nil, err
	}
	if insert {
		_, err = tx.Exec(ctx,
			`INSERT INTO opportunities (`+recordColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			append(append([]any{rec.ID}, vals[:len(vals)-1]...), rec.CreatedAt, rec.UpdatedAt)...,
		)
	} else {
		_, err = tx.Exec(ctx,
			`UPDATE opportunities SET opportunity_id = $1, notice_id = $2, title = $3, opportunity = $4, analysis = $5,
				documents_processed = $6, compliance_score = $7, risk_level = $8, last_run_id = $9, updated_at = $10
			 WHERE id = $11`,
			append(vals, rec.ID)...,
		)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: write opportunity %s", key)
	}
	for _, id := range dups {
		if err := dropDuplicatePG(ctx, tx, rec.ID, id); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit upsert")
	}
	return rec, nil
}

// claimDuplicatesPG absorbs every other row owning a part of learned into
// rec and clears that row's key columns. The rows are deleted by
// dropDuplicatePG once rec is written.
func claimDuplicatesPG(ctx context.Context, tx pgx.Tx, rec *model.OpportunityRecord, learned model.NaturalKey) ([]string, error) {
	q, args, ok := duplicatesQuery(learned, rec.ID, pgPlaceholder, " FOR UPDATE")
	if !ok {
		return nil, nil
	}
	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: find duplicate opportunities")
	}
	var dups []*model.OpportunityRecord
	for rows.Next() {
		d, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "postgres: scan duplicate opportunity")
		}
		dups = append(dups, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate duplicate opportunities")
	}

	ids := make([]string, 0, len(dups))
	for _, d := range dups {
		rec.Absorb(*d)
		if _, err := tx.Exec(ctx,
			`UPDATE opportunities SET opportunity_id = NULL, notice_id = NULL WHERE id = $1`, d.ID); err != nil {
			return nil, eris.Wrapf(err, "postgres: release keys of %s", d.ID)
		}
		ids = append(ids, d.ID)
	}
	return ids, nil
}

// dropDuplicatePG deletes a folded row. Its requirements move to recordID
// when recordID has none of its own.
func dropDuplicatePG(ctx context.Context, tx pgx.Tx, recordID, dupID string) error {
	var n int
	if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM requirements WHERE record_id = $1`, recordID).Scan(&n); err != nil {
		return eris.Wrapf(err, "postgres: count requirements of %s", recordID)
	}
	if n == 0 {
		if _, err := tx.Exec(ctx, `UPDATE requirements SET record_id = $1 WHERE record_id = $2`, recordID, dupID); err != nil {
			return eris.Wrapf(err, "postgres: move requirements of %s", dupID)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM opportunities WHERE id = $1`, dupID); err != nil {
		return eris.Wrapf(err, "postgres: delete merged opportunity %s", dupID)
	}
	return nil
}

// SaveRequirements replaces the record's requirements with reqs. The bulk
// upsert runs as a savepoint inside the clearing transaction.
func (s *PostgresStore) SaveRequirements(ctx context.Context, recordID, runID string, reqs []model.Requirement) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save requirements")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM requirements WHERE record_id = $1`, recordID); err != nil {
		return eris.Wrapf(err, "postgres: clear requirements for %s", recordID)
	}

	rows := make([][]any, len(reqs))
	for i, r := range reqs {
		rows[i] = requirementRow(recordID, runID, r)
	}
	if _, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
		Table:        "requirements",
		Columns:      requirementColumns,
		ConflictKeys: []string{"record_id", "code"},
	}, rows); err != nil {
		return eris.Wrapf(err, "postgres: save requirements for %s", recordID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit requirements")
}

func (s *PostgresStore) ListRequirements(ctx context.Context, recordID string) ([]model.Requirement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT record_id, code, run_id, text, category, priority, source_document, origin
		 FROM requirements WHERE record_id = $1 ORDER BY code`, recordID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list requirements")
	}
	defer rows.Close()

	out := []model.Requirement{}
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan requirement")
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list requirements iterate")
}

func (s *PostgresStore) CreateRun(ctx context.Context, run *model.AnalysisRun) error {
	vals, err := runValues(run)
	if err != nil {
		return err
	}
	key := run.OpportunityRef.Normalize()
	args := append([]any{run.ID, key.OpportunityID, key.NoticeID}, vals[:5]...)
	args = append(args, run.StartedAt.UTC(), vals[5])

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, opportunity_id, notice_id, stage, completed_stages, cancelled, result_ref, errors, started_at, ended_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, args...)
	return eris.Wrapf(err, "postgres: insert run %s", run.ID)
}

func (s *PostgresStore) UpdateRun(ctx context.Context, run *model.AnalysisRun) error {
	vals, err := runValues(run)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET stage = $1, completed_stages = $2, cancelled = (cancelled OR $3), result_ref = $4, errors = $5, ended_at = $6, updated_at = now()
		 WHERE id = $7`,
		append(vals, run.ID)...,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run %s", run.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run %s", run.ID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.AnalysisRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, runID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "run %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return run, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.AnalysisRun, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Stage != "" {
		query += fmt.Sprintf(` AND stage = $%d`, argIdx)
		args = append(args, string(filter.Stage))
		argIdx++
	}
	if filter.OpportunityID != "" {
		query += fmt.Sprintf(` AND opportunity_id = $%d`, argIdx)
		args = append(args, filter.OpportunityID)
		argIdx++
	}
	if filter.NoticeID != "" {
		query += fmt.Sprintf(` AND notice_id = $%d`, argIdx)
		args = append(args, filter.NoticeID)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY started_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.AnalysisRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp model.Checkpoint) error {
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO checkpoints (run_id, stage, data, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, stage) DO UPDATE SET data = $3, created_at = $4`,
		cp.RunID, string(cp.Stage), cp.Data, cp.CreatedAt,
	)
	return eris.Wrap(err, "postgres: save checkpoint")
}

func (s *PostgresStore) LoadCheckpoint(ctx context.Context, runID string) (*model.Checkpoint, error) {
	var cp model.Checkpoint
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, stage, data, created_at FROM checkpoints WHERE run_id = $1 ORDER BY created_at DESC LIMIT 1`,
		runID,
	).Scan(&cp.RunID, &cp.Stage, &cp.Data, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load checkpoint")
	}
	return &cp, nil
}
