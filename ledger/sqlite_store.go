package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store using a SQLite database. Claim and resolve
// operations run in transactions, so the compare-and-set guarantees hold
// across multiple processes sharing one database file.
type SQLiteStore struct {
	db      *sql.DB
	options SQLiteStoreOptions
}

// SQLiteStoreOptions configures the SQLite store.
type SQLiteStoreOptions struct {
	QueryTimeout      time.Duration
	PragmaJournalMode string
	PragmaSyncMode    string
	MaxConnections    int
}

// DefaultSQLiteStoreOptions returns sensible defaults.
func DefaultSQLiteStoreOptions() SQLiteStoreOptions {
	return SQLiteStoreOptions{
		QueryTimeout:      30 * time.Second,
		PragmaJournalMode: "WAL",
		PragmaSyncMode:    "NORMAL",
		MaxConnections:    10,
	}
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store.
func NewSQLiteStore(dbPath string, options SQLiteStoreOptions) (*SQLiteStore, error) {
	if options.QueryTimeout == 0 {
		options = DefaultSQLiteStoreOptions()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(options.MaxConnections)

	store := &SQLiteStore{db: db, options: options}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize sqlite store: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initialize() error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA journal_mode = %s", s.options.PragmaJournalMode),
		fmt.Sprintf("PRAGMA synchronous = %s", s.options.PragmaSyncMode),
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to set pragma: %w", err)
		}
	}
	schema := `
	CREATE TABLE IF NOT EXISTS effects (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		step_path  TEXT NOT NULL,
		iteration  INTEGER NOT NULL DEFAULT 0,
		status     TEXT NOT NULL,
		input      TEXT,
		result     TEXT,
		failure    TEXT,
		attempts   INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_effects_run ON effects(run_id, created_at);

	CREATE TABLE IF NOT EXISTS decisions (
		id         TEXT PRIMARY KEY,
		run_id     TEXT NOT NULL,
		process    TEXT NOT NULL,
		status     TEXT NOT NULL,
		expires_at TIMESTAMP,
		created_at TIMESTAMP NOT NULL,
		document   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_run ON decisions(run_id);
	CREATE INDEX IF NOT EXISTS idx_decisions_status ON decisions(status, expires_at);

	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		process    TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		document   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status, created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// RecordAttempt claims an attempt using single-statement compare-and-set
// writes: each statement is atomic in SQLite, and the affected row count
// tells the caller whether it won the claim.
func (s *SQLiteStore) RecordAttempt(ctx context.Context, effect *Effect) (*Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	now := time.Now()
	input, err := encodePayload(effect.Input)
	if err != nil {
		return nil, err
	}

	// new effect: exactly one concurrent inserter wins
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO effects (id, run_id, step_path, iteration, status, input, attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 'pending', ?, 1, ?, ?)`,
		effect.ID, effect.RunID, effect.StepPath, effect.Iteration, input, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to insert effect: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if inserted == 1 {
		stored, err := s.GetEffect(ctx, effect.ID)
		if err != nil {
			return nil, err
		}
		return &Attempt{Claimed: true, Effect: stored}, nil
	}

	// failed effect: exactly one concurrent updater re-claims
	result, err = s.db.ExecContext(ctx,
		`UPDATE effects SET status = 'pending', attempts = attempts + 1, input = ?, updated_at = ?
		 WHERE id = ? AND status = 'failed'`,
		input, now, effect.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to reclaim effect: %w", err)
	}
	reclaimed, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	stored, err := s.GetEffect(ctx, effect.ID)
	if err != nil {
		return nil, err
	}
	return &Attempt{Claimed: reclaimed == 1, Effect: stored}, nil
}

func (s *SQLiteStore) RecordResult(ctx context.Context, effectID string, result map[string]any) error {
	return s.recordTerminal(ctx, effectID, EffectStatusSucceeded, result, "")
}

func (s *SQLiteStore) RecordFailure(ctx context.Context, effectID string, cause string) error {
	return s.recordTerminal(ctx, effectID, EffectStatusFailed, nil, cause)
}

func (s *SQLiteStore) recordTerminal(ctx context.Context, effectID string, status EffectStatus, result map[string]any, cause string) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	encoded, err := encodePayload(result)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE effects SET status = ?, result = ?, failure = ?, updated_at = ? WHERE id = ? AND status = 'pending'`,
		status, encoded, cause, time.Now(), effectID)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	existing, err := s.GetEffect(ctx, effectID)
	if err != nil {
		return err
	}
	if existing.Status == EffectStatusSucceeded {
		return ErrDuplicateResult
	}
	return ErrNotClaimed
}

func (s *SQLiteStore) GetEffect(ctx context.Context, effectID string) (*Effect, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, run_id, step_path, iteration, status, input, result, failure, attempts, created_at, updated_at
		 FROM effects WHERE id = ?`, effectID)
	return scanEffect(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEffect(row rowScanner) (*Effect, error) {
	var effect Effect
	var input, result sql.NullString
	var failure sql.NullString
	err := row.Scan(&effect.ID, &effect.RunID, &effect.StepPath, &effect.Iteration,
		&effect.Status, &input, &result, &failure, &effect.Attempts,
		&effect.CreatedAt, &effect.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan effect: %w", err)
	}
	if effect.Input, err = decodePayload(input); err != nil {
		return nil, err
	}
	if effect.Result, err = decodePayload(result); err != nil {
		return nil, err
	}
	effect.Failure = failure.String
	return &effect, nil
}

func (s *SQLiteStore) ListEffects(ctx context.Context, runID string) ([]*Effect, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, step_path, iteration, status, input, result, failure, attempts, created_at, updated_at
		 FROM effects WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query effects: %w", err)
	}
	defer rows.Close()

	var effects []*Effect
	for rows.Next() {
		effect, err := scanEffect(rows)
		if err != nil {
			return nil, err
		}
		effects = append(effects, effect)
	}
	return effects, rows.Err()
}

func (s *SQLiteStore) PutDecision(ctx context.Context, decision *Decision) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	stored := copyDecision(decision)
	if stored.Status == "" {
		stored.Status = DecisionStatusAwaiting
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	document, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	var expiresAt any
	if stored.ExpiresAt != nil {
		expiresAt = *stored.ExpiresAt
	}
	// INSERT OR IGNORE keeps breakpoint replay idempotent
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO decisions (id, run_id, process, status, expires_at, created_at, document)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.RunID, stored.Process, stored.Status, expiresAt, stored.CreatedAt, string(document))
	if err != nil {
		return fmt.Errorf("failed to insert decision: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDecision(ctx context.Context, decisionID string) (*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM decisions WHERE id = ?`, decisionID).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query decision: %w", err)
	}
	var decision Decision
	if err := json.Unmarshal([]byte(document), &decision); err != nil {
		return nil, fmt.Errorf("failed to decode decision: %w", err)
	}
	return &decision, nil
}

func (s *SQLiteStore) ResolveDecision(ctx context.Context, decisionID string, resolution *Resolution) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var document string
	err = tx.QueryRowContext(ctx,
		`SELECT document FROM decisions WHERE id = ?`, decisionID).Scan(&document)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to query decision: %w", err)
	}
	var decision Decision
	if err := json.Unmarshal([]byte(document), &decision); err != nil {
		return fmt.Errorf("failed to decode decision: %w", err)
	}
	if decision.Status.Terminal() {
		return ErrDecisionResolved
	}
	decision.Status = resolution.Status
	decision.Resolution = resolution
	updated, err := json.Marshal(&decision)
	if err != nil {
		return fmt.Errorf("failed to encode decision: %w", err)
	}
	result, err := tx.ExecContext(ctx,
		`UPDATE decisions SET status = ?, document = ? WHERE id = ? AND status = 'awaiting'`,
		decision.Status, string(updated), decisionID)
	if err != nil {
		return fmt.Errorf("failed to resolve decision: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDecisionResolved
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, filter DecisionFilter) ([]*Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	query := `SELECT document FROM decisions WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	if !filter.ExpiresBefore.IsZero() {
		query += ` AND expires_at IS NOT NULL AND expires_at <= ?`
		args = append(args, filter.ExpiresBefore)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	defer rows.Close()

	var decisions []*Decision
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var decision Decision
		if err := json.Unmarshal([]byte(document), &decision); err != nil {
			return nil, fmt.Errorf("failed to decode decision: %w", err)
		}
		// glob matching on process names happens outside SQL
		match, err := matchProcess(filter.Process, decision.Process)
		if err != nil {
			return nil, err
		}
		if match {
			decisions = append(decisions, &decision)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limitDecisions(decisions, filter.Limit), nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, run *RunRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	stored := copyRun(run)
	stored.UpdatedAt = time.Now()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = stored.UpdatedAt
	}
	document, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode run: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, process, status, created_at, updated_at, document)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at, document = excluded.document`,
		stored.ID, stored.Process, stored.Status, stored.CreatedAt, stored.UpdatedAt, string(document))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	var document string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM runs WHERE id = ?`, runID).Scan(&document)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query run: %w", err)
	}
	var run RunRecord
	if err := json.Unmarshal([]byte(document), &run); err != nil {
		return nil, fmt.Errorf("failed to decode run: %w", err)
	}
	return &run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*RunRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	query := `SELECT document FROM runs WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var document string
		if err := rows.Scan(&document); err != nil {
			return nil, err
		}
		var run RunRecord
		if err := json.Unmarshal([]byte(document), &run); err != nil {
			return nil, fmt.Errorf("failed to decode run: %w", err)
		}
		match, err := matchProcess(filter.Process, run.Process)
		if err != nil {
			return nil, err
		}
		if match {
			runs = append(runs, &run)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return limitRuns(runs, filter.Limit), nil
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.options.QueryTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM effects WHERE run_id = ?`,
		`DELETE FROM decisions WHERE run_id = ?`,
		`DELETE FROM runs WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, runID); err != nil {
			return fmt.Errorf("failed to delete run records: %w", err)
		}
	}
	return tx.Commit()
}

func encodePayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(data), nil
}

func decodePayload(value sql.NullString) (map[string]any, error) {
	if !value.Valid || value.String == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(value.String), &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return payload, nil
}
