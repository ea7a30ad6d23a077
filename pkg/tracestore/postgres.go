package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// PostgresConfig holds connection settings for the Postgres store.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
	Logger          zerolog.Logger
}

// PostgresStore persists traces in Postgres and ranks search hits with
// ts_rank over an english tsvector.
type PostgresStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewPostgresStore connects, pings and migrates.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	observability.EnsureRegistered()

	if cfg.DSN == "" {
		return nil, errors.New("dsn is required")
	}
	if cfg.MaxOpenConns <= 0 {
		cfg.MaxOpenConns = 10
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := newPostgresStore(db, cfg.Logger)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Info().Msg("Trace store opened")
	return s, nil
}

func newPostgresStore(db *sql.DB, logger zerolog.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: logger.With().Str("component", "tracestore").Str("driver", "postgres").Logger(),
	}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS step_records (
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			input JSONB,
			output JSONB,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ts TIMESTAMPTZ NOT NULL,
			duration_ns BIGINT NOT NULL,
			search_text TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_step_records_fts ON step_records USING GIN (to_tsvector('english', search_text));

		CREATE TABLE IF NOT EXISTS plan_snapshots (
			id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			seq BIGINT NOT NULL,
			iteration INT NOT NULL,
			tree JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plan_snapshots_session ON plan_snapshots (session_id, id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			iterations INT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate: %w", err)
	}
	return nil
}

// Append serialises sequence allocation per session with a transaction
// scoped advisory lock.
func (s *PostgresStore) Append(ctx context.Context, rec StepRecord) (StepRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "hiplan.tracestore", "tracestore.append",
		attribute.String("session_id", rec.SessionID),
		attribute.String("phase", string(rec.Phase)),
	)
	stored, err := s.append(ctx, rec)
	tracing.EndSpan(span, err)
	observability.RecordTraceAppend(string(rec.Phase), err == nil)
	return stored, err
}

func (s *PostgresStore) append(ctx context.Context, rec StepRecord) (StepRecord, error) {
	if err := validateRecord(rec); err != nil {
		return StepRecord{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", rec.SessionID); err != nil {
		return StepRecord{}, fmt.Errorf("failed to lock session: %w", err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM step_records WHERE session_id = $1", rec.SessionID,
	).Scan(&rec.Seq); err != nil {
		return StepRecord{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO step_records (session_id, seq, node_id, phase, input, output, outcome, error_kind, error, ts, duration_ns, search_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		rec.SessionID, rec.Seq, rec.NodeID, string(rec.Phase), nullJSON(rec.Input), nullJSON(rec.Output),
		string(rec.Outcome), rec.ErrorKind, rec.Error, rec.Timestamp, int64(rec.Duration), searchText(rec),
	); err != nil {
		return StepRecord{}, fmt.Errorf("failed to insert step record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return StepRecord{}, fmt.Errorf("failed to commit step record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap PlanSnapshot) error {
	if snap.SessionID == "" {
		return errors.New("session ID is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO plan_snapshots (session_id, seq, iteration, tree, created_at) VALUES ($1, $2, $3, $4, $5)",
		snap.SessionID, snap.Seq, snap.Iteration, string(snap.Tree), snap.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveSession(ctx context.Context, sess SessionRecord) error {
	if sess.ID == "" {
		return errors.New("session ID is required")
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, goal, status, reason, result, iterations, created_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status, reason = EXCLUDED.reason, result = EXCLUDED.result,
			iterations = EXCLUDED.iterations, finished_at = EXCLUDED.finished_at`,
		sess.ID, sess.Goal, sess.Status, sess.Reason, sess.Result, sess.Iterations, sess.CreatedAt, sess.FinishedAt,
	); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

const (
	pgRecordColumns = `session_id, seq, node_id, phase, input, output, outcome, error_kind, error, ts, duration_ns`
	pgSelectRecord  = `SELECT ` + pgRecordColumns + ` FROM step_records`
)

func scanPgRecord(row rowScanner, extra ...any) (StepRecord, error) {
	var (
		rec           StepRecord
		phase, out    string
		input, output []byte
		dur           int64
	)
	dest := append([]any{&rec.SessionID, &rec.Seq, &rec.NodeID, &phase, &input, &output, &out, &rec.ErrorKind, &rec.Error, &rec.Timestamp, &dur}, extra...)
	if err := row.Scan(dest...); err != nil {
		return StepRecord{}, err
	}
	rec.Phase = Phase(phase)
	rec.Outcome = Outcome(out)
	if len(input) > 0 {
		rec.Input = json.RawMessage(input)
	}
	if len(output) > 0 {
		rec.Output = json.RawMessage(output)
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.Duration = time.Duration(dur)
	return rec, nil
}

func (s *PostgresStore) Records(ctx context.Context, sessionID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, pgSelectRecord+" WHERE session_id = $1 ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		rec, err := scanPgRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanPgSnapshot(row rowScanner) (PlanSnapshot, error) {
	var (
		snap PlanSnapshot
		tree []byte
	)
	if err := row.Scan(&snap.SessionID, &snap.Seq, &snap.Iteration, &tree, &snap.CreatedAt); err != nil {
		return PlanSnapshot{}, err
	}
	snap.Tree = json.RawMessage(tree)
	snap.CreatedAt = snap.CreatedAt.UTC()
	return snap, nil
}

func (s *PostgresStore) Snapshots(ctx context.Context, sessionID string) ([]PlanSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, seq, iteration, tree, created_at FROM plan_snapshots WHERE session_id = $1 ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []PlanSnapshot
	for rows.Next() {
		snap, err := scanPgSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *PostgresStore) LatestSnapshot(ctx context.Context, sessionID string) (PlanSnapshot, error) {
	snap, err := scanPgSnapshot(s.db.QueryRowContext(ctx,
		"SELECT session_id, seq, iteration, tree, created_at FROM plan_snapshots WHERE session_id = $1 ORDER BY id DESC LIMIT 1", sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return PlanSnapshot{}, fmt.Errorf("snapshot for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

func (s *PostgresStore) Session(ctx context.Context, sessionID string) (SessionRecord, error) {
	var sess SessionRecord
	err := s.db.QueryRowContext(ctx,
		"SELECT id, goal, status, reason, result, iterations, created_at, finished_at FROM sessions WHERE id = $1", sessionID,
	).Scan(&sess.ID, &sess.Goal, &sess.Status, &sess.Reason, &sess.Result, &sess.Iterations, &sess.CreatedAt, &sess.FinishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load session: %w", err)
	}
	sess.CreatedAt = sess.CreatedAt.UTC()
	sess.FinishedAt = sess.FinishedAt.UTC()
	return sess, nil
}

// Search ranks records with ts_rank; scores are normalised by the best hit.
func (s *PostgresStore) Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "hiplan.tracestore", "tracestore.search", attribute.String("session_id", sessionID))
	defer span.End()

	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	q := `SELECT ` + pgRecordColumns + `, ts_rank(to_tsvector('english', search_text), plainto_tsquery('english', $1)) AS rank
		FROM step_records WHERE to_tsvector('english', search_text) @@ plainto_tsquery('english', $1)`
	args := []any{query}
	if sessionID != "" {
		q += " AND session_id = $3"
		args = append(args, limit, sessionID)
	} else {
		args = append(args, limit)
	}
	q += " ORDER BY rank DESC, session_id, seq LIMIT $2"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var (
		results []SearchResult
		best    float64
	)
	for rows.Next() {
		var rank float64
		rec, err := scanPgRecord(rows, &rank)
		if err != nil {
			return nil, fmt.Errorf("failed to scan search hit: %w", err)
		}
		if rank > best {
			best = rank
		}
		r := rank
		results = append(results, SearchResult{Record: rec, Score: rank, KeywordScore: &r})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if best > 0 {
		for i := range results {
			n := results[i].Score / best
			results[i].Score = n
			results[i].KeywordScore = &n
		}
	}
	return results, nil
}

func (s *PostgresStore) Close() error {
	s.logger.Info().Msg("Closing trace store")
	return s.db.Close()
}

var _ Store = (*PostgresStore)(nil)
