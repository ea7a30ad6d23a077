package tracestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	"github.com/harun/hiplan/internal/observability"
	"github.com/harun/hiplan/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

func init() {
	sqlite_vec.Auto()
}

// SQLiteConfig configures a SQLite store.
type SQLiteConfig struct {
	Path     string
	Embedder Embedder // optional; enables vector search
	// EmbedTimeout bounds each embedding call; 0 means DefaultEmbedTimeout.
	EmbedTimeout time.Duration
	Logger       zerolog.Logger
}

// SQLiteStore persists traces in SQLite with an FTS5 index for keyword
// search and a vec0 table for cosine similarity. When the sqlite3 driver is
// built without FTS5 (it needs the sqlite_fts5 build tag) keyword search
// falls back to a LIKE scan over a plain table.
type SQLiteStore struct {
	db       *sql.DB
	embedder Embedder
	logger   zerolog.Logger
	fts      bool

	// one writer at a time keeps per-session sequences gapless
	writeMu sync.Mutex
}

// NewSQLiteStore opens (creating if needed) the database at cfg.Path.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	return openSQLite(cfg, true)
}

func openSQLite(cfg SQLiteConfig, tryFTS bool) (*SQLiteStore, error) {
	observability.EnsureRegistered()

	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_fts5=1&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		embedder: WithTimeout(cfg.Embedder, cfg.EmbedTimeout),
		logger:   cfg.Logger.With().Str("component", "tracestore").Str("driver", "sqlite").Logger(),
	}
	if err := s.initSchema(tryFTS); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.logger.Info().
		Str("path", cfg.Path).
		Bool("vector_search", s.embedder != nil).
		Bool("fts5", s.fts).
		Msg("Trace store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema(tryFTS bool) error {
	schema := `
		CREATE TABLE IF NOT EXISTS step_records (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			node_id TEXT NOT NULL DEFAULT '',
			phase TEXT NOT NULL,
			input TEXT,
			output TEXT,
			outcome TEXT NOT NULL,
			error_kind TEXT NOT NULL DEFAULT '',
			error TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL,
			duration_ns INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);

		CREATE TABLE IF NOT EXISTS plan_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			iteration INTEGER NOT NULL,
			tree TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_snapshots_session ON plan_snapshots(session_id, id);

		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			result TEXT NOT NULL DEFAULT '',
			iterations INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	if err := s.initKeywordIndex(tryFTS); err != nil {
		return err
	}

	if s.embedder != nil {
		vectorSchema := fmt.Sprintf(`
			CREATE VIRTUAL TABLE IF NOT EXISTS step_record_vectors USING vec0(
				record_key TEXT PRIMARY KEY,
				embedding float[%d] distance_metric=cosine
			);
		`, s.embedder.Dimension())
		if _, err := s.db.Exec(vectorSchema); err != nil {
			return fmt.Errorf("failed to create vector table: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) initKeywordIndex(tryFTS bool) error {
	if tryFTS {
		_, err := s.db.Exec(`
			CREATE VIRTUAL TABLE IF NOT EXISTS step_records_fts USING fts5(
				record_key UNINDEXED,
				session_id UNINDEXED,
				content,
				tokenize='porter unicode61'
			);
		`)
		if err == nil {
			s.fts = true
			return nil
		}
		if !strings.Contains(err.Error(), "no such module: fts5") {
			return fmt.Errorf("failed to create fts table: %w", err)
		}
		s.logger.Warn().Msg("SQLite built without FTS5, keyword search falls back to LIKE")
	}

	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS step_records_text (
			record_key TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			content TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_step_records_text_session ON step_records_text(session_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to create text table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Append(ctx context.Context, rec StepRecord) (StepRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "hiplan.tracestore", "tracestore.append",
		attribute.String("session_id", rec.SessionID),
		attribute.String("phase", string(rec.Phase)),
	)
	stored, err := s.append(ctx, rec)
	tracing.EndSpan(span, err)
	observability.RecordTraceAppend(string(rec.Phase), err == nil)
	return stored, err
}

func (s *SQLiteStore) append(ctx context.Context, rec StepRecord) (StepRecord, error) {
	if err := validateRecord(rec); err != nil {
		return StepRecord{}, err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	text := searchText(rec)
	var embeddingJSON []byte
	if s.embedder != nil {
		vecs, err := s.embedder.Embed(ctx, []string{text})
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, s.logger)
			logger.Warn().Err(err).Msg("Failed to embed step record")
		} else if len(vecs) == 1 {
			embeddingJSON, _ = json.Marshal(vecs[0])
		}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StepRecord{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM step_records WHERE session_id = ?", rec.SessionID,
	).Scan(&rec.Seq); err != nil {
		return StepRecord{}, fmt.Errorf("failed to allocate sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO step_records (session_id, seq, node_id, phase, input, output, outcome, error_kind, error, ts, duration_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Seq, rec.NodeID, string(rec.Phase), nullJSON(rec.Input), nullJSON(rec.Output),
		string(rec.Outcome), rec.ErrorKind, rec.Error, rec.Timestamp.UnixNano(), int64(rec.Duration),
	); err != nil {
		return StepRecord{}, fmt.Errorf("failed to insert step record: %w", err)
	}

	key := recordKey(rec.SessionID, rec.Seq)
	textTable := "step_records_text"
	if s.fts {
		textTable = "step_records_fts"
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO "+textTable+" (record_key, session_id, content) VALUES (?, ?, ?)",
		key, rec.SessionID, text,
	); err != nil {
		return StepRecord{}, fmt.Errorf("failed to index step record: %w", err)
	}

	if embeddingJSON != nil {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR REPLACE INTO step_record_vectors (record_key, embedding) VALUES (?, ?)",
			key, string(embeddingJSON),
		); err != nil {
			return StepRecord{}, fmt.Errorf("failed to store embedding: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return StepRecord{}, fmt.Errorf("failed to commit step record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) SaveSnapshot(ctx context.Context, snap PlanSnapshot) error {
	if snap.SessionID == "" {
		return errors.New("session ID is required")
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO plan_snapshots (session_id, seq, iteration, tree, created_at) VALUES (?, ?, ?, ?, ?)",
		snap.SessionID, snap.Seq, snap.Iteration, string(snap.Tree), snap.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess SessionRecord) error {
	if sess.ID == "" {
		return errors.New("session ID is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, goal, status, reason, result, iterations, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, reason = excluded.reason, result = excluded.result,
			iterations = excluded.iterations, finished_at = excluded.finished_at`,
		sess.ID, sess.Goal, sess.Status, sess.Reason, sess.Result, sess.Iterations,
		sess.CreatedAt.UnixNano(), sess.FinishedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

const selectRecord = `SELECT session_id, seq, node_id, phase, input, output, outcome, error_kind, error, ts, duration_ns FROM step_records`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (StepRecord, error) {
	var (
		rec           StepRecord
		phase, out    string
		input, output sql.NullString
		ts, dur       int64
	)
	if err := row.Scan(&rec.SessionID, &rec.Seq, &rec.NodeID, &phase, &input, &output, &out, &rec.ErrorKind, &rec.Error, &ts, &dur); err != nil {
		return StepRecord{}, err
	}
	rec.Phase = Phase(phase)
	rec.Outcome = Outcome(out)
	if input.Valid {
		rec.Input = json.RawMessage(input.String)
	}
	if output.Valid {
		rec.Output = json.RawMessage(output.String)
	}
	rec.Timestamp = time.Unix(0, ts).UTC()
	rec.Duration = time.Duration(dur)
	return rec, nil
}

func (s *SQLiteStore) Records(ctx context.Context, sessionID string) ([]StepRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectRecord+" WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	var out []StepRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Snapshots(ctx context.Context, sessionID string) ([]PlanSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT session_id, seq, iteration, tree, created_at FROM plan_snapshots WHERE session_id = ? ORDER BY id", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var out []PlanSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func scanSnapshot(row rowScanner) (PlanSnapshot, error) {
	var (
		snap    PlanSnapshot
		tree    string
		created int64
	)
	if err := row.Scan(&snap.SessionID, &snap.Seq, &snap.Iteration, &tree, &created); err != nil {
		return PlanSnapshot{}, err
	}
	snap.Tree = json.RawMessage(tree)
	snap.CreatedAt = time.Unix(0, created).UTC()
	return snap, nil
}

func (s *SQLiteStore) LatestSnapshot(ctx context.Context, sessionID string) (PlanSnapshot, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT session_id, seq, iteration, tree, created_at FROM plan_snapshots WHERE session_id = ? ORDER BY id DESC LIMIT 1", sessionID)
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PlanSnapshot{}, fmt.Errorf("snapshot for session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return PlanSnapshot{}, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

func (s *SQLiteStore) Session(ctx context.Context, sessionID string) (SessionRecord, error) {
	var (
		sess              SessionRecord
		created, finished int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, goal, status, reason, result, iterations, created_at, finished_at FROM sessions WHERE id = ?", sessionID,
	).Scan(&sess.ID, &sess.Goal, &sess.Status, &sess.Reason, &sess.Result, &sess.Iterations, &created, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return SessionRecord{}, fmt.Errorf("failed to load session: %w", err)
	}
	sess.CreatedAt = time.Unix(0, created).UTC()
	sess.FinishedAt = time.Unix(0, finished).UTC()
	return sess, nil
}

// Search runs keyword and vector search in parallel and merges the hits.
// Either side failing degrades to the other.
func (s *SQLiteStore) Search(ctx context.Context, sessionID, query string, limit int) ([]SearchResult, error) {
	ctx, span := tracing.StartSpan(ctx, "hiplan.tracestore", "tracestore.search",
		attribute.String("session_id", sessionID),
		attribute.String("query", query),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, s.logger)

	if strings.TrimSpace(query) == "" {
		return []SearchResult{}, nil
	}
	if limit <= 0 {
		limit = 10
	}

	var (
		vector, keyword       map[string]float64
		vectorErr, keywordErr error
		wg                    sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if s.embedder != nil {
			vector, vectorErr = s.vectorSearch(ctx, sessionID, query)
		}
	}()
	go func() {
		defer wg.Done()
		keyword, keywordErr = s.keywordSearch(ctx, sessionID, query)
	}()
	wg.Wait()

	if vectorErr != nil {
		logger.Warn().Err(vectorErr).Msg("Vector search failed, using keyword only")
	}
	if keywordErr != nil {
		logger.Warn().Err(keywordErr).Msg("Keyword search failed, using vector only")
	}
	if keywordErr != nil && (vectorErr != nil || s.embedder == nil) {
		err := fmt.Errorf("search failed: %w", errors.Join(keywordErr, vectorErr))
		span.RecordError(err)
		return nil, err
	}

	results := make([]SearchResult, 0, limit)
	for _, m := range mergeScores(vector, keyword) {
		if len(results) == limit {
			break
		}
		rec, err := s.recordByKey(ctx, m.key)
		if err != nil {
			logger.Warn().Err(err).Str("record_key", m.key).Msg("Failed to fetch step record")
			continue
		}
		results = append(results, SearchResult{
			Record:       rec,
			Score:        m.score,
			VectorScore:  m.vectorScore,
			KeywordScore: m.keywordScore,
		})
	}

	logger.Debug().Str("query", query).Int("results", len(results)).Msg("Search completed")
	return results, nil
}

func (s *SQLiteStore) recordByKey(ctx context.Context, key string) (StepRecord, error) {
	idx := strings.LastIndex(key, ":")
	if idx < 0 {
		return StepRecord{}, fmt.Errorf("malformed record key %q", key)
	}
	seq, err := strconv.ParseInt(key[idx+1:], 10, 64)
	if err != nil {
		return StepRecord{}, fmt.Errorf("malformed record key %q: %w", key, err)
	}
	return scanRecord(s.db.QueryRowContext(ctx, selectRecord+" WHERE session_id = ? AND seq = ?", key[:idx], seq))
}

// ftsQuery quotes every token so user text cannot inject FTS5 syntax.
func ftsQuery(query string) string {
	tokens := tokenize(query)
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	return strings.Join(quoted, " OR ")
}

func (s *SQLiteStore) keywordSearch(ctx context.Context, sessionID, query string) (map[string]float64, error) {
	if !s.fts {
		return s.likeSearch(ctx, sessionID, query)
	}
	match := ftsQuery(query)
	if match == "" {
		return map[string]float64{}, nil
	}

	q := "SELECT record_key, bm25(step_records_fts) AS score FROM step_records_fts WHERE step_records_fts MATCH ?"
	args := []any{match}
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " ORDER BY score LIMIT ?"
	args = append(args, candidatePool)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var key string
		var score float64
		if err := rows.Scan(&key, &score); err != nil {
			return nil, err
		}
		// bm25 is negative; lower is better
		out[key] = -score
	}
	return out, rows.Err()
}

// likeSearch scores each candidate by the number of distinct query tokens
// its content contains. Tokens are letters and digits only, so they carry no
// LIKE wildcards.
func (s *SQLiteStore) likeSearch(ctx context.Context, sessionID, query string) (map[string]float64, error) {
	tokens := uniqueTokens(query)
	if len(tokens) == 0 {
		return map[string]float64{}, nil
	}

	conds := make([]string, len(tokens))
	args := make([]any, 0, len(tokens)+2)
	for i, tok := range tokens {
		conds[i] = "lower(content) LIKE ?"
		args = append(args, "%"+tok+"%")
	}
	q := "SELECT record_key, lower(content) FROM step_records_text WHERE (" + strings.Join(conds, " OR ") + ")"
	if sessionID != "" {
		q += " AND session_id = ?"
		args = append(args, sessionID)
	}
	q += " LIMIT ?"
	args = append(args, candidatePool)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var key, content string
		if err := rows.Scan(&key, &content); err != nil {
			return nil, err
		}
		hits := 0
		for _, tok := range tokens {
			if strings.Contains(content, tok) {
				hits++
			}
		}
		out[key] = float64(hits)
	}
	return out, rows.Err()
}

func uniqueTokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, tok := range tokenize(text) {
		if !seen[tok] {
			seen[tok] = true
			out = append(out, tok)
		}
	}
	return out
}

func (s *SQLiteStore) vectorSearch(ctx context.Context, sessionID, query string) (map[string]float64, error) {
	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, errors.New("failed to embed query: empty result")
	}
	queryJSON, err := json.Marshal(vecs[0])
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT record_key, vec_distance_cosine(embedding, ?) AS distance
		FROM step_record_vectors
		ORDER BY distance ASC
		LIMIT ?`, string(queryJSON), candidatePool)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	prefix := sessionID + ":"
	out := make(map[string]float64)
	for rows.Next() {
		var key string
		var distance float64
		if err := rows.Scan(&key, &distance); err != nil {
			return nil, err
		}
		if sessionID != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		out[key] = 1 - distance
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	s.logger.Info().Msg("Closing trace store")
	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
