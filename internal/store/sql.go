package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
	_ "modernc.org/sqlite"             // SQLite driver
)

// SQLStore persists experiments, assignments, events and flags in a SQL
// database. Experiments and flags are stored as JSON bodies next to the
// columns that are queried.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

var _ Store = &SQLStore{} // Compile-time check

// Open opens (or creates) a SQLite database file.
func Open(dbPath string) (*SQLStore, error) {
	return OpenSQL(SQLite, dbPath)
}

// OpenSQL connects to the backend, applies migrations and returns the store.
func OpenSQL(dialect Dialect, dsn string) (*SQLStore, error) {
	if err := Migrate(dialect, dsn, -1); err != nil {
		return nil, err
	}

	normalized, err := dialect.normalizeDSN(dsn)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.driverName(), normalized)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if dialect == SQLite {
		// Limit SQLite to a single open connection to avoid "database is locked" errors
		db.SetMaxOpenConns(1)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to %s database: %w", dialect, err)
	}

	return &SQLStore{db: db, dialect: dialect, now: time.Now}, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for health checks
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the backend in use.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

func (s *SQLStore) CreateExperiment(ctx context.Context, exp *Experiment) error {
	body, err := json.Marshal(exp)
	if err != nil {
		return fmt.Errorf("failed to marshal experiment: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM experiments WHERE id = ?`), exp.ID).Scan(&exists)
	if err != nil {
		return storageErr("check experiment", err)
	}
	if exists > 0 {
		return fmt.Errorf("experiment %s: %w", exp.ID, ErrAlreadyExists)
	}

	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO experiments (id, name, status, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
		exp.ID, exp.Name, string(exp.Status), string(body), exp.CreatedAt.UnixNano(), exp.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return storageErr("insert experiment", err)
	}
	return nil
}

func (s *SQLStore) GetExperiment(ctx context.Context, id string) (*Experiment, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(`SELECT body FROM experiments WHERE id = ?`), id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get experiment", err)
	}
	return decodeExperiment(body)
}

func (s *SQLStore) ListExperiments(ctx context.Context) ([]*Experiment, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, storageErr("list experiments", err)
	}
	defer rows.Close()

	var out []*Experiment
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storageErr("scan experiment", err)
		}
		exp, err := decodeExperiment(body)
		if err != nil {
			return nil, err
		}
		out = append(out, exp)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list experiments", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateExperiment(ctx context.Context, id string, patch ExperimentPatch) (*Experiment, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	var body string
	err = tx.QueryRowContext(ctx, s.q(`SELECT body FROM experiments WHERE id = ?`+s.dialect.forUpdate()), id).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get experiment", err)
	}

	exp, err := decodeExperiment(body)
	if err != nil {
		return nil, err
	}
	patch.Apply(exp, s.now())

	updated, err := json.Marshal(exp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal experiment: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		s.q(`UPDATE experiments SET status = ?, body = ?, updated_at = ? WHERE id = ?`),
		string(exp.Status), string(updated), exp.UpdatedAt.UnixNano(), id,
	)
	if err != nil {
		return nil, storageErr("update experiment", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("commit experiment update", err)
	}
	return exp, nil
}

func (s *SQLStore) GetAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error) {
	return s.getAssignment(ctx, experimentID, subjectID)
}

func (s *SQLStore) getAssignment(ctx context.Context, experimentID, subjectID string) (*Assignment, error) {
	var a Assignment
	var assignedAt int64
	var method string
	var contextJSON sql.NullString

	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT `+assignmentColumns+` FROM assignments WHERE experiment_id = ? AND subject_id = ?`),
		experimentID, subjectID,
	).Scan(&a.ExperimentID, &a.SubjectID, &a.VariantID, &assignedAt, &method, &a.Sticky, &a.Overridden, &a.OverrideReason, &contextJSON)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get assignment", err)
	}

	a.Method = AssignmentMethod(method)
	a.AssignedAt = time.Unix(0, assignedAt)
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &a.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assignment context: %w", err)
		}
	}
	return &a, nil
}

func (s *SQLStore) CreateAssignmentIfAbsent(ctx context.Context, a *Assignment) (*Assignment, bool, error) {
	args, err := assignmentArgs(a)
	if err != nil {
		return nil, false, err
	}

	// Deduplication handled by the primary key on (experiment_id, subject_id)
	result, err := s.db.ExecContext(ctx, s.q(s.dialect.insertAssignmentIfAbsent()), args...)
	if err != nil {
		return nil, false, storageErr("insert assignment", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, false, storageErr("get rows affected", err)
	}
	if rowsAffected > 0 {
		c := *a
		return &c, true, nil
	}

	existing, err := s.getAssignment(ctx, a.ExperimentID, a.SubjectID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLStore) PutOverride(ctx context.Context, a *Assignment) error {
	args, err := assignmentArgs(a)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, s.q(s.dialect.upsertAssignment()), args...); err != nil {
		return storageErr("upsert assignment", err)
	}
	return nil
}

func assignmentArgs(a *Assignment) ([]any, error) {
	contextJSON, err := marshalNullable(a.Context)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal assignment context: %w", err)
	}
	return []any{
		a.ExperimentID, a.SubjectID, a.VariantID, a.AssignedAt.UnixNano(), string(a.Method),
		a.Sticky, a.Overridden, a.OverrideReason, contextJSON,
	}, nil
}

func (s *SQLStore) AppendEvent(ctx context.Context, e *Event) error {
	props, err := marshalNullable(e.Properties)
	if err != nil {
		return fmt.Errorf("failed to marshal event properties: %w", err)
	}
	evCtx, err := marshalNullable(e.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal event context: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO events (id, experiment_id, subject_id, session_id, variant_id, event_type, goal_id, value, properties, context, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		e.ID, e.ExperimentID, e.SubjectID, e.SessionID, e.VariantID, string(e.Type), e.GoalID, e.Value, props, evCtx, e.Timestamp.UnixNano(),
	)
	if err != nil {
		return storageErr("record event", err)
	}
	return nil
}

func (s *SQLStore) QueryEvents(ctx context.Context, experimentID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, experiment_id, subject_id, session_id, variant_id, event_type, goal_id, value, properties, context, ts
		 FROM events WHERE experiment_id = ? ORDER BY ts, seq`),
		experimentID,
	)
	if err != nil {
		return nil, storageErr("get events", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var e Event
		var eventType string
		var props, evCtx sql.NullString
		var ts int64
		if err := rows.Scan(&e.ID, &e.ExperimentID, &e.SubjectID, &e.SessionID, &e.VariantID, &eventType, &e.GoalID, &e.Value, &props, &evCtx, &ts); err != nil {
			return nil, storageErr("scan event", err)
		}
		e.Type = EventType(eventType)
		e.Timestamp = time.Unix(0, ts)
		if props.Valid && props.String != "" {
			if err := json.Unmarshal([]byte(props.String), &e.Properties); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event properties: %w", err)
			}
		}
		if evCtx.Valid && evCtx.String != "" {
			if err := json.Unmarshal([]byte(evCtx.String), &e.Context); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event context: %w", err)
			}
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("get events", err)
	}
	return events, nil
}

func (s *SQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx, s.q(s.dialect.upsertSnapshot()), snap.ExperimentID, snap.GeneratedAt.UnixNano(), snap.Payload)
	if err != nil {
		return storageErr("save snapshot", err)
	}
	return nil
}

func (s *SQLStore) GetSnapshot(ctx context.Context, experimentID string) (*Snapshot, error) {
	snap := Snapshot{ExperimentID: experimentID}
	var generatedAt int64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT generated_at, payload FROM snapshots WHERE experiment_id = ?`), experimentID,
	).Scan(&generatedAt, &snap.Payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get snapshot", err)
	}
	snap.GeneratedAt = time.Unix(0, generatedAt)
	return &snap, nil
}

func (s *SQLStore) CreateFlag(ctx context.Context, f *FeatureFlag) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flag: %w", err)
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM flags WHERE id = ? OR flag_key = ?`), f.ID, f.Key).Scan(&exists)
	if err != nil {
		return storageErr("check flag", err)
	}
	if exists > 0 {
		return fmt.Errorf("flag %s: %w", f.Key, ErrAlreadyExists)
	}

	_, err = s.db.ExecContext(ctx,
		s.q(`INSERT INTO flags (id, flag_key, body, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`),
		f.ID, f.Key, string(body), f.CreatedAt.UnixNano(), f.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return storageErr("insert flag", err)
	}
	return nil
}

func (s *SQLStore) GetFlag(ctx context.Context, id string) (*FeatureFlag, error) {
	return s.getFlag(ctx, `SELECT body FROM flags WHERE id = ?`, id)
}

func (s *SQLStore) GetFlagByKey(ctx context.Context, key string) (*FeatureFlag, error) {
	return s.getFlag(ctx, `SELECT body FROM flags WHERE flag_key = ?`, key)
}

func (s *SQLStore) getFlag(ctx context.Context, query, arg string) (*FeatureFlag, error) {
	var body string
	err := s.db.QueryRowContext(ctx, s.q(query), arg).Scan(&body)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get flag", err)
	}
	return decodeFlag(body)
}

func (s *SQLStore) ListFlags(ctx context.Context) ([]*FeatureFlag, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM flags ORDER BY flag_key`)
	if err != nil {
		return nil, storageErr("list flags", err)
	}
	defer rows.Close()

	var out []*FeatureFlag
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, storageErr("scan flag", err)
		}
		f, err := decodeFlag(body)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list flags", err)
	}
	return out, nil
}

func (s *SQLStore) UpdateFlag(ctx context.Context, f *FeatureFlag) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal flag: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		s.q(`UPDATE flags SET flag_key = ?, body = ?, updated_at = ? WHERE id = ?`),
		f.Key, string(body), f.UpdatedAt.UnixNano(), f.ID,
	)
	if err != nil {
		return storageErr("update flag", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return storageErr("get rows affected", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func decodeExperiment(body string) (*Experiment, error) {
	var exp Experiment
	if err := json.Unmarshal([]byte(body), &exp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal experiment: %w", err)
	}
	return &exp, nil
}

func decodeFlag(body string) (*FeatureFlag, error) {
	var f FeatureFlag
	if err := json.Unmarshal([]byte(body), &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flag: %w", err)
	}
	return &f, nil
}

func marshalNullable[T any](v map[string]T) (sql.NullString, error) {
	if len(v) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: failed to %s: %w", ErrStorage, op, err)
}
