package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/CrisisTextLine/timer-platform/internal/timer"
)

// Dialect selects the SQL flavor of the backing database.
type Dialect string

// Supported SQL dialects
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLConfig describes the SQL connection and pool settings.
type SQLConfig struct {
	Driver                string        `json:"driver" yaml:"driver" toml:"driver" env:"DRIVER" default:"pgx" desc:"database/sql driver name (pgx or sqlite)"`
	DSN                   string        `json:"dsn" yaml:"dsn" toml:"dsn" env:"DSN" desc:"Data source name for the database connection"`
	MaxOpenConnections    int           `json:"max_open_connections" yaml:"max_open_connections" toml:"max_open_connections" env:"MAX_OPEN_CONNECTIONS" default:"10" desc:"Maximum open connections"`
	MaxIdleConnections    int           `json:"max_idle_connections" yaml:"max_idle_connections" toml:"max_idle_connections" env:"MAX_IDLE_CONNECTIONS" default:"5" desc:"Maximum idle connections"`
	ConnectionMaxLifetime time.Duration `json:"connection_max_lifetime" yaml:"connection_max_lifetime" toml:"connection_max_lifetime" env:"CONNECTION_MAX_LIFETIME" default:"30m" desc:"Maximum lifetime of a pooled connection"`
	ConnectionMaxIdleTime time.Duration `json:"connection_max_idle_time" yaml:"connection_max_idle_time" toml:"connection_max_idle_time" env:"CONNECTION_MAX_IDLE_TIME" default:"5m" desc:"Maximum idle time of a pooled connection"`
}

// DialectForDriver maps a database/sql driver name to its dialect.
func DialectForDriver(driver string) (Dialect, error) {
	switch driver {
	case "pgx", "postgres":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// SQLStore implements TimerStore on database/sql. All statements use $N
// placeholders, each bound exactly once in ascending order, which both the
// pgx and modernc sqlite drivers bind positionally. Time arithmetic happens
// in Go so the two dialects compare identical values.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
	now     func() time.Time
}

// OpenSQL opens a database handle for the configured driver and wraps it in
// a SQLStore. The caller is expected to run migrations and ping before use.
func OpenSQL(cfg SQLConfig, logger *slog.Logger) (*SQLStore, error) {
	dialect, err := DialectForDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConnections)
	db.SetMaxIdleConns(cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(cfg.ConnectionMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnectionMaxIdleTime)

	return NewSQLStore(db, dialect, logger), nil
}

// NewSQLStore wraps an existing database handle.
func NewSQLStore(db *sql.DB, dialect Dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		dialect: dialect,
		logger:  logger.With("component", "store"),
		now:     nowUTC,
	}
}

// DB exposes the underlying handle, mainly for migrations.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Dialect returns the store's SQL flavor.
func (s *SQLStore) Dialect() Dialect {
	return s.dialect
}

const timerColumns = "id, created_at, updated_at, execute_at, callback_type, callback, status, last_error, executed_at, metadata"

// Create inserts a new pending timer with a fresh id.
func (s *SQLStore) Create(ctx context.Context, params CreateParams) (*timer.Timer, error) {
	callbackJSON, err := json.Marshal(params.Callback)
	if err != nil {
		return nil, fmt.Errorf("failed to encode callback config: %w", err)
	}

	now := s.now()
	t := &timer.Timer{
		ID:        uuid.New(),
		CreatedAt: now,
		UpdatedAt: now,
		ExecuteAt: params.ExecuteAt.UTC().Truncate(time.Microsecond),
		Callback:  params.Callback.Clone(),
		Status:    timer.StatusPending,
		Metadata:  params.Metadata,
	}

	const insert = `INSERT INTO timers (id, created_at, updated_at, execute_at, callback_type, callback, status, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.db.ExecContext(ctx, insert,
		t.ID.String(),
		s.timeArg(t.CreatedAt),
		s.timeArg(t.UpdatedAt),
		s.timeArg(t.ExecuteAt),
		string(t.Callback.Type),
		string(callbackJSON),
		string(t.Status),
		jsonArg(t.Metadata),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert timer: %w", err)
	}
	return t, nil
}

// Get returns the current row, or ErrNotFound.
func (s *SQLStore) Get(ctx context.Context, id uuid.UUID) (*timer.Timer, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+timerColumns+" FROM timers WHERE id = $1", id.String())

	t, err := scanTimer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get timer: %w", err)
	}
	return t, nil
}

// List returns a page of timers plus the total count for the filter.
func (s *SQLStore) List(ctx context.Context, query ListQuery) ([]*timer.Timer, int64, error) {
	query = query.Normalize()
	if query.Sort != SortCreatedAt && query.Sort != SortExecuteAt {
		return nil, 0, fmt.Errorf("unsupported sort field %q", query.Sort)
	}
	if query.Order != OrderAsc && query.Order != OrderDesc {
		return nil, 0, fmt.Errorf("unsupported sort order %q", query.Order)
	}

	where := ""
	filterArgs := make([]any, 0, 1)
	next := 1
	if query.Status != nil {
		where = fmt.Sprintf("WHERE status = $%d", next)
		filterArgs = append(filterArgs, string(*query.Status))
		next++
	}

	// Sort and order were validated against the fixed vocabulary above, so
	// interpolating them is safe.
	stmt := fmt.Sprintf("SELECT %s FROM timers %s ORDER BY %s %s LIMIT $%d OFFSET $%d",
		timerColumns, where, query.Sort, strings.ToUpper(query.Order), next, next+1)

	args := append(append([]any{}, filterArgs...), query.Limit, query.Offset)
	rows, err := s.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list timers: %w", err)
	}
	defer rows.Close()

	timers := make([]*timer.Timer, 0, query.Limit)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan timer row: %w", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating timer rows: %w", err)
	}

	var total int64
	countStmt := "SELECT COUNT(*) FROM timers " + where
	if err := s.db.QueryRowContext(ctx, countStmt, filterArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count timers: %w", err)
	}

	return timers, total, nil
}

// Update applies the provided fields, refusing rows already terminal. The
// status guard rides in the UPDATE itself so a concurrent claim or cancel
// cannot be overwritten.
func (s *SQLStore) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*timer.Timer, error) {
	sets := make([]string, 0, 4)
	args := make([]any, 0, 8)
	next := 1
	bind := func(expr string, value any) {
		sets = append(sets, fmt.Sprintf(expr, next))
		args = append(args, value)
		next++
	}

	bind("updated_at = $%d", s.timeArg(s.now()))
	if params.ExecuteAt != nil {
		bind("execute_at = $%d", s.timeArg(params.ExecuteAt.UTC().Truncate(time.Microsecond)))
	}
	if params.Callback != nil {
		callbackJSON, err := json.Marshal(params.Callback)
		if err != nil {
			return nil, fmt.Errorf("failed to encode callback config: %w", err)
		}
		bind("callback_type = $%d", string(params.Callback.Type))
		bind("callback = $%d", string(callbackJSON))
	}
	if params.Metadata != nil {
		bind("metadata = $%d", string(params.Metadata))
	}

	stmt := fmt.Sprintf("UPDATE timers SET %s WHERE id = $%d AND status IN ($%d, $%d)",
		strings.Join(sets, ", "), next, next+1, next+2)
	args = append(args, id.String(), string(timer.StatusPending), string(timer.StatusExecuting))

	res, err := s.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update timer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		return nil, s.explainNoRows(ctx, id)
	}

	return s.Get(ctx, id)
}

// Cancel moves a pending or executing timer to canceled.
func (s *SQLStore) Cancel(ctx context.Context, id uuid.UUID) (*timer.Timer, error) {
	const stmt = `UPDATE timers SET status = $1, updated_at = $2 WHERE id = $3 AND status IN ($4, $5)`

	res, err := s.db.ExecContext(ctx, stmt,
		string(timer.StatusCanceled),
		s.timeArg(s.now()),
		id.String(),
		string(timer.StatusPending),
		string(timer.StatusExecuting),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel timer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read cancel result: %w", err)
	}
	if affected == 0 {
		return nil, s.explainNoRows(ctx, id)
	}

	return s.Get(ctx, id)
}

// explainNoRows turns a zero-rows-affected guarded write into the matching
// contract error: the row is either missing or already terminal.
func (s *SQLStore) explainNoRows(ctx context.Context, id uuid.UUID) error {
	t, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status %s", ErrTerminalState, t.Status)
}

// ClaimDue atomically transitions pending to executing. The WHERE clause is
// the compare half of the compare-and-set; one affected row means this
// caller won the claim.
func (s *SQLStore) ClaimDue(ctx context.Context, id uuid.UUID) (bool, error) {
	const stmt = `UPDATE timers SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4`

	res, err := s.db.ExecContext(ctx, stmt,
		string(timer.StatusExecuting),
		s.timeArg(s.now()),
		id.String(),
		string(timer.StatusPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim timer: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return affected == 1, nil
}

// MarkCompleted finishes a claimed timer; terminal rows are left untouched.
func (s *SQLStore) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	now := s.now()
	const stmt = `UPDATE timers SET status = $1, executed_at = $2, updated_at = $3 WHERE id = $4 AND status = $5`

	res, err := s.db.ExecContext(ctx, stmt,
		string(timer.StatusCompleted),
		s.timeArg(now),
		s.timeArg(now),
		id.String(),
		string(timer.StatusExecuting),
	)
	if err != nil {
		return fmt.Errorf("failed to mark timer completed: %w", err)
	}
	return s.finishResult(ctx, id, res)
}

// MarkFailed finishes a claimed timer with a diagnostic message; terminal
// rows are left untouched.
func (s *SQLStore) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	now := s.now()
	const stmt = `UPDATE timers SET status = $1, last_error = $2, executed_at = $3, updated_at = $4 WHERE id = $5 AND status = $6`

	res, err := s.db.ExecContext(ctx, stmt,
		string(timer.StatusFailed),
		errMsg,
		s.timeArg(now),
		s.timeArg(now),
		id.String(),
		string(timer.StatusExecuting),
	)
	if err != nil {
		return fmt.Errorf("failed to mark timer failed: %w", err)
	}
	return s.finishResult(ctx, id, res)
}

// finishResult resolves a guarded terminal write: zero rows on an existing
// row means it was already terminal, which is a documented no-op.
func (s *SQLStore) finishResult(ctx context.Context, id uuid.UUID, res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read result: %w", err)
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return nil
}

// LoadWindow returns pending timers inside (now-lookback, now+lookahead],
// ordered by execute_at ascending.
func (s *SQLStore) LoadWindow(ctx context.Context, now time.Time, lookback, lookahead time.Duration) ([]*timer.Timer, error) {
	lower := now.Add(-lookback)
	upper := now.Add(lookahead)

	stmt := "SELECT " + timerColumns + ` FROM timers
		WHERE status = $1 AND execute_at > $2 AND execute_at <= $3
		ORDER BY execute_at ASC`

	rows, err := s.db.QueryContext(ctx, stmt,
		string(timer.StatusPending), s.timeArg(lower), s.timeArg(upper))
	if err != nil {
		return nil, fmt.Errorf("failed to load timer window: %w", err)
	}
	defer rows.Close()

	timers := make([]*timer.Timer, 0)
	for rows.Next() {
		t, err := scanTimer(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan timer row: %w", err)
		}
		timers = append(timers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating timer rows: %w", err)
	}
	return timers, nil
}

// ReapExecuting fails executing rows whose execute_at is before the cutoff.
func (s *SQLStore) ReapExecuting(ctx context.Context, before time.Time, reason string) (int64, error) {
	return s.reap(ctx, "execute_at", before, reason)
}

// ReapStale fails executing rows whose updated_at is before the cutoff.
func (s *SQLStore) ReapStale(ctx context.Context, updatedBefore time.Time, reason string) (int64, error) {
	return s.reap(ctx, "updated_at", updatedBefore, reason)
}

func (s *SQLStore) reap(ctx context.Context, cutoffColumn string, before time.Time, reason string) (int64, error) {
	now := s.now()
	stmt := fmt.Sprintf(`UPDATE timers SET status = $1, last_error = $2, executed_at = $3, updated_at = $4
		WHERE status = $5 AND %s < $6`, cutoffColumn)

	res, err := s.db.ExecContext(ctx, stmt,
		string(timer.StatusFailed),
		reason,
		s.timeArg(now),
		s.timeArg(now),
		string(timer.StatusExecuting),
		s.timeArg(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reap executing timers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read reap result: %w", err)
	}
	return affected, nil
}

// PurgeTerminal deletes terminal rows not updated since the cutoff.
func (s *SQLStore) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	const stmt = `DELETE FROM timers WHERE status IN ($1, $2, $3) AND updated_at < $4`

	res, err := s.db.ExecContext(ctx, stmt,
		string(timer.StatusCompleted),
		string(timer.StatusFailed),
		string(timer.StatusCanceled),
		s.timeArg(before),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal timers: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return affected, nil
}

// Ping probes backend connectivity for health checks.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *SQLStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// sqliteTimeLayout is zero-padded to microsecond width so that the stored
// text sorts chronologically. All values are UTC.
const (
	sqliteTimeWriteLayout = "2006-01-02 15:04:05.000000"
	sqliteTimeReadLayout  = "2006-01-02 15:04:05.999999"
)

// timeArg binds a timestamp in the dialect's canonical form: native
// time.Time for PostgreSQL, fixed-width UTC text for SQLite.
func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect == DialectSQLite {
		return t.UTC().Format(sqliteTimeWriteLayout)
	}
	return t.UTC()
}

// jsonArg binds optional JSON, passing NULL for absent values.
func jsonArg(raw json.RawMessage) any {
	if raw == nil {
		return nil
	}
	return string(raw)
}

// timeField scans a nullable timestamp from either dialect.
type timeField struct {
	t     time.Time
	valid bool
}

func (f *timeField) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		f.valid = false
		return nil
	case time.Time:
		f.t = v.UTC()
		f.valid = true
		return nil
	case string:
		return f.parse(v)
	case []byte:
		return f.parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into a timestamp", src)
	}
}

func (f *timeField) parse(s string) error {
	t, err := time.ParseInLocation(sqliteTimeReadLayout, s, time.UTC)
	if err != nil {
		return fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	f.t = t
	f.valid = true
	return nil
}

// jsonField scans a nullable JSON column from either dialect.
type jsonField struct {
	raw json.RawMessage
}

func (f *jsonField) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		f.raw = nil
		return nil
	case string:
		f.raw = json.RawMessage(v)
		return nil
	case []byte:
		f.raw = append(json.RawMessage(nil), v...)
		return nil
	default:
		return fmt.Errorf("cannot scan %T into JSON", src)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTimer(row rowScanner) (*timer.Timer, error) {
	var (
		idStr        string
		createdAt    timeField
		updatedAt    timeField
		executeAt    timeField
		callbackType string
		callbackJSON jsonField
		status       string
		lastError    sql.NullString
		executedAt   timeField
		metadata     jsonField
	)

	err := row.Scan(&idStr, &createdAt, &updatedAt, &executeAt, &callbackType,
		&callbackJSON, &status, &lastError, &executedAt, &metadata)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timer id %q: %w", idStr, err)
	}

	var callback timer.CallbackConfig
	if err := json.Unmarshal(callbackJSON.raw, &callback); err != nil {
		return nil, fmt.Errorf("failed to decode callback config: %w", err)
	}

	t := &timer.Timer{
		ID:        id,
		CreatedAt: createdAt.t,
		UpdatedAt: updatedAt.t,
		ExecuteAt: executeAt.t,
		Callback:  callback,
		Status:    timer.Status(status),
		LastError: lastError.String,
		Metadata:  metadata.raw,
	}
	if executedAt.valid {
		at := executedAt.t
		t.ExecutedAt = &at
	}
	return t, nil
}
