package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
)

// PostgresStoreConfig configures the PostgreSQL-backed store.
type PostgresStoreConfig struct {
	URL             string        `mapstructure:"url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
}

func (c *PostgresStoreConfig) normalize() {
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = 5 * time.Second
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	seq              BIGSERIAL,
	type             TEXT NOT NULL,
	payload          JSONB NOT NULL,
	status           TEXT NOT NULL,
	priority         INT NOT NULL DEFAULT 0,
	attempts         INT NOT NULL DEFAULT 0,
	progress         INT NOT NULL DEFAULT 0,
	result           JSONB,
	error            JSONB,
	idempotency_key  TEXT NOT NULL DEFAULT '',
	request_id       TEXT NOT NULL DEFAULT '',
	retry_policy     JSONB NOT NULL,
	lease_owner      TEXT NOT NULL DEFAULT '',
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_ready
	ON jobs (priority DESC, seq ASC) WHERE status = 'QUEUED';
CREATE INDEX IF NOT EXISTS idx_jobs_leases
	ON jobs (lease_expires_at) WHERE status = 'PROCESSING';
CREATE INDEX IF NOT EXISTS idx_jobs_terminal
	ON jobs (updated_at) WHERE status IN ('COMPLETED', 'FAILED');
`

// PostgresStore implements Store on PostgreSQL. Reservation uses
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on the same
// row; lease transitions are single conditional UPDATEs.
type PostgresStore struct {
	db     *sql.DB
	config PostgresStoreConfig
}

// NewPostgresStore opens a connection pool, verifies it, and ensures the
// jobs schema exists.
func NewPostgresStore(cfg PostgresStoreConfig) (*PostgresStore, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("postgres url is required")
	}
	cfg.normalize()

	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	return &PostgresStore{db: db, config: cfg}, nil
}

// NewPostgresStoreFromDB wraps an existing connection without running
// schema setup. Used by tests that drive the store against a mock.
func NewPostgresStoreFromDB(db *sql.DB, cfg PostgresStoreConfig) *PostgresStore {
	cfg.normalize()
	return &PostgresStore{db: db, config: cfg}
}

const postgresJobColumns = `id, type, payload, status, priority, attempts, progress,
	result, error, idempotency_key, request_id, retry_policy,
	lease_owner, lease_expires_at, created_at, updated_at, seq`

func (s *PostgresStore) Insert(ctx context.Context, job *Job) error {
	if job == nil {
		return queueError(ErrValidation, "job is nil")
	}
	policy, err := json.Marshal(job.RetryPolicy)
	if err != nil {
		return fmt.Errorf("marshal retry policy: %w", err)
	}

	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()
	var seq uint64
	err = s.db.QueryRowContext(queryCtx, `
		INSERT INTO jobs (id, type, payload, status, priority, attempts, progress,
			idempotency_key, request_id, retry_policy, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		job.ID, job.Type, string(job.Payload), string(job.Status), job.Priority,
		job.Attempts, job.Progress, job.IdempotencyKey, job.RequestID,
		string(policy), job.CreatedAt, job.UpdatedAt,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	job.seq = seq
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(queryCtx,
		`SELECT `+postgresJobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, queueError(ErrNotFound, id)
	}
	return job, err
}

func (s *PostgresStore) Reserve(ctx context.Context, workerID string, visibility time.Duration, now time.Time) (*Job, error) {
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Return expired leases to the queue before picking.
	if _, err := tx.ExecContext(queryCtx, `
		UPDATE jobs
		SET status = 'QUEUED', lease_owner = '', lease_expires_at = NULL, updated_at = $1
		WHERE status = 'PROCESSING' AND lease_expires_at <= $1`, now,
	); err != nil {
		return nil, fmt.Errorf("reclaim expired leases: %w", err)
	}

	row := tx.QueryRowContext(queryCtx, `
		SELECT id FROM jobs
		WHERE status = 'QUEUED'
		ORDER BY priority DESC, seq ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("pick job: %w", err)
	}

	claimed := tx.QueryRowContext(queryCtx, `
		UPDATE jobs
		SET status = 'PROCESSING', lease_owner = $2, lease_expires_at = $3,
			attempts = attempts + 1, updated_at = $4
		WHERE id = $1
		RETURNING `+postgresJobColumns,
		id, workerID, now.Add(visibility), now)
	job, err := scanPostgresJob(claimed)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit reserve: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Heartbeat(ctx context.Context, id, workerID string, progress int, visibility time.Duration, now time.Time) error {
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(queryCtx, `
		UPDATE jobs
		SET lease_expires_at = $3, updated_at = $4,
			progress = CASE WHEN $5 >= 0 THEN LEAST($5, 100) ELSE progress END
		WHERE id = $1 AND status = 'PROCESSING' AND lease_owner = $2
			AND lease_expires_at > $4`,
		id, workerID, now.Add(visibility), now, progress)
	if err != nil {
		return fmt.Errorf("heartbeat job: %w", err)
	}
	return s.resolveGateMiss(queryCtx, result, id)
}

func (s *PostgresStore) Complete(ctx context.Context, id, workerID string, result json.RawMessage, now time.Time) (*Job, error) {
	var resultJSON sql.NullString
	if len(result) > 0 {
		resultJSON = sql.NullString{String: string(result), Valid: true}
	}
	return s.finish(ctx, id, workerID, now, `
		UPDATE jobs
		SET status = 'COMPLETED', progress = 100, result = $3,
			lease_owner = '', lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING' AND lease_owner = $2
			AND lease_expires_at > $4
		RETURNING `+postgresJobColumns, resultJSON)
}

func (s *PostgresStore) Fail(ctx context.Context, id, workerID string, jobErr JobError, now time.Time) (*Job, error) {
	encoded, err := json.Marshal(jobErr)
	if err != nil {
		return nil, fmt.Errorf("marshal job error: %w", err)
	}
	return s.finish(ctx, id, workerID, now, `
		UPDATE jobs
		SET status = 'FAILED', error = $3,
			lease_owner = '', lease_expires_at = NULL, updated_at = $4
		WHERE id = $1 AND status = 'PROCESSING' AND lease_owner = $2
			AND lease_expires_at > $4
		RETURNING `+postgresJobColumns, string(encoded))
}

func (s *PostgresStore) finish(ctx context.Context, id, workerID string, now time.Time, query string, payload any) (*Job, error) {
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(queryCtx, query, id, workerID, payload, now)
	job, err := scanPostgresJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.gateMissError(queryCtx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("finish job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	if _, err := s.db.ExecContext(queryCtx, `
		UPDATE jobs
		SET status = 'QUEUED', lease_owner = '', lease_expires_at = NULL, updated_at = $1
		WHERE status = 'PROCESSING' AND lease_expires_at <= $1`, now,
	); err != nil {
		return Stats{}, fmt.Errorf("reclaim expired leases: %w", err)
	}

	rows, err := s.db.QueryContext(queryCtx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return Stats{}, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return Stats{}, fmt.Errorf("scan stats row: %w", err)
		}
		switch Status(status) {
		case StatusQueued:
			st.Queued = count
		case StatusProcessing:
			st.Processing = count
		case StatusCompleted:
			st.Completed = count
		case StatusFailed:
			st.Failed = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate stats rows: %w", err)
	}
	st.Total = st.Queued + st.Processing + st.Completed + st.Failed
	return st, nil
}

func (s *PostgresStore) Clean(ctx context.Context, cutoff time.Time) (int, error) {
	queryCtx, cancel := s.queryContext(ctx)
	defer cancel()

	result, err := s.db.ExecContext(queryCtx, `
		DELETE FROM jobs
		WHERE status IN ('COMPLETED', 'FAILED') AND updated_at <= $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clean jobs: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count cleaned jobs: %w", err)
	}
	return int(removed), nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// resolveGateMiss distinguishes a missing job from a lost lease after a
// conditional UPDATE touched zero rows.
func (s *PostgresStore) resolveGateMiss(ctx context.Context, result sql.Result, id string) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("count affected rows: %w", err)
	}
	if affected > 0 {
		return nil
	}
	return s.gateMissError(ctx, id)
}

func (s *PostgresStore) gateMissError(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM jobs WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check job existence: %w", err)
	}
	if !exists {
		return queueError(ErrNotFound, id)
	}
	return queueError(ErrLeaseOwnership, "lease is not held by caller")
}

func (s *PostgresStore) queryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.config.QueryTimeout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPostgresJob(row rowScanner) (*Job, error) {
	var (
		job            Job
		payload        string
		status         string
		result         sql.NullString
		jobErr         sql.NullString
		policy         string
		leaseExpiresAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.Type, &payload, &status, &job.Priority,
		&job.Attempts, &job.Progress, &result, &jobErr, &job.IdempotencyKey,
		&job.RequestID, &policy, &job.LeaseOwner, &leaseExpiresAt,
		&job.CreatedAt, &job.UpdatedAt, &job.seq)
	if err != nil {
		return nil, err
	}

	job.Payload = json.RawMessage(payload)
	job.Status = Status(status)
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if jobErr.Valid && jobErr.String != "" {
		var decoded JobError
		if err := json.Unmarshal([]byte(jobErr.String), &decoded); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &decoded
	}
	if err := json.Unmarshal([]byte(policy), &job.RetryPolicy); err != nil {
		return nil, fmt.Errorf("decode retry policy: %w", err)
	}
	if leaseExpiresAt.Valid {
		job.LeaseExpiresAt = leaseExpiresAt.Time.UTC()
	}
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}
