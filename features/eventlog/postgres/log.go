// Package postgres implements the durable event log on PostgreSQL.
//
// The append guards live in the schema: the primary key on (execution_id,
// seq) is the compare-and-append, and a partial unique index on the step
// tuple enforces at most one terminal event per attempt. Terminal fencing is
// a NOT EXISTS guard inside the insert, so a single statement carries the
// whole protocol.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"noetl.io/noetl/runtime/event"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Constraint names the append error mapping keys on.
const (
	seqConstraint      = "noetl_event_pkey"
	terminalConstraint = "noetl_event_step_terminal"
)

const uniqueViolation = "23505"

type (
	// Config assembles the Postgres log's dependencies.
	Config struct {
		// DSN is the connection string. Required unless Pool is set.
		DSN string
		// Pool overrides the connection pool, e.g. one shared with other
		// stores. Optional.
		Pool *pgxpool.Pool
		// SkipMigrations leaves schema management to the operator.
		SkipMigrations bool
	}

	// Log is the PostgreSQL event.Log.
	Log struct {
		pool    *pgxpool.Pool
		ownPool bool
	}
)

var _ event.Log = (*Log)(nil)

// New connects, runs the embedded migrations and returns the log.
func New(ctx context.Context, cfg Config) (*Log, error) {
	pool := cfg.Pool
	ownPool := false
	if pool == nil {
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres log: Config.DSN or Config.Pool is required")
		}
		p, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres log: connect: %w", err)
		}
		pool = p
		ownPool = true
	}
	if !cfg.SkipMigrations {
		if err := migrate(ctx, pool.Config().ConnString()); err != nil {
			if ownPool {
				pool.Close()
			}
			return nil, err
		}
	}
	return &Log{pool: pool, ownPool: ownPool}, nil
}

// Close releases the pool when the log owns it.
func (l *Log) Close() {
	if l.ownPool {
		l.pool.Close()
	}
}

// migrate applies the embedded schema through database/sql, which goose
// requires.
func migrate(ctx context.Context, dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("postgres log: open for migration: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("postgres log: %w", err)
	}
	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("postgres log: migrate: %w", err)
	}
	return nil
}

// Append implements event.Log. The insert carries all three guards: the
// terminal fence as a NOT EXISTS predicate, the sequence CAS as the primary
// key and the tuple idempotency as the partial unique index.
func (l *Log) Append(ctx context.Context, e event.Event) error {
	if !e.Kind.Valid() {
		return fmt.Errorf("event log: unknown kind %q", e.Kind)
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO noetl_event (execution_id, seq, kind, step_name, attempt, loop_index, payload, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		WHERE NOT EXISTS (
			SELECT 1 FROM noetl_event
			WHERE execution_id = $1
			  AND kind IN ('execution_completed', 'execution_failed', 'execution_cancelled')
		)`,
		e.ExecutionID, e.Seq, string(e.Kind), e.StepName, e.Attempt, e.LoopIndex, []byte(e.Payload), e.Timestamp.UTC(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		switch pgErr.ConstraintName {
		case terminalConstraint:
			return event.ErrDuplicateTerminal
		case seqConstraint:
			return &event.ConflictError{ExecutionID: e.ExecutionID, CurrentSeq: l.nextSeq(ctx, e.ExecutionID)}
		}
	}
	if err != nil {
		return fmt.Errorf("event log: append: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return event.ErrTerminal
	}
	return nil
}

// nextSeq reports the next free position, best effort for conflict reports.
func (l *Log) nextSeq(ctx context.Context, executionID int64) int64 {
	var next int64
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq) + 1, 0) FROM noetl_event WHERE execution_id = $1`,
		executionID,
	).Scan(&next)
	if err != nil {
		return 0
	}
	return next
}

// Read implements event.Log.
func (l *Log) Read(ctx context.Context, executionID, fromSeq int64) ([]event.Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT execution_id, seq, kind, step_name, attempt, loop_index, payload, created_at
		FROM noetl_event
		WHERE execution_id = $1 AND seq >= $2
		ORDER BY seq`,
		executionID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("event log: read: %w", err)
	}
	defer rows.Close()

	var out []event.Event
	for rows.Next() {
		var (
			e       event.Event
			kind    string
			payload []byte
			created time.Time
		)
		err := rows.Scan(&e.ExecutionID, &e.Seq, &kind, &e.StepName, &e.Attempt, &e.LoopIndex, &payload, &created)
		if err != nil {
			return nil, fmt.Errorf("event log: scan: %w", err)
		}
		e.Kind = event.Kind(kind)
		e.Payload = payload
		e.Timestamp = created.UTC()
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event log: read: %w", err)
	}
	if len(out) == 0 {
		known, err := l.exists(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if !known {
			return nil, event.ErrNotFound
		}
	}
	return out, nil
}

func (l *Log) exists(ctx context.Context, executionID int64) (bool, error) {
	var one int
	err := l.pool.QueryRow(ctx,
		`SELECT 1 FROM noetl_event WHERE execution_id = $1 LIMIT 1`,
		executionID,
	).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("event log: exists: %w", err)
	}
	return true, nil
}

// LiveExecutions implements event.Log.
func (l *Log) LiveExecutions(ctx context.Context) ([]int64, error) {
	return l.listExecutions(ctx, `
		SELECT DISTINCT execution_id FROM noetl_event e
		WHERE NOT EXISTS (
			SELECT 1 FROM noetl_event t
			WHERE t.execution_id = e.execution_id
			  AND t.kind IN ('execution_completed', 'execution_failed', 'execution_cancelled')
		)
		ORDER BY execution_id`)
}

// Executions implements event.Log.
func (l *Log) Executions(ctx context.Context) ([]int64, error) {
	return l.listExecutions(ctx,
		`SELECT DISTINCT execution_id FROM noetl_event ORDER BY execution_id`)
}

func (l *Log) listExecutions(ctx context.Context, query string) ([]int64, error) {
	rows, err := l.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("event log: list executions: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("event log: scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("event log: list executions: %w", err)
	}
	return ids, nil
}

// AllocateExecutionID implements event.Log.
func (l *Log) AllocateExecutionID(ctx context.Context) (int64, error) {
	var id int64
	err := l.pool.QueryRow(ctx, `SELECT nextval('noetl_execution_id')`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("event log: allocate execution id: %w", err)
	}
	return id, nil
}
