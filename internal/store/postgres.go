package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"log"
	"sort"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/loom-run/loom/internal/workflow"
	"github.com/loom-run/loom/migrations"
)

// PostgresStore is the Store implementation backed by a Postgres
// database: a pooled *sql.DB, an embedded-FS migration runner, and a Tx
// helper every other method funnels through.
type PostgresStore struct {
	db *sql.DB
}

// PostgresConfig configures the connection pool opened by Open.
type PostgresConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Open connects to Postgres, configures the pool, and applies any
// outstanding migrations.
func Open(cfg PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen == 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle == 0 {
		maxIdle = 10
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime == 0 {
		lifetime = 5 * time.Minute
	}
	idleTime := cfg.ConnMaxIdleTime
	if idleTime == 0 {
		idleTime = 2 * time.Minute
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)
	db.SetConnMaxIdleTime(idleTime)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.applyMigrations(); err != nil {
		return nil, fmt.Errorf("store: apply migrations: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

// applyMigrations reads migration files embedded at build time and
// applies any not yet recorded in schema_migrations.
func (s *PostgresStore) applyMigrations() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	rows, err := s.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return err
	}
	defer rows.Close()
	applied := map[string]struct{}{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return err
		}
		applied[v] = struct{}{}
	}
	rows.Close()

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, e := range entries {
		name := e.Name()
		if _, ok := applied[name]; ok {
			continue
		}
		sqlBytes, err := migrations.FS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(sqlBytes)); err != nil {
			return fmt.Errorf("exec %s: %w", name, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)`, name, time.Now()); err != nil {
			return err
		}
		log.Printf("loom: migrated %s", name)
	}
	return nil
}

// tx runs fn inside a SQL transaction, rolling back on any error.
func (s *PostgresStore) tx(ctx context.Context, fn func(*sql.Tx) error) error {
	txn, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(txn); err != nil {
		_ = txn.Rollback()
		return err
	}
	return txn.Commit()
}

func insertTask(ctx context.Context, tx *sql.Tx, t Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (id, workflow_id, kind, target, run_at, status, attempts, max_attempts, last_error, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,0,$7,NULL,now(),now())`,
		t.ID, t.WorkflowID, string(t.Kind), t.Target, t.RunAt, string(TaskPending), t.MaxAttempts)
	return err
}

func insertEvent(ctx context.Context, tx *sql.Tx, ev workflow.Event) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (workflow_id, type, payload, created_at)
		VALUES ($1,$2,$3,now())`,
		ev.WorkflowID, string(ev.Type), []byte(ev.Payload))
	return err
}

// CreateWorkflow implements Store.
func (s *PostgresStore) CreateWorkflow(ctx context.Context, id, name, version, module string, input, initialState json.RawMessage, initialTask Task) error {
	return s.tx(ctx, func(txn *sql.Tx) error {
		if len(initialState) == 0 {
			initialState = json.RawMessage(`{}`)
		}
		if _, err := txn.ExecContext(ctx, `
			INSERT INTO workflows (id, name, version, module, status, input, initial_state, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,now(),now())`,
			id, name, version, module, string(StatusRunning), []byte(input), []byte(initialState)); err != nil {
			return fmt.Errorf("insert workflow: %w", err)
		}

		startedPayload, err := json.Marshal(workflow.WorkflowStartedPayload{Input: input})
		if err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx, `
			INSERT INTO events (workflow_id, type, payload, created_at)
			VALUES ($1,$2,$3,now())`,
			id, string(workflow.EventWorkflowStarted), startedPayload); err != nil {
			return fmt.Errorf("insert WORKFLOW_STARTED: %w", err)
		}

		initialTask.WorkflowID = id
		if err := insertTask(ctx, txn, initialTask); err != nil {
			return fmt.Errorf("insert initial task: %w", err)
		}
		return nil
	})
}

// Commit implements Store.
func (s *PostgresStore) Commit(ctx context.Context, workflowID string, events []workflow.Event, tasks []Task, status *StatusUpdate) error {
	return s.tx(ctx, func(txn *sql.Tx) error {
		for _, ev := range events {
			ev.WorkflowID = workflowID
			if err := insertEvent(ctx, txn, ev); err != nil {
				return fmt.Errorf("insert event %s: %w", ev.Type, err)
			}
		}
		for _, t := range tasks {
			t.WorkflowID = workflowID
			if err := insertTask(ctx, txn, t); err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
		}
		if status != nil {
			if _, err := txn.ExecContext(ctx, `
				UPDATE workflows SET status = $2, updated_at = now() WHERE id = $1`,
				workflowID, string(status.Status)); err != nil {
				return fmt.Errorf("update workflow status: %w", err)
			}
		}
		return nil
	})
}

// LoadHistory implements Store.
func (s *PostgresStore) LoadHistory(ctx context.Context, workflowID string) ([]workflow.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, workflow_id, type, payload, created_at
		FROM events WHERE workflow_id = $1 ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []workflow.Event
	for rows.Next() {
		var ev workflow.Event
		var payload []byte
		if err := rows.Scan(&ev.Ordinal, &ev.WorkflowID, &ev.Type, &payload, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}
	return out, rows.Err()
}

// GetWorkflow implements Store.
func (s *PostgresStore) GetWorkflow(ctx context.Context, workflowID string) (*WorkflowRow, error) {
	var row WorkflowRow
	var input, initialState []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, module, status, input, initial_state, created_at, updated_at
		FROM workflows WHERE id = $1`, workflowID).
		Scan(&row.ID, &row.Name, &row.Version, &row.Module, &row.Status, &input, &initialState, &row.CreatedAt, &row.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	row.Input = input
	row.InitialState = initialState
	return &row, nil
}

// ListWorkflows implements Store.
func (s *PostgresStore) ListWorkflows(ctx context.Context, statusFilter string, limit int) ([]WorkflowRow, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if statusFilter != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, version, module, status, input, initial_state, created_at, updated_at
			FROM workflows WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, statusFilter, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, name, version, module, status, input, initial_state, created_at, updated_at
			FROM workflows ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WorkflowRow
	for rows.Next() {
		var row WorkflowRow
		var input, initialState []byte
		if err := rows.Scan(&row.ID, &row.Name, &row.Version, &row.Module, &row.Status, &input, &initialState, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		row.Input = input
		row.InitialState = initialState
		out = append(out, row)
	}
	return out, rows.Err()
}

// ClaimNextTask implements Store. It refuses to hand out a STEP task
// whose workflow already has a STEP task RUNNING (T4/O3), via the
// anti-join in the WHERE clause below; the partial unique index in the
// migration is the backstop if two workers somehow race past it.
func (s *PostgresStore) ClaimNextTask(ctx context.Context, workerID string, now time.Time) (*Task, error) {
	var claimed *Task
	err := s.tx(ctx, func(txn *sql.Tx) error {
		var t Task
		var lastError sql.NullString
		err := txn.QueryRowContext(ctx, `
			SELECT t.id, t.workflow_id, t.kind, t.target, t.run_at, t.status,
			       t.attempts, t.max_attempts, t.last_error, t.created_at, t.updated_at
			FROM tasks t
			WHERE t.status = 'PENDING'
			  AND t.run_at <= $1
			  AND NOT (
			    t.kind = 'STEP' AND EXISTS (
			      SELECT 1 FROM tasks t2
			      WHERE t2.workflow_id = t.workflow_id AND t2.kind = 'STEP' AND t2.status = 'RUNNING'
			    )
			  )
			ORDER BY t.run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1`, now).
			Scan(&t.ID, &t.WorkflowID, &t.Kind, &t.Target, &t.RunAt, &t.Status,
				&t.Attempts, &t.MaxAttempts, &lastError, &t.CreatedAt, &t.UpdatedAt)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return err
		}
		if lastError.Valid {
			t.LastError = lastError.String
		}

		if _, err := txn.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'RUNNING', attempts = attempts + 1, claimed_by = $2,
			    heartbeat_at = now(), updated_at = now()
			WHERE id = $1`, t.ID, workerID); err != nil {
			return err
		}
		t.Status = TaskRunning
		t.Attempts++
		t.ClaimedBy = workerID
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// CompleteTask implements Store.
func (s *PostgresStore) CompleteTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'COMPLETED', updated_at = now() WHERE id = $1`, taskID)
	return err
}

// FailTask implements Store.
func (s *PostgresStore) FailTask(ctx context.Context, taskID string, errMsg string, shouldRetry bool, backoff time.Duration) error {
	if shouldRetry {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'PENDING', run_at = now() + $2::interval, last_error = $3, updated_at = now()
			WHERE id = $1`, taskID, fmt.Sprintf("%d milliseconds", backoff.Milliseconds()), errMsg)
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'FAILED', last_error = $2, updated_at = now() WHERE id = $1`, taskID, errMsg)
	return err
}

// Heartbeat implements Store.
func (s *PostgresStore) Heartbeat(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET heartbeat_at = now() WHERE id = $1 AND status = 'RUNNING'`, taskID)
	return err
}

// RecoverStaleTasks implements Store.
func (s *PostgresStore) RecoverStaleTasks(ctx context.Context, staleAfter time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'PENDING', claimed_by = NULL, updated_at = now()
		WHERE status = 'RUNNING' AND heartbeat_at < now() - $1::interval`,
		fmt.Sprintf("%d milliseconds", staleAfter.Milliseconds()))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AppendSignal implements Store.
func (s *PostgresStore) AppendSignal(ctx context.Context, workflowID, name string, payload json.RawMessage) error {
	return s.tx(ctx, func(txn *sql.Tx) error {
		raw, err := json.Marshal(workflow.SignalReceivedPayload{Name: name, Payload: payload})
		if err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx, `
			INSERT INTO events (workflow_id, type, payload, created_at)
			VALUES ($1,$2,$3,now())`, workflowID, string(workflow.EventSignalReceived), raw); err != nil {
			return err
		}

		var pending int
		if err := txn.QueryRowContext(ctx, `
			SELECT count(*) FROM tasks WHERE workflow_id = $1 AND kind = 'STEP' AND status = 'PENDING'`,
			workflowID).Scan(&pending); err != nil {
			return err
		}
		if pending == 0 {
			taskID, err := newTaskID()
			if err != nil {
				return err
			}
			if err := insertTask(ctx, txn, Task{
				ID: taskID, WorkflowID: workflowID, Kind: workflow.TaskStep,
				Target: "resume", RunAt: time.Now(), MaxAttempts: defaultStepMaxAttempts,
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Cancel implements Store.
func (s *PostgresStore) Cancel(ctx context.Context, workflowID, reason string) error {
	return s.tx(ctx, func(txn *sql.Tx) error {
		raw, err := json.Marshal(workflow.WorkflowCancelledPayload{Reason: reason})
		if err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx, `
			INSERT INTO events (workflow_id, type, payload, created_at)
			VALUES ($1,$2,$3,now())`, workflowID, string(workflow.EventWorkflowCancelled), raw); err != nil {
			return err
		}
		if _, err := txn.ExecContext(ctx, `
			UPDATE workflows SET status = $2, updated_at = now() WHERE id = $1`,
			workflowID, string(StatusCancelled)); err != nil {
			return err
		}
		return nil
	})
}

// AppendLog implements Store.
func (s *PostgresStore) AppendLog(ctx context.Context, entry LogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO logs (workflow_id, level, message, created_at) VALUES ($1,$2,$3,now())`,
		entry.WorkflowID, entry.Level, entry.Message)
	return err
}

// Logs implements Store.
func (s *PostgresStore) Logs(ctx context.Context, workflowID string, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT workflow_id, level, message FROM logs WHERE workflow_id = $1 ORDER BY id ASC LIMIT $2`,
		workflowID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.WorkflowID, &e.Level, &e.Message); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
