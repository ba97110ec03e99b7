// Package sqlite provides SQLite-backed persistence for the study task
// pool, including the transactional allocation lifecycle.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/reprohum/studypool/internal/platform/storage/sqlitemigrate"
	"github.com/reprohum/studypool/internal/services/study/storage"
	"github.com/reprohum/studypool/internal/services/study/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed task pool persistence.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a study SQLite store at the provided path and applies
// migrations. Transactions are opened with an immediate lock so the
// allocation read-check-claim sequence serializes across callers.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.ApplyMigrations(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

type candidate struct {
	id         string
	taskNumber int
}

// AllocateTask claims one waiting replica for the participant.
//
// Idempotent re-entry runs first: a replica already held by the
// participant and not completed is returned unchanged. Otherwise
// candidates are evaluated in ascending (task_number, id) order, and the
// claim itself re-checks the waiting status and the live allocated count
// for the task number inside a single conditional UPDATE, so two
// concurrent callers cannot both claim past the quota.
func (s *Store) AllocateTask(ctx context.Context, participantID, sessionID string, quota int, now time.Time) (storage.Allocation, error) {
	if err := ctx.Err(); err != nil {
		return storage.Allocation{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Allocation{}, fmt.Errorf("storage is not configured")
	}
	participantID = strings.TrimSpace(participantID)
	sessionID = strings.TrimSpace(sessionID)
	if participantID == "" {
		return storage.Allocation{}, fmt.Errorf("participant id is required")
	}
	if sessionID == "" {
		return storage.Allocation{}, fmt.Errorf("session id is required")
	}
	if quota <= 0 {
		return storage.Allocation{}, fmt.Errorf("quota must be greater than zero")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Allocation{}, fmt.Errorf("begin allocation: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback allocation: %v", cause, rollbackErr)
		}
		return cause
	}

	var held storage.Allocation
	err = tx.QueryRowContext(ctx, `
SELECT id, task_number
FROM tasks
WHERE participant_id = ? AND status != 'completed'
ORDER BY id ASC
LIMIT 1
`, participantID).Scan(&held.TaskID, &held.TaskNumber)
	switch {
	case err == nil:
		if commitErr := tx.Commit(); commitErr != nil {
			return storage.Allocation{}, fmt.Errorf("commit allocation re-entry: %w", commitErr)
		}
		return held, nil
	case errors.Is(err, sql.ErrNoRows):
		// fall through to claim a fresh replica
	default:
		return storage.Allocation{}, rollbackWith(fmt.Errorf("look up held task: %w", err))
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id, task_number
FROM tasks
WHERE status = 'waiting' AND task_number NOT IN (
    SELECT task_number FROM tasks WHERE participant_id = ? AND status = 'completed'
)
ORDER BY task_number ASC, id ASC
`, participantID)
	if err != nil {
		return storage.Allocation{}, rollbackWith(fmt.Errorf("list waiting tasks: %w", err))
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.taskNumber); err != nil {
			rows.Close()
			return storage.Allocation{}, rollbackWith(fmt.Errorf("scan waiting task: %w", err))
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return storage.Allocation{}, rollbackWith(fmt.Errorf("iterate waiting tasks: %w", err))
	}
	rows.Close()

	for _, c := range candidates {
		res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = 'allocated', participant_id = ?, allocated_at = ?, session_id = ?
WHERE id = ?
  AND status = 'waiting'
  AND (SELECT COUNT(*) FROM tasks t WHERE t.task_number = ? AND t.status = 'allocated') < ?
`, participantID, toMillis(now), sessionID, c.id, c.taskNumber, quota)
		if err != nil {
			return storage.Allocation{}, rollbackWith(fmt.Errorf("claim task %s: %w", c.id, err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return storage.Allocation{}, rollbackWith(fmt.Errorf("claim task %s rows: %w", c.id, err))
		}
		if affected == 1 {
			if commitErr := tx.Commit(); commitErr != nil {
				return storage.Allocation{}, fmt.Errorf("commit allocation: %w", commitErr)
			}
			return storage.Allocation{TaskID: c.id, TaskNumber: c.taskNumber}, nil
		}
	}

	if rollbackErr := tx.Rollback(); rollbackErr != nil {
		return storage.Allocation{}, fmt.Errorf("rollback empty allocation: %w", rollbackErr)
	}
	return storage.Allocation{}, storage.ErrNoTasksAvailable
}

// ExpireTasks resets replicas held longer than timeLimit back to
// waiting. Each reset is conditioned on the allocation timestamp read at
// the start of the sweep, so a replica completed or re-allocated after
// the read is skipped rather than resurrected. The whole sweep commits
// as one transaction.
func (s *Store) ExpireTasks(ctx context.Context, timeLimit time.Duration, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}
	if timeLimit <= 0 {
		return 0, fmt.Errorf("time limit must be greater than zero")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin expiry sweep: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback expiry sweep: %v", cause, rollbackErr)
		}
		return cause
	}

	rows, err := tx.QueryContext(ctx, `
SELECT id, allocated_at FROM tasks WHERE status = 'allocated'
`)
	if err != nil {
		return 0, rollbackWith(fmt.Errorf("list allocated tasks: %w", err))
	}
	type allocated struct {
		id          string
		allocatedAt sql.NullInt64
	}
	var held []allocated
	for rows.Next() {
		var a allocated
		if err := rows.Scan(&a.id, &a.allocatedAt); err != nil {
			rows.Close()
			return 0, rollbackWith(fmt.Errorf("scan allocated task: %w", err))
		}
		held = append(held, a)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, rollbackWith(fmt.Errorf("iterate allocated tasks: %w", err))
	}
	rows.Close()

	expired := 0
	for _, a := range held {
		if !a.allocatedAt.Valid {
			// Should not happen while holder fields move together;
			// never expire a row whose allocation time is unknown.
			log.Printf("expire sweep: task %s is allocated without a timestamp, skipping", a.id)
			continue
		}
		if now.Sub(fromMillis(a.allocatedAt.Int64)) <= timeLimit {
			continue
		}
		res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = 'waiting', participant_id = NULL, allocated_at = NULL, session_id = NULL
WHERE id = ? AND status = 'allocated' AND allocated_at = ?
`, a.id, a.allocatedAt.Int64)
		if err != nil {
			return 0, rollbackWith(fmt.Errorf("expire task %s: %w", a.id, err))
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, rollbackWith(fmt.Errorf("expire task %s rows: %w", a.id, err))
		}
		expired += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit expiry sweep: %w", err)
	}
	return expired, nil
}

// CompleteTask records the participant's result and marks the replica
// completed in one transaction. The status transition requires the
// replica to be currently allocated to the participant, so a second
// completion cannot insert a second result row.
func (s *Store) CompleteTask(ctx context.Context, taskID, payload, participantID string, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	participantID = strings.TrimSpace(participantID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if participantID == "" {
		return fmt.Errorf("participant id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin completion: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback completion: %v", cause, rollbackErr)
		}
		return cause
	}

	res, err := tx.ExecContext(ctx, `
UPDATE tasks
SET status = 'completed'
WHERE id = ? AND participant_id = ? AND status = 'allocated'
`, taskID, participantID)
	if err != nil {
		return rollbackWith(fmt.Errorf("mark task completed: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return rollbackWith(fmt.Errorf("mark task completed rows: %w", err))
	}
	if affected == 0 {
		var holder sql.NullString
		var status string
		err := tx.QueryRowContext(ctx, `
SELECT participant_id, status FROM tasks WHERE id = ?
`, taskID).Scan(&holder, &status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return rollbackWith(storage.ErrNotAllocated)
		case err != nil:
			return rollbackWith(fmt.Errorf("inspect task %s: %w", taskID, err))
		}
		if holder.Valid && holder.String == participantID && storage.TaskStatus(status) == storage.StatusCompleted {
			return rollbackWith(storage.ErrAlreadyCompleted)
		}
		return rollbackWith(storage.ErrNotAllocated)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO results (id, payload, participant_id, created_at) VALUES (?, ?, ?, ?)
`, taskID, payload, participantID, toMillis(now)); err != nil {
		return rollbackWith(fmt.Errorf("record result: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit completion: %w", err)
	}
	return nil
}

// ListTasks returns every replica ordered by (task_number, id).
func (s *Store) ListTasks(ctx context.Context) ([]storage.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, task_number, participant_id, allocated_at, session_id, status
FROM tasks
ORDER BY task_number ASC, id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var records []storage.TaskRecord
	for rows.Next() {
		record, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return records, nil
}

// CountTasksByStatus reports replica counts per lifecycle state.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[storage.TaskStatus]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(*) FROM tasks GROUP BY status
`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[storage.TaskStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[storage.TaskStatus(status)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task counts: %w", err)
	}
	return counts, nil
}

// GetResult returns the recorded submission for one replica.
func (s *Store) GetResult(ctx context.Context, taskID string) (storage.ResultRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.ResultRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.ResultRecord{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.ResultRecord{}, fmt.Errorf("task id is required")
	}

	var record storage.ResultRecord
	var createdAt int64
	err := s.sqlDB.QueryRowContext(ctx, `
SELECT id, payload, participant_id, created_at FROM results WHERE id = ?
`, taskID).Scan(&record.TaskID, &record.Payload, &record.ParticipantID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.ResultRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.ResultRecord{}, fmt.Errorf("get result: %w", err)
	}
	record.CreatedAt = fromMillis(createdAt)
	return record, nil
}

// InsertReplicas performs the one-time bulk load of waiting replicas.
func (s *Store) InsertReplicas(ctx context.Context, replicas []storage.TaskRecord, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if len(replicas) == 0 {
		return fmt.Errorf("at least one replica is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback seed: %v", cause, rollbackErr)
		}
		return cause
	}

	if !force {
		var existing int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&existing); err != nil {
			return rollbackWith(fmt.Errorf("count existing tasks: %w", err))
		}
		if existing > 0 {
			return rollbackWith(storage.ErrPoolNotEmpty)
		}
	}

	for _, replica := range replicas {
		id := strings.TrimSpace(replica.ID)
		if id == "" {
			return rollbackWith(fmt.Errorf("replica id is required"))
		}
		if replica.TaskNumber <= 0 {
			return rollbackWith(fmt.Errorf("replica %s: task number must be positive", id))
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO tasks (id, task_number, participant_id, allocated_at, session_id, status)
VALUES (?, ?, NULL, NULL, NULL, 'waiting')
`, id, replica.TaskNumber); err != nil {
			return rollbackWith(fmt.Errorf("insert replica %s: %w", id, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	return nil
}

// CountTasks returns the total number of replica rows.
func (s *Store) CountTasks(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.sqlDB == nil {
		return 0, fmt.Errorf("storage is not configured")
	}

	var count int
	if err := s.sqlDB.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&count); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return count, nil
}

func scanTask(rows *sql.Rows) (storage.TaskRecord, error) {
	var record storage.TaskRecord
	var participantID sql.NullString
	var allocatedAt sql.NullInt64
	var sessionID sql.NullString
	var status string
	if err := rows.Scan(
		&record.ID,
		&record.TaskNumber,
		&participantID,
		&allocatedAt,
		&sessionID,
		&status,
	); err != nil {
		return storage.TaskRecord{}, fmt.Errorf("scan task: %w", err)
	}
	if participantID.Valid {
		record.ParticipantID = participantID.String
	}
	if allocatedAt.Valid {
		at := fromMillis(allocatedAt.Int64)
		record.AllocatedAt = &at
	}
	if sessionID.Valid {
		record.SessionID = sessionID.String
	}
	record.Status = storage.TaskStatus(status)
	return record, nil
}

var (
	_ storage.TaskStore   = (*Store)(nil)
	_ storage.ResultStore = (*Store)(nil)
	_ storage.SeedStore   = (*Store)(nil)
)
