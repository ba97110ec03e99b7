// Package storage defines the durable task pool contract for the study
// allocation service.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates a requested task or result row is missing.
	ErrNotFound = errors.New("record not found")
	// ErrNoTasksAvailable indicates every remaining replica is either
	// taken or belongs to a task number the participant already
	// completed. It is an expected outcome, not a storage failure.
	ErrNoTasksAvailable = errors.New("no tasks available")
	// ErrNotAllocated indicates the replica is not currently held by the
	// submitting participant. No write happens when it is returned.
	ErrNotAllocated = errors.New("task not allocated to participant")
	// ErrAlreadyCompleted indicates a second completion attempt for a
	// replica the same participant already completed.
	ErrAlreadyCompleted = errors.New("task already completed")
	// ErrPoolNotEmpty indicates a seeding attempt against a tasks table
	// that already has replicas.
	ErrPoolNotEmpty = errors.New("task pool already seeded")
)

// TaskStatus identifies one replica lifecycle state.
type TaskStatus string

const (
	// StatusWaiting means the replica is unclaimed and assignable.
	StatusWaiting TaskStatus = "waiting"
	// StatusAllocated means a participant currently holds the replica.
	StatusAllocated TaskStatus = "allocated"
	// StatusCompleted means a result was recorded for the replica.
	// Completed replicas are never reassigned.
	StatusCompleted TaskStatus = "completed"
)

// TaskRecord is one assignable replica of a task number. Holder fields
// (ParticipantID, AllocatedAt, SessionID) are set together while the
// replica is allocated or completed and cleared while it is waiting.
type TaskRecord struct {
	ID            string
	TaskNumber    int
	ParticipantID string
	AllocatedAt   *time.Time
	SessionID     string
	Status        TaskStatus
}

// ResultRecord is one submitted result, keyed by the replica that
// produced it. The payload is an opaque serialized submission.
type ResultRecord struct {
	TaskID        string
	Payload       string
	ParticipantID string
	CreatedAt     time.Time
}

// Allocation is the outcome of a successful claim.
type Allocation struct {
	TaskID     string
	TaskNumber int
}

// TaskStore performs the allocation lifecycle transitions. Each method
// is one bounded transaction; implementations must make the claim and
// reset paths safe under concurrent callers.
type TaskStore interface {
	// AllocateTask returns the participant's existing non-completed
	// replica if one exists, otherwise claims a waiting replica whose
	// task number the participant has not completed and whose allocated
	// count is below quota. Candidates are evaluated in ascending
	// (task_number, id) order.
	AllocateTask(ctx context.Context, participantID, sessionID string, quota int, now time.Time) (Allocation, error)
	// ExpireTasks resets every allocated replica whose holding time
	// exceeds timeLimit back to waiting, clearing the holder fields.
	// It returns the number of replicas reset.
	ExpireTasks(ctx context.Context, timeLimit time.Duration, now time.Time) (int, error)
	// CompleteTask marks the replica completed and records the result
	// payload in the same transaction. The replica must be allocated to
	// the submitting participant.
	CompleteTask(ctx context.Context, taskID, payload, participantID string, now time.Time) error
	// ListTasks returns a full snapshot of all replicas.
	ListTasks(ctx context.Context) ([]TaskRecord, error)
	// CountTasksByStatus reports how many replicas are in each state.
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
}

// ResultStore reads recorded submissions.
type ResultStore interface {
	GetResult(ctx context.Context, taskID string) (ResultRecord, error)
}

// SeedStore performs the one-time bulk replica load.
type SeedStore interface {
	// InsertReplicas writes the initial waiting replicas in one
	// transaction. It fails with ErrPoolNotEmpty when replicas already
	// exist, unless force is set.
	InsertReplicas(ctx context.Context, replicas []TaskRecord, force bool) error
	// CountTasks returns the total number of replica rows.
	CountTasks(ctx context.Context) (int, error)
}
