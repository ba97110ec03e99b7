// Package engine exposes the task allocation lifecycle operations with
// the study's configured quota and expiry limit applied.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reprohum/studypool/internal/services/study/storage"
)

// Store is the durable backend the engine operates on.
type Store interface {
	storage.TaskStore
	storage.ResultStore
}

// Engine binds the allocation operations to one study's configuration.
// All state lives in the store; the engine holds no task state of its
// own, so every decision reflects durable state at call time.
type Engine struct {
	store     Store
	quota     int
	timeLimit time.Duration
	now       func() time.Time
}

// Option adjusts engine construction.
type Option func(*Engine)

// WithClock overrides the time source. Tests use it to pin the clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New creates an engine for a study with the given completion quota per
// task number and allocation time limit.
func New(store Store, quota int, timeLimit time.Duration, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if quota <= 0 {
		return nil, fmt.Errorf("quota must be greater than zero")
	}
	if timeLimit <= 0 {
		return nil, fmt.Errorf("time limit must be greater than zero")
	}
	engine := &Engine{
		store:     store,
		quota:     quota,
		timeLimit: timeLimit,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// TimeLimit returns the configured allocation time limit.
func (e *Engine) TimeLimit() time.Duration {
	return e.timeLimit
}

// Allocate assigns a waiting replica to the participant, or returns the
// replica they already hold. storage.ErrNoTasksAvailable signals an
// exhausted pool for this participant.
func (e *Engine) Allocate(ctx context.Context, participantID, sessionID string) (storage.Allocation, error) {
	participantID = strings.TrimSpace(participantID)
	sessionID = strings.TrimSpace(sessionID)
	if participantID == "" {
		return storage.Allocation{}, fmt.Errorf("participant id is required")
	}
	if sessionID == "" {
		return storage.Allocation{}, fmt.Errorf("session id is required")
	}
	return e.store.AllocateTask(ctx, participantID, sessionID, e.quota, e.now())
}

// Expire runs one sweep over allocated replicas, returning how many
// were reset to waiting.
func (e *Engine) Expire(ctx context.Context) (int, error) {
	return e.store.ExpireTasks(ctx, e.timeLimit, e.now())
}

// Complete records the participant's submission for the replica they
// hold. The payload is stored as-is; the engine does not interpret it.
func (e *Engine) Complete(ctx context.Context, taskID, payload, participantID string) error {
	taskID = strings.TrimSpace(taskID)
	participantID = strings.TrimSpace(participantID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if participantID == "" {
		return fmt.Errorf("participant id is required")
	}
	return e.store.CompleteTask(ctx, taskID, payload, participantID, e.now())
}

// ListTasks returns the full replica snapshot.
func (e *Engine) ListTasks(ctx context.Context) ([]storage.TaskRecord, error) {
	return e.store.ListTasks(ctx)
}

// CountTasksByStatus reports replica counts per lifecycle state.
func (e *Engine) CountTasksByStatus(ctx context.Context) (map[storage.TaskStatus]int, error) {
	return e.store.CountTasksByStatus(ctx)
}

// Result returns the recorded submission for one replica.
func (e *Engine) Result(ctx context.Context, taskID string) (storage.ResultRecord, error) {
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.ResultRecord{}, fmt.Errorf("task id is required")
	}
	return e.store.GetResult(ctx, taskID)
}
