package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/reprohum/studypool/internal/services/study/storage"
)

type fakeStore struct {
	allocateParticipant string
	allocateSession     string
	allocateQuota       int
	allocateNow         time.Time
	allocation          storage.Allocation
	allocateErr         error

	expireLimit time.Duration
	expireNow   time.Time
	expired     int

	completeTaskID      string
	completePayload     string
	completeParticipant string
	completeErr         error
}

func (f *fakeStore) AllocateTask(ctx context.Context, participantID, sessionID string, quota int, now time.Time) (storage.Allocation, error) {
	f.allocateParticipant = participantID
	f.allocateSession = sessionID
	f.allocateQuota = quota
	f.allocateNow = now
	return f.allocation, f.allocateErr
}

func (f *fakeStore) ExpireTasks(ctx context.Context, timeLimit time.Duration, now time.Time) (int, error) {
	f.expireLimit = timeLimit
	f.expireNow = now
	return f.expired, nil
}

func (f *fakeStore) CompleteTask(ctx context.Context, taskID, payload, participantID string, now time.Time) error {
	f.completeTaskID = taskID
	f.completePayload = payload
	f.completeParticipant = participantID
	return f.completeErr
}

func (f *fakeStore) ListTasks(ctx context.Context) ([]storage.TaskRecord, error) {
	return nil, nil
}

func (f *fakeStore) CountTasksByStatus(ctx context.Context) (map[storage.TaskStatus]int, error) {
	return map[storage.TaskStatus]int{storage.StatusWaiting: 3}, nil
}

func (f *fakeStore) GetResult(ctx context.Context, taskID string) (storage.ResultRecord, error) {
	return storage.ResultRecord{}, storage.ErrNotFound
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestNewValidatesConfiguration(t *testing.T) {
	if _, err := New(nil, 3, time.Hour); err == nil {
		t.Fatal("expected error for nil store")
	}
	if _, err := New(&fakeStore{}, 0, time.Hour); err == nil {
		t.Fatal("expected error for zero quota")
	}
	if _, err := New(&fakeStore{}, 3, 0); err == nil {
		t.Fatal("expected error for zero time limit")
	}
}

func TestAllocatePassesQuotaAndClock(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{allocation: storage.Allocation{TaskID: "a", TaskNumber: 7}}
	eng, err := New(store, 3, time.Hour, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	allocation, err := eng.Allocate(context.Background(), "  p1 ", "s1")
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if allocation.TaskID != "a" || allocation.TaskNumber != 7 {
		t.Fatalf("allocation = %+v", allocation)
	}
	if store.allocateParticipant != "p1" {
		t.Fatalf("participant = %q, want trimmed %q", store.allocateParticipant, "p1")
	}
	if store.allocateQuota != 3 {
		t.Fatalf("quota = %d, want 3", store.allocateQuota)
	}
	if !store.allocateNow.Equal(now) {
		t.Fatalf("now = %v, want %v", store.allocateNow, now)
	}
}

func TestAllocateValidatesInput(t *testing.T) {
	eng, err := New(&fakeStore{}, 3, time.Hour)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.Allocate(context.Background(), "", "s1"); err == nil {
		t.Fatal("expected error for empty participant id")
	}
	if _, err := eng.Allocate(context.Background(), "p1", " "); err == nil {
		t.Fatal("expected error for empty session id")
	}
}

func TestAllocatePropagatesNoTasksAvailable(t *testing.T) {
	store := &fakeStore{allocateErr: storage.ErrNoTasksAvailable}
	eng, err := New(store, 3, time.Hour)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.Allocate(context.Background(), "p1", "s1"); !errors.Is(err, storage.ErrNoTasksAvailable) {
		t.Fatalf("err = %v, want ErrNoTasksAvailable", err)
	}
}

func TestExpireUsesConfiguredLimit(t *testing.T) {
	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{expired: 2}
	eng, err := New(store, 3, 45*time.Minute, WithClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	expired, err := eng.Expire(context.Background())
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if expired != 2 {
		t.Fatalf("expired = %d, want 2", expired)
	}
	if store.expireLimit != 45*time.Minute {
		t.Fatalf("limit = %v, want 45m", store.expireLimit)
	}
	if !store.expireNow.Equal(now) {
		t.Fatalf("now = %v, want %v", store.expireNow, now)
	}
}

func TestCompleteValidatesAndDelegates(t *testing.T) {
	store := &fakeStore{}
	eng, err := New(store, 3, time.Hour)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	if err := eng.Complete(context.Background(), "", `{}`, "p1"); err == nil {
		t.Fatal("expected error for empty task id")
	}
	if err := eng.Complete(context.Background(), "a", `{}`, ""); err == nil {
		t.Fatal("expected error for empty participant id")
	}
	if err := eng.Complete(context.Background(), " a ", `{"x":1}`, "p1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if store.completeTaskID != "a" {
		t.Fatalf("task id = %q, want trimmed %q", store.completeTaskID, "a")
	}
	if store.completePayload != `{"x":1}` {
		t.Fatalf("payload = %q", store.completePayload)
	}
}

func TestCompletePropagatesOwnershipRejection(t *testing.T) {
	store := &fakeStore{completeErr: storage.ErrNotAllocated}
	eng, err := New(store, 3, time.Hour)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.Complete(context.Background(), "a", `{}`, "p2"); !errors.Is(err, storage.ErrNotAllocated) {
		t.Fatalf("err = %v, want ErrNotAllocated", err)
	}
}

func TestResultValidatesID(t *testing.T) {
	eng, err := New(&fakeStore{}, 3, time.Hour)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if _, err := eng.Result(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty task id")
	}
	if _, err := eng.Result(context.Background(), "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
