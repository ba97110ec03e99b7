// Package seed builds the initial replica pool for a study.
package seed

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/reprohum/studypool/internal/services/study/storage"
)

// BuildReplicas creates completionsPerTask waiting replicas for each
// task number 1..taskCount, each with a fresh UUID.
func BuildReplicas(taskCount, completionsPerTask int) ([]storage.TaskRecord, error) {
	if taskCount <= 0 {
		return nil, fmt.Errorf("task count must be greater than zero")
	}
	if completionsPerTask <= 0 {
		return nil, fmt.Errorf("completions per task must be greater than zero")
	}

	replicas := make([]storage.TaskRecord, 0, taskCount*completionsPerTask)
	for taskNumber := 1; taskNumber <= taskCount; taskNumber++ {
		for i := 0; i < completionsPerTask; i++ {
			replicas = append(replicas, storage.TaskRecord{
				ID:         uuid.NewString(),
				TaskNumber: taskNumber,
				Status:     storage.StatusWaiting,
			})
		}
	}
	return replicas, nil
}
