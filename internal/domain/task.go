package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus enumerates claim states of the executable unit behind a job.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

// Task mirrors one row of the task queue.
type Task struct {
	ID        string
	JobID     string
	TaskType  JobType
	Status    TaskStatus
	Attempts  int
	LockedAt  *time.Time
	RunAfter  time.Time
	Payload   json.RawMessage
	LastError *string
	CreatedAt time.Time
	UpdatedAt time.Time
}
