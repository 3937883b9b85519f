package domain

import (
	"encoding/json"
	"time"
)

// JobType enumerates the pipeline stages a user can pay for.
type JobType string

const (
	JobTypeAnalysis       JobType = "ANALYSIS"
	JobTypeImageGen       JobType = "IMAGE_GEN"
	JobTypeStyleReplicate JobType = "STYLE_REPLICATE"
)

// Valid reports whether t is a known job type.
func (t JobType) Valid() bool {
	switch t {
	case JobTypeAnalysis, JobTypeImageGen, JobTypeStyleReplicate:
		return true
	}
	return false
}

// JobStatus enumerates job lifecycle states. A job leaves processing exactly
// once.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "processing"
	JobStatusSuccess    JobStatus = "success"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// Job is the durable, user-visible record of one paid request.
type Job struct {
	ID                  string
	UserID              string
	Type                JobType
	Status              JobStatus
	Payload             json.RawMessage
	ResultURL           *string
	ResultData          json.RawMessage
	ErrorCode           *string
	ErrorMessage        *string
	CostAmount          int
	ChargedSubscription int
	ChargedPurchased    int
	IsRefunded          bool
	TraceID             *string
	ClientJobID         *string
	FEAttempt           int
	BERetry             int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Snapshot returns the externally observable subset of the job.
func (j Job) Snapshot() JobSnapshot {
	return JobSnapshot{
		JobID:        j.ID,
		UserID:       j.UserID,
		Type:         j.Type,
		Status:       j.Status,
		ResultURL:    deref(j.ResultURL),
		ResultData:   j.ResultData,
		ErrorCode:    deref(j.ErrorCode),
		ErrorMessage: deref(j.ErrorMessage),
		IsRefunded:   j.IsRefunded,
		UpdatedAt:    j.UpdatedAt,
	}
}

// JobSnapshot is what waiters and event streams observe about a job.
type JobSnapshot struct {
	JobID        string          `json:"job_id"`
	UserID       string          `json:"user_id,omitempty"`
	Type         JobType         `json:"type,omitempty"`
	Status       JobStatus       `json:"status"`
	ResultURL    string          `json:"result_url,omitempty"`
	ResultData   json.RawMessage `json:"result_data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	IsRefunded   bool            `json:"is_refunded"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Terminal reports whether the observed job reached success or failed.
func (s JobSnapshot) Terminal() bool {
	return s.Status.Terminal()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
