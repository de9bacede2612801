package model

import "time"

type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobTimedOut  JobState = "timed_out"
	JobFailed    JobState = "failed"
)

func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobTimedOut || s == JobFailed
}

// CanTransition allows Pending -> Running -> one terminal state.
func (s JobState) CanTransition(to JobState) bool {
	switch s {
	case JobPending:
		return to == JobRunning
	case JobRunning:
		return to.Terminal()
	default:
		return false
	}
}

// JobEvent is one state change, written to the request log.
type JobEvent struct {
	RequestID string    `json:"request_id"`
	JobID     string    `json:"job_id"`
	Scanner   string    `json:"scanner"`
	Target    string    `json:"target"`
	State     JobState  `json:"state"`
	Detail    string    `json:"detail"`
	TS        time.Time `json:"ts"`
}

// JobStatus is the per-job line of a ScanReport.
type JobStatus struct {
	JobID        string     `json:"job_id"`
	Scanner      string     `json:"scanner"`
	Target       string     `json:"target"`
	State        JobState   `json:"state"`
	Cause        string     `json:"cause,omitempty"`
	Note         string     `json:"note,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   time.Time  `json:"finished_at"`
	DurationMS   int64      `json:"duration_ms"`
	FindingCount int        `json:"finding_count"`
	History      []JobState `json:"history"`
}

type Summary struct {
	Total         int `json:"total_findings"`
	Critical      int `json:"critical"`
	High          int `json:"high"`
	Medium        int `json:"medium"`
	Low           int `json:"low"`
	Info          int `json:"info"`
	JobsCompleted int `json:"jobs_completed"`
	JobsTimedOut  int `json:"jobs_timed_out"`
	JobsFailed    int `json:"jobs_failed"`
}
