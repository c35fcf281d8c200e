package store

import "time"

// Status is the lifecycle state shared by jobs and tasks.
type Status string

const (
	StatusQueued   Status = "QUEUED"
	StatusRunning  Status = "RUNNING"
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusCanceled Status = "CANCELED"
)

// Job is a batch of related tasks submitted as one unit.
type Job struct {
	ID        string            `json:"id"`
	Action    string            `json:"action"`
	Region    string            `json:"region,omitempty"`
	Targets   []string          `json:"targets"`
	Meta      map[string]string `json:"meta,omitempty"`
	Status    Status            `json:"status"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
}

// JobWithTasks is the shape returned by operations that load a job together
// with its tasks in one round trip.
type JobWithTasks struct {
	Job   Job    `json:"job"`
	Tasks []Task `json:"tasks"`
}

// Task is a single unit of work for one target within a job.
type Task struct {
	ID        string         `json:"id"`
	JobID     string         `json:"jobId"`
	Target    string         `json:"target"`
	Action    string         `json:"action"`
	Region    string         `json:"region,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	Status    Status         `json:"status"`
	Attempt   int            `json:"attempt"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// CreateJobRequest describes a new job submission.
type CreateJobRequest struct {
	Action  string
	Region  string
	Targets []string
	Payload map[string]any
	Meta    map[string]string
}

// TaskResult is the outcome an agent reports for one task. FinishedAt is
// the agent-side completion time; it does not participate in status
// derivation and is not included in the task.finished event.
type TaskResult struct {
	TaskID     string
	Success    bool
	Error      string
	Output     map[string]any
	FinishedAt time.Time
}
