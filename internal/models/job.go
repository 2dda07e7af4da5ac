package models

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus represents the current state of an ingest job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // StatusPending indicates the job is queued but not yet started
	StatusRunning   JobStatus = "running"   // StatusRunning indicates the job is currently being executed
	StatusCompleted JobStatus = "completed" // StatusCompleted indicates the job finished successfully
	StatusFailed    JobStatus = "failed"    // StatusFailed indicates the job encountered an error
)

// Job tracks one (exchange, symbol) ingest run by the collector.
type Job struct {
	ID        string     `json:"id"`
	Exchange  string     `json:"exchange"`
	Symbol    string     `json:"symbol"`
	Start     *time.Time `json:"start,omitempty"`
	End       *time.Time `json:"end,omitempty"`
	Status    JobStatus  `json:"status"`
	Mode      string     `json:"mode,omitempty"`
	Added     int        `json:"added"`
	Total     int        `json:"total"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// JobError represents a validation error on one job field.
type JobError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// Error implements the error interface for JobError.
func (e JobError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// NewJob creates a pending job.
func NewJob(id, exchange, symbol string, start, end *time.Time) *Job {
	now := time.Now().UTC()
	return &Job{
		ID:        id,
		Exchange:  exchange,
		Symbol:    symbol,
		Start:     start,
		End:       end,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate checks required fields and the time range. All problems are
// reported together.
func (j *Job) Validate() error {
	var errs []JobError
	if j.ID == "" {
		errs = append(errs, JobError{Field: "ID", Message: "job ID is required"})
	}
	if strings.TrimSpace(j.Exchange) == "" {
		errs = append(errs, JobError{Field: "Exchange", Message: "exchange is required"})
	}
	if strings.TrimSpace(j.Symbol) == "" {
		errs = append(errs, JobError{Field: "Symbol", Message: "symbol is required"})
	}
	if j.Start != nil && j.End != nil && j.Start.After(*j.End) {
		errs = append(errs, JobError{Field: "End", Message: "end must not be before start"})
	}
	if len(errs) == 0 {
		return nil
	}

	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return fmt.Errorf("job validation failed: %s", strings.Join(msgs, "; "))
}

// Begin moves a pending job to running.
func (j *Job) Begin() error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot start job: current status is %s, expected %s", j.Status, StatusPending)
	}
	j.Status = StatusRunning
	j.Error = ""
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Complete moves a running job to completed with its ingest outcome.
func (j *Job) Complete(mode string, added, total int) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot complete job: current status is %s, expected %s", j.Status, StatusRunning)
	}
	j.Status = StatusCompleted
	j.Mode = mode
	j.Added = added
	j.Total = total
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// Fail moves a running job to failed and records the cause.
func (j *Job) Fail(errorMsg string) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot fail job: current status is %s, expected %s", j.Status, StatusRunning)
	}
	j.Status = StatusFailed
	j.Error = errorMsg
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// IsComplete returns true if the job has completed successfully.
func (j *Job) IsComplete() bool { return j.Status == StatusCompleted }

// IsFailed returns true if the job has failed.
func (j *Job) IsFailed() bool { return j.Status == StatusFailed }

// Duration is the time between creation and the last update.
func (j *Job) Duration() time.Duration { return j.UpdatedAt.Sub(j.CreatedAt) }

func (j *Job) String() string {
	return fmt.Sprintf("Job{ID: %s, Exchange: %s, Symbol: %s, Status: %s, Added: %d}",
		j.ID, j.Exchange, j.Symbol, j.Status, j.Added)
}
