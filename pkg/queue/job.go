package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// JobStatus tracks one interpretation job for an analysis.
type JobStatus struct {
	ID           string            `json:"id"`
	AnalysisID   string            `json:"analysisId"`
	Meta         map[string]string `json:"meta,omitempty"`
	Status       string            `json:"status"`
	ErrorMessage string            `json:"errorMessage,omitempty"`
	Attempts     int               `json:"attempts"`
	MaxAttempts  int               `json:"maxAttempts"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// FinalAttempt reports whether a failure of the current attempt is terminal.
func (j JobStatus) FinalAttempt() bool {
	return j.MaxAttempts > 0 && j.Attempts >= j.MaxAttempts
}

// Handler processes one job. A returned error schedules a retry until the
// attempt budget is spent; an error wrapped with Permanent fails the job now.
type Handler func(context.Context, JobStatus) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// jobRecord is the Redis hash layout of a JobStatus. Times are unix millis.
type jobRecord struct {
	AnalysisID  string `redis:"analysis_id"`
	Meta        string `redis:"meta"`
	Status      string `redis:"status"`
	Error       string `redis:"error"`
	Attempts    int    `redis:"attempts"`
	MaxAttempts int    `redis:"max_attempts"`
	CreatedAt   int64  `redis:"created_at"`
	UpdatedAt   int64  `redis:"updated_at"`
}

func newRecord(job JobStatus) (jobRecord, error) {
	rec := jobRecord{
		AnalysisID:  job.AnalysisID,
		Status:      job.Status,
		Error:       job.ErrorMessage,
		Attempts:    job.Attempts,
		MaxAttempts: job.MaxAttempts,
		CreatedAt:   job.CreatedAt.UnixMilli(),
		UpdatedAt:   job.UpdatedAt.UnixMilli(),
	}
	if len(job.Meta) > 0 {
		meta, err := json.Marshal(job.Meta)
		if err != nil {
			return jobRecord{}, fmt.Errorf("encode job meta: %w", err)
		}
		rec.Meta = string(meta)
	}
	return rec, nil
}

func (r jobRecord) status(id string) (JobStatus, error) {
	job := JobStatus{
		ID:           id,
		AnalysisID:   r.AnalysisID,
		Status:       r.Status,
		ErrorMessage: r.Error,
		Attempts:     r.Attempts,
		MaxAttempts:  r.MaxAttempts,
	}
	if r.CreatedAt > 0 {
		job.CreatedAt = time.UnixMilli(r.CreatedAt).UTC()
	}
	if r.UpdatedAt > 0 {
		job.UpdatedAt = time.UnixMilli(r.UpdatedAt).UTC()
	}
	if r.Meta != "" {
		if err := json.Unmarshal([]byte(r.Meta), &job.Meta); err != nil {
			return JobStatus{}, fmt.Errorf("decode job meta: %w", err)
		}
	}
	return job, nil
}
