package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Job mirrors the conversion_jobs table schema.
type Job struct {
	ID     uuid.UUID `db:"id" json:"id"`
	Seq    int64     `db:"seq" json:"-"` // insertion order
	Status JobStatus `db:"status" json:"status"`

	// Source
	SourceURL      string  `db:"source_url" json:"source_url"`
	SourceID       string  `db:"source_id" json:"source_id"`
	SourceTitle    string  `db:"source_title" json:"source_title"`
	SourceDuration float64 `db:"source_duration" json:"source_duration"`

	// Requester
	RequesterID string `db:"requester_id" json:"requester_id,omitempty"`
	DeviceToken string `db:"device_token" json:"-"`

	// Model
	ModelName string           `db:"model_name" json:"model_name"`
	Params    ConversionParams `db:"params" json:"params,omitempty"`

	CancelHandle *string `db:"cancel_handle" json:"cancel_handle,omitempty"`
	ResultRef    *string `db:"result_ref" json:"-"` // storage key, never a URL
	ErrorInfo    *string `db:"error_info" json:"error,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// CheckInvariants verifies that ResultRef is set iff the job succeeded and
// ErrorInfo only accompanies a failure.
func (j *Job) CheckInvariants() error {
	if !j.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, j.Status)
	}
	hasResult := j.ResultRef != nil && *j.ResultRef != ""
	if hasResult != (j.Status == JobStatusSucceeded) {
		return fmt.Errorf("job %s: result_ref present=%v with status %s", j.ID, hasResult, j.Status)
	}
	if j.ErrorInfo != nil && j.Status != JobStatusFailed {
		return fmt.Errorf("job %s: error_info present with status %s", j.ID, j.Status)
	}
	return nil
}

// JobMutation is the set of fields a conditional update may write.
// Nil fields are left untouched.
type JobMutation struct {
	Status    *JobStatus
	ResultRef *string
	ErrorInfo *string
}

// SucceedWith returns the mutation for a Processing -> Succeeded transition.
func SucceedWith(resultRef string) JobMutation {
	s := JobStatusSucceeded
	return JobMutation{Status: &s, ResultRef: &resultRef}
}

// FailWith returns the mutation for a Processing -> Failed transition.
func FailWith(reason string) JobMutation {
	s := JobStatusFailed
	return JobMutation{Status: &s, ErrorInfo: &reason}
}

// Callback is the outcome delivered by the inference service for one job.
type Callback struct {
	PredictionID string          `json:"id"`
	Status       string          `json:"status"`
	Output       json.RawMessage `json:"output,omitempty"`
	Error        json.RawMessage `json:"error,omitempty"`
}

// OutputLocation extracts the result URL from the callback output, which the
// service sends either as a string or as a list of strings.
func (c Callback) OutputLocation() string {
	if len(c.Output) == 0 {
		return ""
	}
	var single string
	if err := json.Unmarshal(c.Output, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(c.Output, &many); err == nil && len(many) > 0 {
		return many[len(many)-1]
	}
	return ""
}

// ErrorDetail renders the callback error as text.
func (c Callback) ErrorDetail() string {
	if len(c.Error) == 0 || string(c.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(c.Error, &s); err == nil {
		return s
	}
	return string(c.Error)
}
