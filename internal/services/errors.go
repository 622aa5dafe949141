package services

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"voxshift/internal/store"
)

// Error kinds surfaced by the job services. Adapter failures are wrapped in
// a StageError whose Kind is one of these.
var (
	ErrValidation        = errors.New("invalid request")
	ErrAcquisition       = errors.New("source acquisition failed")
	ErrStorage           = errors.New("artifact storage failed")
	ErrSubmission        = errors.New("inference submission failed")
	ErrDuplicateCallback = errors.New("job already terminal")
	ErrNotification      = errors.New("notification failed")
	ErrNotCancelable     = errors.New("job cannot be canceled")
	ErrNotFound          = store.ErrNotFound
)

// Pipeline stages, used in logs, errors and the stored failure reason.
const (
	StageResolve = "resolve"
	StageEnqueue = "enqueue"
	StageExtract = "extract"
	StageUpload  = "upload"
	StageSign    = "sign"
	StageSubmit  = "submit"
	StageCopy    = "copy_result"
	StageCancel  = "cancel"
)

// StageError ties an adapter error to the job and stage it happened in.
// errors.Is matches both the Kind and the underlying cause.
type StageError struct {
	JobID uuid.UUID
	Stage string
	Kind  error
	Err   error
}

func (e *StageError) Error() string {
	if e.JobID == uuid.Nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("job %s: %s: %v", e.JobID, e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

// Reason is the failure text stored on the job record.
func (e *StageError) Reason() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
