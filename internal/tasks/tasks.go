package tasks

// Defines constants for task types used in Asynq.

const (
	// TypePrepareJob acquires the source, uploads the interim audio and
	// submits the job to the inference service.
	TypePrepareJob = "conversion:prepare"

	// QueueConversions is the default queue for preparation tasks.
	QueueConversions = "conversions"
)

// PreparePayload is the payload of a TypePrepareJob task.
type PreparePayload struct {
	JobID string `json:"job_id"`
}
