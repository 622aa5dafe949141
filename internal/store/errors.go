package store

import "errors"

var (
	ErrNotFound  = errors.New("store: resource not found")
	ErrDuplicate = errors.New("store: duplicate resource")

	// ErrStatusMismatch is returned by a conditional update whose expected
	// status no longer matches the stored one.
	ErrStatusMismatch = errors.New("store: job status does not match expected status")
)
