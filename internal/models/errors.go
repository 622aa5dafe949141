package models

import (
	"errors"
)

var (
	ErrReservedParam = errors.New("reserved parameter")
	ErrInvalidStatus = errors.New("invalid job status")
)
