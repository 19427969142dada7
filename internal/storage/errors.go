package storage

import "errors"

var (
	// ErrNotFound is returned when a requested record does not exist
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a position with the same opening order id already exists
	ErrDuplicate = errors.New("duplicate record")
	// ErrInvalid is returned for records missing required keys
	ErrInvalid = errors.New("invalid record")
)
