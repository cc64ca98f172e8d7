package storage

import "errors"

var (
	// ErrUsageRecordNotFound is returned when a provider has no usage record
	ErrUsageRecordNotFound = errors.New("usage record not found")

	// ErrActionNotFound is returned when a pending action id is unknown
	ErrActionNotFound = errors.New("action not found")

	// ErrActionExists is returned when inserting an action id twice
	ErrActionExists = errors.New("action already exists")

	// ErrNoPaidWindow is returned when no paid window is open
	ErrNoPaidWindow = errors.New("no paid window")
)
