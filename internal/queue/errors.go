package queue

import "errors"

var (
	// ErrQueueClosed is returned by Enqueue and Dequeue after Close
	ErrQueueClosed = errors.New("queue: closed")

	// ErrItemNotFound is returned when a dead-letter id is unknown
	ErrItemNotFound = errors.New("queue: item not found")
)
