package queue

import (
	"context"
	"time"

	"github.com/gonzaloobispo/Bioengine-v3/internal/config"
)

// Package queue provides a typed work queue with two backends:
//
// 1. Memory Queue (in-memory, channel-based):
//    - No persistence, data lost on restart
//    - Zero external dependencies
//
// 2. Redis Queue (Redis List-based):
//    - Persistent across restarts
//    - Items are JSON encoded, so T must round-trip through encoding/json
//
// The usage worker drains the queue in batches:
//
//	LogUsage ──► Queue[UsageEvent] ──► Worker (batches) ──► CostGovernor
//	                                        │
//	                                        │ (retry, then)
//	                                        ▼
//	                                       DLQ

// Queue holds items of type T until a consumer dequeues them
type Queue[T any] interface {
	// Enqueue adds an item to the queue
	Enqueue(ctx context.Context, item T) error

	// Dequeue retrieves up to maxItems items.
	// Blocks until at least one item is available or context is cancelled
	Dequeue(ctx context.Context, maxItems int) ([]T, error)

	// DequeueWithTimeout is like Dequeue but returns an empty slice once
	// timeout elapses without any item
	DequeueWithTimeout(ctx context.Context, maxItems int, timeout time.Duration) ([]T, error)

	// Length returns the current queue length
	Length(ctx context.Context) (int, error)

	// Close stops accepting items
	Close() error
}

// DeadLetterQueue keeps items that failed processing
type DeadLetterQueue[T any] interface {
	Add(ctx context.Context, item T, err error, retries int) error
	List(ctx context.Context, maxItems int) ([]DeadLetterItem[T], error)
	Remove(ctx context.Context, id string) error
	Close() error
}

// DeadLetterItem is a failed item with its last error
type DeadLetterItem[T any] struct {
	ID        string    `json:"id"`
	Item      T         `json:"item"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
	Retries   int       `json:"retries"`
}

// Config holds queue configuration
type Config struct {
	// BatchSize is the maximum number of items to process in a batch
	BatchSize int

	// BatchTimeout is how long to wait before processing a partial batch
	BatchTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts
	MaxRetries int

	// RetryBackoff is the initial backoff duration for retries
	RetryBackoff time.Duration

	// Name is the name/key for the queue
	Name string
}

// DefaultConfig returns default queue configuration
func DefaultConfig(name string) *Config {
	return &Config{
		BatchSize:    100,
		BatchTimeout: 5 * time.Second,
		MaxRetries:   3,
		RetryBackoff: 1 * time.Second,
		Name:         name,
	}
}

// FromConfig converts the usage queue section of the process config
func FromConfig(c config.UsageQueueConfig) *Config {
	out := DefaultConfig(c.Name)
	if c.Name == "" {
		out.Name = "usage"
	}
	if c.BatchSize > 0 {
		out.BatchSize = c.BatchSize
	}
	if c.BatchTimeout > 0 {
		out.BatchTimeout = c.BatchTimeout
	}
	if c.MaxRetries >= 0 {
		out.MaxRetries = c.MaxRetries
	}
	if c.RetryBackoff > 0 {
		out.RetryBackoff = c.RetryBackoff
	}
	return out
}
