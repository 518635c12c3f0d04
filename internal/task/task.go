// Package task defines the shared data model for backtest submissions:
// the queue message, the status events fanned out to subscribers, and the
// Redis key layout used by the worker and the API front.
package task

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// QueueName is the durable AMQP work queue for backtest tasks.
	QueueName = "backtest_tasks"

	// UpdatesChannel is the Redis pub/sub channel for status events.
	UpdatesChannel = "backtest_updates"

	// StatusTTL bounds how long the last known status event is retained.
	StatusTTL = 600 * time.Second

	// DetailTTL bounds how long per-ticker detail records are retained.
	DetailTTL = 600 * time.Second
)

// Status values for a task's lifecycle events.
const (
	StatusProcessing = "processing"
	StatusSuccess    = "success"
	StatusError      = "error"
)

// Task is the queue message body for one submission.
type Task struct {
	TaskID       string    `json:"task_id"`
	Code         string    `json:"code"`
	Requirements string    `json:"requirements"`
	SubmittedAt  time.Time `json:"submitted_at"`
}

// StatusEvent is one status transition published for a task. The terminal
// event carries either metrics + portfolio summary (success) or message +
// traceback (error); intermediate events carry only a message.
type StatusEvent struct {
	TaskID           string          `json:"task_id"`
	Status           string          `json:"status"`
	Message          string          `json:"message,omitempty"`
	Metrics          json.RawMessage `json:"metrics,omitempty"`
	PortfolioSummary json.RawMessage `json:"portfolio_summary,omitempty"`
	Error            string          `json:"error,omitempty"`
	Traceback        string          `json:"traceback,omitempty"`
}

// Terminal reports whether this event ends the task's stream.
func (e *StatusEvent) Terminal() bool {
	return e.Status == StatusSuccess || e.Status == StatusError
}

// StatusKey is the Redis key caching the last known event for a task.
func StatusKey(taskID string) string {
	return "task_status:" + taskID
}

// DetailKey is the Redis key for one ticker's detail record.
func DetailKey(taskID, ticker string) string {
	return fmt.Sprintf("backtest:%s:%s", taskID, ticker)
}
