// Package engine holds the contracts shared by the substrate engines:
// the lifecycle interface and the error taxonomy surfaced to callers.
package engine

import "context"

// Engine is the lifecycle contract every substrate engine satisfies.
// Shutdown drains in-flight work until the context is done, then
// force-stops whatever remains.
type Engine interface {
	Shutdown(ctx context.Context) error
}

// Status is the user-visible state of a unit of work.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}
