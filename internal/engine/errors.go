package engine

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrShutdown  = errors.New("engine shut down")
	ErrTimeout   = errors.New("operation timeout")
	ErrCancelled = errors.New("cancelled")
)

// ValidationError reports invalid configuration or arguments.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func ErrValidation(field, reason string) error {
	return ValidationError{Field: field, Reason: reason}
}

// CapacityError reports a memory or queue limit being exceeded.
type CapacityError struct {
	Resource  string
	Limit     int64
	Requested int64
}

func (e CapacityError) Error() string {
	return fmt.Sprintf("%s capacity exceeded: requested %d, limit %d", e.Resource, e.Requested, e.Limit)
}

func ErrCapacity(resource string, limit, requested int64) error {
	return CapacityError{Resource: resource, Limit: limit, Requested: requested}
}

// TimeoutError reports a unit of work exceeding its deadline.
type TimeoutError struct {
	Op string
	ID string
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("%s %s timed out", e.Op, e.ID)
}

func (e TimeoutError) Unwrap() error { return ErrTimeout }

// HandlerError wraps a failure from a job, task or chunk handler.
type HandlerError struct {
	Op  string
	ID  string
	Err error
}

func (e HandlerError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Op, e.ID, e.Err)
}

func (e HandlerError) Unwrap() error { return e.Err }

// NotFoundError reports an unknown id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func ErrNotFound(kind, id string) error {
	return NotFoundError{Kind: kind, ID: id}
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var nf NotFoundError
	return errors.As(err, &nf)
}

// IsCapacity reports whether err is a CapacityError.
func IsCapacity(err error) bool {
	var ce CapacityError
	return errors.As(err, &ce)
}
