package models

import (
	"errors"
	"fmt"
)

var (
	ErrDomain          = errors.New("domain rule violated")
	ErrAlreadyExists   = errors.New("already exists")
	ErrNotFound        = errors.New("not found")
	ErrPersistence     = errors.New("persistence failure")
	ErrInvalidArgument = errors.New("invalid argument")
)

// DomainError reports a broken aggregate invariant. It always indicates a
// caller bug and is never retried.
type DomainError struct {
	Reason string
}

func NewDomainError(format string, args ...any) *DomainError {
	return &DomainError{Reason: fmt.Sprintf(format, args...)}
}

func (e *DomainError) Error() string { return "domain error: " + e.Reason }

func (e *DomainError) Is(target error) bool { return target == ErrDomain }

type AlreadyExistsError struct {
	Key string
}

func (e *AlreadyExistsError) Error() string { return fmt.Sprintf("%s already exists", e.Key) }

func (e *AlreadyExistsError) Is(target error) bool { return target == ErrAlreadyExists }

// PersistenceError wraps a storage failure with the operation that hit it.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

func NewPersistenceError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string { return fmt.Sprintf("argument %s: %s", e.Name, e.Reason) }

func (e *ArgumentError) Is(target error) bool { return target == ErrInvalidArgument }
