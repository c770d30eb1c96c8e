package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrConflict indicates a versioned write lost an optimistic lock race.
	ErrConflict = errors.New("optimistic lock conflict")

	// ErrInstanceNotFound indicates a process instance was not found.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrJobNotFound indicates a job was not found.
	ErrJobNotFound = errors.New("job not found")

	// ErrDeploymentNotFound indicates a deployment was not found.
	ErrDeploymentNotFound = errors.New("deployment not found")

	// ErrDefinitionNotFound indicates a deployed definition was not found.
	ErrDefinitionNotFound = errors.New("definition not found")

	// ErrAlreadyExists indicates an insert collided with an existing identity.
	ErrAlreadyExists = errors.New("already exists")

	// ErrTxDone indicates the transaction was already committed or rolled back.
	ErrTxDone = errors.New("transaction already finished")
)

// EntityError wraps store errors with the operation and entity involved.
type EntityError struct {
	Op     string // Operation being performed (e.g., "SaveInstance", "UpdateJob")
	Entity string // Entity kind
	ID     string // Entity identity
	Err    error  // Underlying error
}

func (e *EntityError) Error() string {
	return fmt.Sprintf("%s operation failed for %s %s: %v", e.Op, e.Entity, e.ID, e.Err)
}

func (e *EntityError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for entity errors.
func (e *EntityError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewEntityError creates a new entity error with context.
func NewEntityError(op, entity, id string, err error) *EntityError {
	return &EntityError{
		Op:     op,
		Entity: entity,
		ID:     id,
		Err:    err,
	}
}

// IsConflict checks if an error is an optimistic lock conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsNotFound checks if an error indicates any missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrDeploymentNotFound) ||
		errors.Is(err, ErrDefinitionNotFound)
}

// IsTxDone checks if an error indicates a finished transaction.
func IsTxDone(err error) bool {
	return errors.Is(err, ErrTxDone)
}
