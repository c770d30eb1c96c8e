package engine

import (
	"errors"
	"fmt"

	"github.com/dukex/caseflow/pkg/definition"
	"github.com/dukex/caseflow/pkg/pvm"
)

// Business errors. They are the caller's fault and retrying the same command
// cannot succeed.
var (
	ErrInvalidRequest     = errors.New("invalid request")
	ErrExecutionNotFound  = errors.New("execution not found")
	ErrInstanceNotFound   = errors.New("process instance not found")
	ErrDefinitionNotFound = errors.New("process definition not found")
	ErrDeploymentNotFound = errors.New("deployment not found")
	ErrJobNotFound        = errors.New("job not found")
)

// Error codes of business errors.
const (
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidState   = "INVALID_STATE"
	CodeInvalidModel   = "INVALID_DEFINITION"
)

// BusinessError wraps a business error with the command that raised it.
type BusinessError struct {
	Op      string // Command name
	Code    string // Stable error code
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *BusinessError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}

	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func (e *BusinessError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewBusinessError creates a business error.
func NewBusinessError(op, code, message string, err error) *BusinessError {
	return &BusinessError{
		Op:      op,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsBusinessError reports whether err is the caller's fault.
func IsBusinessError(err error) bool {
	var businessErr *BusinessError

	return errors.As(err, &businessErr)
}

// IsNotFound reports whether err names a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) ||
		errors.Is(err, ErrInstanceNotFound) ||
		errors.Is(err, ErrDefinitionNotFound) ||
		errors.Is(err, ErrDeploymentNotFound) ||
		errors.Is(err, ErrJobNotFound)
}

func invalidRequest(op, message string) *BusinessError {
	return NewBusinessError(op, CodeInvalidRequest, message, ErrInvalidRequest)
}

func notFound(op string, sentinel error, id string) *BusinessError {
	return NewBusinessError(op, CodeNotFound, fmt.Sprintf("%v: %s", sentinel, id), sentinel)
}

// businessFault converts engine errors that are the caller's fault. Other
// errors are returned unchanged.
func businessFault(op string, err error) error {
	switch {
	case errors.Is(err, pvm.ErrNotWaiting):
		return NewBusinessError(op, CodeInvalidState, err.Error(), err)
	case errors.Is(err, definition.ErrInvalidDefinition):
		return NewBusinessError(op, CodeInvalidModel, err.Error(), err)
	default:
		return err
	}
}
