package errors

import (
	"errors"
	"fmt"
)

// ErrorType classifies domain errors raised by the management core
type ErrorType string

const (
	ErrorTypeValidation        ErrorType = "validation"
	ErrorTypeNotFound          ErrorType = "not_found"
	ErrorTypeConflict          ErrorType = "conflict"
	ErrorTypeConfigType        ErrorType = "config_type"
	ErrorTypeMissingParameter  ErrorType = "missing_parameter"
	ErrorTypeCycle             ErrorType = "cycle"
	ErrorTypeReparent          ErrorType = "reparent"
	ErrorTypeTaskExecution     ErrorType = "task_execution"
	ErrorTypeNoQueueingContext ErrorType = "no_queueing_context"
	ErrorTypeTimeout           ErrorType = "timeout"
	ErrorTypeIO                ErrorType = "io"
	ErrorTypeInternal          ErrorType = "internal"
	ErrorTypeCancelled         ErrorType = "cancelled"
)

// DomainError represents a structured error with type and context
type DomainError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is matches any DomainError of the same type
func (e *DomainError) Is(target error) bool {
	if other, ok := target.(*DomainError); ok {
		return e.Type == other.Type
	}
	return false
}

// WithContext adds context information to the error
func (e *DomainError) WithContext(key string, value interface{}) *DomainError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errorType ErrorType, message string, cause error) *DomainError {
	return &DomainError{
		Type:    errorType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

func NewValidationError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeValidation, message, cause)
}

func NewNotFoundError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNotFound, message, cause)
}

func NewConflictError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConflict, message, cause)
}

// State store and effector binding errors

func NewConfigTypeError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeConfigType, message, cause)
}

func NewMissingParameterError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeMissingParameter, message, cause)
}

// Topology errors

func NewCycleError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCycle, message, cause)
}

func NewReparentError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeReparent, message, cause)
}

// Task errors

func NewTaskExecutionError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTaskExecution, message, cause)
}

func NewNoQueueingContextError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeNoQueueingContext, message, cause)
}

// System errors

func NewTimeoutError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeTimeout, message, cause)
}

func NewIOError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeIO, message, cause)
}

func NewInternalError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeInternal, message, cause)
}

func NewCancelledError(message string, cause error) *DomainError {
	return NewDomainError(ErrorTypeCancelled, message, cause)
}

// isType reports whether any DomainError in the error tree has the given type
func isType(err error, errorType ErrorType) bool {
	return errors.Is(err, &DomainError{Type: errorType})
}

func IsValidationError(err error) bool {
	return isType(err, ErrorTypeValidation)
}

func IsNotFoundError(err error) bool {
	return isType(err, ErrorTypeNotFound)
}

func IsConflictError(err error) bool {
	return isType(err, ErrorTypeConflict)
}

func IsConfigTypeError(err error) bool {
	return isType(err, ErrorTypeConfigType)
}

func IsMissingParameterError(err error) bool {
	return isType(err, ErrorTypeMissingParameter)
}

func IsCycleError(err error) bool {
	return isType(err, ErrorTypeCycle)
}

func IsReparentError(err error) bool {
	return isType(err, ErrorTypeReparent)
}

func IsTaskExecutionError(err error) bool {
	return isType(err, ErrorTypeTaskExecution)
}

func IsNoQueueingContextError(err error) bool {
	return isType(err, ErrorTypeNoQueueingContext)
}

func IsTimeoutError(err error) bool {
	return isType(err, ErrorTypeTimeout)
}

func IsIOError(err error) bool {
	return isType(err, ErrorTypeIO)
}

func IsInternalError(err error) bool {
	return isType(err, ErrorTypeInternal)
}

func IsCancelledError(err error) bool {
	return isType(err, ErrorTypeCancelled)
}

// Error aggregation for bulk operations
type ErrorCollection struct {
	Errors []error
}

func (e *ErrorCollection) Error() string {
	if len(e.Errors) == 0 {
		return "no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors occurred: %v", len(e.Errors), e.Errors[0])
}

// Unwrap exposes the collected errors to errors.Is and errors.As
func (e *ErrorCollection) Unwrap() []error {
	return e.Errors
}

func (e *ErrorCollection) Add(err error) {
	if err != nil {
		e.Errors = append(e.Errors, err)
	}
}

func (e *ErrorCollection) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ErrorCollection) ToError() error {
	if !e.HasErrors() {
		return nil
	}
	return e
}

// NewErrorCollection creates a new error collection
func NewErrorCollection() *ErrorCollection {
	return &ErrorCollection{
		Errors: make([]error, 0),
	}
}
