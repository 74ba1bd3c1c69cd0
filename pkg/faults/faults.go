// Package faults classifies the errors raised during a migration run.
//
// Every component reports failures as *Error values carrying a Class. The
// orchestrator uses the class to decide whether a failure aborts the run
// before any side effect (prerequisite, configuration), is recorded against a
// phase and offered for continuation (mutation, timeout), or is advisory
// (integrity). Transient errors are retried by the gateway and escalated to
// mutation errors once retries are exhausted.
package faults

import (
	"errors"
	"fmt"
)

// Class represents the classification of a migration error.
type Class string

const (
	// ClassPrerequisite indicates a host safeguard is not met.
	// The run never starts.
	ClassPrerequisite Class = "prerequisite"

	// ClassConfiguration indicates a missing or invalid setting, including
	// an unresolvable secret reference.
	ClassConfiguration Class = "configuration"

	// ClassTransient indicates a temporary failure such as a locked file.
	ClassTransient Class = "transient"

	// ClassMutation indicates a state-changing capability call failed.
	ClassMutation Class = "mutation"

	// ClassIntegrity indicates unreadable or missing backup content.
	ClassIntegrity Class = "integrity"

	// ClassTimeout indicates a bounded wait expired.
	ClassTimeout Class = "timeout"
)

// Error represents a classified error with context.
type Error struct {
	// Class is the error classification.
	Class Class `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Phase is the phase that raised the error, if any.
	Phase string `json:"phase,omitempty"`

	// Operation is the capability verb or step being performed.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying cause.
	Err error `json:"-"`

	// Details contains additional context.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Class, e.Message)
	switch {
	case e.Phase != "" && e.Operation != "":
		msg += fmt.Sprintf(" (phase=%s, operation=%s)", e.Phase, e.Operation)
	case e.Phase != "":
		msg += fmt.Sprintf(" (phase=%s)", e.Phase)
	case e.Operation != "":
		msg += fmt.Sprintf(" (operation=%s)", e.Operation)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on class and code so sentinel values work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

func newError(class Class, message string, err error) *Error {
	return &Error{Class: class, Message: message, Err: err}
}

// Prerequisite creates a new prerequisite error.
func Prerequisite(message string, err error) *Error {
	return newError(ClassPrerequisite, message, err)
}

// Configuration creates a new configuration error.
func Configuration(message string, err error) *Error {
	return newError(ClassConfiguration, message, err)
}

// Transient creates a new transient error.
func Transient(message string, err error) *Error {
	return newError(ClassTransient, message, err)
}

// Mutation creates a new mutation failure.
func Mutation(message string, err error) *Error {
	return newError(ClassMutation, message, err)
}

// Integrity creates a new integrity issue.
func Integrity(message string, err error) *Error {
	return newError(ClassIntegrity, message, err)
}

// Timeout creates a new timeout error.
func Timeout(message string, err error) *Error {
	return newError(ClassTimeout, message, err)
}

// WithCode adds an error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithPhase adds phase context.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// WithOperation adds operation context.
func (e *Error) WithOperation(operation string) *Error {
	e.Operation = operation
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// ClassOf returns the class of the outermost *Error in err's chain.
// Unclassified errors are treated as mutation failures.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassMutation
}

func is(err error, class Class) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// IsPrerequisite returns true if the error is classified as a prerequisite error.
func IsPrerequisite(err error) bool { return is(err, ClassPrerequisite) }

// IsConfiguration returns true if the error is classified as a configuration error.
func IsConfiguration(err error) bool { return is(err, ClassConfiguration) }

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool { return is(err, ClassTransient) }

// IsMutation returns true if the error is classified as a mutation failure.
func IsMutation(err error) bool { return is(err, ClassMutation) }

// IsIntegrity returns true if the error is classified as an integrity issue.
func IsIntegrity(err error) bool { return is(err, ClassIntegrity) }

// IsTimeout returns true if the error is classified as a timeout.
func IsTimeout(err error) bool { return is(err, ClassTimeout) }

// IsBlocking reports whether err must stop a run before any side effect.
func IsBlocking(err error) bool {
	return IsPrerequisite(err) || IsConfiguration(err)
}

// Common error codes.
const (
	CodeSecretUnresolved  = "SECRET_UNRESOLVED"
	CodeInvalidConfig     = "INVALID_CONFIG"
	CodePreflightFailed   = "PREFLIGHT_FAILED"
	CodeNotPrivileged     = "NOT_PRIVILEGED"
	CodeCommandFailed     = "COMMAND_FAILED"
	CodeCommandMissing    = "COMMAND_NOT_CONFIGURED"
	CodeRetriesExhausted  = "RETRIES_EXHAUSTED"
	CodeUnreadable        = "UNREADABLE_CONTENT"
	CodeMissingContent    = "MISSING_CONTENT"
	CodeJoinTimeout       = "JOIN_TIMEOUT"
	CodeMembershipPresent = "SOURCE_MEMBERSHIP_PRESENT"
	CodeInterrupted       = "INTERRUPTED"
)
