// Package errors provides the error taxonomy used throughout the build
// analysis pipeline.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies a category of failure.
type ErrorCode string

const (
	// ErrCodeConfigMissing means a required configuration value was absent
	// at process startup.
	ErrCodeConfigMissing ErrorCode = "CFG_1001"

	// ErrCodeNotFound means the Drone API responded 404 for a resource that
	// is not, itself, evidence of a broken upstream (e.g. a build number
	// that was deleted).
	ErrCodeNotFound ErrorCode = "API_2001"

	// ErrCodeUpstreamError means the Drone API responded with a non-404
	// error status, or the request otherwise failed in a way that should be
	// retried/circuit-broken.
	ErrCodeUpstreamError ErrorCode = "API_2002"

	// ErrCodeBuildNotFound means a step or stage referenced a parent build
	// that has not been persisted yet.
	ErrCodeBuildNotFound ErrorCode = "DOM_3001"

	// ErrCodeInvalidCondition means a single condition's match_type/operand
	// combination could not be evaluated (e.g. an unsupported match type,
	// or a non-string/non-list operand where one is required).
	ErrCodeInvalidCondition ErrorCode = "RULE_4001"

	// ErrCodeConditionRequired means a condition marked "required" did not
	// fire for the given context.
	ErrCodeConditionRequired ErrorCode = "RULE_4002"

	// ErrCodeInvalidConditionSet means one or more conditions in a set could
	// not be evaluated; the set's invalid list is non-empty.
	ErrCodeInvalidConditionSet ErrorCode = "RULE_4003"

	// ErrCodeCancelationRequested means rule evaluation produced a
	// REQUEST_CANCELATION action.
	ErrCodeCancelationRequested ErrorCode = "RULE_4004"

	// ErrCodeDatabaseError wraps a database/sql failure.
	ErrCodeDatabaseError ErrorCode = "DB_5001"

	// ErrCodeNotifyFailed wraps a notifier sink failure. Notify failures
	// never abort build processing; this code exists for structured logging.
	ErrCodeNotifyFailed ErrorCode = "NOTIFY_6001"
)

// ButlerError is a structured error carrying a stable code, a human message,
// and an optional wrapped cause.
type ButlerError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ButlerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ButlerError) Unwrap() error {
	return e.Err
}

// WithDetails attaches structured context to the error.
func (e *ButlerError) WithDetails(key string, value interface{}) *ButlerError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a ButlerError with no wrapped cause.
func New(code ErrorCode, message string, httpStatus int) *ButlerError {
	return &ButlerError{Code: code, Message: message, HTTPStatus: httpStatus}
}

// Wrap creates a ButlerError around an existing error.
func Wrap(code ErrorCode, message string, httpStatus int, err error) *ButlerError {
	return &ButlerError{Code: code, Message: message, HTTPStatus: httpStatus, Err: err}
}

// ConfigMissing reports a missing required configuration key.
func ConfigMissing(key string) *ButlerError {
	return New(ErrCodeConfigMissing, "required configuration missing", http.StatusInternalServerError).
		WithDetails("key", key)
}

// NotFound reports a 404 from the Drone API for a specific resource.
func NotFound(resource, id string) *ButlerError {
	return New(ErrCodeNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// UpstreamError wraps any non-404 failure talking to the Drone API.
func UpstreamError(operation string, err error) *ButlerError {
	return Wrap(ErrCodeUpstreamError, "upstream Drone API call failed", http.StatusBadGateway, err).
		WithDetails("operation", operation)
}

// BuildNotFound reports a step/stage referencing an unknown parent build.
func BuildNotFound(owner, repo string, number int64) *ButlerError {
	return New(ErrCodeBuildNotFound, "parent build not found", http.StatusNotFound).
		WithDetails("owner", owner).
		WithDetails("repo", repo).
		WithDetails("number", number)
}

// InvalidCondition reports a condition that could not be evaluated.
func InvalidCondition(reason string) *ButlerError {
	return New(ErrCodeInvalidCondition, reason, http.StatusUnprocessableEntity)
}

// ConditionRequired reports a required condition that did not match.
func ConditionRequired(contextElement, targetAttribute string) *ButlerError {
	return New(ErrCodeConditionRequired, "required condition did not match", http.StatusUnprocessableEntity).
		WithDetails("context_element", contextElement).
		WithDetails("target_attribute", targetAttribute)
}

// InvalidConditionSet reports a condition set with unevaluable conditions.
func InvalidConditionSet(invalidCount int) *ButlerError {
	return New(ErrCodeInvalidConditionSet, "condition set contains invalid conditions", http.StatusUnprocessableEntity).
		WithDetails("invalid_count", invalidCount)
}

// CancelationRequested reports that rule evaluation requested a build
// cancelation.
func CancelationRequested(ruleName string) *ButlerError {
	return New(ErrCodeCancelationRequested, "rule requested build cancelation", http.StatusOK).
		WithDetails("rule", ruleName)
}

// DatabaseError wraps a database/sql failure.
func DatabaseError(operation string, err error) *ButlerError {
	return Wrap(ErrCodeDatabaseError, "database operation failed", http.StatusInternalServerError, err).
		WithDetails("operation", operation)
}

// NotifyFailed wraps a notifier sink failure.
func NotifyFailed(sink string, err error) *ButlerError {
	return Wrap(ErrCodeNotifyFailed, "notification delivery failed", http.StatusBadGateway, err).
		WithDetails("sink", sink)
}

// IsServiceError reports whether err is (or wraps) a *ButlerError.
func IsServiceError(err error) bool {
	var be *ButlerError
	return errors.As(err, &be)
}

// GetServiceError extracts a *ButlerError from an error chain, if present.
func GetServiceError(err error) *ButlerError {
	var be *ButlerError
	if errors.As(err, &be) {
		return be
	}
	return nil
}

// GetHTTPStatus returns the HTTP status associated with err, defaulting to
// 500 for errors that are not a *ButlerError.
func GetHTTPStatus(err error) int {
	if be := GetServiceError(err); be != nil {
		return be.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Is404 reports whether err is a NotFound ButlerError. Callers in the Drone
// API client use this to choose between the NotFound and UpstreamError
// branches of the error taxonomy.
func Is404(err error) bool {
	be := GetServiceError(err)
	return be != nil && be.Code == ErrCodeNotFound
}
