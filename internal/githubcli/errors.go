package githubcli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/orgsec/offboard/internal/execshell"
)

const (
	apiStatusErrorTemplateConstant        = "%s rejected by API with HTTP %d: %s"
	transportErrorTemplateConstant        = "%s failed with transport error: %s"
	operationErrorTemplateConstant        = "%s operation failed: %s"
	responseDecodingErrorTemplateConstant = "%s response decoding failed: %s"
	invalidInputErrorTemplateConstant     = "%s: %s"
	httpStatusPatternConstant             = `\(HTTP (\d{3})\)`
	serverErrorLowerBoundConstant         = 500
)

var httpStatusExpression = regexp.MustCompile(httpStatusPatternConstant)

var timeoutIndicatorFragments = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

// InvalidInputError surfaces validation issues for operation inputs.
type InvalidInputError struct {
	FieldName string
	Message   string
}

// Error describes the invalid input.
func (inputError InvalidInputError) Error() string {
	return fmt.Sprintf(invalidInputErrorTemplateConstant, inputError.FieldName, inputError.Message)
}

// APIStatusError reports an HTTP-level rejection returned by the platform API.
type APIStatusError struct {
	Operation  OperationName
	StatusCode int
	Message    string
}

// Error describes the API rejection.
func (statusError APIStatusError) Error() string {
	return fmt.Sprintf(apiStatusErrorTemplateConstant, statusError.Operation, statusError.StatusCode, statusError.Message)
}

// TransportError reports a transient failure that prevented an API response.
type TransportError struct {
	Operation OperationName
	Cause     error
	Timeout   bool
}

// Error describes the transport failure.
func (transportError TransportError) Error() string {
	return fmt.Sprintf(transportErrorTemplateConstant, transportError.Operation, transportError.Cause)
}

// Unwrap exposes the underlying cause.
func (transportError TransportError) Unwrap() error {
	return transportError.Cause
}

// OperationError wraps execution issues for GitHub CLI operations.
type OperationError struct {
	Operation OperationName
	Cause     error
}

// Error describes the operation failure.
func (operationError OperationError) Error() string {
	return fmt.Sprintf(operationErrorTemplateConstant, operationError.Operation, operationError.Cause)
}

// Unwrap exposes the underlying cause.
func (operationError OperationError) Unwrap() error {
	return operationError.Cause
}

// ResponseDecodingError indicates JSON decoding failures.
type ResponseDecodingError struct {
	Operation OperationName
	Cause     error
}

// Error describes the decoding failure.
func (decodingError ResponseDecodingError) Error() string {
	return fmt.Sprintf(responseDecodingErrorTemplateConstant, decodingError.Operation, decodingError.Cause)
}

// Unwrap exposes the underlying JSON error.
func (decodingError ResponseDecodingError) Unwrap() error {
	return decodingError.Cause
}

// IsNotFound reports whether the error represents an HTTP 404 rejection.
func IsNotFound(candidateError error) bool {
	statusError := APIStatusError{}
	return errors.As(candidateError, &statusError) && statusError.StatusCode == http.StatusNotFound
}

// IsTransient reports whether the error belongs to the retryable failure class.
func IsTransient(candidateError error) bool {
	transportError := TransportError{}
	if errors.As(candidateError, &transportError) {
		return true
	}
	statusError := APIStatusError{}
	if errors.As(candidateError, &statusError) {
		return statusError.StatusCode == http.StatusTooManyRequests || statusError.StatusCode >= serverErrorLowerBoundConstant
	}
	return false
}

// IsTimeout reports whether the error represents a request-timeout-class failure.
func IsTimeout(candidateError error) bool {
	transportError := TransportError{}
	return errors.As(candidateError, &transportError) && transportError.Timeout
}

// classifyExecutionError converts execshell failures into the client error taxonomy.
func classifyExecutionError(operation OperationName, executionError error) error {
	failedError := execshell.CommandFailedError{}
	if errors.As(executionError, &failedError) {
		standardError := strings.TrimSpace(failedError.Result.StandardError)
		if statusCode, statusFound := parseHTTPStatus(standardError); statusFound {
			return APIStatusError{Operation: operation, StatusCode: statusCode, Message: standardError}
		}
		return TransportError{
			Operation: operation,
			Cause:     failedError,
			Timeout:   containsTimeoutIndicator(standardError),
		}
	}

	startError := execshell.CommandStartError{}
	if errors.As(executionError, &startError) {
		return TransportError{
			Operation: operation,
			Cause:     startError,
			Timeout:   errors.Is(startError.Cause, context.DeadlineExceeded) || containsTimeoutIndicator(startError.Error()),
		}
	}

	return OperationError{Operation: operation, Cause: executionError}
}

func parseHTTPStatus(standardError string) (int, bool) {
	statusMatch := httpStatusExpression.FindStringSubmatch(standardError)
	if statusMatch == nil {
		return 0, false
	}
	statusCode, parseError := strconv.Atoi(statusMatch[1])
	if parseError != nil {
		return 0, false
	}
	return statusCode, true
}

func containsTimeoutIndicator(message string) bool {
	loweredMessage := strings.ToLower(message)
	for _, indicatorFragment := range timeoutIndicatorFragments {
		if strings.Contains(loweredMessage, indicatorFragment) {
			return true
		}
	}
	return false
}
