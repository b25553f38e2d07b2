package errors

import (
	"errors"
	"fmt"
)

// Error categories shared by the matching engine, the store and the web layer.

var (
	// ErrNotFound indicates a requested resource was not found
	ErrNotFound = errors.New("resource not found")

	// ErrInvalidInput indicates invalid user input
	ErrInvalidInput = errors.New("invalid input")

	// ErrEmptyInput indicates a batch carried no record with a usable title
	ErrEmptyInput = errors.New("no valid records found")

	// ErrInvalidConfig indicates the matching configuration is unusable
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrServiceUnavailable indicates a required service is unavailable
	ErrServiceUnavailable = errors.New("service unavailable")

	// ErrStoreUnavailable indicates the persistence layer failed; batch-fatal
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRetrieval indicates candidate retrieval failed for a single record
	ErrRetrieval = errors.New("candidate retrieval failed")

	// ErrReasoning indicates the reasoning service failed or answered garbage
	ErrReasoning = errors.New("reasoning service failed")

	// ErrMalformedResponse indicates a model answered with something that is not a verdict
	ErrMalformedResponse = errors.New("malformed model response")

	// ErrLLMCommunication indicates LLM communication failed
	ErrLLMCommunication = errors.New("llm communication failed")

	// ErrCancelled indicates a batch was stopped by an operator before completion
	ErrCancelled = errors.New("batch cancelled")
)

// WrapError wraps an error with context message and stack
func WrapError(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapErrorf wraps an error with formatted context message
func WrapErrorf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Join marks err as belonging to the category sentinel while keeping err itself
// inspectable with errors.Is / errors.As.
func Join(category, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", category, err)
}

// IsNotFound checks if error is a not found error
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInvalidInput checks if error is an invalid input error
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrEmptyInput)
}

// IsServiceUnavailable checks if error is a service unavailable error
func IsServiceUnavailable(err error) bool {
	return errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrStoreUnavailable)
}

// IsCancelled checks if error reports an operator abort
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
