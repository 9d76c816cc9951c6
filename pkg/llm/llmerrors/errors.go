// Package llmerrors classifies model API failures and carries per-type retry policy.
package llmerrors

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"time"
)

// ErrorType buckets model API failures for retry and session-outcome mapping.
type ErrorType int8

const (
	// Retryable.

	// ErrorTypeRateLimit covers 429s and provider quota errors.
	ErrorTypeRateLimit ErrorType = iota
	// ErrorTypeTransient covers 5xx, EOF, connection reset and timeouts.
	ErrorTypeTransient
	// ErrorTypeEmptyResponse covers HTTP 200 with no usable content.
	ErrorTypeEmptyResponse

	// Non-retryable.

	// ErrorTypeAuth covers 401/403 and expired or invalid credentials.
	// Sessions map this to an auth_failure outcome after one refresh attempt.
	ErrorTypeAuth
	// ErrorTypeBadPrompt covers malformed requests: oversized context, policy rejection.
	ErrorTypeBadPrompt
	// ErrorTypeBudget covers daily budget denial. Budgets reset at midnight,
	// so retrying within a session is pointless.
	ErrorTypeBudget
	// ErrorTypeUnknown is the default for unclassified failures.
	ErrorTypeUnknown

	// ErrorTypeServiceUnavailable is emitted once transient retries are
	// exhausted; the session surfaces it as a terminal error result.
	ErrorTypeServiceUnavailable
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeRateLimit:
		return "rate_limit"
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypeEmptyResponse:
		return "empty_response"
	case ErrorTypeAuth:
		return "auth"
	case ErrorTypeBadPrompt:
		return "bad_prompt"
	case ErrorTypeBudget:
		return "budget"
	case ErrorTypeUnknown:
		return "unknown"
	case ErrorTypeServiceUnavailable:
		return "service_unavailable"
	default:
		return "invalid"
	}
}

// Default retry attempt counts per error type.
const (
	DefaultEmptyResponseRetries = 5
	DefaultRateLimitRetries     = 6
	DefaultTransientRetries     = 4
	DefaultAuthRetries          = 0
	DefaultBadPromptRetries     = 0
	DefaultUnknownRetries       = 1
)

// RetryConfig defines exponential backoff for one error type.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfigs maps each error type to its backoff policy.
//
//nolint:gochecknoglobals // package-level policy defaults
var DefaultRetryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeEmptyResponse: {
		MaxRetries:    DefaultEmptyResponseRetries,
		InitialDelay:  2 * time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeRateLimit: {
		MaxRetries:    DefaultRateLimitRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      60 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeTransient: {
		MaxRetries:    DefaultTransientRetries,
		InitialDelay:  500 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeAuth: {
		MaxRetries: DefaultAuthRetries,
	},
	ErrorTypeBadPrompt: {
		MaxRetries: DefaultBadPromptRetries,
	},
	ErrorTypeBudget: {
		MaxRetries: 0, // budgets reset at midnight, not on backoff
	},
	ErrorTypeUnknown: {
		MaxRetries:    DefaultUnknownRetries,
		InitialDelay:  1 * time.Second,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	},
	ErrorTypeServiceUnavailable: {
		MaxRetries: 0, // emitted after retries are already exhausted
	},
}

// Error is a classified model API error with retry metadata.
type Error struct {
	Err        error     // wrapped cause
	Message    string    // human-readable description
	BodyStub   string    // first portion of the response body, PII-guarded
	Type       ErrorType // classification
	StatusCode int       // HTTP status if applicable
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LLM error (%s): %s", e.Type.String(), e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("LLM error (%s): %v", e.Type.String(), e.Err)
	}
	return fmt.Sprintf("LLM error (%s): status %d", e.Type.String(), e.StatusCode)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable uses a blocklist: everything retries unless explicitly terminal.
func (e *Error) IsRetryable() bool {
	switch e.Type {
	case ErrorTypeAuth, ErrorTypeBadPrompt, ErrorTypeBudget, ErrorTypeServiceUnavailable:
		return false
	default:
		return true
	}
}

func (e *Error) GetRetryConfig() RetryConfig {
	if cfg, ok := DefaultRetryConfigs[e.Type]; ok {
		return cfg
	}
	return DefaultRetryConfigs[ErrorTypeUnknown]
}

// Is reports whether err is a classified error of the given type.
func Is(err error, errorType ErrorType) bool {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type == errorType
	}
	return false
}

// TypeOf returns the classification of err, or ErrorTypeUnknown.
func TypeOf(err error) ErrorType {
	var llmErr *Error
	if errors.As(err, &llmErr) {
		return llmErr.Type
	}
	return ErrorTypeUnknown
}

func New(errorType ErrorType, message string) *Error {
	return &Error{Type: errorType, Message: message}
}

func NewWithStatus(errorType ErrorType, statusCode int, message string) *Error {
	return &Error{Type: errorType, StatusCode: statusCode, Message: message}
}

func NewWithCause(errorType ErrorType, cause error, message string) *Error {
	return &Error{Type: errorType, Err: cause, Message: message}
}

// NewServiceUnavailable marks a transient failure as terminal after
// attempts retries were spent.
func NewServiceUnavailable(cause error, attempts int) *Error {
	return &Error{
		Type:    ErrorTypeServiceUnavailable,
		Err:     cause,
		Message: fmt.Sprintf("service unavailable after %d retry attempts", attempts),
	}
}

// SanitizePrompt renders a prompt safely for logs: large prompts become
// first/last slices plus a correlation hash of the full text.
func SanitizePrompt(prompt string, maxChars int) string {
	if len(prompt) <= maxChars {
		return prompt
	}

	half := maxChars / 2
	if half < 100 {
		half = 100
	}

	hash := sha256.Sum256([]byte(prompt))
	return fmt.Sprintf("%s...[%d chars, hash:%x]...%s",
		prompt[:half], len(prompt), hash[:8], prompt[len(prompt)-half:])
}
