package llmerrors

import (
	"context"
	"errors"
	"strings"
)

// Classify maps an SDK error onto the retry taxonomy: context errors first,
// then HTTP status embedded in the error text, then substring heuristics.
// Already-classified errors pass through unchanged.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return already
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewWithCause(ErrorTypeTransient, err, "request timeout")
	}
	if errors.Is(err, context.Canceled) {
		return NewWithCause(ErrorTypeTransient, err, "request canceled")
	}

	errStr := err.Error()
	switch code := ExtractStatusCode(errStr); code {
	case 401:
		return NewWithStatus(ErrorTypeAuth, code, "authentication failed - check API key")
	case 403:
		return NewWithStatus(ErrorTypeAuth, code, "permission denied - check API access")
	case 429:
		return NewWithStatus(ErrorTypeRateLimit, code, "rate limit exceeded")
	case 400:
		return NewWithStatus(ErrorTypeBadPrompt, code, "bad request - check prompt format and parameters")
	case 404:
		return NewWithStatus(ErrorTypeBadPrompt, code, "not found - check model name and endpoint")
	case 500, 502, 503, 504:
		return NewWithStatus(ErrorTypeTransient, code, "server error")
	}

	lower := strings.ToLower(errStr)
	switch {
	case strings.Contains(lower, "timeout"),
		strings.Contains(lower, "connection"),
		strings.Contains(lower, "network"),
		strings.Contains(errStr, "EOF"),
		strings.Contains(lower, "reset"):
		return NewWithCause(ErrorTypeTransient, err, "network or connection error")
	case strings.Contains(lower, "rate"), strings.Contains(lower, "quota"), strings.Contains(lower, "overloaded"):
		return NewWithCause(ErrorTypeRateLimit, err, "rate limiting detected")
	case strings.Contains(lower, "auth"), strings.Contains(lower, "unauthorized"), strings.Contains(lower, "api key"):
		return NewWithCause(ErrorTypeAuth, err, "authentication error")
	case strings.Contains(lower, "invalid"), strings.Contains(lower, "malformed"), strings.Contains(lower, "too large"):
		return NewWithCause(ErrorTypeBadPrompt, err, "prompt or request error")
	default:
		return NewWithCause(ErrorTypeUnknown, err, "unclassified error")
	}
}

// ExtractStatusCode pulls an HTTP status out of SDK error text. Provider
// SDKs embed codes in messages rather than exposing them uniformly.
func ExtractStatusCode(errStr string) int {
	codes := []string{"400", "401", "403", "404", "429", "500", "502", "503", "504"}

	match := func(start int) int {
		if start+3 > len(errStr) {
			return 0
		}
		for _, code := range codes {
			if strings.HasPrefix(errStr[start:], code) {
				return int(code[0]-'0')*100 + int(code[1]-'0')*10 + int(code[2]-'0')
			}
		}
		return 0
	}

	// Bare leading code, as in "403 Forbidden"
	if code := match(0); code != 0 {
		return code
	}

	patterns := []string{"status code: ", "status: ", "http ", "code "}
	lower := strings.ToLower(errStr)
	for _, pattern := range patterns {
		idx := strings.Index(lower, pattern)
		if idx == -1 {
			continue
		}
		if code := match(idx + len(pattern)); code != 0 {
			return code
		}
	}
	return 0
}
