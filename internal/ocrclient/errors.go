package ocrclient

import (
	"strings"
	"time"
)

// PermanentError is terminal for the ref that produced it: no retry will
// succeed (malformed or unsupported image data).
type PermanentError struct {
	Message string
}

func (e *PermanentError) Error() string { return e.Message }

// RateLimitError pauses the whole chunk via the backoff controller; the ref
// itself is requeued and does not count against MAX_RETRIES_PER_REF.
type RateLimitError struct {
	Message    string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return e.Message }

// fallbackSubstring, when found together with a 400 status, means the
// provider could not fetch the primary variant URL and a fallback to the
// unscaled asset should be attempted once.
const fallbackSubstring = "failed to download"

var permanentSubstrings = []string{
	"unsupported base64 file format",
	"unsupported file format",
	"invalid image format",
	"failed to process some items",
	"invalid url",
	"image too large",
	"unable to decode image",
	"corrupted image",
}

var rateLimitSubstrings = []string{
	"429",
	"rate limit",
	"too many requests",
	"rate_limit_exceeded",
}

// Classify maps a normalized provider error message to the taxonomy in
// use by the PROCESS phase: *RateLimitError, *PermanentError, or a plain
// transient error (the zero value of the taxonomy).
func Classify(statusCode int, message string) error {
	normalized := strings.ToLower(message)

	for _, s := range rateLimitSubstrings {
		if strings.Contains(normalized, s) {
			return &RateLimitError{Message: message}
		}
	}
	for _, s := range permanentSubstrings {
		if strings.Contains(normalized, s) {
			return &PermanentError{Message: message}
		}
	}
	return &transientError{message: message, statusCode: statusCode}
}

// IsFallbackTrigger reports whether the error should cause a single retry
// against the unscaled fallback URL: a 400 combined with a
// "failed to download" message.
func IsFallbackTrigger(statusCode int, message string) bool {
	return statusCode == 400 && strings.Contains(strings.ToLower(message), fallbackSubstring)
}

// transientError is retried up to MAX_RETRIES_PER_REF.
type transientError struct {
	message    string
	statusCode int
}

func (e *transientError) Error() string { return e.message }

// IsRateLimit reports whether err is a *RateLimitError.
func IsRateLimit(err error) bool {
	_, ok := err.(*RateLimitError)
	return ok
}

// IsPermanent reports whether err is a *PermanentError.
func IsPermanent(err error) bool {
	_, ok := err.(*PermanentError)
	return ok
}
