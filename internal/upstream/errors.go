package upstream

import (
	"errors"
	"fmt"
	"time"
)

// RateLimitError reports that the upstream asked us to slow down (HTTP
// 429). It carries the parsed Retry-After hint and is deliberately not a
// circuit-breaker failure: the upstream is healthy, just throttling.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("upstream rate limit exceeded, retry after %s", e.RetryAfter)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// APIError is a non-2xx upstream response other than a rate limit.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("upstream returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Message)
}
