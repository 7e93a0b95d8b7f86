package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// StatusError is an HTTP response that was not a success.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status code: %d", e.Code)
	}
	return fmt.Sprintf("unexpected status code: %d: %s", e.Code, e.Body)
}

// TransientStatus reports whether an HTTP status is worth retrying:
// request timeout, rate limiting and server-side failures.
func TransientStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}

var statusPattern = regexp.MustCompile(`(?i)status(?:\s+code)?:?\s*(\d{3})\b`)

// StatusFromText recovers a status code from clients that only report it in
// the error message.
func StatusFromText(err error) (int, bool) {
	m := statusPattern.FindStringSubmatch(err.Error())
	if m == nil {
		return 0, false
	}
	code, convErr := strconv.Atoi(m[1])
	if convErr != nil {
		return 0, false
	}
	return code, true
}

// IsTransient is the shared classification for outbound calls: per-call
// deadlines, network timeouts, 408/429/5xx statuses and dropped connections
// are transient; caller cancellation and everything else are not.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var se *StatusError
	if errors.As(err, &se) {
		return TransientStatus(se.Code)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if code, ok := StatusFromText(err); ok {
		return TransientStatus(code)
	}

	msg := strings.ToLower(err.Error())
	for _, hint := range []string{"rate limit", "connection reset", "connection refused", "unexpected eof", "timeout"} {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}
