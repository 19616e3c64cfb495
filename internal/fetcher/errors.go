package fetcher

import "fmt"

// ErrorKind classifies fetch failures. The processor maps kinds onto
// citation error codes.
type ErrorKind string

const (
	KindTimeout    ErrorKind = "TIMEOUT"
	KindDNS        ErrorKind = "DNS"
	KindConnect    ErrorKind = "CONNECT"
	KindHTTPClient ErrorKind = "HTTP_CLIENT"
	KindHTTPServer ErrorKind = "HTTP_SERVER"
	KindTooLarge   ErrorKind = "TOO_LARGE"
	KindRobots     ErrorKind = "BLOCKED_BY_ROBOTS"
)

// Error is a classified fetch failure.
type Error struct {
	Kind   ErrorKind
	Status int // HTTP status when applicable
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s (status %d)", e.URL, e.Kind, e.Status)
}

func (e *Error) Unwrap() error { return e.Err }

// ShouldRetry implements resilience.RetryableError. Connection-level
// failures and 408/429/5xx are transient; everything else is final.
func (e *Error) ShouldRetry() bool {
	switch e.Kind {
	case KindTimeout, KindDNS, KindConnect, KindHTTPServer:
		return true
	case KindHTTPClient:
		return e.Status == 408 || e.Status == 429
	default:
		return false
	}
}

// Transient reports whether err is a retryable fetch error.
func Transient(err error) bool {
	if fe, ok := AsError(err); ok {
		return fe.ShouldRetry()
	}
	return false
}

// AsError unwraps err to a *Error when possible.
func AsError(err error) (*Error, bool) {
	for err != nil {
		if fe, ok := err.(*Error); ok {
			return fe, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
