package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind is the failure class of a fetch.
type Kind int

// Fetch failure classes.
const (
	KindNetwork Kind = iota
	KindTimeout
	KindHTTPStatus
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindHTTPStatus:
		return "http_status"
	default:
		return "network"
	}
}

// Sentinels matched by errors.Is against an *Error of the same kind.
var (
	ErrTimeout    = errors.New("fetch timeout")
	ErrHTTPStatus = errors.New("fetch http status")
	ErrNetwork    = errors.New("fetch network failure")
)

// Error describes a failed fetch of URL.
type Error struct {
	Kind   Kind
	Status int
	URL    string
	Err    error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.Status)
	}
	return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for e's kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrHTTPStatus:
		return e.Kind == KindHTTPStatus
	case ErrNetwork:
		return e.Kind == KindNetwork
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind == KindHTTPStatus {
		return fe.Status
	}
	return 0
}

// newError classifies a failed attempt. A non-zero status means the origin
// answered with a rejected response.
func newError(rawURL string, status int, err error) *Error {
	fe := &Error{URL: rawURL, Status: status, Err: err}
	switch {
	case status > 0:
		fe.Kind = KindHTTPStatus
	case isTimeout(err):
		fe.Kind = KindTimeout
	default:
		fe.Kind = KindNetwork
	}
	return fe
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// retryable reports whether another attempt could succeed. A 4xx other
// than 408 or 429 is a final answer from the origin.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var fe *Error
	if !errors.As(err, &fe) || fe.Kind != KindHTTPStatus {
		return true
	}
	switch {
	case fe.Status == http.StatusRequestTimeout, fe.Status == http.StatusTooManyRequests:
		return true
	case fe.Status >= 400 && fe.Status < 500:
		return false
	}
	return true
}
