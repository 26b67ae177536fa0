package remote

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
)

// ErrorClass groups failures for retry decisions.
type ErrorClass string

const (
	ClassTimeout     ErrorClass = "timeout"
	ClassConnection  ErrorClass = "connection"
	ClassRateLimited ErrorClass = "rate_limited"
	ClassServer      ErrorClass = "server"
	ClassIntegrity   ErrorClass = "integrity"
	ClassAuth        ErrorClass = "auth"
	ClassClient      ErrorClass = "client"
	ClassProtocol    ErrorClass = "protocol"
	ClassCancelled   ErrorClass = "cancelled"
	ClassUnknown     ErrorClass = "unknown"
)

// DefaultRetryable is the set of classes retried when a policy names none.
var DefaultRetryable = []ErrorClass{ClassTimeout, ClassConnection, ClassRateLimited, ClassServer, ClassIntegrity}

// ErrorClassifier lets typed errors declare their class.
type ErrorClassifier interface {
	ErrorClass() ErrorClass
}

var connectionTokens = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"unexpected eof",
	"server closed idle connection",
	"tls handshake timeout",
	"no such host",
}

// Classify maps an error onto an ErrorClass. Cancellation of the caller's
// context always wins so cancelled work is never retried.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}

	var classifier ErrorClassifier
	if errors.As(err, &classifier) {
		return classifier.ErrorClass()
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return classifyStatus(statusErr.StatusCode)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return ClassTimeout
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ClassConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassConnection
	}
	msg := strings.ToLower(err.Error())
	for _, token := range connectionTokens {
		if strings.Contains(msg, token) {
			return ClassConnection
		}
	}
	return ClassUnknown
}

func classifyStatus(code int) ErrorClass {
	switch {
	case code == http.StatusRequestTimeout:
		return ClassTimeout
	case code == http.StatusTooManyRequests:
		return ClassRateLimited
	case code >= http.StatusInternalServerError:
		return ClassServer
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return ClassAuth
	default:
		return ClassClient
	}
}

// IsRetryable reports whether err belongs to one of the default retryable
// classes.
func IsRetryable(err error) bool {
	return DefaultRetryPolicy().Retries(err)
}
