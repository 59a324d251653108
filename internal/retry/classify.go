package retry

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"

	"galaswap-bot/internal/apierr"
)

// permanentMarkers mark errors that no amount of retrying will fix.
var permanentMarkers = []string{
	"insufficient balance",
	"insufficient funds",
	"insufficient liquidity",
	"invalid",
	"unauthorized",
	"forbidden",
	"signature",
}

// transientMarkers mark transport-level failures in unclassified errors.
var transientMarkers = []string{
	"econnreset",
	"econnrefused",
	"etimedout",
	"enotfound",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"timeout",
	"timed out",
	"socket hang up",
	"temporary failure",
	"too many requests",
	"service unavailable",
	"bad gateway",
}

// IsRetryable is the default retry condition. Classified API errors follow
// their kind; otherwise transport failures (timeouts, resets, refused
// connections, DNS errors, unexpected EOF) are retryable and everything
// else is not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind.Retryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	for _, errno := range []error{
		syscall.ECONNRESET,
		syscall.ECONNREFUSED,
		syscall.ECONNABORTED,
		syscall.EPIPE,
		syscall.ETIMEDOUT,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return false
		}
	}
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// Classify maps a raw transport error to an apierr kind. Already classified
// errors keep their kind.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var apiErr *apierr.Error
	if errors.As(err, &apiErr) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if IsRetryable(err) {
		return apierr.Wrap(apierr.Transport, op, err)
	}
	return apierr.Wrap(apierr.Unknown, op, err)
}
