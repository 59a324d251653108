// Package apierr classifies failures of calls to the GalaSwap API.
//
// Every error that leaves the exchange client carries a Kind so callers can
// branch on the category instead of matching message strings:
//   - Transport:   timeouts, connection reset/refused, DNS failures
//   - RateLimited: HTTP 429 from upstream
//   - Server:      HTTP 5xx
//   - Validation:  4xx other than 408/429, malformed tokens or amounts
//   - CircuitOpen: rejected locally by an open circuit breaker
//   - Filtered:    rejected locally by the liquidity pre-flight
//   - Business:    domain failures such as insufficient liquidity or balance
package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the category of an API failure.
type Kind int

const (
	Unknown Kind = iota
	Transport
	RateLimited
	Server
	Validation
	CircuitOpen
	Filtered
	Business
)

func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport"
	case RateLimited:
		return "rate_limited"
	case Server:
		return "server"
	case Validation:
		return "validation"
	case CircuitOpen:
		return "circuit_open"
	case Filtered:
		return "filtered"
	case Business:
		return "business"
	default:
		return "unknown"
	}
}

// Retryable reports whether failures of this kind are worth another attempt.
func (k Kind) Retryable() bool {
	switch k {
	case Transport, RateLimited, Server:
		return true
	default:
		return false
	}
}

// Error is a classified API failure.
type Error struct {
	Kind   Kind
	Op     string // logical operation, e.g. "quote" or "swap"
	Status int    // HTTP status, 0 when no response was received
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return Redact(b.String())
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err under kind. A nil err returns nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// businessMarkers are upstream messages that describe a domain rejection.
// Retrying them cannot succeed.
var businessMarkers = []string{
	"insufficient liquidity",
	"insufficient balance",
	"insufficient funds",
	"slippage",
	"not enough liquidity",
	"pool not found",
}

// IsInsufficientLiquidity reports whether msg is an upstream
// "not enough liquidity" style rejection.
func IsInsufficientLiquidity(msg string) bool {
	m := strings.ToLower(msg)
	return strings.Contains(m, "insufficient liquidity") ||
		strings.Contains(m, "not enough liquidity")
}

// FromStatus classifies a non-2xx HTTP response.
func FromStatus(op string, status int, body string) *Error {
	// Redact before cutting so a key split by the cut cannot slip through.
	msg := Truncate(Redact(strings.TrimSpace(body)), 256)
	lower := strings.ToLower(body)
	for _, marker := range businessMarkers {
		if strings.Contains(lower, marker) {
			return &Error{Kind: Business, Op: op, Status: status, Msg: msg}
		}
	}

	kind := Validation
	switch {
	case status == http.StatusTooManyRequests:
		kind = RateLimited
	case status == http.StatusRequestTimeout:
		kind = Transport
	case status >= 500:
		kind = Server
	case status >= 400:
		kind = Validation
	default:
		kind = Unknown
	}
	return &Error{Kind: kind, Op: op, Status: status, Msg: msg}
}
