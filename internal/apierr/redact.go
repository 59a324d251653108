package apierr

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxMessageLen bounds every error string surfaced to callers and logs.
const MaxMessageLen = 512

var (
	privateKeyRe = regexp.MustCompile(`(?i)\b(0x)?[0-9a-f]{64}\b`)
	addressRe    = regexp.MustCompile(`(?i)\b(eth\||client\||0x)([0-9a-f]{40})\b`)
	pathRe       = regexp.MustCompile(`(?:[A-Za-z]:\\|/)(?:home|root|Users|usr|var|tmp|etc|opt)[/\\][^\s"':,]*`)
)

// Redact masks private keys, wallet addresses and file system paths in s.
// Addresses keep their prefix and the first and last four hex digits.
func Redact(s string) string {
	s = privateKeyRe.ReplaceAllString(s, "[REDACTED_KEY]")
	s = addressRe.ReplaceAllStringFunc(s, func(m string) string {
		sub := addressRe.FindStringSubmatch(m)
		hex := sub[2]
		return sub[1] + hex[:4] + "..." + hex[len(hex)-4:]
	})
	return pathRe.ReplaceAllString(s, "[PATH]")
}

// Truncate cuts s to at most n bytes on a rune boundary, marking the cut.
// A negative n is treated as zero.
func Truncate(s string, n int) string {
	n = max(n, 0)
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:runeCut(s, n)]
	}
	return s[:runeCut(s, n-3)] + "..."
}

// runeCut backs i off to the start of the rune it falls in.
func runeCut(s string, i int) int {
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return i
}

// Summarize renders err as a single redacted line of at most MaxMessageLen
// bytes that leads with the failure category.
func Summarize(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	kind := KindOf(err)
	if !strings.Contains(msg, kind.String()) {
		msg = kind.String() + ": " + msg
	}
	return Truncate(Redact(msg), MaxMessageLen)
}

// Bounded replaces err's chain with a single redacted, length-bounded
// message while keeping its kind. Cancellation passes through unchanged.
func Bounded(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	msg := strings.Join(strings.Fields(err.Error()), " ")
	return &Error{
		Kind: KindOf(err),
		Op:   op,
		Msg:  Truncate(Redact(msg), MaxMessageLen-len(op)-32),
	}
}
