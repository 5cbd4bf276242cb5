// Package taskerr carries the typed error taxonomy the engine routes
// task failures through. Every error that crosses the executor or
// worker boundary is one of these kinds; untyped errors are classified
// by heuristics before a retry decision is made.
package taskerr

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind partitions failures by how the engine must react.
type Kind string

const (
	// KindTransient marks upstream trouble (5xx, 429, network timeouts)
	// worth retrying inside the same invocation.
	KindTransient Kind = "transient"
	// KindCancelled marks a user-requested stop. Never retried, never
	// apologized for.
	KindCancelled Kind = "cancelled"
	// KindTimeout marks a child process that outlived its execution
	// budget. Retried as a fresh task attempt.
	KindTimeout Kind = "timeout"
	// KindTerminal marks subprocess failures retrying will not fix
	// (auth, OOM, parse errors). Retried as a task attempt only while
	// attempts and age allow.
	KindTerminal Kind = "terminal"
	// KindConfiguration marks invalid user or engine configuration.
	// Reported once, never retried.
	KindConfiguration Kind = "configuration"
	// KindDelivery marks a channel transport failure after successful
	// execution; the task is failed so the user finds out.
	KindDelivery Kind = "delivery"
)

// Error is the concrete error type for all kinds.
type Error struct {
	kind    Kind
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.message, e.err)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports the taxonomy bucket.
func (e *Error) Kind() Kind { return e.kind }

// Message reports the short operator-facing reason without the cause.
func (e *Error) Message() string { return e.message }

// New wraps err under an explicit kind.
func New(kind Kind, err error, message string) *Error {
	return &Error{kind: kind, message: message, err: err}
}

// Transient wraps err as retryable upstream trouble.
func Transient(err error, message string) *Error {
	return New(KindTransient, err, message)
}

// Cancelled builds the user-stop sentinel.
func Cancelled(message string) *Error {
	return New(KindCancelled, nil, message)
}

// Timeout marks an exceeded execution budget.
func Timeout(err error, message string) *Error {
	return New(KindTimeout, err, message)
}

// Terminal wraps err as a failure retrying will not fix.
func Terminal(err error, message string) *Error {
	return New(KindTerminal, err, message)
}

// Terminalf is Terminal with a formatted message and no cause.
func Terminalf(format string, args ...any) *Error {
	return New(KindTerminal, nil, fmt.Sprintf(format, args...))
}

// Config marks a configuration problem.
func Config(err error, message string) *Error {
	return New(KindConfiguration, err, message)
}

// Configf is Config with a formatted message and no cause.
func Configf(format string, args ...any) *Error {
	return New(KindConfiguration, nil, fmt.Sprintf(format, args...))
}

// Delivery marks a post-success transport failure.
func Delivery(err error, message string) *Error {
	return New(KindDelivery, err, message)
}

// KindOf reports the kind of err. Typed errors answer directly;
// untyped errors fall back to classification heuristics. A nil error
// has no kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.kind
	}
	if isTransientByHeuristic(err) {
		return KindTransient
	}
	return KindTerminal
}

// IsTransient reports whether err is worth an in-invocation retry.
func IsTransient(err error) bool { return err != nil && KindOf(err) == KindTransient }

// IsCancelled reports whether err is a user-requested stop.
func IsCancelled(err error) bool { return err != nil && KindOf(err) == KindCancelled }

// IsTimeout reports whether err is an execution-budget expiry.
func IsTimeout(err error) bool { return err != nil && KindOf(err) == KindTimeout }

// IsTerminal reports whether err is a non-retryable subprocess failure.
func IsTerminal(err error) bool { return err != nil && KindOf(err) == KindTerminal }

// IsConfiguration reports whether err is a configuration problem.
func IsConfiguration(err error) bool { return err != nil && KindOf(err) == KindConfiguration }

// IsDelivery reports whether err is a post-success transport failure.
func IsDelivery(err error) bool { return err != nil && KindOf(err) == KindDelivery }

// transientMarkers and permanentMarkers drive classification of errors
// that arrive as bare strings, typically relayed from the child
// process's result event.
var transientMarkers = []string{
	"rate limit",
	"too many requests",
	"overloaded",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
	"internal server error",
	"timeout",
	"timed out",
	"deadline exceeded",
	"connection refused",
	"connection reset",
	"temporarily unavailable",
	"try again",
	"eof",
}

var permanentMarkers = []string{
	"unauthorized",
	"forbidden",
	"not found",
	"bad request",
	"invalid api key",
	"permission denied",
	"out of memory",
	"parse error",
}

func isTransientByHeuristic(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range permanentMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	if code := extractHTTPStatusCode(msg); code != 0 {
		return code == 429 || code >= 500
	}
	return false
}

// extractHTTPStatusCode pulls the first 3-digit HTTP status out of a
// lowercased error string, or 0 when none is present.
func extractHTTPStatusCode(msg string) int {
	for i := 0; i+3 <= len(msg); i++ {
		if i > 0 && msg[i-1] >= '0' && msg[i-1] <= '9' {
			continue
		}
		c0, c1, c2 := msg[i], msg[i+1], msg[i+2]
		if c0 < '1' || c0 > '5' || c1 < '0' || c1 > '9' || c2 < '0' || c2 > '9' {
			continue
		}
		if i+3 < len(msg) {
			// A trailing digit or dot means part of a larger number
			// or an address octet, not a status.
			if next := msg[i+3]; (next >= '0' && next <= '9') || next == '.' {
				continue
			}
		}
		return int(c0-'0')*100 + int(c1-'0')*10 + int(c2-'0')
	}
	return 0
}

// userMessages are the fixed templates surfaced to users. The
// underlying detail stays in the logs.
var userMessages = map[Kind]string{
	KindTransient:     "I hit a temporary problem upstream and couldn't recover. I'll retry this shortly.",
	KindCancelled:     "Stopped.",
	KindTimeout:       "That took longer than I allow myself, so I stopped it. You may want to split the request.",
	KindTerminal:      "Something went wrong on my side that retrying won't fix. The details are in my logs.",
	KindConfiguration: "Your configuration needs attention before I can do that.",
	KindDelivery:      "I finished the work but couldn't deliver the result to you.",
}

// UserMessage maps err to its fixed user-facing template.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	if msg, ok := userMessages[KindOf(err)]; ok {
		return msg
	}
	return userMessages[KindTerminal]
}
