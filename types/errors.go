package types

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for failure classification.
// Use errors.Is(err, ErrXxx) for typed assertions.
var (
	// ErrHandshakeTimeout indicates the backend never registered its channel
	// before the handshake deadline.
	ErrHandshakeTimeout = errors.New("handshake timeout")

	// ErrHandshakeTokenMismatch indicates a registration presented the wrong
	// token. Non-fatal: the listener stays open until its deadline.
	ErrHandshakeTokenMismatch = errors.New("handshake token mismatch")

	// ErrTransportDelivery indicates an envelope could not be delivered or its
	// reply could not be received.
	ErrTransportDelivery = errors.New("transport delivery failure")

	// ErrMountFetch indicates the bytes behind a mount locator could not be read.
	ErrMountFetch = errors.New("mount fetch failure")

	// ErrUnrecognizedContent indicates a mount whose content kind could not be
	// determined, such as a source file with no class declaration.
	ErrUnrecognizedContent = errors.New("unrecognized content")

	// ErrProcessLaunch indicates the backend could not be launched.
	ErrProcessLaunch = errors.New("process launch failure")

	// ErrBackendExecution indicates the backend ran the command and failed.
	ErrBackendExecution = errors.New("backend execution failure")

	// ErrReadOnlyArea indicates a write to a read-only filesystem area.
	ErrReadOnlyArea = errors.New("read-only area")

	// ErrNotFound indicates a path or resource does not exist.
	ErrNotFound = errors.New("not found")
)

// Error wraps an underlying error with a classification.
// It preserves the original error in the chain for inspection via errors.As.
type Error struct {
	// Kind is the sentinel error for classification (e.g., ErrMountFetch).
	Kind error
	// Op is the operation that failed (e.g., "mount", "send", "launch").
	Op string
	// Subject is the locator, id, or path involved, if any.
	Subject string
	// Err is the underlying error. May be nil.
	Err error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Subject != "" {
		b.WriteString(" ")
		b.WriteString(e.Subject)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for errors.Is/As chain traversal.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether the error matches the target sentinel.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

// NewError creates a classified error.
func NewError(kind error, op, subject string, err error) *Error {
	return &Error{Kind: kind, Op: op, Subject: subject, Err: err}
}

// Cause is a flattened backend exception. It travels inside a failed Result and
// is surfaced verbatim to the originating caller.
type Cause struct {
	Name     string   `msgpack:"name"`
	Message  string   `msgpack:"message"`
	Stack    []string `msgpack:"stack,omitempty"`
	CausedBy *Cause   `msgpack:"causedBy,omitempty"`
}

func (c *Cause) Error() string {
	if c.Name == "" {
		return c.Message
	}
	if c.Message == "" {
		return c.Name
	}
	return fmt.Sprintf("%s: %s", c.Name, c.Message)
}

// Unwrap exposes the nested cause.
func (c *Cause) Unwrap() error {
	if c.CausedBy == nil {
		return nil
	}
	return c.CausedBy
}

// Is matches ErrBackendExecution.
func (c *Cause) Is(target error) bool {
	return target == ErrBackendExecution
}

// CauseOf flattens err into a Cause.
func CauseOf(err error) *Cause {
	if err == nil {
		return nil
	}
	var c *Cause
	if errors.As(err, &c) {
		return c
	}
	return &Cause{Name: fmt.Sprintf("%T", err), Message: err.Error()}
}
