// Package adapter defines the boundary for backend lifecycle notifications.
//
// The host publishes a BackendEvent when a backend becomes ready and when it
// exits. Adapters deliver those events to downstream systems.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pithecene-io/jpoly/types"
)

// Event types.
const (
	EventBackendReady  = "backend_ready"
	EventBackendExited = "backend_exited"
)

// BackendEvent is the payload published on backend lifecycle transitions.
type BackendEvent struct {
	EventType  string   `json:"event_type"`
	InstanceID string   `json:"instance_id"`
	Mode       string   `json:"mode"`
	ExitCode   *int     `json:"exit_code,omitempty"` // set only for backend_exited
	Timestamp  string   `json:"timestamp"`           // RFC 3339
	Classpath  []string `json:"classpath,omitempty"`
}

// Ready builds a backend_ready event.
func Ready(instanceID string, mode types.Mode, classpath []string, at time.Time) *BackendEvent {
	return &BackendEvent{
		EventType:  EventBackendReady,
		InstanceID: instanceID,
		Mode:       string(mode),
		Timestamp:  at.UTC().Format(time.RFC3339),
		Classpath:  classpath,
	}
}

// Exited builds a backend_exited event.
func Exited(instanceID string, mode types.Mode, code int, at time.Time) *BackendEvent {
	return &BackendEvent{
		EventType:  EventBackendExited,
		InstanceID: instanceID,
		Mode:       string(mode),
		ExitCode:   &code,
		Timestamp:  at.UTC().Format(time.RFC3339),
	}
}

// Adapter publishes backend events to a downstream system.
type Adapter interface {
	// Publish sends an event. Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *BackendEvent) error

	// Close releases adapter resources.
	Close() error
}

// BaseBackoff is the delay before the first retry. Each further retry doubles it.
var BaseBackoff = 500 * time.Millisecond

// ErrPermanent marks an attempt error that must not be retried.
var ErrPermanent = errors.New("permanent failure")

// Retry runs attempt once plus up to retries more times with exponential
// backoff between attempts. An error wrapping ErrPermanent stops immediately.
func Retry(ctx context.Context, name string, retries int, attempt func(context.Context) error) error {
	var lastErr error
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%s: context canceled: %w", name, err)
		}

		// No backoff before the first attempt
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * BaseBackoff
			select {
			case <-ctx.Done():
				return fmt.Errorf("%s: context canceled during backoff: %w", name, ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = attempt(ctx)
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrPermanent) {
			return fmt.Errorf("%s: non-retriable error: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s: failed after %d attempts: %w", name, attempts, lastErr)
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, *BackendEvent) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

var _ Adapter = Nop{}
