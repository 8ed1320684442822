// Package errs defines the session-mediator error taxonomy shared across
// components so call sites can classify failures with errors.Is/errors.As
// and map them to the correct downstream event.
package errs

import (
	"errors"
	"fmt"
)

// Sentinel errors. Wrap with fmt.Errorf("...: %w", Err*) to add context.
var (
	// ErrUnknownAsset is returned when a subscribe targets an unmapped asset name.
	ErrUnknownAsset = errors.New("unknown asset")

	// ErrNotReady is returned when a downstream command arrives before the
	// upstream link has reached the Ready state.
	ErrNotReady = errors.New("upstream not ready")

	// ErrBadOrder is returned when an order request fails Order Builder validation.
	ErrBadOrder = errors.New("bad order")

	// ErrAuthRejected marks a terminal upstream "unauthorized" response. No retry follows.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrUpstreamLost marks a transport closure or protocol parse error that
	// triggers the bounded reconnect sequence.
	ErrUpstreamLost = errors.New("upstream connection lost")

	// ErrHeuristicAmbiguous marks a balance shape the normalizer could not
	// confidently match; a fallback was used and the condition is logged,
	// never surfaced to the downstream client.
	ErrHeuristicAmbiguous = errors.New("balance shape ambiguous")
)

// UnknownAsset wraps ErrUnknownAsset with the offending identifier.
func UnknownAsset(name string) error {
	return fmt.Errorf("%w: %s", ErrUnknownAsset, name)
}

// BadOrder wraps ErrBadOrder with a reason.
func BadOrder(reason string) error {
	return fmt.Errorf("%w: %s", ErrBadOrder, reason)
}
