package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownRecipient marks a signal whose recipient is not connected.
	// The relay drops such messages; the sender is never told.
	ErrUnknownRecipient = errors.New("unknown recipient")

	ErrNegotiationFailure     = errors.New("negotiation failed")
	ErrMediaAcquisitionDenied = errors.New("media acquisition denied")

	// ErrRaceAbandoned reports an offer discarded by the glare rule. It is
	// not a failure: the pair still ends up with one link.
	ErrRaceAbandoned = errors.New("offer abandoned after glare")

	ErrNegotiationTimeout = fmt.Errorf("%w: timed out", ErrNegotiationFailure)
	ErrLinkClosed         = errors.New("link closed")
)

// LinkError ties a mesh failure to the remote participant it concerns.
type LinkError struct {
	Op       string
	RemoteID string
	Err      error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteID, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// NegotiationError wraps a transport error as a negotiation failure for remoteID.
func NegotiationError(op, remoteID string, err error) *LinkError {
	return &LinkError{Op: op, RemoteID: remoteID, Err: fmt.Errorf("%w: %w", ErrNegotiationFailure, err)}
}
