package domain

import "errors"

var (
	// ErrNotFound is returned by SignalStore.Read for a record that does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrStoreUnavailable marks every failure to reach the signaling store.
	// Callers decide between retrying and aborting on this kind alone.
	ErrStoreUnavailable = errors.New("signaling store unavailable")

	// ErrNegotiation marks a failed offer/answer/candidate primitive.
	ErrNegotiation = errors.New("negotiation primitive failed")
)
