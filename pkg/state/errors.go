package state

import "errors"

var (
	// ErrDuplicateConnection means the transport tried to register an ID twice.
	// The transport assigns fresh IDs, so hitting this signals a wiring bug.
	ErrDuplicateConnection = errors.New("connection is already registered")

	// ErrUnknownConnection means an operation referenced a connection ID that
	// is not registered. Surfaced to the caller, never swallowed, since it
	// indicates the transport and registry have desynchronized.
	ErrUnknownConnection = errors.New("connection is not registered")
)
