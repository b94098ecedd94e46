package state

import "github.com/google/uuid"

// Registry is the authoritative store of live connections and each one's
// current room. It is the sole writer of the connection -> room inverse
// index; it never broadcasts.
type Registry interface {
	// --- Connection Lifecycle ---
	Register(connID uuid.UUID, t Transport, ipAddr string) (*Connection, error)
	// Unregister removes the connection and returns its last room so the
	// caller can clean up room membership. This is the disconnect hook.
	Unregister(connID uuid.UUID) (lastRoom string, err error)
	Get(connID uuid.UUID) (*Connection, bool)
	Count() int
	// Each calls fn for every live connection. Used by the shutdown sweep.
	Each(fn func(*Connection))

	// --- Room index ---
	Room(connID uuid.UUID) (string, error)
	SetRoom(connID uuid.UUID, room string) error

	// --- Display name ---
	SetDisplayName(connID uuid.UUID, name string) error
	DisplayName(connID uuid.UUID) (string, error)
}
