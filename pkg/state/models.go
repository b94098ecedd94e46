package state

import (
	"time"

	"github.com/google/uuid"
)

// Sender delivers one outbound payload to a live client. Implementations
// must not block; the transport connection satisfies this with a buffered
// channel behind it.
type Sender interface {
	Send(payload []byte)
}

// Transport is the full handle the edge layer hands the registry: delivery
// plus teardown. The broadcaster only ever sees the Sender half.
type Transport interface {
	Sender
	Close(err error)
}

// representation of a single transport-layer connection.
type Connection struct {
	ID          uuid.UUID
	IPAddress   string
	DisplayName string // set on join, empty until then
	Room        string // current room name, empty while not joined
	Transport   Transport
	CreatedAt   time.Time
}
