// Package broadcast implements the room membership and fan-out engine:
// which connections are in which room, and who receives each line.
package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/veer-debug/chat-with-me/pkg/metrics"
	"github.com/veer-debug/chat-with-me/pkg/state"
)

var (
	// ErrInvalidRoomName rejects a join before any mutation happens.
	ErrInvalidRoomName = errors.New("room name must not be empty")

	// ErrNotInRoom rejects a message from a connection that has not joined.
	ErrNotInRoom = errors.New("connection has not joined a room")
)

// Bus carries broadcast lines to other instances. Optional; nil disables it.
type Bus interface {
	Publish(ctx context.Context, room string, payload []byte) error
}

// RoomBroadcaster owns the room -> member-set map and implements the three
// protocol operations. Membership mutation and the resulting fan-out happen
// under the target room's lock, which serializes events per room while
// leaving unrelated rooms free to proceed in parallel. Fan-out itself is a
// non-blocking Send per member, so no lock is ever held across the network.
type RoomBroadcaster struct {
	registry state.Registry
	bus      Bus
	logger   *slog.Logger

	mu    sync.RWMutex // guards the rooms map; always taken before a room lock
	rooms map[string]*room
}

type room struct {
	mu      sync.Mutex
	name    string
	members map[uuid.UUID]state.Sender
}

func New(logger *slog.Logger, registry state.Registry, bus Bus) *RoomBroadcaster {
	return &RoomBroadcaster{
		registry: registry,
		bus:      bus,
		logger:   logger.With(slog.String("component", "room_broadcaster")),
		rooms:    make(map[string]*room),
	}
}

// Join adds the connection to roomName and announces it to every member,
// the joiner included. A connection holds at most one room: joining a
// different room runs the full leave sequence for the old one first. A
// repeat join to the same room is a membership no-op but announces again.
func (b *RoomBroadcaster) Join(connID uuid.UUID, roomName, displayName string) error {
	if roomName == "" {
		return ErrInvalidRoomName
	}

	current, err := b.registry.Room(connID)
	if err != nil {
		return err
	}
	if current != "" && current != roomName {
		if err := b.Leave(connID); err != nil {
			return err
		}
	}

	if err := b.registry.SetDisplayName(connID, displayName); err != nil {
		return err
	}
	conn, ok := b.registry.Get(connID)
	if !ok {
		return state.ErrUnknownConnection
	}

	b.mu.Lock()
	rm, exists := b.rooms[roomName]
	if !exists {
		rm = &room{name: roomName, members: make(map[uuid.UUID]state.Sender)}
		b.rooms[roomName] = rm
		metrics.ActiveRooms.Inc()
	}
	rm.mu.Lock()
	b.mu.Unlock()

	// Index first: if the connection vanished underneath us (shutdown
	// closing transports), this fails before any membership is recorded.
	if err := b.registry.SetRoom(connID, roomName); err != nil {
		empty := len(rm.members) == 0
		rm.mu.Unlock()
		if empty {
			b.collect(roomName)
		}
		return err
	}
	rm.members[connID] = conn.Transport

	b.logger.Debug("Connection joined room",
		slog.String("connID", connID.String()),
		slog.String("room", roomName),
	)
	b.deliver(rm, "join", displayName+" has joined the room "+roomName+".")
	rm.mu.Unlock()
	return nil
}

// collect drops a room from the map if it is still empty.
func (b *RoomBroadcaster) collect(roomName string) {
	b.mu.Lock()
	rm, exists := b.rooms[roomName]
	if !exists {
		b.mu.Unlock()
		return
	}
	rm.mu.Lock()
	if len(rm.members) == 0 {
		delete(b.rooms, roomName)
		metrics.ActiveRooms.Dec()
	}
	b.mu.Unlock()
	rm.mu.Unlock()
}

// Message broadcasts "{displayName}: {text}" to every member of the
// sender's current room, the sender included. Membership is untouched.
func (b *RoomBroadcaster) Message(connID uuid.UUID, text string) error {
	current, err := b.registry.Room(connID)
	if err != nil {
		return err
	}
	if current == "" {
		return ErrNotInRoom
	}
	displayName, err := b.registry.DisplayName(connID)
	if err != nil {
		return err
	}

	b.mu.RLock()
	rm, exists := b.rooms[current]
	if !exists {
		b.mu.RUnlock()
		return ErrNotInRoom
	}
	rm.mu.Lock()
	b.mu.RUnlock()
	defer rm.mu.Unlock()

	b.deliver(rm, "message", displayName+": "+text)
	return nil
}

// Leave removes the connection from its current room and announces the
// departure to the remaining members only. Leaving while not in a room is
// a safe no-op with no broadcast.
func (b *RoomBroadcaster) Leave(connID uuid.UUID) error {
	current, err := b.registry.Room(connID)
	if err != nil {
		return err
	}
	if current == "" {
		return nil
	}
	displayName, err := b.registry.DisplayName(connID)
	if err != nil {
		return err
	}

	b.mu.Lock()
	rm, exists := b.rooms[current]
	if !exists {
		// index pointed at a room that is gone; clear it and move on
		b.mu.Unlock()
		return b.registry.SetRoom(connID, "")
	}
	rm.mu.Lock()

	delete(rm.members, connID)
	if err := b.registry.SetRoom(connID, ""); err != nil {
		rm.mu.Unlock()
		b.mu.Unlock()
		return err
	}
	if len(rm.members) == 0 {
		delete(b.rooms, current)
		metrics.ActiveRooms.Dec()
		b.logger.Debug("Removed empty room", slog.String("room", current))
	}
	b.mu.Unlock()
	defer rm.mu.Unlock()

	b.logger.Debug("Connection left room",
		slog.String("connID", connID.String()),
		slog.String("room", current),
	)
	b.deliver(rm, "leave", displayName+" has left the room "+current+".")
	return nil
}

// Disconnect is the transport's close hook: the implicit leave for the
// connection's last room, then destruction of the connection record.
func (b *RoomBroadcaster) Disconnect(connID uuid.UUID) {
	if err := b.Leave(connID); err != nil && !errors.Is(err, state.ErrUnknownConnection) {
		b.logger.Error("Implicit leave on disconnect failed",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
	}
	lastRoom, err := b.registry.Unregister(connID)
	if err != nil {
		b.logger.Warn("Disconnect for unregistered connection",
			slog.String("connID", connID.String()),
		)
		return
	}
	if lastRoom != "" {
		// A join raced the disconnect between the implicit leave and the
		// unregister; scrub the membership it recorded.
		b.scrub(connID, lastRoom)
	}
}

func (b *RoomBroadcaster) scrub(connID uuid.UUID, roomName string) {
	b.mu.Lock()
	rm, exists := b.rooms[roomName]
	if !exists {
		b.mu.Unlock()
		return
	}
	rm.mu.Lock()
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(b.rooms, roomName)
		metrics.ActiveRooms.Dec()
		b.logger.Debug("Removed empty room", slog.String("room", roomName))
	}
	b.mu.Unlock()
	rm.mu.Unlock()
}

// DeliverLocal hands a payload from the bus to the local members of a room.
// Unknown rooms are ignored; membership is never mutated from the bus.
func (b *RoomBroadcaster) DeliverLocal(roomName string, payload []byte) {
	b.mu.RLock()
	rm, exists := b.rooms[roomName]
	if !exists {
		b.mu.RUnlock()
		return
	}
	rm.mu.Lock()
	b.mu.RUnlock()
	defer rm.mu.Unlock()

	for _, sender := range rm.members {
		sender.Send(payload)
	}
	metrics.BroadcastsTotal.WithLabelValues("bus").Inc()
}

// Rooms returns the names of all rooms that currently have members.
func (b *RoomBroadcaster) Rooms() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.rooms))
	for name := range b.rooms {
		names = append(names, name)
	}
	return names
}

// Members returns the connection IDs currently in a room. An unknown or
// garbage-collected room yields nil.
func (b *RoomBroadcaster) Members(roomName string) []uuid.UUID {
	b.mu.RLock()
	rm, exists := b.rooms[roomName]
	if !exists {
		b.mu.RUnlock()
		return nil
	}
	rm.mu.Lock()
	b.mu.RUnlock()
	defer rm.mu.Unlock()

	ids := make([]uuid.UUID, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	return ids
}

// Stats reports the number of active rooms and total room memberships.
func (b *RoomBroadcaster) Stats() (rooms, members int) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rooms = len(b.rooms)
	for _, rm := range b.rooms {
		rm.mu.Lock()
		members += len(rm.members)
		rm.mu.Unlock()
	}
	return rooms, members
}

// deliver fans a line out to every current member. Callers hold rm.mu, so
// the recipient set is exactly the membership at the instant of sending and
// lines on one room reach all members in the same order.
func (b *RoomBroadcaster) deliver(rm *room, event, line string) {
	payload := []byte(line)
	for _, sender := range rm.members {
		sender.Send(payload)
	}
	metrics.BroadcastsTotal.WithLabelValues(event).Inc()

	if b.bus != nil {
		// Publish off the lock path; the bus is best-effort.
		go func() {
			if err := b.bus.Publish(context.Background(), rm.name, payload); err != nil {
				b.logger.Warn("Bus publish failed", slog.String("room", rm.name), slog.Any("error", err))
			}
		}()
	}
}
