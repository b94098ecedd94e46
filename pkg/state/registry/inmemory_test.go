package registry_test

import (
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/veer-debug/chat-with-me/pkg/state"
	"github.com/veer-debug/chat-with-me/pkg/state/registry"
)

// --- Test Suite Setup ---

func newTestLogger() *slog.Logger {
	// Discard logger output during tests by setting a high level
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

func newTestRegistry() *registry.InMemory {
	return registry.NewInMemory(newTestLogger())
}

type nopTransport struct{}

func (nopTransport) Send([]byte)  {}
func (nopTransport) Close(error) {}

func TestConnectionLifecycle(t *testing.T) {
	m := newTestRegistry()
	connID := uuid.New()

	// 1. Register
	conn, err := m.Register(connID, nopTransport{}, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if conn.ID != connID {
		t.Errorf("Registered connection ID mismatch")
	}
	if conn.Room != "" {
		t.Errorf("New connection should start with no room, got %q", conn.Room)
	}
	if m.Count() != 1 {
		t.Errorf("Expected 1 connection, got %d", m.Count())
	}

	// 2. Get
	retrieved, found := m.Get(connID)
	if !found {
		t.Fatal("Get failed to find registered connection")
	}
	if retrieved.ID != connID {
		t.Errorf("Retrieved connection ID mismatch")
	}

	// 3. Unregister
	lastRoom, err := m.Unregister(connID)
	if err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if lastRoom != "" {
		t.Errorf("Expected empty last room, got %q", lastRoom)
	}
	if _, found := m.Get(connID); found {
		t.Error("Found connection after it should have been unregistered")
	}
}

func TestRegisterDuplicate(t *testing.T) {
	m := newTestRegistry()
	connID := uuid.New()

	if _, err := m.Register(connID, nopTransport{}, "1.1.1.1"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	_, err := m.Register(connID, nopTransport{}, "1.1.1.1")
	if !errors.Is(err, state.ErrDuplicateConnection) {
		t.Fatalf("Expected ErrDuplicateConnection, got %v", err)
	}
}

func TestRoomIndex(t *testing.T) {
	m := newTestRegistry()
	connID := uuid.New()
	m.Register(connID, nopTransport{}, "1.1.1.1")

	room, err := m.Room(connID)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}
	if room != "" {
		t.Errorf("Expected no room, got %q", room)
	}

	if err := m.SetRoom(connID, "lobby"); err != nil {
		t.Fatalf("SetRoom failed: %v", err)
	}
	room, _ = m.Room(connID)
	if room != "lobby" {
		t.Errorf("Expected room %q, got %q", "lobby", room)
	}

	// Unregister returns the last room for membership cleanup.
	lastRoom, err := m.Unregister(connID)
	if err != nil {
		t.Fatalf("Unregister failed: %v", err)
	}
	if lastRoom != "lobby" {
		t.Errorf("Expected last room %q, got %q", "lobby", lastRoom)
	}
}

func TestDisplayName(t *testing.T) {
	m := newTestRegistry()
	connID := uuid.New()
	m.Register(connID, nopTransport{}, "1.1.1.1")

	if err := m.SetDisplayName(connID, "alice"); err != nil {
		t.Fatalf("SetDisplayName failed: %v", err)
	}
	name, err := m.DisplayName(connID)
	if err != nil {
		t.Fatalf("DisplayName failed: %v", err)
	}
	if name != "alice" {
		t.Errorf("Expected display name %q, got %q", "alice", name)
	}

	// Overwritable, no uniqueness constraint.
	if err := m.SetDisplayName(connID, "alice2"); err != nil {
		t.Fatalf("SetDisplayName overwrite failed: %v", err)
	}
	name, _ = m.DisplayName(connID)
	if name != "alice2" {
		t.Errorf("Expected display name %q, got %q", "alice2", name)
	}
}

func TestUnknownConnection(t *testing.T) {
	m := newTestRegistry()
	unknown := uuid.New()

	if _, err := m.Room(unknown); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("Room: expected ErrUnknownConnection, got %v", err)
	}
	if err := m.SetRoom(unknown, "lobby"); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("SetRoom: expected ErrUnknownConnection, got %v", err)
	}
	if err := m.SetDisplayName(unknown, "x"); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("SetDisplayName: expected ErrUnknownConnection, got %v", err)
	}
	if _, err := m.DisplayName(unknown); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("DisplayName: expected ErrUnknownConnection, got %v", err)
	}
	if _, err := m.Unregister(unknown); !errors.Is(err, state.ErrUnknownConnection) {
		t.Errorf("Unregister: expected ErrUnknownConnection, got %v", err)
	}
}

func TestEach(t *testing.T) {
	m := newTestRegistry()
	ids := map[uuid.UUID]bool{}
	for i := 0; i < 3; i++ {
		id := uuid.New()
		ids[id] = false
		m.Register(id, nopTransport{}, "1.1.1.1")
	}

	m.Each(func(c *state.Connection) {
		seen, ok := ids[c.ID]
		if !ok {
			t.Errorf("Each visited unknown connection %s", c.ID)
		}
		if seen {
			t.Errorf("Each visited connection %s twice", c.ID)
		}
		ids[c.ID] = true
	})
	for id, seen := range ids {
		if !seen {
			t.Errorf("Each skipped connection %s", id)
		}
	}
}
