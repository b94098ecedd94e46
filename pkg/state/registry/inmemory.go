package registry

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/veer-debug/chat-with-me/pkg/state"
)

type InMemory struct {
	conns  map[uuid.UUID]*state.Connection
	connMu sync.RWMutex

	logger *slog.Logger
}

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		conns:  make(map[uuid.UUID]*state.Connection),
		logger: logger.With(slog.String("component", "registry_inmemory")),
	}
}

// compile-time check to ensure InMemory implements Registry.
var _ state.Registry = (*InMemory)(nil)

func (m *InMemory) Register(connID uuid.UUID, t state.Transport, ipAddr string) (*state.Connection, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	if _, exists := m.conns[connID]; exists {
		return nil, state.ErrDuplicateConnection
	}
	conn := &state.Connection{
		ID:        connID,
		IPAddress: ipAddr,
		Transport: t,
		CreatedAt: time.Now(),
	}
	m.conns[connID] = conn
	m.logger.Debug("Connection registered", slog.String("connID", connID.String()))
	return conn, nil
}

func (m *InMemory) Unregister(connID uuid.UUID) (string, error) {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return "", state.ErrUnknownConnection
	}
	delete(m.conns, connID)
	m.logger.Debug("Connection unregistered",
		slog.String("connID", connID.String()),
		slog.String("lastRoom", conn.Room),
	)
	return conn.Room, nil
}

func (m *InMemory) Get(connID uuid.UUID) (*state.Connection, bool) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemory) Count() int {
	m.connMu.RLock()
	defer m.connMu.RUnlock()
	return len(m.conns)
}

func (m *InMemory) Each(fn func(*state.Connection)) {
	m.connMu.RLock()
	conns := make([]*state.Connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.connMu.RUnlock()

	// fn may close transports or re-enter the registry, so call it
	// outside the lock on a snapshot.
	for _, c := range conns {
		fn(c)
	}
}

func (m *InMemory) Room(connID uuid.UUID) (string, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return "", state.ErrUnknownConnection
	}
	return conn.Room, nil
}

func (m *InMemory) SetRoom(connID uuid.UUID, room string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	conn.Room = room
	return nil
}

func (m *InMemory) SetDisplayName(connID uuid.UUID, name string) error {
	m.connMu.Lock()
	defer m.connMu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.ErrUnknownConnection
	}
	conn.DisplayName = name
	return nil
}

func (m *InMemory) DisplayName(connID uuid.UUID) (string, error) {
	m.connMu.RLock()
	defer m.connMu.RUnlock()

	conn, ok := m.conns[connID]
	if !ok {
		return "", state.ErrUnknownConnection
	}
	return conn.DisplayName, nil
}
