// Package registry holds the proxy's in-memory connection/session state:
// four maps plus a connection-to-server-name reverse index, all behind one
// mutex and mutated only under short critical sections.
// No operation here performs I/O; callers snapshot whatever they need to
// send and do the actual write after releasing the lock.
package registry

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/fabriclink/fabric/internal/wire"
)

var (
	ErrAlreadyAuthenticated = errors.New("already_authenticated")
	ErrAlreadyRegistered    = errors.New("already_registered")
	ErrUnknownServer        = errors.New("unknown_server_name")
	ErrInvalidPassword      = errors.New("invalid_server_password")
	ErrUnknownConnection    = errors.New("unknown_connection")
	ErrUnknownSession       = errors.New("unknown_session")
	ErrWrongConnection      = errors.New("wrong_connection")
)

// Outbox is the per-connection outbound queue. Only the connection's single
// writer goroutine drains it to the socket; the registry never writes a
// socket directly, it only hands back the channel for the caller to use.
type Outbox = chan<- []byte

type serverRegistration struct {
	connID   uuid.UUID
	password string
}

// Session binds exactly two connections.
type Session struct {
	ID           uuid.UUID
	ServerConnID uuid.UUID
	ClientConnID uuid.UUID
}

// Notification is a side effect the registry computed under lock but that
// must be delivered after the lock is released.
type Notification struct {
	Target  uuid.UUID
	Message wire.SessionClosed
}

type Registry struct {
	mu sync.Mutex

	connections map[uuid.UUID]Outbox
	roles       map[uuid.UUID]wire.Role
	servers     map[string]serverRegistration
	serverOwner map[uuid.UUID]string // conn id -> server name, for O(1) detach cleanup
	sessions    map[uuid.UUID]Session
}

func New() *Registry {
	return &Registry{
		connections: make(map[uuid.UUID]Outbox),
		roles:       make(map[uuid.UUID]wire.Role),
		servers:     make(map[string]serverRegistration),
		serverOwner: make(map[uuid.UUID]string),
		sessions:    make(map[uuid.UUID]Session),
	}
}

// Attach registers a fresh connection's outbound queue. Idempotent for a
// connection id that hasn't been seen before.
func (r *Registry) Attach(connID uuid.UUID, out Outbox) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connections[connID] = out
}

// SenderFor snapshots a connection's outbound channel so the caller can send
// without holding the registry lock.
func (r *Registry) SenderFor(connID uuid.UUID) (Outbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out, ok := r.connections[connID]
	if !ok {
		return nil, ErrUnknownConnection
	}
	return out, nil
}

// SetRole assigns a connection's role exactly once.
func (r *Registry) SetRole(connID uuid.UUID, role wire.Role) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[connID]; ok {
		return ErrAlreadyAuthenticated
	}
	r.roles[connID] = role
	return nil
}

// RoleOf returns the role assigned to connID, if any.
func (r *Registry) RoleOf(connID uuid.UUID) (wire.Role, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[connID]
	return role, ok
}

// RegisterServer inserts a server registration iff the name is free.
func (r *Registry) RegisterServer(connID uuid.UUID, name, password string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[name]; exists {
		return ErrAlreadyRegistered
	}
	r.servers[name] = serverRegistration{connID: connID, password: password}
	r.serverOwner[connID] = name
	return nil
}

// OpenSession binds a client connection to a registered server after a
// byte-equal password comparison.
func (r *Registry) OpenSession(clientConnID uuid.UUID, serverName, password string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.servers[serverName]
	if !ok {
		return Session{}, ErrUnknownServer
	}
	if reg.password != password {
		return Session{}, ErrInvalidPassword
	}

	sess := Session{ID: uuid.New(), ServerConnID: reg.connID, ClientConnID: clientConnID}
	r.sessions[sess.ID] = sess
	return sess, nil
}

// Route returns the opposite participant of a session, provided fromConnID
// is actually one of its two endpoints.
func (r *Registry) Route(sessionID, fromConnID uuid.UUID) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return uuid.UUID{}, ErrUnknownSession
	}
	switch fromConnID {
	case sess.ServerConnID:
		return sess.ClientConnID, nil
	case sess.ClientConnID:
		return sess.ServerConnID, nil
	default:
		return uuid.UUID{}, ErrWrongConnection
	}
}

// CloseSessionAsServer removes sessionID iff connID is its server endpoint.
func (r *Registry) CloseSessionAsServer(sessionID, connID uuid.UUID) (Session, bool) {
	return r.closeSessionAs(sessionID, connID, true)
}

// CloseSessionAsClient removes sessionID iff connID is its client endpoint.
func (r *Registry) CloseSessionAsClient(sessionID, connID uuid.UUID) (Session, bool) {
	return r.closeSessionAs(sessionID, connID, false)
}

func (r *Registry) closeSessionAs(sessionID, connID uuid.UUID, asServer bool) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	owner := sess.ClientConnID
	if asServer {
		owner = sess.ServerConnID
	}
	if owner != connID {
		return Session{}, false
	}
	delete(r.sessions, sessionID)
	return sess, true
}

// SessionParticipant reports whether connID is one of session sessionID's
// two endpoints, without mutating anything.
func (r *Registry) SessionParticipant(sessionID, connID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	return connID == sess.ServerConnID || connID == sess.ClientConnID
}

// Detach atomically removes a connection, its role, any server registration
// it owned, and every session touching it, returning the notifications the
// caller must deliver to surviving peers after releasing the lock.
func (r *Registry) Detach(connID uuid.UUID) []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.connections, connID)
	delete(r.roles, connID)

	if name, ok := r.serverOwner[connID]; ok {
		delete(r.servers, name)
		delete(r.serverOwner, connID)
	}

	var notifications []Notification
	for id, sess := range r.sessions {
		var survivor uuid.UUID
		var reason string
		switch connID {
		case sess.ServerConnID:
			survivor, reason = sess.ClientConnID, "server disconnected"
		case sess.ClientConnID:
			survivor, reason = sess.ServerConnID, "client disconnected"
		default:
			continue
		}
		delete(r.sessions, id)
		notifications = append(notifications, Notification{
			Target:  survivor,
			Message: wire.NewSessionClosed(id, reason),
		})
	}

	return notifications
}
