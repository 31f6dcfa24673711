package realtime

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const defaultSendBuffer = 64

// RegistryConfig configures the session registry.
type RegistryConfig struct {
	SendBuffer int
	Logger     *zap.Logger
}

// Session is one live connection. Its outbound queue is closed when the session disconnects.
type Session struct {
	id     string
	userID string

	mu       sync.Mutex
	closed   bool
	rooms    map[string]struct{}
	outbound chan Event
}

// ID returns the connection id.
func (s *Session) ID() string {
	return s.id
}

// UserID returns the authenticated user behind the connection, if any.
func (s *Session) UserID() string {
	return s.userID
}

// Outbound is drained by the connection's writer.
func (s *Session) Outbound() <-chan Event {
	return s.outbound
}

// Rooms returns the joined room ids in sorted order.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	rooms := make([]string, 0, len(s.rooms))
	for documentID := range s.rooms {
		rooms = append(rooms, documentID)
	}
	sort.Strings(rooms)
	return rooms
}

// IsMember reports whether the session is joined to the room.
func (s *Session) IsMember(documentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[documentID]
	return ok
}

type deliveryResult int

const (
	deliveryQueued deliveryResult = iota
	deliveryDropped
	deliveryGone
)

func (s *Session) deliver(event Event) deliveryResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return deliveryGone
	}
	select {
	case s.outbound <- event:
		return deliveryQueued
	default:
		return deliveryDropped
	}
}

type room struct {
	mu      sync.RWMutex
	members map[string]*Session
}

func (r *room) snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := make([]*Session, 0, len(r.members))
	for _, session := range r.members {
		members = append(members, session)
	}
	return members
}

// Registry tracks live sessions and the rooms they joined. Locks are taken in the order
// session, room table, room.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	roomsMu sync.Mutex
	rooms   map[string]*room

	sendBuffer int
	logger     *zap.Logger
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	sendBuffer := cfg.SendBuffer
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		sessions:   make(map[string]*Session),
		rooms:      make(map[string]*room),
		sendBuffer: sendBuffer,
		logger:     logger,
	}
}

// Register adds a session with no joined rooms.
func (r *Registry) Register(connectionID string, userID string) (*Session, error) {
	connectionID = strings.TrimSpace(connectionID)
	if connectionID == "" {
		return nil, fmt.Errorf("%w: connection id is required", ErrInvalidSession)
	}
	session := &Session{
		id:       connectionID,
		userID:   userID,
		rooms:    make(map[string]struct{}),
		outbound: make(chan Event, r.sendBuffer),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[connectionID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionExists, connectionID)
	}
	r.sessions[connectionID] = session
	return session, nil
}

// Lookup returns a live session.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// Join adds the session to the document's room, creating the room when needed. Joining twice is a no-op.
func (r *Registry) Join(sessionID string, documentID string) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: document id is required", ErrInvalidEvent)
	}
	session, ok := r.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.closed {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if _, joined := session.rooms[documentID]; joined {
		return nil
	}
	r.addMember(documentID, session)
	session.rooms[documentID] = struct{}{}
	return nil
}

// Leave removes the session from the room. Unknown sessions and rooms are ignored.
func (r *Registry) Leave(sessionID string, documentID string) {
	session, ok := r.Lookup(sessionID)
	if !ok {
		return
	}
	session.mu.Lock()
	defer session.mu.Unlock()
	if _, joined := session.rooms[documentID]; !joined {
		return
	}
	delete(session.rooms, documentID)
	r.removeMember(documentID, sessionID)
}

// Disconnect removes the session and every membership it holds, then closes its outbound queue.
// Calling it again is a no-op.
func (r *Registry) Disconnect(sessionID string) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.closed {
		return
	}
	session.closed = true
	for documentID := range session.rooms {
		r.removeMember(documentID, sessionID)
	}
	session.rooms = make(map[string]struct{})
	close(session.outbound)
	r.logger.Debug("realtime session disconnected", zap.String("session_id", sessionID))
}

// DisconnectAll disconnects every live session. Connection owners observe the closed outbound queues and
// hang up.
func (r *Registry) DisconnectAll() {
	r.mu.RLock()
	sessionIDs := make([]string, 0, len(r.sessions))
	for sessionID := range r.sessions {
		sessionIDs = append(sessionIDs, sessionID)
	}
	r.mu.RUnlock()
	for _, sessionID := range sessionIDs {
		r.Disconnect(sessionID)
	}
}

// Members returns the session ids joined to the room in sorted order.
func (r *Registry) Members(documentID string) []string {
	members := r.members(documentID)
	if len(members) == 0 {
		return nil
	}
	ids := make([]string, 0, len(members))
	for _, session := range members {
		ids = append(ids, session.id)
	}
	sort.Strings(ids)
	return ids
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// RoomCount returns the number of rooms with at least one member.
func (r *Registry) RoomCount() int {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	return len(r.rooms)
}

func (r *Registry) members(documentID string) []*Session {
	r.roomsMu.Lock()
	target := r.rooms[documentID]
	r.roomsMu.Unlock()
	if target == nil {
		return nil
	}
	return target.snapshot()
}

func (r *Registry) addMember(documentID string, session *Session) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	target, ok := r.rooms[documentID]
	if !ok {
		target = &room{members: make(map[string]*Session)}
		r.rooms[documentID] = target
	}
	target.mu.Lock()
	target.members[session.id] = session
	target.mu.Unlock()
}

func (r *Registry) removeMember(documentID string, sessionID string) {
	r.roomsMu.Lock()
	defer r.roomsMu.Unlock()
	target, ok := r.rooms[documentID]
	if !ok {
		return
	}
	target.mu.Lock()
	delete(target.members, sessionID)
	empty := len(target.members) == 0
	target.mu.Unlock()
	if empty {
		delete(r.rooms, documentID)
	}
}
