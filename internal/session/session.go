// Package session owns the durable session records and their lifecycle.
//
// A session binds one (user, file) pair to a relay channel. The in-memory
// store is the live authority; SQLite mirrors every transition so sessions
// survive a broker restart, coming back as disconnected and resumable.
package session

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	// StatusCreated means no peer has connected yet.
	StatusCreated Status = "created"
	// StatusAwaitingPeers means the first pairing is underway: at least one
	// peer is attached and the session has not been active yet.
	StatusAwaitingPeers Status = "awaiting_peers"
	// StatusActive means both host and plugin are attached and handshaked.
	StatusActive Status = "active"
	// StatusDisconnected means the session has lost a peer since pairing,
	// or its first pairing gave up. Zero or one peer may be attached; the
	// session resumes to active once both are back and handshaked.
	StatusDisconnected Status = "disconnected"
	// StatusClosed is terminal.
	StatusClosed Status = "closed"
)

// Role identifies which side of a session a connection speaks for.
type Role string

const (
	RoleHost   Role = "host"
	RolePlugin Role = "plugin"
)

// ParseRole validates a role string from a query parameter.
func ParseRole(s string) (Role, bool) {
	switch Role(s) {
	case RoleHost, RolePlugin:
		return Role(s), true
	}
	return "", false
}

// Other returns the opposite role.
func (r Role) Other() Role {
	if r == RoleHost {
		return RolePlugin
	}
	return RoleHost
}

// Session is the durable record of a brokered (user, file) pairing.
type Session struct {
	ID           string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	LicenseID    string    `json:"license_id"`
	FilePath     string    `json:"file_path"`
	DocumentGUID string    `json:"document_guid"`
	Status       Status    `json:"status"`
	Endpoint     string    `json:"websocket_url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Open reports whether the session still counts against its license quota.
func (s *Session) Open() bool {
	return s.Status != StatusClosed
}

// clone returns a copy safe to hand out of the store lock.
func (s *Session) clone() *Session {
	c := *s
	return &c
}
