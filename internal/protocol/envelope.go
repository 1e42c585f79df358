// Package protocol defines the JSON envelope exchanged on a session channel
// between the host peer, the broker, and the plugin peer.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Reserved envelope types. Any other type is treated as a command and
// forwarded to the plugin peer without interpretation.
const (
	TypeHandshake        = "handshake"
	TypeResponse         = "response"
	TypeFileStatusUpdate = "file_status_update"
	TypeError            = "error"
	TypeHeartbeat        = "heartbeat"
)

// Response status values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Broker-originated error codes.
const (
	CodeUnknownSession  = "unknown_session"
	CodePeerUnavailable = "peer_unavailable"
	CodeUnknownCommand  = "unknown_command"
	CodeMalformed       = "malformed_message"
	CodePeerDisconnect  = "peer_disconnected"
	CodeSessionClosed   = "session_closed"
)

// Envelope is the single wire message shape. Fields are populated according
// to Type; unused fields are omitted on the wire. Params and Result are kept
// raw so the broker never re-interprets command payloads.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`

	// Command payload (host -> plugin). Opaque to the broker.
	Params json.RawMessage `json:"params,omitempty"`

	// Handshake fields (either peer -> broker).
	InstanceID   string `json:"instance_id,omitempty"`
	FilePath     string `json:"file_path,omitempty"`
	DocumentGUID string `json:"document_guid,omitempty"`

	// Response fields (plugin -> host).
	Status string          `json:"status,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`

	// Error / response detail, human readable.
	Message string `json:"message,omitempty"`

	// Error code for broker-originated errors.
	Code string `json:"code,omitempty"`

	// Informational payload for file_status_update.
	StatusChanges json.RawMessage `json:"status_changes,omitempty"`

	Timestamp string `json:"timestamp,omitempty"`
}

// Decode parses a raw frame into an Envelope. A frame without a type
// discriminator is rejected; everything else is accepted so that command
// envelopes can carry arbitrary extra fields.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("malformed envelope: missing type")
	}
	return &env, nil
}

// Encode serializes an envelope for the wire.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// IsCommand reports whether the envelope is a command to forward to the
// plugin peer, i.e. its type is not reserved by the protocol.
func (e *Envelope) IsCommand() bool {
	switch e.Type {
	case TypeHandshake, TypeResponse, TypeFileStatusUpdate, TypeError, TypeHeartbeat:
		return false
	}
	return true
}

// NewError builds a broker-originated error envelope. The connection stays
// open; errors are data, not faults.
func NewError(code, message string) *Envelope {
	return &Envelope{
		Type:      TypeError,
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// NewErrorResponse builds a command response with status "error", used when
// a command cannot reach or be handled by the plugin peer.
func NewErrorResponse(requestID, message string) *Envelope {
	return &Envelope{
		Type:      TypeResponse,
		RequestID: requestID,
		Status:    StatusError,
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
