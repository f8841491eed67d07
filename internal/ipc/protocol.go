// Package ipc implements the point-to-point request/response protocol between
// the foreground application and the supervision daemon, carried as a single
// JSON request and a single JSON response per local socket connection.
package ipc

import (
	"encoding/json"
	"time"
)

// Request message types.
const (
	TypeStatus    = "status"
	TypeCleanup   = "cleanup"
	TypePing      = "ping"
	TypeCheckPort = "check-port"
	TypeFindPort  = "find-port"
)

// Response message types.
const (
	TypeStatusResponse    = "status_response"
	TypeCleanupResponse   = "cleanup_response"
	TypePortCheckResponse = "port_check_response"
	TypeFindPortResponse  = "find_port_response"
	TypePong              = "pong"
)

// Protocol-level error strings returned in the error envelope.
const (
	ErrInvalidJSON        = "Invalid JSON"
	ErrUnknownMessageType = "Unknown message type"
)

// Request is the single message a client sends per connection.
type Request struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Envelope is the single message the server writes back. Error responses
// carry only the error field.
type Envelope struct {
	Type      string `json:"type,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ProcessInfo names the process occupying a busy port.
type ProcessInfo struct {
	ProcessName string `json:"processName"`
	PID         int    `json:"pid"`
}

// StatusData answers a status request.
type StatusData struct {
	Running   bool    `json:"running"`
	PID       int     `json:"pid"`
	Uptime    float64 `json:"uptime"` // seconds
	Timestamp int64   `json:"timestamp"`
}

// CleanupData answers a cleanup request.
type CleanupData struct {
	Success      bool   `json:"success"`
	CleanedCount int    `json:"cleanedCount"`
	Error        string `json:"error,omitempty"`
	Timestamp    int64  `json:"timestamp"`
}

// CheckPortParams are the request parameters of check-port.
type CheckPortParams struct {
	Port int `json:"port"`
}

// PortCheckData answers a check-port request. An out-of-range port is a
// successful check reporting the port unavailable, never a protocol error.
type PortCheckData struct {
	Success     bool         `json:"success"`
	Port        int          `json:"port"`
	Available   bool         `json:"available"`
	Reason      string       `json:"reason,omitempty"`
	ProcessInfo *ProcessInfo `json:"processInfo,omitempty"`
	Timestamp   int64        `json:"timestamp"`
}

// FindPortParams are the request parameters of find-port.
type FindPortParams struct {
	StartPort   int `json:"startPort"`
	MaxAttempts int `json:"maxAttempts"`
}

// FindPortData answers a find-port request. SuggestedPort is 0 when the
// attempt budget was exhausted.
type FindPortData struct {
	Success       bool   `json:"success"`
	SuggestedPort int    `json:"suggestedPort"`
	StartPort     int    `json:"startPort"`
	Error         string `json:"error,omitempty"`
	Timestamp     int64  `json:"timestamp"`
}

func now() int64 { return time.Now().UnixMilli() }
