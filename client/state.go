package main

import (
	"time"
)

// SessionState is the connection lifecycle position. Transitions are owned
// by ConnectionSession; everything else reads a snapshot.
type SessionState int

const (
	StateIdle SessionState = iota
	StateNegotiatingAuth
	StateNegotiatingTunnel
	StateRoutingApplied
	StateConnected
	StateReconnecting
	StateDisconnecting
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiatingAuth:
		return "negotiating-auth"
	case StateNegotiatingTunnel:
		return "negotiating-tunnel"
	case StateRoutingApplied:
		return "routing-applied"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	}
	return "unknown"
}

// StatusInfo is the snapshot returned over IPC.
type StatusInfo struct {
	State            string    `json:"state"`
	Gateway          string    `json:"gateway,omitempty"`
	TunnelKind       string    `json:"tunnel_kind,omitempty"`
	VirtualIP        string    `json:"virtual_ip,omitempty"`
	ConnectedSince   time.Time `json:"connected_since,omitempty"`
	UptimeSeconds    int64     `json:"uptime_seconds,omitempty"`
	ReconnectAttempt int       `json:"reconnect_attempt,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
}
