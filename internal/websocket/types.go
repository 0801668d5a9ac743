package websocket

import (
	"time"

	"admission-gateway/pkg/ratelimit"

	"github.com/gorilla/websocket"
)

// SnapshotFilters narrows the per-tier and per-reason breakdowns a
// subscriber receives. Empty filters pass everything through.
type SnapshotFilters struct {
	Tiers   []ratelimit.Tier   `json:"tiers,omitempty"`
	Reasons []ratelimit.Reason `json:"reasons,omitempty"`
}

// Message is the envelope for every frame the hub writes.
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Client is one dashboard connection.
type Client struct {
	ID       string
	Conn     *websocket.Conn
	Filters  SnapshotFilters
	Send     chan Message
	LastPing time.Time
	IsActive bool
}

// MetricsPublisher is the part of the hub the limiter's snapshot handler uses.
type MetricsPublisher interface {
	Publish(snapshot ratelimit.SystemMetricsSnapshot) error
}

// ClientStats provides statistics about connected clients
type ClientStats struct {
	TotalClients    int `json:"totalClients"`
	ActiveClients   int `json:"activeClients"`
	InactiveClients int `json:"inactiveClients"`
}

// Message types for WebSocket communication
const (
	MessageTypeMetrics    = "metrics_snapshot"
	MessageTypeSubscribed = "subscribed"
	MessageTypePing       = "ping"
	MessageTypePong       = "pong"
	MessageTypeError      = "error"
)

// Client message types
const (
	ClientMessageSubscribe = "subscribe"
	ClientMessagePing      = "ping"
)
