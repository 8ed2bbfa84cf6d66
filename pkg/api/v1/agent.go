package v1

import "time"

// AgentStatus represents the liveness state of a worker agent
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusOffline AgentStatus = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusIdle, AgentStatusRunning, AgentStatusOffline:
		return true
	}
	return false
}

// Transport identifies how an agent receives work
type Transport string

const (
	TransportPoll Transport = "poll"
	TransportPush Transport = "push"
)

// Agent is a registered worker process
type Agent struct {
	ID             string      `json:"client_id"`
	Hostname       string      `json:"hostname,omitempty"`
	Platform       string      `json:"platform,omitempty"`
	RuntimeVersion string      `json:"runtime_version,omitempty"`
	Headless       bool        `json:"headless"`
	Status         AgentStatus `json:"status"`
	TaskID         string      `json:"task_id,omitempty"`
	Transport      Transport   `json:"transport"`
	LastSeen       time.Time   `json:"last_seen"`
	RegisteredAt   time.Time   `json:"registered_at"`
}

// RegisterRequest is sent by an agent over HTTP or as the first push packet
type RegisterRequest struct {
	ClientID       string `json:"client_id,omitempty"`
	Hostname       string `json:"hostname,omitempty"`
	Platform       string `json:"platform,omitempty"`
	RuntimeVersion string `json:"runtime_version,omitempty"`
	Headless       *bool  `json:"headless,omitempty"`
}

// RegisterResponse tells the agent its identity and how to reach the push endpoint
type RegisterResponse struct {
	ClientID          string `json:"client_id"`
	WSURL             string `json:"ws_url,omitempty"`
	SupportsWS        bool   `json:"supports_ws"`
	HeartbeatInterval int    `json:"heartbeat_interval"` // seconds
}

// HeartbeatRequest reports agent liveness and current work
type HeartbeatRequest struct {
	ClientID  string      `json:"client_id"`
	Status    AgentStatus `json:"status"`
	TaskID    string      `json:"task_id,omitempty"`
	Timestamp string      `json:"timestamp,omitempty"`
}

// AgentListResponse lists registered agents
type AgentListResponse struct {
	Agents []Agent `json:"agents"`
	Total  int     `json:"total"`
}
