// Package registry tracks worker agents, their liveness and status.
package registry

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

var (
	// ErrUnknownClient is returned for operations on an agent that never registered
	ErrUnknownClient = errors.New("unknown client")
	// ErrTaskRequired is returned for a running heartbeat without a task
	ErrTaskRequired = errors.New("running status requires a task id")
	// ErrInvalidStatus is returned for a heartbeat status outside idle/running/offline
	ErrInvalidStatus = errors.New("invalid agent status")
)

// RegisterParams carries the metadata an agent reports about itself
type RegisterParams struct {
	ClientID       string
	Hostname       string
	Platform       string
	RuntimeVersion string
	Headless       bool
	Transport      v1.Transport
}

type record struct {
	agent v1.Agent
	// idleSeq orders idle agents by when they last became idle.
	idleSeq uint64
}

// Counts summarises agents by status
type Counts struct {
	Total, Idle, Running, Offline int
}

// Registry is the source of truth for known agents. It does no locking of
// its own: the orchestrator service serializes every call.
type Registry struct {
	agents map[string]*record
	seq    uint64
	now    func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		agents: make(map[string]*record),
		now:    time.Now,
	}
}

// SetClock overrides the time source
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// NewClientID returns a random 32-character hex identifier
func NewClientID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// Register upserts an agent as idle. A blank ClientID gets a fresh identifier.
func (r *Registry) Register(p RegisterParams) v1.Agent {
	id := strings.TrimSpace(p.ClientID)
	if id == "" {
		id = NewClientID()
	}
	now := r.now().UTC()

	rec, ok := r.agents[id]
	if !ok {
		rec = &record{agent: v1.Agent{ID: id, RegisteredAt: now}}
		r.agents[id] = rec
	}
	rec.agent.Hostname = p.Hostname
	rec.agent.Platform = p.Platform
	rec.agent.RuntimeVersion = p.RuntimeVersion
	rec.agent.Headless = p.Headless
	if p.Transport != "" {
		rec.agent.Transport = p.Transport
	} else if rec.agent.Transport == "" {
		rec.agent.Transport = v1.TransportPoll
	}
	rec.agent.LastSeen = now
	r.setIdle(rec)
	return rec.agent
}

// Get returns a copy of the agent record
func (r *Registry) Get(id string) (v1.Agent, bool) {
	rec, ok := r.agents[id]
	if !ok {
		return v1.Agent{}, false
	}
	return rec.agent, true
}

// Heartbeat applies a reported status. Running requires a task id; idle and
// offline clear it.
func (r *Registry) Heartbeat(id string, status v1.AgentStatus, taskID string) (v1.Agent, error) {
	rec, ok := r.agents[id]
	if !ok {
		return v1.Agent{}, ErrUnknownClient
	}
	if !status.Valid() {
		return rec.agent, ErrInvalidStatus
	}
	taskID = strings.TrimSpace(taskID)
	if status == v1.AgentStatusRunning && taskID == "" {
		return rec.agent, ErrTaskRequired
	}

	rec.agent.LastSeen = r.now().UTC()
	switch status {
	case v1.AgentStatusIdle:
		if rec.agent.Status != v1.AgentStatusIdle {
			r.setIdle(rec)
		}
	case v1.AgentStatusRunning:
		rec.agent.Status = v1.AgentStatusRunning
		rec.agent.TaskID = taskID
	case v1.AgentStatusOffline:
		rec.agent.Status = v1.AgentStatusOffline
		rec.agent.TaskID = ""
	}
	return rec.agent, nil
}

// Touch refreshes LastSeen. An offline agent comes back as idle.
func (r *Registry) Touch(id string) (v1.Agent, error) {
	rec, ok := r.agents[id]
	if !ok {
		return v1.Agent{}, ErrUnknownClient
	}
	rec.agent.LastSeen = r.now().UTC()
	if rec.agent.Status == v1.AgentStatusOffline {
		r.setIdle(rec)
	}
	return rec.agent, nil
}

// MarkRunning records that the agent is executing taskID
func (r *Registry) MarkRunning(id, taskID string) error {
	rec, ok := r.agents[id]
	if !ok {
		return ErrUnknownClient
	}
	rec.agent.Status = v1.AgentStatusRunning
	rec.agent.TaskID = taskID
	return nil
}

// MarkIdle returns the agent to idle with no task
func (r *Registry) MarkIdle(id string) error {
	rec, ok := r.agents[id]
	if !ok {
		return ErrUnknownClient
	}
	r.setIdle(rec)
	return nil
}

// MarkOffline sets the agent offline and clears its task
func (r *Registry) MarkOffline(id string) error {
	rec, ok := r.agents[id]
	if !ok {
		return ErrUnknownClient
	}
	rec.agent.Status = v1.AgentStatusOffline
	rec.agent.TaskID = ""
	return nil
}

// SetTransport records how the agent currently receives work
func (r *Registry) SetTransport(id string, t v1.Transport) error {
	rec, ok := r.agents[id]
	if !ok {
		return ErrUnknownClient
	}
	rec.agent.Transport = t
	return nil
}

// NextIdlePush returns the push agent that has been idle the longest.
// accept filters out candidates the caller cannot deliver to.
func (r *Registry) NextIdlePush(accept func(id string) bool) (v1.Agent, bool) {
	var best *record
	for id, rec := range r.agents {
		if rec.agent.Status != v1.AgentStatusIdle || rec.agent.Transport != v1.TransportPush {
			continue
		}
		if accept != nil && !accept(id) {
			continue
		}
		if best == nil || rec.idleSeq < best.idleSeq {
			best = rec
		}
	}
	if best == nil {
		return v1.Agent{}, false
	}
	return best.agent, true
}

// Expired returns agents not seen since cutoff that are not already offline
func (r *Registry) Expired(cutoff time.Time) []v1.Agent {
	var out []v1.Agent
	for _, rec := range r.agents {
		if rec.agent.Status != v1.AgentStatusOffline && rec.agent.LastSeen.Before(cutoff) {
			out = append(out, rec.agent)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// List returns copies of all agents ordered by ID
func (r *Registry) List() []v1.Agent {
	out := make([]v1.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		out = append(out, rec.agent)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts tallies agents by status
func (r *Registry) Counts() Counts {
	c := Counts{Total: len(r.agents)}
	for _, rec := range r.agents {
		switch rec.agent.Status {
		case v1.AgentStatusIdle:
			c.Idle++
		case v1.AgentStatusRunning:
			c.Running++
		case v1.AgentStatusOffline:
			c.Offline++
		}
	}
	return c
}

func (r *Registry) setIdle(rec *record) {
	r.seq++
	rec.idleSeq = r.seq
	rec.agent.Status = v1.AgentStatusIdle
	rec.agent.TaskID = ""
}
