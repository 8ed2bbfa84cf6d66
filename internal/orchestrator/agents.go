package orchestrator

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/events"
	"github.com/rzapply/rzapply/internal/events/bus"
	"github.com/rzapply/rzapply/internal/orchestrator/registry"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

func registerParams(req *v1.RegisterRequest, transport v1.Transport) registry.RegisterParams {
	p := registry.RegisterParams{
		ClientID:       req.ClientID,
		Hostname:       req.Hostname,
		Platform:       req.Platform,
		RuntimeVersion: req.RuntimeVersion,
		Transport:      transport,
	}
	if req.Headless != nil {
		p.Headless = *req.Headless
	}
	return p
}

// Register records an agent that announced itself over HTTP. Re-registering
// an agent that still holds an assignment means it restarted, so the task
// goes back to the head of the queue.
func (s *Service) Register(ctx context.Context, req *v1.RegisterRequest) (v1.Agent, error) {
	if req == nil {
		return v1.Agent{}, apperrors.MalformedPayload("register payload is required", nil)
	}

	var out []emission
	s.mu.Lock()
	agent := s.registerLocked(registerParams(req, ""), &out)
	s.mu.Unlock()

	s.emit(out...)
	s.Dispatch()
	return agent, nil
}

func (s *Service) registerLocked(p registry.RegisterParams, out *[]emission) v1.Agent {
	if id := strings.TrimSpace(p.ClientID); id != "" {
		if taskID, held := s.assigned[id]; held {
			s.requeueLocked(s.running[taskID], "re_registered", out)
		}
	}
	agent := s.agents.Register(p)

	*out = append(*out, emission{events.AgentRegistered, bus.NewEvent(events.AgentRegistered, eventSource, map[string]interface{}{
		"client_id": agent.ID,
		"hostname":  agent.Hostname,
		"transport": string(agent.Transport),
	})})
	s.logger.Info("agent registered",
		zap.String("client_id", agent.ID),
		zap.String("hostname", agent.Hostname),
		zap.String("transport", string(agent.Transport)))
	return agent
}

// AttachPusher registers an agent on a push connection and binds p as its
// session. A session already bound to the same agent is closed as replaced.
//
// acknowledge runs under the coordinator lock before p becomes visible to
// Dispatch, so whatever it queues on the connection precedes any task
// packet. If it fails the session is not bound. AttachPusher does not
// dispatch; the caller triggers Dispatch afterwards.
func (s *Service) AttachPusher(req *v1.RegisterRequest, p Pusher, acknowledge func(v1.Agent) error) (v1.Agent, error) {
	if req == nil {
		return v1.Agent{}, apperrors.MalformedPayload("register payload is required", nil)
	}

	var out []emission
	s.mu.Lock()
	agent := s.registerLocked(registerParams(req, v1.TransportPush), &out)
	if acknowledge != nil {
		if err := acknowledge(agent); err != nil {
			s.mu.Unlock()
			s.emit(out...)
			return agent, err
		}
	}
	old := s.pushers[agent.ID]
	s.pushers[agent.ID] = p
	s.mu.Unlock()

	if old != nil && old != p {
		s.logger.Info("push session replaced", zap.String("client_id", agent.ID))
		old.Close(ws.CloseReplaced, "replaced by a newer connection")
	}
	s.emit(out...)
	return agent, nil
}

// DetachPusher unbinds p after its connection closed. It is a no-op when p
// is no longer the agent's current session.
func (s *Service) DetachPusher(clientID string, p Pusher) {
	var out []emission
	s.mu.Lock()
	current, ok := s.pushers[clientID]
	if !ok || current != p {
		s.mu.Unlock()
		return
	}
	delete(s.pushers, clientID)
	if taskID, held := s.assigned[clientID]; held {
		if entry := s.running[taskID]; entry != nil && entry.assignment.Channel == v1.TransportPush {
			s.requeueLocked(entry, "disconnected", &out)
		}
	}
	_ = s.agents.MarkOffline(clientID)
	out = append(out, agentOffline(clientID, "disconnected"))
	s.mu.Unlock()

	s.logger.Info("push session detached", zap.String("client_id", clientID))
	s.emit(out...)
	s.Dispatch()
}

// Heartbeat applies an agent's status report. The running table is
// authoritative: while the coordinator holds an assignment for the agent it
// stays running unless it reports going offline, and a running report with
// no assignment held counts as idle.
func (s *Service) Heartbeat(ctx context.Context, req *v1.HeartbeatRequest) (v1.Agent, error) {
	if req == nil || strings.TrimSpace(req.ClientID) == "" {
		return v1.Agent{}, apperrors.MalformedPayload("client_id is required", nil)
	}
	if !req.Status.Valid() {
		return v1.Agent{}, apperrors.MalformedPayload("invalid status '"+string(req.Status)+"'", registry.ErrInvalidStatus)
	}

	var out []emission
	s.mu.Lock()
	if _, ok := s.agents.Get(req.ClientID); !ok {
		s.mu.Unlock()
		return v1.Agent{}, apperrors.UnknownClient(req.ClientID)
	}

	status, taskID := req.Status, req.TaskID
	if held, ok := s.assigned[req.ClientID]; ok {
		if status == v1.AgentStatusOffline {
			s.requeueLocked(s.running[held], "agent_offline", &out)
		} else {
			status, taskID = v1.AgentStatusRunning, held
		}
	} else if status == v1.AgentStatusRunning && taskID != "" {
		// The result for that task already arrived or the task was taken back.
		status, taskID = v1.AgentStatusIdle, ""
	}

	agent, err := s.agents.Heartbeat(req.ClientID, status, taskID)
	if err != nil {
		s.mu.Unlock()
		if err == registry.ErrUnknownClient {
			return v1.Agent{}, apperrors.UnknownClient(req.ClientID)
		}
		return v1.Agent{}, apperrors.MalformedPayload(err.Error(), err)
	}
	_, connected := s.pushers[req.ClientID]
	s.mu.Unlock()

	s.emit(out...)
	if (agent.Status == v1.AgentStatusIdle && connected) || len(out) > 0 {
		s.Dispatch()
	}
	return agent, nil
}

// ExpireAgents marks agents silent for longer than the expiry window as
// offline, requeues their assignments and closes their push sessions. It
// returns the number of agents expired.
func (s *Service) ExpireAgents() int {
	if s.cfg.ExpiryMultiplier <= 0 {
		return 0
	}
	window := s.cfg.HeartbeatInterval * time.Duration(s.cfg.ExpiryMultiplier)
	cutoff := s.now().Add(-window)

	var out []emission
	var sessions []Pusher
	s.mu.Lock()
	expired := s.agents.Expired(cutoff)
	for _, agent := range expired {
		if taskID, held := s.assigned[agent.ID]; held {
			s.requeueLocked(s.running[taskID], "expired", &out)
		}
		if p, ok := s.pushers[agent.ID]; ok {
			delete(s.pushers, agent.ID)
			sessions = append(sessions, p)
		}
		_ = s.agents.MarkOffline(agent.ID)
		out = append(out, agentOffline(agent.ID, "expired"))
		s.logger.Warn("agent expired",
			zap.String("client_id", agent.ID),
			zap.Time("last_seen", agent.LastSeen))
	}
	s.mu.Unlock()

	for _, p := range sessions {
		p.Close(ws.CloseDropped, "heartbeat expired")
	}
	s.emit(out...)
	if len(expired) > 0 {
		s.Dispatch()
	}
	return len(expired)
}

func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.ExpireAgents()
		}
	}
}
