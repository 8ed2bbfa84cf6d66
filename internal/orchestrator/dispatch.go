package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/tracing"
	"github.com/rzapply/rzapply/internal/events"
	"github.com/rzapply/rzapply/internal/events/bus"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

// ErrDeliveryRejected is returned by a Pusher when the agent answers a task
// with accepted=false.
var ErrDeliveryRejected = errors.New("task rejected by agent")

// Pusher delivers tasks over a live push connection. Implementations are
// compared by identity, so they must be pointer types.
type Pusher interface {
	// Deliver sends the task and blocks until the agent acknowledges it,
	// the context expires or the connection fails.
	Deliver(ctx context.Context, task *v1.Task) error
	// Close terminates the connection with the given close code.
	Close(code int, reason string)
}

type delivery struct {
	task     *v1.Task
	clientID string
	pusher   Pusher
}

// AssignNext atomically pops the head of the pending queue and records it as
// running on clientID. It returns nil when the queue is empty. Poll fetches
// and push dispatch both go through this path.
func (s *Service) AssignNext(clientID string, channel v1.Transport) (*v1.Task, error) {
	var out []emission
	s.mu.Lock()
	task, err := s.assignNextLocked(clientID, channel, &out)
	if task != nil {
		task = cloneTask(task)
	}
	s.mu.Unlock()

	s.emit(out...)
	return task, err
}

func (s *Service) assignNextLocked(clientID string, channel v1.Transport, out *[]emission) (*v1.Task, error) {
	if _, ok := s.agents.Get(clientID); !ok {
		return nil, apperrors.UnknownClient(clientID)
	}

	var pusher Pusher
	if channel == v1.TransportPush {
		pusher = s.pushers[clientID]
		if pusher == nil {
			return nil, nil
		}
	} else {
		// a poll is proof of life and revives an expired agent
		_, _ = s.agents.Touch(clientID)
		if _, connected := s.pushers[clientID]; !connected {
			_ = s.agents.SetTransport(clientID, v1.TransportPoll)
		}
	}

	// An agent asking for work no longer holds its previous assignment.
	if taskID, held := s.assigned[clientID]; held {
		s.requeueLocked(s.running[taskID], "abandoned", out)
		_ = s.agents.MarkIdle(clientID)
	}

	task, ok := s.pending.Dequeue()
	if !ok {
		return nil, nil
	}

	s.running[task.ID] = &runningEntry{
		assignment: v1.Assignment{
			TaskID:    task.ID,
			ClientID:  clientID,
			Channel:   channel,
			StartedAt: s.now().UTC(),
		},
		task:   task,
		pusher: pusher,
	}
	s.assigned[clientID] = task.ID
	_ = s.agents.MarkRunning(clientID, task.ID)

	*out = append(*out, emission{events.TaskAssigned, bus.NewEvent(events.TaskAssigned, eventSource, map[string]interface{}{
		"task_id":   task.ID,
		"client_id": clientID,
		"channel":   string(channel),
		"attempts":  task.Attempts,
	})})
	s.logger.Info("task assigned",
		zap.String("task_id", task.ID),
		zap.String("client_id", clientID),
		zap.String("channel", string(channel)))
	return task, nil
}

// requeueLocked undoes a running assignment and puts its task back at the
// head of the queue. It does not touch the agent status.
func (s *Service) requeueLocked(entry *runningEntry, reason string, out *[]emission) {
	if entry == nil {
		return
	}
	taskID := entry.assignment.TaskID
	clientID := entry.assignment.ClientID

	delete(s.running, taskID)
	if s.assigned[clientID] == taskID {
		delete(s.assigned, clientID)
	}

	if err := s.pending.RequeueFront(entry.task); err != nil {
		s.logger.Warn("task not requeued",
			zap.String("task_id", taskID),
			zap.Error(err))
		return
	}

	*out = append(*out, emission{events.TaskRequeued, bus.NewEvent(events.TaskRequeued, eventSource, map[string]interface{}{
		"task_id":   taskID,
		"client_id": clientID,
		"reason":    reason,
	})})
	s.logger.Info("task requeued",
		zap.String("task_id", taskID),
		zap.String("client_id", clientID),
		zap.String("reason", reason))
}

// releaseLocked removes a running assignment after its result arrived
func (s *Service) releaseLocked(entry *runningEntry) {
	taskID := entry.assignment.TaskID
	clientID := entry.assignment.ClientID
	delete(s.running, taskID)
	if s.assigned[clientID] == taskID {
		delete(s.assigned, clientID)
	}
}

// Dispatch pairs pending tasks with idle push agents until either runs out.
// Pairing happens under the lock; the network send happens in its own
// goroutine so a slow agent never blocks the coordinator.
func (s *Service) Dispatch() {
	for {
		var out []emission
		s.mu.Lock()
		d, ok := s.nextDeliveryLocked(&out)
		s.mu.Unlock()
		s.emit(out...)

		if !ok {
			return
		}
		s.wg.Add(1)
		go s.deliver(d)
	}
}

func (s *Service) nextDeliveryLocked(out *[]emission) (delivery, bool) {
	if s.pending.Len() == 0 || len(s.pushers) == 0 {
		return delivery{}, false
	}

	agent, ok := s.agents.NextIdlePush(func(id string) bool {
		_, connected := s.pushers[id]
		return connected
	})
	if !ok {
		return delivery{}, false
	}

	task, err := s.assignNextLocked(agent.ID, v1.TransportPush, out)
	if err != nil || task == nil {
		return delivery{}, false
	}
	return delivery{
		task:     cloneTask(task),
		clientID: agent.ID,
		pusher:   s.pushers[agent.ID],
	}, true
}

func (s *Service) deliver(d delivery) {
	defer s.wg.Done()

	ctx, span := s.tracer.Start(s.ctx, "dispatch.deliver",
		trace.WithAttributes(tracing.TaskAttributes(d.task.ID, d.clientID)...))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.AckTimeout)
	defer cancel()

	err := d.pusher.Deliver(ctx, d.task)
	if err == nil {
		s.logger.Debug("task delivered",
			zap.String("task_id", d.task.ID),
			zap.String("client_id", d.clientID))
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("no acknowledgement within %s: %w", s.cfg.AckTimeout, err)
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "delivery failed")
	s.logger.Warn("push delivery failed",
		zap.String("task_id", d.task.ID),
		zap.String("client_id", d.clientID),
		zap.Error(err))

	s.failDelivery(d)
	s.Dispatch()
}

// failDelivery requeues the task (if the assignment is still the one that
// was sent) and drops the push session that failed to take it.
func (s *Service) failDelivery(d delivery) {
	var out []emission
	dropped := false

	s.mu.Lock()
	if entry, ok := s.running[d.task.ID]; ok && entry.assignment.ClientID == d.clientID && entry.pusher == d.pusher {
		s.requeueLocked(entry, "delivery_failed", &out)
	}
	if current, ok := s.pushers[d.clientID]; ok && current == d.pusher {
		delete(s.pushers, d.clientID)
		if taskID, held := s.assigned[d.clientID]; held {
			s.requeueLocked(s.running[taskID], "delivery_failed", &out)
		}
		_ = s.agents.MarkOffline(d.clientID)
		out = append(out, agentOffline(d.clientID, "delivery_failed"))
		dropped = true
	}
	s.mu.Unlock()

	if dropped {
		d.pusher.Close(ws.CloseDropped, "task delivery failed")
	}
	s.emit(out...)
}

func agentOffline(clientID, reason string) emission {
	return emission{events.AgentOffline, bus.NewEvent(events.AgentOffline, eventSource, map[string]interface{}{
		"client_id": clientID,
		"reason":    reason,
	})}
}
