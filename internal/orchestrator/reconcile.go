package orchestrator

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/tracing"
	"github.com/rzapply/rzapply/internal/events"
	"github.com/rzapply/rzapply/internal/events/bus"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

// ValidateResult checks the fields every result must carry
func ValidateResult(res *v1.TaskResult) error {
	if res == nil {
		return apperrors.InvalidResultPayload("result payload is required")
	}
	if strings.TrimSpace(res.TaskID) == "" {
		return apperrors.InvalidResultPayload("task_id is required")
	}
	if strings.TrimSpace(res.ClientID) == "" {
		return apperrors.InvalidResultPayload("client_id is required")
	}
	switch res.Status {
	case v1.ResultStatusSuccess, v1.ResultStatusFailed:
	default:
		return apperrors.InvalidResultPayload("status must be 'success' or 'failed'")
	}
	return nil
}

// RecordResult stores a final outcome, releases the reporter's assignment
// and returns it to idle. A later result for the same task replaces the
// earlier one. A result from an agent that does not own the running
// assignment is stored but leaves the assignment in place.
func (s *Service) RecordResult(ctx context.Context, res *v1.TaskResult) error {
	if err := ValidateResult(res); err != nil {
		return err
	}
	_, span := s.tracer.Start(ctx, "orchestrator.record_result",
		trace.WithAttributes(tracing.TaskAttributes(res.TaskID, res.ClientID)...),
		trace.WithAttributes(tracing.TaskStatusKey.String(string(res.Status))))
	defer span.End()

	stored := *res
	if stored.Logs == nil {
		stored.Logs = []string{}
	}
	if stored.Artifacts == nil {
		stored.Artifacts = map[string]interface{}{}
	}

	s.mu.Lock()
	stored.ReceivedAt = s.now().UTC()
	s.results[stored.TaskID] = &stored

	if entry, ok := s.running[stored.TaskID]; ok {
		if entry.assignment.ClientID == stored.ClientID {
			s.releaseLocked(entry)
		} else {
			s.logger.Warn("result from agent that does not own the assignment",
				zap.String("task_id", stored.TaskID),
				zap.String("client_id", stored.ClientID),
				zap.String("owner", entry.assignment.ClientID))
		}
	}
	if _, known := s.agents.Get(stored.ClientID); known {
		if _, busy := s.assigned[stored.ClientID]; !busy {
			_, _ = s.agents.Touch(stored.ClientID)
			_ = s.agents.MarkIdle(stored.ClientID)
		}
	}
	s.mu.Unlock()

	s.logger.Info("task result recorded",
		zap.String("task_id", stored.TaskID),
		zap.String("client_id", stored.ClientID),
		zap.String("status", string(stored.Status)))
	s.emit(emission{events.TaskCompleted, bus.NewEvent(events.TaskCompleted, eventSource, map[string]interface{}{
		"task_id":   stored.TaskID,
		"client_id": stored.ClientID,
		"status":    string(stored.Status),
		"reason":    stored.Reason,
	})})

	s.Dispatch()
	return nil
}
