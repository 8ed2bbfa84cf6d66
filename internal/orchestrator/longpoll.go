package orchestrator

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/rzapply/rzapply/internal/common/errors"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

// ClampWait bounds a requested long-poll wait to the configured window
func (s *Service) ClampWait(wait time.Duration) time.Duration {
	if wait < s.cfg.LongPollMin {
		return s.cfg.LongPollMin
	}
	if wait > s.cfg.LongPollMax {
		return s.cfg.LongPollMax
	}
	return wait
}

// FetchTask long-polls for work on behalf of a poll agent. It retries
// AssignNext every poll interval until a task is assigned or the wait budget
// runs out, in which case it returns nil without error.
func (s *Service) FetchTask(ctx context.Context, clientID string, wait time.Duration) (*v1.Task, error) {
	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		return nil, apperrors.MalformedPayload("client_id is required", nil)
	}
	deadline := time.Now().Add(s.ClampWait(wait))

	for {
		task, err := s.AssignNext(clientID, v1.TransportPoll)
		if err != nil || task != nil {
			return task, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		tick := s.cfg.PollInterval
		if tick <= 0 || tick > remaining {
			tick = remaining
		}

		timer := time.NewTimer(tick)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, nil
		case <-s.ctx.Done():
			timer.Stop()
			return nil, nil
		case <-timer.C:
		}
	}
}
