// Package orchestrator pairs pending tasks with worker agents. All shared
// state (agent registry, pending queue, running assignments, results and
// push sessions) lives behind one coordinator lock so that enqueue, dispatch
// and reconcile sequences are atomic with respect to each other.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/config"
	"github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/common/tracing"
	"github.com/rzapply/rzapply/internal/events"
	"github.com/rzapply/rzapply/internal/events/bus"
	"github.com/rzapply/rzapply/internal/orchestrator/queue"
	"github.com/rzapply/rzapply/internal/orchestrator/registry"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

const eventSource = "orchestrator"

// Config holds the orchestrator timing settings
type Config struct {
	AckTimeout        time.Duration
	LongPollDefault   time.Duration
	LongPollMin       time.Duration
	LongPollMax       time.Duration
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	ExpiryMultiplier  int // 0 disables liveness expiry
	SweepInterval     time.Duration
}

// DefaultConfig returns the default orchestrator configuration
func DefaultConfig() Config {
	return Config{
		AckTimeout:        10 * time.Second,
		LongPollDefault:   25 * time.Second,
		LongPollMin:       time.Second,
		LongPollMax:       60 * time.Second,
		PollInterval:      time.Second,
		HeartbeatInterval: 30 * time.Second,
		ExpiryMultiplier:  3,
		SweepInterval:     10 * time.Second,
	}
}

// ConfigFromSettings converts loaded settings into an orchestrator Config
func ConfigFromSettings(cfg *config.Config) Config {
	return Config{
		AckTimeout:        time.Duration(cfg.Dispatch.AckTimeout) * time.Second,
		LongPollDefault:   time.Duration(cfg.Dispatch.LongPollDefault) * time.Second,
		LongPollMin:       time.Duration(cfg.Dispatch.LongPollMin) * time.Second,
		LongPollMax:       time.Duration(cfg.Dispatch.LongPollMax) * time.Second,
		PollInterval:      time.Duration(cfg.Dispatch.PollIntervalMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Agents.HeartbeatInterval) * time.Second,
		ExpiryMultiplier:  cfg.Agents.ExpiryMultiplier,
		SweepInterval:     time.Duration(cfg.Agents.SweepInterval) * time.Second,
	}
}

// runningEntry is a RunningAssignment plus what is needed to undo it
type runningEntry struct {
	assignment v1.Assignment
	task       *v1.Task
	pusher     Pusher // nil for poll assignments
}

// emission is an event collected under the lock and published after it
type emission struct {
	subject string
	event   *bus.Event
}

// Service is the coordinator
type Service struct {
	cfg    Config
	logger *logger.Logger
	bus    bus.EventBus
	tracer trace.Tracer
	now    func() time.Time

	mu       sync.Mutex
	agents   *registry.Registry
	pending  *queue.TaskQueue
	running  map[string]*runningEntry // by task ID
	assigned map[string]string        // client ID -> task ID
	results  map[string]*v1.TaskResult
	pushers  map[string]Pusher

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService creates a coordinator
func NewService(cfg Config, eventBus bus.EventBus, log *logger.Logger) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		bus:      eventBus,
		tracer:   tracing.Tracer("rzapply-orchestrator"),
		now:      time.Now,
		agents:   registry.New(),
		pending:  queue.NewTaskQueue(),
		running:  make(map[string]*runningEntry),
		assigned: make(map[string]string),
		results:  make(map[string]*v1.TaskResult),
		pushers:  make(map[string]Pusher),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the liveness sweeper when expiry is enabled
func (s *Service) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	if s.cfg.ExpiryMultiplier <= 0 || s.cfg.SweepInterval <= 0 {
		s.logger.Info("agent liveness expiry disabled")
		return
	}

	s.wg.Add(1)
	go s.sweepLoop()
	s.logger.Info("orchestrator started",
		zap.Duration("heartbeat_interval", s.cfg.HeartbeatInterval),
		zap.Int("expiry_multiplier", s.cfg.ExpiryMultiplier))
}

// Stop cancels in-flight deliveries and waits for background work
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
	s.logger.Info("orchestrator stopped")
}

// SetClock overrides the time source of the service and its registry
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
	s.agents.SetClock(now)
	s.pending.SetClock(now)
}

// HeartbeatInterval is the interval advertised to agents
func (s *Service) HeartbeatInterval() time.Duration {
	return s.cfg.HeartbeatInterval
}

// LongPollDefault is the wait budget used when a fetch names none
func (s *Service) LongPollDefault() time.Duration {
	return s.cfg.LongPollDefault
}

// Enqueue validates a task and appends it to the pending queue. It returns
// the task ID and the pending count.
func (s *Service) Enqueue(ctx context.Context, task *v1.Task) (string, int, error) {
	if task == nil {
		return "", 0, errors.MalformedPayload("task is required", nil)
	}
	if err := task.ValidateArchive(); err != nil {
		return "", 0, errors.MalformedPayload(err.Error(), err)
	}

	s.mu.Lock()
	if task.ID != "" {
		if _, running := s.running[task.ID]; running {
			s.mu.Unlock()
			return task.ID, 0, errors.Conflict("task '" + task.ID + "' is already running")
		}
	}
	id, pending, err := s.pending.Enqueue(task)
	s.mu.Unlock()

	if err == queue.ErrTaskExists {
		return id, pending, errors.Conflict("task '" + id + "' is already pending")
	}
	if err != nil {
		return "", pending, errors.Wrap(err, "enqueue task")
	}

	s.logger.Info("task enqueued", zap.String("task_id", id), zap.Int("pending", pending))
	s.emit(emission{events.TaskEnqueued, bus.NewEvent(events.TaskEnqueued, eventSource, map[string]interface{}{
		"task_id": id,
		"pending": pending,
	})})

	s.Dispatch()
	return id, pending, nil
}

// CancelTask drops a task that is still waiting in the queue. Running and
// completed tasks cannot be cancelled.
func (s *Service) CancelTask(taskID string) error {
	s.mu.Lock()
	if !s.pending.Contains(taskID) {
		_, running := s.running[taskID]
		_, completed := s.results[taskID]
		s.mu.Unlock()
		if running || completed {
			return errors.Conflict("task '" + taskID + "' is no longer pending")
		}
		return errors.NotFound("task", taskID)
	}
	s.pending.Remove(taskID)
	pending := s.pending.Len()
	s.mu.Unlock()

	s.logger.Info("task cancelled", zap.String("task_id", taskID), zap.Int("pending", pending))
	s.emit(emission{events.TaskCancelled, bus.NewEvent(events.TaskCancelled, eventSource, map[string]interface{}{
		"task_id": taskID,
		"pending": pending,
	})})
	return nil
}

// TaskStatus reports whether a task is pending, running or completed
func (s *Service) TaskStatus(taskID string) (*v1.TaskStatusResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pos := s.pending.Position(taskID); pos > 0 {
		return &v1.TaskStatusResponse{TaskID: taskID, State: v1.TaskStatePending, Position: pos}, nil
	}
	if entry, ok := s.running[taskID]; ok {
		a := entry.assignment
		return &v1.TaskStatusResponse{TaskID: taskID, State: v1.TaskStateRunning, Assignment: &a}, nil
	}
	if res, ok := s.results[taskID]; ok {
		r := *res
		return &v1.TaskStatusResponse{TaskID: taskID, State: v1.TaskStateCompleted, Result: &r}, nil
	}
	return nil, errors.NotFound("task", taskID)
}

// Result returns the stored result for a task
func (s *Service) Result(taskID string) (*v1.TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.results[taskID]
	if !ok {
		return nil, errors.NotFound("result", taskID)
	}
	r := *res
	return &r, nil
}

// Agents lists registered agents
func (s *Service) Agents() []v1.Agent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents.List()
}

// Agent returns one registered agent
func (s *Service) Agent(clientID string) (v1.Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agents.Get(clientID)
}

// PendingTasks returns copies of the pending tasks in dispatch order
func (s *Service) PendingTasks() []v1.Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.pending.List()
	out := make([]v1.Task, 0, len(list))
	for _, t := range list {
		out = append(out, *t)
	}
	return out
}

// Assignments returns the running assignments
func (s *Service) Assignments() []v1.Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]v1.Assignment, 0, len(s.running))
	for _, entry := range s.running {
		out = append(out, entry.assignment)
	}
	return out
}

// Status summarises queue and agent counts
func (s *Service) Status() v1.QueueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.agents.Counts()
	return v1.QueueStatus{
		Pending:       s.pending.Len(),
		Running:       len(s.running),
		Completed:     len(s.results),
		AgentsTotal:   c.Total,
		AgentsIdle:    c.Idle,
		AgentsRunning: c.Running,
		AgentsOffline: c.Offline,
		PushConnected: len(s.pushers),
	}
}

// AppendLog publishes one progress line from a running task
func (s *Service) AppendLog(ctx context.Context, clientID, taskID, line string) {
	s.logger.Debug("task log",
		zap.String("client_id", clientID),
		zap.String("task_id", taskID),
		zap.String("line", line))
	s.emit(emission{events.BuildTaskLogSubject(taskID), bus.NewEvent(events.TaskLog, eventSource, map[string]interface{}{
		"task_id":   taskID,
		"client_id": clientID,
		"line":      line,
	})})
}

func (s *Service) emit(out ...emission) {
	if s.bus == nil {
		return
	}
	for _, e := range out {
		if err := s.bus.Publish(context.Background(), e.subject, e.event); err != nil {
			s.logger.Warn("failed to publish event",
				zap.String("subject", e.subject),
				zap.Error(err))
		}
	}
}

func cloneTask(t *v1.Task) *v1.Task {
	c := *t
	return &c
}
