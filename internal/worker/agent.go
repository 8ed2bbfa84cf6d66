// Package worker is the agent runtime: it registers with the coordinator,
// receives tasks over the push channel or by long-polling, runs them one
// at a time and reports the results.
package worker

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/worker/config"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

const resultSubmitTries = 5

// Agent is one worker process
type Agent struct {
	cfg    *config.Config
	client *Client
	runner *Runner
	meta   HostMetadata
	logger *logger.Logger

	// single execution slot
	slot  *semaphore.Weighted
	tasks sync.WaitGroup

	mu        sync.Mutex
	clientID  string
	status    v1.AgentStatus
	taskID    string
	push      *pushConn
	advertise time.Duration // heartbeat interval the coordinator asked for
}

// New builds an agent from cfg. publisher may be nil to report artifacts
// as local paths.
func New(cfg *config.Config, uploader Uploader, publisher ArtifactPublisher, meta HostMetadata, log *logger.Logger) (*Agent, error) {
	clientID, err := LoadOrCreateClientID(cfg.StateFile)
	if err != nil {
		return nil, err
	}

	client := NewClient(cfg.Server, cfg.Token, log)
	runner := NewRunner(RunnerConfig{
		RuntimeDir:      cfg.RuntimeDir,
		OutputDir:       cfg.Uploader.OutputDir,
		DefaultHeadless: cfg.DefaultHeadless(),
		Timeout:         cfg.UploaderTimeout(),
		Defaults:        cfg.Uploader.Defaults,
	}, uploader, client, publisher, log)

	return &Agent{
		cfg:      cfg,
		client:   client,
		runner:   runner,
		meta:     meta,
		logger:   log.WithFields(zap.String("component", "agent")),
		slot:     semaphore.NewWeighted(1),
		clientID: clientID,
		status:   v1.AgentStatusIdle,
	}, nil
}

// ClientID returns the identity currently used with the coordinator
func (a *Agent) ClientID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.clientID
}

// Run registers and serves tasks until ctx is cancelled. Running tasks are
// allowed to finish before it returns.
func (a *Agent) Run(ctx context.Context) error {
	resp, err := a.register(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	defer a.tasks.Wait()

	if a.usePush(resp) {
		a.logger.Info("using push transport", zap.String("ws_url", resp.WSURL))
		return a.runPush(ctx, resp.WSURL)
	}

	a.logger.Info("using long-poll transport",
		zap.Duration("long_poll", a.cfg.LongPollTimeout()),
		zap.Duration("heartbeat", a.heartbeatInterval()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.heartbeatLoop(gctx) })
	g.Go(func() error { return a.pollLoop(gctx) })
	return g.Wait()
}

func (a *Agent) usePush(resp *v1.RegisterResponse) bool {
	if a.cfg.Transport == config.TransportHTTP {
		return false
	}
	return resp.SupportsWS && resp.WSURL != ""
}

func (a *Agent) register(ctx context.Context) (*v1.RegisterResponse, error) {
	resp, err := a.client.RegisterWithRetry(ctx, a.registerRequest(),
		a.cfg.Register.MaxTries, time.Duration(a.cfg.Register.MaxInterval)*time.Second)
	if err != nil {
		return nil, err
	}
	a.adoptClientID(resp.ClientID)
	a.adoptHeartbeat(resp.HeartbeatInterval)
	a.logger.Info("registered with coordinator",
		zap.String("client_id", a.ClientID()),
		zap.Bool("supports_ws", resp.SupportsWS))
	return resp, nil
}

// adoptHeartbeat records the interval advertised in a register answer, in seconds
func (a *Agent) adoptHeartbeat(seconds int) {
	if seconds <= 0 {
		return
	}
	a.mu.Lock()
	a.advertise = time.Duration(seconds) * time.Second
	a.mu.Unlock()
}

// heartbeatInterval is the smaller of the configured and advertised intervals
func (a *Agent) heartbeatInterval() time.Duration {
	interval := a.cfg.HeartbeatInterval()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.advertise > 0 && a.advertise < interval {
		return a.advertise
	}
	return interval
}

// adoptClientID switches to the identity the coordinator assigned
func (a *Agent) adoptClientID(id string) {
	a.mu.Lock()
	changed := id != "" && id != a.clientID
	if changed {
		a.clientID = id
	}
	a.mu.Unlock()
	if !changed {
		return
	}
	if err := SaveClientID(a.cfg.StateFile, id); err != nil {
		a.logger.Warn("failed to persist client id", zap.Error(err))
	}
}

func (a *Agent) registerRequest() *v1.RegisterRequest {
	return a.meta.RegisterRequest(a.ClientID(), a.cfg.DefaultHeadless())
}

func (a *Agent) heartbeatRequest() *v1.HeartbeatRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return &v1.HeartbeatRequest{
		ClientID:  a.clientID,
		Status:    a.status,
		TaskID:    a.taskID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

func (a *Agent) setRunning(taskID string) {
	a.mu.Lock()
	a.status, a.taskID = v1.AgentStatusRunning, taskID
	a.mu.Unlock()
}

func (a *Agent) setIdle() {
	a.mu.Lock()
	a.status, a.taskID = v1.AgentStatusIdle, ""
	a.mu.Unlock()
}

func (a *Agent) setPush(p *pushConn) {
	a.mu.Lock()
	a.push = p
	a.mu.Unlock()
}

func (a *Agent) clearPush(p *pushConn) {
	a.mu.Lock()
	if a.push == p {
		a.push = nil
	}
	a.mu.Unlock()
}

func (a *Agent) currentPush() *pushConn {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.push
}

// heartbeatLoop reports status over HTTP. An unknown-client answer means
// the coordinator restarted, so the agent registers again.
func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := a.client.Heartbeat(ctx, a.heartbeatRequest())
		if err == nil || ctx.Err() != nil {
			continue
		}
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode == http.StatusNotFound {
			a.logger.Warn("coordinator does not know this agent, registering again")
			if _, err := a.register(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("re-register failed", zap.Error(err))
			}
			ticker.Reset(a.heartbeatInterval())
			continue
		}
		a.logger.Warn("heartbeat failed", zap.Error(err))
	}
}

// pollLoop long-polls for tasks and runs each one before polling again
func (a *Agent) pollLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, err := a.client.FetchTask(ctx, a.ClientID(), a.cfg.LongPollTimeout())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Warn("task poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(a.cfg.PollInterval()):
			}
			continue
		}
		if task == nil {
			continue
		}

		if err := a.slot.Acquire(ctx, 1); err != nil {
			return nil
		}
		a.execute(ctx, task, false, func() { a.slot.Release(1) })
	}
}

// execute runs a task and reports its result. Log lines are streamed over
// the push channel when streamLogs is set and a session is open. release
// frees the execution slot; it is called before the result goes out because
// the coordinator may hand over the next task as soon as the result lands.
func (a *Agent) execute(ctx context.Context, task *v1.Task, streamLogs bool, release func()) {
	a.setRunning(task.ID)
	a.logger.Info("task received", zap.String("task_id", task.ID))

	var onLog func(string)
	if streamLogs {
		onLog = func(line string) {
			if p := a.currentPush(); p != nil {
				_ = p.Send(ws.TypeLog, ws.LogPayload{TaskID: task.ID, Line: line})
			}
		}
	}

	// The result is still reported when shutdown interrupts the task.
	res := a.runner.Execute(ctx, task, onLog)
	res.ClientID = a.ClientID()
	a.setIdle()
	release()
	a.report(context.WithoutCancel(ctx), res)
}

// report sends the result over the push channel, falling back to HTTP
func (a *Agent) report(ctx context.Context, res *v1.TaskResult) {
	if p := a.currentPush(); p != nil {
		if err := p.Send(ws.TypeResult, res); err == nil {
			return
		}
		a.logger.Warn("push result failed, using HTTP", zap.String("task_id", res.TaskID))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := a.client.SubmitResult(ctx, res)
		var se *StatusError
		if errors.As(err, &se) && se.StatusCode >= 400 && se.StatusCode < 500 {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(resultSubmitTries))
	if err != nil {
		a.logger.Error("failed to submit result", zap.String("task_id", res.TaskID), zap.Error(err))
		return
	}
	a.logger.Info("result submitted",
		zap.String("task_id", res.TaskID), zap.String("status", string(res.Status)))
}
