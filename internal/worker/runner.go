package worker

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/common/tracing"
	"github.com/rzapply/rzapply/internal/storage/objectstore"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

// ReasonUploaded is the success reason reported for a completed submission
const ReasonUploaded = "上传成功"

const logTimeLayout = "2006-01-02 15:04:05"

// ArchiveFetcher downloads a remote archive to a local path
type ArchiveFetcher interface {
	DownloadArchive(ctx context.Context, rawURL, dest string) (int64, error)
}

// ArtifactPublisher copies a local artifact file to shared storage and
// returns its reference.
type ArtifactPublisher interface {
	PutFile(ctx context.Context, key, localPath string) (string, error)
}

// RunnerConfig holds the per-task execution settings
type RunnerConfig struct {
	RuntimeDir      string
	OutputDir       string
	DefaultHeadless bool
	Timeout         time.Duration
	Defaults        map[string]interface{}
}

// Runner executes one task end to end and produces its result
type Runner struct {
	cfg       RunnerConfig
	uploader  Uploader
	fetcher   ArchiveFetcher
	publisher ArtifactPublisher
	logger    *logger.Logger
	tracer    trace.Tracer
	now       func() time.Time
}

// NewRunner creates a runner. publisher may be nil to keep local paths.
func NewRunner(cfg RunnerConfig, uploader Uploader, fetcher ArchiveFetcher, publisher ArtifactPublisher, log *logger.Logger) *Runner {
	if cfg.OutputDir == "" {
		cfg.OutputDir = "output"
	}
	return &Runner{
		cfg:       cfg,
		uploader:  uploader,
		fetcher:   fetcher,
		publisher: publisher,
		logger:    log.WithFields(zap.String("component", "task-runner")),
		tracer:    tracing.Tracer("rzapply-worker"),
		now:       time.Now,
	}
}

// taskLog collects timestamped lines and forwards each one to a listener
type taskLog struct {
	mu     sync.Mutex
	lines  []string
	now    func() time.Time
	listen func(string)
}

func (l *taskLog) add(msg string) {
	line := fmt.Sprintf("[%s] %s", l.now().Format(logTimeLayout), msg)
	l.mu.Lock()
	l.lines = append(l.lines, line)
	l.mu.Unlock()
	if l.listen != nil {
		l.listen(line)
	}
}

func (l *taskLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.lines...)
}

// Execute runs task and returns its result. onLog, if set, receives every
// log line as it is written. The returned result has no client_id.
func (r *Runner) Execute(ctx context.Context, task *v1.Task, onLog func(line string)) *v1.TaskResult {
	ctx, span := r.tracer.Start(ctx, "worker.execute",
		trace.WithAttributes(tracing.TaskAttributes(task.ID, "")...))
	defer span.End()

	log := &taskLog{now: r.now, listen: onLog}
	tlog := r.logger.WithTaskID(task.ID)

	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	headless := r.cfg.DefaultHeadless
	if task.Headless != nil {
		headless = *task.Headless
	}

	dirName := safeName(task.ID)
	if dirName == "" {
		dirName = NewClientID()
	}
	runDir := filepath.Join(r.cfg.RuntimeDir, dirName)
	result := &v1.TaskResult{TaskID: task.ID, Artifacts: map[string]interface{}{}}

	artifacts, err := r.run(ctx, task, runDir, headless, log)
	if err != nil {
		result.Status = v1.ResultStatusFailed
		result.Reason = err.Error()
		log.add("task failed: " + err.Error())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		tlog.Warn("task failed", zap.Error(err))
	} else {
		result.Status = v1.ResultStatusSuccess
		result.Reason = ReasonUploaded
		result.Artifacts = r.publish(ctx, task.ID, artifacts, log)
		log.add("task finished")
		tlog.Info("task succeeded", zap.Int("artifacts", len(artifacts)))
	}

	if task.Cleanup {
		if err := os.RemoveAll(runDir); err != nil {
			tlog.Warn("failed to clean run dir", zap.String("dir", runDir), zap.Error(err))
		}
	}

	span.SetAttributes(tracing.TaskStatusKey.String(string(result.Status)))
	result.Logs = log.snapshot()
	return result
}

func (r *Runner) run(ctx context.Context, task *v1.Task, runDir string, headless bool, log *taskLog) (map[string]interface{}, error) {
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("create run dir: %w", err)
	}
	log.add("starting task " + task.ID)

	archive, err := r.materialize(ctx, task, runDir)
	if err != nil {
		return nil, err
	}
	log.add("archive ready: " + filepath.Base(archive))

	job := &Job{
		TaskID:    task.ID,
		Dir:       runDir,
		Archive:   archive,
		Config:    MergeConfig(r.cfg.Defaults, task.Config),
		Headless:  headless,
		OutputDir: filepath.Join(runDir, r.cfg.OutputDir),
		Log:       log.add,
	}
	log.add(fmt.Sprintf("running uploader (headless=%t)", headless))
	return r.uploader.Upload(ctx, job)
}

// materialize writes the task archive into runDir and returns its path
func (r *Runner) materialize(ctx context.Context, task *v1.Task, runDir string) (string, error) {
	name := safeName(task.ArchiveFilename)
	if name == "" {
		name = NewClientID() + ".zip"
	}
	dest := filepath.Join(runDir, name)

	if strings.TrimSpace(task.ArchiveBase64) != "" {
		data, err := base64.StdEncoding.DecodeString(task.ArchiveBase64)
		if err != nil {
			return "", fmt.Errorf("decode zip_base64: %w", err)
		}
		if err := os.WriteFile(dest, data, 0o600); err != nil {
			return "", fmt.Errorf("write archive: %w", err)
		}
		return dest, nil
	}

	if strings.TrimSpace(task.ArchiveURL) != "" {
		if r.fetcher == nil {
			return "", fmt.Errorf("no archive fetcher configured for zip_url")
		}
		if _, err := r.fetcher.DownloadArchive(ctx, task.ArchiveURL, dest); err != nil {
			return "", fmt.Errorf("download zip_url: %w", err)
		}
		return dest, nil
	}
	return "", v1.ErrArchiveMissing
}

// publish uploads file artifacts when a publisher is configured. Failures
// keep the local path and are noted in the task log.
func (r *Runner) publish(ctx context.Context, taskID string, artifacts map[string]interface{}, log *taskLog) map[string]interface{} {
	out := make(map[string]interface{}, len(artifacts))
	for name, value := range artifacts {
		out[name] = value
		if r.publisher == nil {
			continue
		}
		path, ok := value.(string)
		if !ok {
			continue
		}
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			continue
		}
		ref, err := r.publisher.PutFile(ctx, objectstore.ObjectKey("artifacts", taskID, name), path)
		if err != nil {
			log.add(fmt.Sprintf("artifact %s not published: %v", name, err))
			continue
		}
		out[name] = ref
	}
	return out
}

// MergeConfig overlays overrides onto defaults. Blank string overrides are
// dropped so they never clear a default.
func MergeConfig(defaults, overrides map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(defaults)+len(overrides))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range overrides {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if v == nil {
			continue
		}
		merged[k] = v
	}
	return merged
}

// safeName reduces a task-supplied name to one path element
func safeName(name string) string {
	base := filepath.Base(strings.TrimSpace(name))
	if base == "." || base == ".." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
