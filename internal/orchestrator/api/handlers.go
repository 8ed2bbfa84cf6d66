package api

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/orchestrator"
	"github.com/rzapply/rzapply/internal/orchestrator/queue"
	"github.com/rzapply/rzapply/internal/storage/objectstore"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

// ArchiveStore is the object storage used to stage uploads and serve artifacts
type ArchiveStore interface {
	PutBytes(ctx context.Context, key string, data []byte) (string, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (*url.URL, error)
}

// Options tunes handler behaviour
type Options struct {
	// PublicURL overrides the request host when building ws_url
	PublicURL      string
	PushEnabled    bool
	PushPath       string
	StageUploads   bool
	PresignExpiry  time.Duration
	MaxUploadBytes int64
}

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	service *orchestrator.Service
	store   ArchiveStore
	opts    Options
	logger  *logger.Logger
}

// NewHandler creates a new API handler. store may be nil.
func NewHandler(service *orchestrator.Service, store ArchiveStore, opts Options, log *logger.Logger) *Handler {
	if opts.PushPath == "" {
		opts.PushPath = "/ws"
	}
	return &Handler{
		service: service,
		store:   store,
		opts:    opts,
		logger:  log.WithFields(zap.String("component", "orchestrator-api")),
	}
}

// Health reports liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Code:     0,
		Messages: "ok",
		Data:     map[string]string{"status": "ok"},
	})
}

// Register records an agent and tells it where the push endpoint is
// POST /register
func (h *Handler) Register(c *gin.Context) {
	var req v1.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil && err != io.EOF {
		_ = c.Error(errors.MalformedPayload("invalid register payload: "+err.Error(), err))
		return
	}

	agent, err := h.service.Register(c.Request.Context(), &req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	resp := v1.RegisterResponse{
		ClientID:          agent.ID,
		SupportsWS:        h.opts.PushEnabled,
		HeartbeatInterval: int(h.service.HeartbeatInterval() / time.Second),
	}
	if h.opts.PushEnabled {
		resp.WSURL = h.pushURL(c.Request)
	}
	c.JSON(http.StatusOK, resp)
}

// Heartbeat applies an agent status report
// POST /heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.MalformedPayload("invalid heartbeat payload: "+err.Error(), err))
		return
	}

	if _, err := h.service.Heartbeat(c.Request.Context(), &req); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, v1.OKResponse{OK: true})
}

// FetchTask long-polls for the next task
// GET /task?client_id=&timeout=
func (h *Handler) FetchTask(c *gin.Context) {
	clientID := strings.TrimSpace(c.Query("client_id"))
	if clientID == "" {
		_ = c.Error(errors.MalformedPayload("client_id is required", nil))
		return
	}

	wait := h.service.LongPollDefault()
	if raw := strings.TrimSpace(c.Query("timeout")); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			_ = c.Error(errors.MalformedPayload("timeout must be an integer number of seconds", err))
			return
		}
		wait = time.Duration(secs) * time.Second
	}

	task, err := h.service.FetchTask(c.Request.Context(), clientID, wait)
	if err != nil {
		_ = c.Error(err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, task)
}

// SubmitResult records a task outcome
// POST /task_result
func (h *Handler) SubmitResult(c *gin.Context) {
	var res v1.TaskResult
	if err := c.ShouldBindJSON(&res); err != nil {
		_ = c.Error(errors.MalformedPayload("invalid result payload: "+err.Error(), err))
		return
	}

	if err := h.service.RecordResult(c.Request.Context(), &res); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, v1.OKResponse{OK: true})
}

// Enqueue adds a task described by JSON
// POST /tasks/enqueue
func (h *Handler) Enqueue(c *gin.Context) {
	var req v1.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errors.MalformedPayload("invalid enqueue payload: "+err.Error(), err))
		return
	}
	h.enqueue(c, req.ToTask())
}

// EnqueueUpload adds a task from a multipart ZIP upload
// POST /tasks/enqueue/upload
func (h *Handler) EnqueueUpload(c *gin.Context) {
	if h.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	}
	form, err := c.MultipartForm()
	if err != nil {
		_ = c.Error(errors.MalformedPayload("invalid multipart form: "+err.Error(), err))
		return
	}
	files := form.File["file"]
	if len(files) == 0 {
		_ = c.Error(errors.MalformedPayload("file is required", nil))
		return
	}
	header := files[0]
	if !isZipName(header.Filename) {
		_ = c.Error(errors.MalformedPayload("file must be a .zip archive", nil))
		return
	}

	fields, err := parseUploadForm(form)
	if err != nil {
		_ = c.Error(errors.MalformedPayload(err.Error(), err))
		return
	}
	overrides, err := fields.Overrides()
	if err != nil {
		_ = c.Error(errors.MalformedPayload(err.Error(), err))
		return
	}

	f, err := header.Open()
	if err != nil {
		_ = c.Error(errors.InternalError("failed to open upload", err))
		return
	}
	blob, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		_ = c.Error(errors.MalformedPayload("failed to read upload: "+err.Error(), err))
		return
	}
	if len(blob) == 0 {
		_ = c.Error(errors.MalformedPayload("uploaded file is empty", nil))
		return
	}

	task := &v1.Task{
		ID:              fields.TaskID,
		ArchiveFilename: filepath.Base(header.Filename),
		Config:          overrides,
		Cleanup:         fields.Cleanup,
		Headless:        fields.Headless,
	}
	if task.ID == "" {
		task.ID = queue.NewTaskID()
	}

	if h.opts.StageUploads && h.store != nil {
		archiveURL, err := h.stage(c.Request.Context(), task, blob)
		if err != nil {
			_ = c.Error(err)
			return
		}
		task.ArchiveURL = archiveURL
	} else {
		task.ArchiveBase64 = base64.StdEncoding.EncodeToString(blob)
	}

	h.enqueue(c, task)
}

func (h *Handler) stage(ctx context.Context, task *v1.Task, blob []byte) (string, error) {
	key := objectstore.ObjectKey("uploads", task.ID, task.ArchiveFilename)
	ref, err := h.store.PutBytes(ctx, key, blob)
	if err != nil {
		return "", errors.InternalError("failed to stage upload", err)
	}
	bucket, key, err := objectstore.ParseRef(ref)
	if err != nil {
		return "", errors.InternalError("failed to stage upload", err)
	}
	u, err := h.store.PresignGet(ctx, bucket, key, h.opts.PresignExpiry)
	if err != nil {
		return "", errors.InternalError("failed to presign staged upload", err)
	}
	h.logger.Info("upload staged",
		zap.String("task_id", task.ID),
		zap.String("ref", ref),
		zap.Int("bytes", len(blob)))
	return u.String(), nil
}

func (h *Handler) enqueue(c *gin.Context, task *v1.Task) {
	id, pending, err := h.service.Enqueue(c.Request.Context(), task)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, v1.EnqueueResponse{TaskID: id, PendingCount: pending})
}

// CancelTask removes a pending task from the queue
// DELETE /tasks/:taskId
func (h *Handler) CancelTask(c *gin.Context) {
	if err := h.service.CancelTask(c.Param("taskId")); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, v1.OKResponse{OK: true})
}

// GetTask reports where a task is
// GET /tasks/:taskId
func (h *Handler) GetTask(c *gin.Context) {
	st, err := h.service.TaskStatus(c.Param("taskId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// GetResult returns the stored result of a task
// GET /tasks/:taskId/result
func (h *Handler) GetResult(c *gin.Context) {
	res, err := h.service.Result(c.Param("taskId"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GetArtifact redirects to a presigned URL for stored artifacts, or returns
// the raw artifact value.
// GET /tasks/:taskId/artifacts/:name
func (h *Handler) GetArtifact(c *gin.Context) {
	taskID, name := c.Param("taskId"), c.Param("name")
	res, err := h.service.Result(taskID)
	if err != nil {
		_ = c.Error(err)
		return
	}
	value, ok := res.Artifacts[name]
	if !ok {
		_ = c.Error(errors.NotFound("artifact", name))
		return
	}

	if ref, isString := value.(string); isString && h.store != nil {
		if bucket, key, err := objectstore.ParseRef(ref); err == nil {
			u, err := h.store.PresignGet(c.Request.Context(), bucket, key, h.opts.PresignExpiry)
			if err != nil {
				_ = c.Error(errors.InternalError("failed to presign artifact", err))
				return
			}
			c.Redirect(http.StatusFound, u.String())
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "name": name, "value": value})
}

// ListAgents returns the registry
// GET /agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents := h.service.Agents()
	c.JSON(http.StatusOK, v1.AgentListResponse{Agents: agents, Total: len(agents)})
}

// GetStatus returns queue and agent counts
// GET /status
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.service.Status())
}

// pushURL builds the ws_url advertised at registration
func (h *Handler) pushURL(r *http.Request) string {
	if base := strings.TrimRight(h.opts.PublicURL, "/"); base != "" {
		switch {
		case strings.HasPrefix(base, "https://"):
			base = "wss://" + strings.TrimPrefix(base, "https://")
		case strings.HasPrefix(base, "http://"):
			base = "ws://" + strings.TrimPrefix(base, "http://")
		}
		return base + h.opts.PushPath
	}

	scheme := "ws"
	if r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		scheme = "wss"
	}
	return scheme + "://" + r.Host + h.opts.PushPath
}
