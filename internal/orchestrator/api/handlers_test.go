package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/httpmw"
	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/events/bus"
	"github.com/rzapply/rzapply/internal/orchestrator"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	puts map[string][]byte
}

func (s *fakeStore) PutBytes(_ context.Context, key string, data []byte) (string, error) {
	if s.puts == nil {
		s.puts = make(map[string][]byte)
	}
	s.puts[key] = data
	return "s3://test-bucket/" + key, nil
}

func (s *fakeStore) PresignGet(_ context.Context, bucket, key string, _ time.Duration) (*url.URL, error) {
	return url.Parse(fmt.Sprintf("https://minio.local/%s/%s?X-Amz-Signature=abc", bucket, key))
}

type testEnv struct {
	svc    *orchestrator.Service
	router *gin.Engine
	store  *fakeStore
}

func newTestEnv(t *testing.T, token string, opts Options) *testEnv {
	t.Helper()
	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)

	cfg := orchestrator.DefaultConfig()
	cfg.LongPollMin = 50 * time.Millisecond
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SweepInterval = 0
	svc := orchestrator.NewService(cfg, eventBus, log)
	t.Cleanup(func() {
		svc.Stop()
		eventBus.Close()
	})

	store := &fakeStore{}
	router := gin.New()
	router.Use(httpmw.Recovery(log), httpmw.ErrorHandler(log))
	SetupRoutes(router, NewHandler(svc, store, opts, log), token)
	return &testEnv{svc: svc, router: router, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body.Error.Code
}

func zipBase64() string {
	return base64.StdEncoding.EncodeToString([]byte("PK\x03\x04fake"))
}

func TestHealth_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, "s3cret", Options{})

	w := env.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Code)
	assert.Equal(t, "ok", body.Messages)
	assert.Equal(t, "ok", body.Data["status"])

	w = env.do(t, http.MethodGet, "/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, errors.ErrCodeUnauthorized, errorCode(t, w))

	w = env.do(t, http.MethodGet, "/status", nil, "s3cret")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRegister_AdvertisesPushEndpoint(t *testing.T) {
	env := newTestEnv(t, "", Options{PushEnabled: true, PushPath: "/ws"})

	w := env.do(t, http.MethodPost, "/register", v1.RegisterRequest{Hostname: "box"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp v1.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.ClientID, 32)
	assert.True(t, resp.SupportsWS)
	assert.Equal(t, "ws://example.com/ws", resp.WSURL)
	assert.Equal(t, 30, resp.HeartbeatInterval)

	env = newTestEnv(t, "", Options{PushEnabled: true, PublicURL: "https://rz.example.org/"})
	w = env.do(t, http.MethodPost, "/register", v1.RegisterRequest{ClientID: "abc"}, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "abc", resp.ClientID)
	assert.Equal(t, "wss://rz.example.org/ws", resp.WSURL)

	env = newTestEnv(t, "", Options{})
	w = env.do(t, http.MethodPost, "/register", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var pollOnly v1.RegisterResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pollOnly))
	assert.False(t, pollOnly.SupportsWS)
	assert.Empty(t, pollOnly.WSURL)
}

func TestPollFlow(t *testing.T) {
	env := newTestEnv(t, "tok", Options{})

	w := env.do(t, http.MethodPost, "/register", v1.RegisterRequest{ClientID: "agent-1"}, "tok")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/tasks/enqueue", v1.EnqueueRequest{TaskID: "t1", ArchiveBase64: zipBase64()}, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	var enq v1.EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &enq))
	assert.Equal(t, "t1", enq.TaskID)
	assert.Equal(t, 1, enq.PendingCount)

	w = env.do(t, http.MethodGet, "/task?client_id=agent-1&timeout=1", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	var task v1.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &task))
	assert.Equal(t, "t1", task.ID)
	assert.True(t, task.Cleanup)

	w = env.do(t, http.MethodGet, "/tasks/t1", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"running"`)

	w = env.do(t, http.MethodPost, "/task_result", v1.TaskResult{
		TaskID:    "t1",
		ClientID:  "agent-1",
		Status:    v1.ResultStatusSuccess,
		Logs:      []string{"[2026-01-01 08:00:00] done"},
		Artifacts: map[string]interface{}{"report": "s3://rz/t1/report.pdf"},
	}, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/tasks/t1/result", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	var res v1.TaskResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, v1.ResultStatusSuccess, res.Status)

	w = env.do(t, http.MethodGet, "/agents", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	var agents v1.AgentListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agents))
	require.Equal(t, 1, agents.Total)
	assert.Equal(t, v1.AgentStatusIdle, agents.Agents[0].Status)
}

func TestFetchTask_NoContentOnTimeout(t *testing.T) {
	env := newTestEnv(t, "", Options{})
	env.do(t, http.MethodPost, "/register", v1.RegisterRequest{ClientID: "a"}, "")

	start := time.Now()
	w := env.do(t, http.MethodGet, "/task?client_id=a&timeout=0", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Empty(t, w.Body.String())
}

func TestFetchTask_Errors(t *testing.T) {
	env := newTestEnv(t, "", Options{})

	w := env.do(t, http.MethodGet, "/task?client_id=ghost&timeout=1", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeUnknownClient, errorCode(t, w))

	w = env.do(t, http.MethodGet, "/task", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodGet, "/task?client_id=a&timeout=soon", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeMalformedPayload, errorCode(t, w))
}

func TestHeartbeat_Errors(t *testing.T) {
	env := newTestEnv(t, "", Options{})

	w := env.do(t, http.MethodPost, "/heartbeat", v1.HeartbeatRequest{ClientID: "ghost", Status: v1.AgentStatusIdle}, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeUnknownClient, errorCode(t, w))

	env.do(t, http.MethodPost, "/register", v1.RegisterRequest{ClientID: "a"}, "")

	w = env.do(t, http.MethodPost, "/heartbeat", v1.HeartbeatRequest{ClientID: "a", Status: "sleeping"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/heartbeat", v1.HeartbeatRequest{ClientID: "a", Status: v1.AgentStatusRunning}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/heartbeat", v1.HeartbeatRequest{ClientID: "a", Status: v1.AgentStatusIdle}, "")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t, "", Options{})

	w := env.do(t, http.MethodPost, "/tasks/enqueue", v1.EnqueueRequest{TaskID: "t1"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeMalformedPayload, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/tasks/enqueue", v1.EnqueueRequest{
		TaskID: "t1", ArchiveURL: "https://files/a.zip", ArchiveBase64: zipBase64(),
	}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/tasks/enqueue", v1.EnqueueRequest{TaskID: "t1", ArchiveURL: "https://files/a.zip"}, "")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodPost, "/tasks/enqueue", v1.EnqueueRequest{TaskID: "t1", ArchiveURL: "https://files/a.zip"}, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/tasks/enqueue", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitResult_Validation(t *testing.T) {
	env := newTestEnv(t, "", Options{})

	w := env.do(t, http.MethodPost, "/task_result", v1.TaskResult{ClientID: "a", Status: v1.ResultStatusSuccess}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, errors.ErrCodeInvalidResultPayload, errorCode(t, w))

	w = env.do(t, http.MethodPost, "/task_result", v1.TaskResult{TaskID: "t1", ClientID: "a", Status: "ok"}, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		part, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/tasks/enqueue/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestEnqueueUpload(t *testing.T) {
	env := newTestEnv(t, "", Options{})
	archive := []byte("PK\x03\x04payload")

	req := uploadRequest(t, "apply.zip", archive, map[string]string{
		"task_id":        "up-1",
		"login_username": "corp",
		"config_json":    `{"owners":[{"name":"ACME"}],"login_type":"个人用户"}`,
		"cleanup":        "false",
		"headless":       "true",
	})
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	pending := env.svc.PendingTasks()
	require.Len(t, pending, 1)
	task := pending[0]
	assert.Equal(t, "up-1", task.ID)
	assert.Equal(t, "apply.zip", task.ArchiveFilename)
	assert.Equal(t, base64.StdEncoding.EncodeToString(archive), task.ArchiveBase64)
	assert.Empty(t, task.ArchiveURL)
	assert.False(t, task.Cleanup)
	require.NotNil(t, task.Headless)
	assert.True(t, *task.Headless)
	assert.Equal(t, "corp", task.Config["login_username"])
	assert.Equal(t, "个人用户", task.Config["login_type"])
	assert.Equal(t, DefaultSubmitRole, task.Config["submit_role"])
	assert.Contains(t, task.Config, "owners")
}

func TestEnqueueUpload_Defaults(t *testing.T) {
	env := newTestEnv(t, "", Options{})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(t, "APPLY.ZIP", []byte("PK"), nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp v1.EnqueueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.TaskID, 32)

	task := env.svc.PendingTasks()[0]
	assert.True(t, task.Cleanup)
	assert.Nil(t, task.Headless)
	assert.Equal(t, DefaultLoginType, task.Config["login_type"])
	assert.Equal(t, DefaultSubmitRole, task.Config["submit_role"])
}

func TestEnqueueUpload_Rejects(t *testing.T) {
	env := newTestEnv(t, "", Options{})

	tests := []struct {
		name     string
		filename string
		content  []byte
		fields   map[string]string
	}{
		{"missing file", "", nil, nil},
		{"not a zip", "apply.tar", []byte("x"), nil},
		{"empty", "apply.zip", nil, nil},
		{"bad json", "apply.zip", []byte("PK"), map[string]string{"config_json": "{"}},
		{"json array", "apply.zip", []byte("PK"), map[string]string{"config_json": "[1,2]"}},
		{"bad cleanup", "apply.zip", []byte("PK"), map[string]string{"cleanup": "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			env.router.ServeHTTP(w, uploadRequest(t, tt.filename, tt.content, tt.fields))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, errors.ErrCodeMalformedPayload, errorCode(t, w))
		})
	}
	assert.Empty(t, env.svc.PendingTasks())
}

func TestEnqueueUpload_StagesToStorage(t *testing.T) {
	env := newTestEnv(t, "", Options{StageUploads: true, PresignExpiry: time.Hour})

	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, uploadRequest(t, "apply.zip", []byte("PK\x03\x04"), map[string]string{"task_id": "st-1"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Contains(t, env.store.puts, "uploads/st-1/apply.zip")
	task := env.svc.PendingTasks()[0]
	assert.Empty(t, task.ArchiveBase64)
	assert.Equal(t, "https://minio.local/test-bucket/uploads/st-1/apply.zip?X-Amz-Signature=abc", task.ArchiveURL)
}

func TestGetArtifact(t *testing.T) {
	env := newTestEnv(t, "", Options{})
	require.NoError(t, env.svc.RecordResult(context.Background(), &v1.TaskResult{
		TaskID:   "t1",
		ClientID: "a",
		Status:   v1.ResultStatusSuccess,
		Artifacts: map[string]interface{}{
			"report": "s3://rz/t1/report.pdf",
			"page":   "/tmp/sign.pdf",
		},
	}))

	w := env.do(t, http.MethodGet, "/tasks/t1/artifacts/report", nil, "")
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://minio.local/rz/t1/report.pdf?X-Amz-Signature=abc", w.Header().Get("Location"))

	w = env.do(t, http.MethodGet, "/tasks/t1/artifacts/page", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "/tmp/sign.pdf")

	w = env.do(t, http.MethodGet, "/tasks/t1/artifacts/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, http.MethodGet, "/tasks/t9/artifacts/report", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTask_NotFound(t *testing.T) {
	env := newTestEnv(t, "", Options{})
	w := env.do(t, http.MethodGet, "/tasks/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeNotFound, errorCode(t, w))
}

func TestCancelTask(t *testing.T) {
	env := newTestEnv(t, "tok", Options{})

	w := env.do(t, http.MethodPost, "/register", v1.RegisterRequest{ClientID: "agent-1"}, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	for _, id := range []string{"t1", "t2", "t3"} {
		w = env.do(t, http.MethodPost, "/tasks/enqueue", v1.EnqueueRequest{TaskID: id, ArchiveBase64: zipBase64()}, "tok")
		require.Equal(t, http.StatusOK, w.Code)
	}

	w = env.do(t, http.MethodGet, "/task?client_id=agent-1&timeout=1", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/tasks/t2", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do(t, http.MethodDelete, "/tasks/t2", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"ok":true}`, w.Body.String())

	w = env.do(t, http.MethodGet, "/tasks/t3", nil, "tok")
	require.Equal(t, http.StatusOK, w.Code)
	var st v1.TaskStatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, v1.TaskStatePending, st.State)
	assert.Equal(t, 1, st.Position)

	w = env.do(t, http.MethodDelete, "/tasks/t2", nil, "tok")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, errors.ErrCodeNotFound, errorCode(t, w))

	w = env.do(t, http.MethodDelete, "/tasks/t1", nil, "tok")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, errors.ErrCodeConflict, errorCode(t, w))
}
