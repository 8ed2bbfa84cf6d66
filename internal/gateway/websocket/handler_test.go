package websocket

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/events/bus"
	"github.com/rzapply/rzapply/internal/orchestrator"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startServer(t *testing.T, token string) (*orchestrator.Service, string) {
	t.Helper()
	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)

	cfg := orchestrator.DefaultConfig()
	cfg.AckTimeout = 300 * time.Millisecond
	cfg.SweepInterval = 0
	svc := orchestrator.NewService(cfg, eventBus, log)

	router := gin.New()
	SetupRoutes(router, NewHandler(svc, token, log), "/ws")
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		svc.Stop()
		eventBus.Close()
	})
	return svc, "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func dial(t *testing.T, url string, header http.Header) *gorillaws.Conn {
	t.Helper()
	conn, _, err := gorillaws.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *gorillaws.Conn, typ ws.MessageType, payload interface{}) {
	t.Helper()
	msg, err := ws.NewMessage(typ, payload)
	require.NoError(t, err)
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))
}

func receive(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := ws.Decode(data)
	require.NoError(t, err)
	return msg
}

func expectClose(t *testing.T, conn *gorillaws.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *gorillaws.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func registerAgent(t *testing.T, conn *gorillaws.Conn, clientID string) v1.RegisterResponse {
	t.Helper()
	send(t, conn, ws.TypeRegister, v1.RegisterRequest{ClientID: clientID, Hostname: "box"})
	msg := receive(t, conn)
	require.Equal(t, ws.TypeRegisterAck, msg.Type)
	var ack v1.RegisterResponse
	require.NoError(t, msg.ParsePayload(&ack))
	return ack
}

func enqueue(t *testing.T, svc *orchestrator.Service, id string) {
	t.Helper()
	_, _, err := svc.Enqueue(context.Background(), &v1.Task{
		ID:            id,
		ArchiveBase64: base64.StdEncoding.EncodeToString([]byte("PK")),
	})
	require.NoError(t, err)
}

func TestUnauthorizedUpgradeClosedWith4401(t *testing.T) {
	_, url := startServer(t, "s3cret")

	conn := dial(t, url+"?token=wrong", nil)
	expectClose(t, conn, ws.CloseUnauthorized)
}

func TestNonUpgradeRequestGets401(t *testing.T) {
	_, url := startServer(t, "s3cret")

	resp, err := http.Get("http" + strings.TrimPrefix(url, "ws"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTokenAcceptedFromHeaderOrQuery(t *testing.T) {
	_, url := startServer(t, "s3cret")

	conn := dial(t, url+"?token=s3cret", nil)
	ack := registerAgent(t, conn, "q")
	assert.Equal(t, "q", ack.ClientID)

	conn = dial(t, url, http.Header{"Authorization": []string{"Bearer s3cret"}})
	ack = registerAgent(t, conn, "h")
	assert.Equal(t, "h", ack.ClientID)
	assert.True(t, ack.SupportsWS)
	assert.Equal(t, 30, ack.HeartbeatInterval)
}

func TestFirstMessageMustBeRegister(t *testing.T) {
	_, url := startServer(t, "")

	conn := dial(t, url, nil)
	send(t, conn, ws.TypeHeartbeat, v1.HeartbeatRequest{Status: v1.AgentStatusIdle})
	expectClose(t, conn, gorillaws.CloseProtocolError)
}

func TestPushTaskLifecycle(t *testing.T) {
	svc, url := startServer(t, "")
	conn := dial(t, url, nil)
	registerAgent(t, conn, "agent-1")

	enqueue(t, svc, "t1")

	msg := receive(t, conn)
	require.Equal(t, ws.TypeTask, msg.Type)
	var task v1.Task
	require.NoError(t, msg.ParsePayload(&task))
	assert.Equal(t, "t1", task.ID)

	send(t, conn, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: "t1", Accepted: true})
	send(t, conn, ws.TypeLog, ws.LogPayload{TaskID: "t1", Line: "[2026-01-01 08:00:00] uploading"})
	send(t, conn, ws.TypeResult, v1.TaskResult{
		TaskID: "t1",
		Status: v1.ResultStatusSuccess,
		Logs:   []string{"done"},
	})

	msg = receive(t, conn)
	require.Equal(t, ws.TypeResultAck, msg.Type)
	var ack ws.ResultAckPayload
	require.NoError(t, msg.ParsePayload(&ack))
	assert.Equal(t, "t1", ack.TaskID)
	assert.True(t, ack.OK)

	res, err := svc.Result("t1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", res.ClientID)

	agent, _ := svc.Agent("agent-1")
	assert.Equal(t, v1.AgentStatusIdle, agent.Status)
}

func TestPendingTaskDeliveredAfterRegister(t *testing.T) {
	svc, url := startServer(t, "")
	enqueue(t, svc, "t1")

	conn := dial(t, url, nil)
	registerAgent(t, conn, "late")

	msg := receive(t, conn)
	require.Equal(t, ws.TypeTask, msg.Type)
}

func TestRejectedTaskDropsSession(t *testing.T) {
	svc, url := startServer(t, "")
	conn := dial(t, url, nil)
	registerAgent(t, conn, "busy")

	enqueue(t, svc, "t1")
	msg := receive(t, conn)
	require.Equal(t, ws.TypeTask, msg.Type)

	send(t, conn, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: "t1", Accepted: false, Reason: "busy"})
	expectClose(t, conn, ws.CloseDropped)

	require.Eventually(t, func() bool {
		st, err := svc.TaskStatus("t1")
		return err == nil && st.State == v1.TaskStatePending
	}, 2*time.Second, 10*time.Millisecond)
	agent, _ := svc.Agent("busy")
	assert.Equal(t, v1.AgentStatusOffline, agent.Status)
}

func TestMissingAckTimesOut(t *testing.T) {
	svc, url := startServer(t, "")
	conn := dial(t, url, nil)
	registerAgent(t, conn, "silent")

	enqueue(t, svc, "t1")
	msg := receive(t, conn)
	require.Equal(t, ws.TypeTask, msg.Type)

	expectClose(t, conn, ws.CloseDropped)
	st, err := svc.TaskStatus("t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatePending, st.State)
}

func TestUnknownTypeAndMalformedJSONKeepConnection(t *testing.T) {
	_, url := startServer(t, "")
	conn := dial(t, url, nil)
	registerAgent(t, conn, "a")

	send(t, conn, "dance", nil)
	msg := receive(t, conn)
	require.Equal(t, ws.TypeError, msg.Type)
	var errPayload ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&errPayload))
	assert.Equal(t, ws.ErrorCodeUnknownType, errPayload.Code)

	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, []byte("{nope")))
	msg = receive(t, conn)
	require.Equal(t, ws.TypeError, msg.Type)
	require.NoError(t, msg.ParsePayload(&errPayload))
	assert.Equal(t, ws.ErrorCodeBadRequest, errPayload.Code)

	send(t, conn, ws.TypeHeartbeat, v1.HeartbeatRequest{Status: v1.AgentStatusIdle})
	msg = receive(t, conn)
	assert.Equal(t, ws.TypeHeartbeatAck, msg.Type)
}

func TestInvalidResultGetsErrorPacket(t *testing.T) {
	_, url := startServer(t, "")
	conn := dial(t, url, nil)
	registerAgent(t, conn, "a")

	send(t, conn, ws.TypeResult, v1.TaskResult{TaskID: "t1", Status: "maybe"})
	msg := receive(t, conn)
	require.Equal(t, ws.TypeError, msg.Type)
	var errPayload ws.ErrorPayload
	require.NoError(t, msg.ParsePayload(&errPayload))
	assert.Equal(t, ws.ErrorCodeInvalidResult, errPayload.Code)
}

func TestDisconnectRequeuesAndMarksOffline(t *testing.T) {
	svc, url := startServer(t, "")
	conn := dial(t, url, nil)
	registerAgent(t, conn, "a")

	enqueue(t, svc, "t1")
	receive(t, conn)
	send(t, conn, ws.TypeTaskAck, ws.TaskAckPayload{TaskID: "t1", Accepted: true})

	require.Eventually(t, func() bool {
		st, err := svc.TaskStatus("t1")
		return err == nil && st.State == v1.TaskStateRunning
	}, 2*time.Second, 10*time.Millisecond)
	enqueue(t, svc, "t2")

	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool {
		agent, _ := svc.Agent("a")
		return agent.Status == v1.AgentStatusOffline
	}, 2*time.Second, 10*time.Millisecond)
	st, err := svc.TaskStatus("t1")
	require.NoError(t, err)
	assert.Equal(t, v1.TaskStatePending, st.State)
	assert.Equal(t, 1, st.Position)
	st, err = svc.TaskStatus("t2")
	require.NoError(t, err)
	assert.Equal(t, 2, st.Position)
}

func TestReconnectReplacesOldSession(t *testing.T) {
	svc, url := startServer(t, "")
	first := dial(t, url, nil)
	registerAgent(t, first, "a")

	second := dial(t, url, nil)
	registerAgent(t, second, "a")

	expectClose(t, first, ws.CloseReplaced)

	enqueue(t, svc, "t1")
	msg := receive(t, second)
	assert.Equal(t, ws.TypeTask, msg.Type)
	assert.Equal(t, 1, svc.Status().PushConnected)
}
