package websocket

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/orchestrator"
	v1 "github.com/rzapply/rzapply/pkg/api/v1"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. Results carry logs and
	// artifact maps, so this is larger than a typical control channel.
	maxMessageSize = 4 * 1024 * 1024

	sendBufferSize = 64
)

var errSessionClosed = errors.New("push session closed")

// Session is one agent's push connection. It implements orchestrator.Pusher.
type Session struct {
	ID      string
	conn    *websocket.Conn
	service *orchestrator.Service
	send    chan []byte
	logger  *logger.Logger

	mu       sync.Mutex
	clientID string
	acks     map[string]chan ws.TaskAckPayload

	done      chan struct{}
	closeOnce sync.Once
}

// NewSession wraps an upgraded connection
func NewSession(conn *websocket.Conn, service *orchestrator.Service, log *logger.Logger) *Session {
	id := uuid.New().String()
	return &Session{
		ID:      id,
		conn:    conn,
		service: service,
		send:    make(chan []byte, sendBufferSize),
		logger:  log.WithFields(zap.String("session_id", id)),
		acks:    make(map[string]chan ws.TaskAckPayload),
		done:    make(chan struct{}),
	}
}

// ClientID returns the agent bound to this session, empty before register
func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientID
}

// Deliver sends a task packet and waits for the matching task_ack
func (s *Session) Deliver(ctx context.Context, task *v1.Task) error {
	msg, err := ws.NewMessage(ws.TypeTask, task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	ack := make(chan ws.TaskAckPayload, 1)
	s.mu.Lock()
	s.acks[task.ID] = ack
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.acks, task.ID)
		s.mu.Unlock()
	}()

	if err := s.sendMessage(msg); err != nil {
		return err
	}

	select {
	case a := <-ack:
		if !a.Accepted {
			return fmt.Errorf("%w: %s", orchestrator.ErrDeliveryRejected, a.Reason)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return errSessionClosed
	}
}

// Close sends a close frame with code and tears the connection down
func (s *Session) Close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.logger.Debug("closing push session", zap.Int("code", code), zap.String("reason", reason))
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(writeWait))
		close(s.done)
		_ = s.conn.Close()
	})
}

// ReadPump reads packets until the connection fails. The first packet must
// be a register.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		if clientID := s.ClientID(); clientID != "" {
			s.service.DetachPusher(clientID, s)
		}
		s.Close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if !s.awaitRegister() {
		return
	}

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Warn("push read error", zap.Error(err))
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := ws.Decode(data)
		if err != nil {
			s.sendError(ws.ErrorCodeBadRequest, "invalid message: "+err.Error())
			continue
		}
		s.handleMessage(ctx, msg)
	}
}

func (s *Session) awaitRegister() bool {
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}
	msg, err := ws.Decode(data)
	if err != nil || msg.Type != ws.TypeRegister {
		s.Close(websocket.CloseProtocolError, "first message must be register")
		return false
	}

	var req v1.RegisterRequest
	if err := msg.ParsePayload(&req); err != nil {
		s.Close(websocket.CloseProtocolError, "invalid register payload")
		return false
	}

	agent, err := s.service.AttachPusher(&req, s, func(agent v1.Agent) error {
		s.mu.Lock()
		s.clientID = agent.ID
		s.mu.Unlock()

		ack, err := ws.NewMessage(ws.TypeRegisterAck, v1.RegisterResponse{
			ClientID:          agent.ID,
			SupportsWS:        true,
			HeartbeatInterval: int(s.service.HeartbeatInterval() / time.Second),
		})
		if err != nil {
			return err
		}
		return s.sendMessage(ack)
	})
	if err != nil {
		if _, ok := apperrors.As(err); ok {
			s.Close(websocket.CloseProtocolError, err.Error())
		}
		return false
	}
	s.logger.Info("push session registered",
		zap.String("client_id", agent.ID),
		zap.String("hostname", agent.Hostname))

	s.service.Dispatch()
	return true
}

func (s *Session) handleMessage(ctx context.Context, msg *ws.Message) {
	clientID := s.ClientID()

	switch msg.Type {
	case ws.TypeHeartbeat:
		var req v1.HeartbeatRequest
		if err := msg.ParsePayload(&req); err != nil {
			s.sendError(ws.ErrorCodeBadRequest, "invalid heartbeat payload")
			return
		}
		req.ClientID = clientID
		if _, err := s.service.Heartbeat(ctx, &req); err != nil {
			s.sendAppError(err)
			return
		}
		s.reply(ws.TypeHeartbeatAck, v1.OKResponse{OK: true})

	case ws.TypeTaskAck:
		var ack ws.TaskAckPayload
		if err := msg.ParsePayload(&ack); err != nil {
			s.sendError(ws.ErrorCodeBadRequest, "invalid task_ack payload")
			return
		}
		s.mu.Lock()
		waiter, ok := s.acks[ack.TaskID]
		s.mu.Unlock()
		if !ok {
			s.logger.Debug("task_ack without pending delivery", zap.String("task_id", ack.TaskID))
			return
		}
		select {
		case waiter <- ack:
		default:
		}

	case ws.TypeResult:
		var res v1.TaskResult
		if err := msg.ParsePayload(&res); err != nil {
			s.sendError(ws.ErrorCodeInvalidResult, "invalid result payload")
			return
		}
		res.ClientID = clientID
		if err := s.service.RecordResult(ctx, &res); err != nil {
			s.sendAppError(err)
			return
		}
		s.reply(ws.TypeResultAck, ws.ResultAckPayload{TaskID: res.TaskID, OK: true})

	case ws.TypeLog:
		var line ws.LogPayload
		if err := msg.ParsePayload(&line); err != nil {
			s.sendError(ws.ErrorCodeBadRequest, "invalid log payload")
			return
		}
		s.service.AppendLog(ctx, clientID, line.TaskID, line.Line)

	case ws.TypeRegister:
		s.sendError(ws.ErrorCodeBadRequest, "session already registered")

	default:
		s.sendError(ws.ErrorCodeUnknownType, "unknown message type '"+string(msg.Type)+"'")
	}
}

func (s *Session) reply(t ws.MessageType, payload interface{}) {
	msg, err := ws.NewMessage(t, payload)
	if err != nil {
		s.logger.Error("failed to encode reply", zap.String("type", string(t)), zap.Error(err))
		return
	}
	if err := s.sendMessage(msg); err != nil {
		s.logger.Debug("reply dropped", zap.String("type", string(t)), zap.Error(err))
	}
}

func (s *Session) sendAppError(err error) {
	code, message := ws.ErrorCodeInternalError, err.Error()
	if appErr, ok := apperrors.As(err); ok {
		message = appErr.Message
		switch appErr.Code {
		case apperrors.ErrCodeUnknownClient:
			code = ws.ErrorCodeUnknownClient
		case apperrors.ErrCodeMalformedPayload:
			code = ws.ErrorCodeBadRequest
		case apperrors.ErrCodeInvalidResultPayload:
			code = ws.ErrorCodeInvalidResult
		}
	}
	s.sendError(code, message)
}

func (s *Session) sendError(code, message string) {
	if err := s.sendMessage(ws.NewError(code, message)); err != nil {
		s.logger.Debug("error packet dropped", zap.String("code", code), zap.Error(err))
	}
}

func (s *Session) sendMessage(msg *ws.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	default:
		return fmt.Errorf("send buffer full")
	}
}

// WritePump writes queued packets and keepalive pings
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Debug("push write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
