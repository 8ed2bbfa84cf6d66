package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	v1 "github.com/rzapply/rzapply/pkg/api/v1"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

const (
	pushMaxMessageSize = 10 * 1024 * 1024
	pushWriteWait      = 10 * time.Second
	pushSendBuffer     = 256
	registerAckWait    = 20 * time.Second

	reconnectInitial = time.Second
	reconnectMax     = 60 * time.Second
)

// ErrUnauthorized is returned when the coordinator rejects the token
var ErrUnauthorized = errors.New("coordinator rejected the agent token")

var errPushClosed = errors.New("push connection is closed")

// pushConn is one live connection to the coordinator's push endpoint
type pushConn struct {
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

func newPushConn(parent context.Context, conn *websocket.Conn) *pushConn {
	ctx, cancel := context.WithCancel(parent)
	return &pushConn{
		conn:   conn,
		sendCh: make(chan []byte, pushSendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Send queues a packet for the write pump
func (p *pushConn) Send(t ws.MessageType, payload interface{}) error {
	msg, err := ws.NewMessage(t, payload)
	if err != nil {
		return err
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	select {
	case <-p.ctx.Done():
		return errPushClosed
	case p.sendCh <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// writePump owns the writer side. When it exits the connection is closed,
// which also ends the read loop.
func (p *pushConn) writePump() {
	defer func() {
		p.cancel()
		_ = p.conn.Close()
	}()
	for {
		select {
		case <-p.ctx.Done():
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(pushWriteWait))
			return
		case data := <-p.sendCh:
			_ = p.conn.SetWriteDeadline(time.Now().Add(pushWriteWait))
			if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (p *pushConn) Close() {
	p.cancel()
	_ = p.conn.Close()
}

// pushURL appends the token as a query parameter
func pushURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid ws_url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid ws_url scheme %q", u.Scheme)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// runPush keeps a push session open until ctx ends, reconnecting with
// exponential backoff between 1s and 60s.
func (a *Agent) runPush(ctx context.Context, wsURL string) error {
	target, err := pushURL(wsURL, a.cfg.Token)
	if err != nil {
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = reconnectInitial
	b.MaxInterval = reconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0

	for {
		registered, err := a.pushSession(ctx, target)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrUnauthorized) {
			return err
		}
		if registered {
			b.Reset()
		}

		wait := b.NextBackOff()
		a.logger.Warn("push connection lost, reconnecting",
			zap.Error(err), zap.Duration("retry_in", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// pushSession dials, registers and serves one connection. registered
// reports whether the coordinator acknowledged the register packet.
func (a *Agent) pushSession(ctx context.Context, target string) (bool, error) {
	header := http.Header{}
	if a.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		return false, fmt.Errorf("dial: %w", err)
	}
	conn.SetReadLimit(pushMaxMessageSize)

	p := newPushConn(ctx, conn)
	defer p.Close()
	go p.writePump()

	if err := p.Send(ws.TypeRegister, a.registerRequest()); err != nil {
		return false, err
	}
	if err := a.awaitRegisterAck(p); err != nil {
		return false, err
	}

	a.setPush(p)
	defer a.clearPush(p)
	a.logger.Info("push session registered", zap.String("client_id", a.ClientID()))

	go a.pushHeartbeats(p)

	// A coordinator ping or any packet proves the link is alive.
	idle := 3 * a.heartbeatInterval()
	_ = conn.SetReadDeadline(time.Now().Add(idle))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(idle))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(pushWriteWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return true, closeError(err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(idle))

		msg, err := ws.Decode(data)
		if err != nil {
			a.logger.Warn("invalid push packet", zap.Error(err))
			continue
		}
		a.handlePacket(ctx, p, msg)
	}
}

func (a *Agent) awaitRegisterAck(p *pushConn) error {
	_ = p.conn.SetReadDeadline(time.Now().Add(registerAckWait))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		return closeError(err)
	}
	msg, err := ws.Decode(data)
	if err != nil {
		return fmt.Errorf("invalid register_ack: %w", err)
	}
	switch msg.Type {
	case ws.TypeRegisterAck:
		var ack v1.RegisterResponse
		if err := msg.ParsePayload(&ack); err == nil && ack.ClientID != "" {
			a.adoptClientID(ack.ClientID)
			a.adoptHeartbeat(ack.HeartbeatInterval)
		}
		return nil
	case ws.TypeError:
		var e ws.ErrorPayload
		_ = msg.ParsePayload(&e)
		return fmt.Errorf("register rejected: %s: %s", e.Code, e.Message)
	}
	return fmt.Errorf("expected register_ack, got %s", msg.Type)
}

func (a *Agent) handlePacket(ctx context.Context, p *pushConn, msg *ws.Message) {
	switch msg.Type {
	case ws.TypeTask:
		var task v1.Task
		if err := msg.ParsePayload(&task); err != nil {
			a.logger.Warn("invalid task packet", zap.Error(err))
			return
		}
		if !a.slot.TryAcquire(1) {
			_ = p.Send(ws.TypeTaskAck, ws.TaskAckPayload{TaskID: task.ID, Accepted: false, Reason: "busy"})
			return
		}
		if err := p.Send(ws.TypeTaskAck, ws.TaskAckPayload{TaskID: task.ID, Accepted: true}); err != nil {
			a.slot.Release(1)
			return
		}
		a.tasks.Add(1)
		go func() {
			defer a.tasks.Done()
			a.execute(ctx, &task, true, func() { a.slot.Release(1) })
		}()

	case ws.TypeHeartbeatAck, ws.TypeRegisterAck, ws.TypeResultAck:

	case ws.TypeError:
		var e ws.ErrorPayload
		_ = msg.ParsePayload(&e)
		a.logger.Warn("coordinator reported an error",
			zap.String("code", e.Code), zap.String("message", e.Message))

	default:
		a.logger.Debug("ignoring push packet", zap.String("type", string(msg.Type)))
	}
}

func (a *Agent) pushHeartbeats(p *pushConn) {
	ticker := time.NewTicker(a.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			if err := p.Send(ws.TypeHeartbeat, a.heartbeatRequest()); err != nil {
				return
			}
		}
	}
}

// closeError maps a 4401 close to ErrUnauthorized
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == ws.CloseUnauthorized {
		return ErrUnauthorized
	}
	return err
}
