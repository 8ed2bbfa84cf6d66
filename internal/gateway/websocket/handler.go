// Package websocket implements the agent push channel: upgrade, bearer
// check, and one Session per connected agent.
package websocket

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rzapply/rzapply/internal/common/errors"
	"github.com/rzapply/rzapply/internal/common/httpmw"
	"github.com/rzapply/rzapply/internal/common/logger"
	"github.com/rzapply/rzapply/internal/orchestrator"
	ws "github.com/rzapply/rzapply/pkg/websocket"
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers; the bearer token is the access check.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler accepts agent push connections
type Handler struct {
	service *orchestrator.Service
	token   string
	logger  *logger.Logger
}

// NewHandler creates a new push handler. A blank token disables auth.
func NewHandler(service *orchestrator.Service, token string, log *logger.Logger) *Handler {
	return &Handler{
		service: service,
		token:   token,
		logger:  log.WithFields(zap.String("component", "ws_handler")),
	}
}

// HandleConnection upgrades the request and runs the session until it ends
func (h *Handler) HandleConnection(c *gin.Context) {
	if !httpmw.TokenMatches(h.token, httpmw.BearerToken(c.Request, true)) {
		h.reject(c)
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	session := NewSession(conn, h.service, h.logger)
	h.logger.Debug("push connection established",
		zap.String("session_id", session.ID),
		zap.String("remote_addr", c.Request.RemoteAddr))

	go session.WritePump()
	session.ReadPump(c.Request.Context())
}

// reject closes an unauthenticated upgrade with 4401, or answers a plain
// 401 when the request is not an upgrade.
func (h *Handler) reject(c *gin.Context) {
	h.logger.Warn("push connection rejected", zap.String("remote_addr", c.Request.RemoteAddr))

	if !gorillaws.IsWebSocketUpgrade(c.Request) {
		appErr := errors.Unauthorized("missing or invalid bearer token")
		c.AbortWithStatusJSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{"code": appErr.Code, "message": appErr.Message},
		})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	_ = conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(ws.CloseUnauthorized, "unauthorized"),
		time.Now().Add(writeWait))
	_ = conn.Close()
}

// SetupRoutes mounts the push endpoint
func SetupRoutes(router gin.IRouter, handler *Handler, path string) {
	if path == "" {
		path = "/ws"
	}
	router.GET(path, handler.HandleConnection)
}
