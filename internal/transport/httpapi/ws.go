package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/picobot-run/picobot/internal/agentloop"
	"github.com/picobot-run/picobot/internal/kernel"
	"github.com/picobot-run/picobot/internal/models"
)

const (
	wsMaxPayloadBytes     = 1 << 20
	wsWriteWait           = 10 * time.Second
	wsPongWait            = 45 * time.Second
	wsPingInterval        = 20 * time.Second
	wsPermissionReplyWait = 2 * time.Minute
)

// clientFrame is one of the three client->server wire messages (spec §6):
// chat{session_id?,user_id?,message,model?}, permission_decision{request_id,
// decision}, ping.
type clientFrame struct {
	Type string `json:"type"`

	// chat
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	Message   string `json:"message,omitempty"`
	Model     string `json:"model,omitempty"`

	// permission_decision
	RequestID string `json:"request_id,omitempty"`
	Decision  string `json:"decision,omitempty"` // "once" | "session" | "deny"
}

// serverFrame is one of the six server->client wire messages (spec §6):
// session{session_id}, token{token}, done{response,session_id},
// error{error}, permission_required{tool,permissions,request_id}, pong.
type serverFrame struct {
	Type string `json:"type"`

	SessionID   string   `json:"session_id,omitempty"`
	Token       string   `json:"token,omitempty"`
	Response    string   `json:"response,omitempty"`
	Error       string   `json:"error,omitempty"`
	Tool        string   `json:"tool,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
	RequestID   string   `json:"request_id,omitempty"`
}

// SessionSource resolves and persists the models.Session a chat frame
// belongs to, and supplies the Kernel/Model/ToolSpecSource the agent loop
// needs to run a turn. Implemented by cmd/picobot's wiring layer so this
// package stays free of sessionstore/config/model-catalog imports.
type SessionSource interface {
	Resolve(ctx context.Context, sessionID, channelID, userID string) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session) error
	Kernel(sess *models.Session) *kernel.Kernel
	Model(name string) (models.Model, error)
	Tools() agentloop.ToolSpecSource
}

// WSServer implements the spec §6 WebSocket transport: one connection
// carries one chat session, running each "chat" frame through
// agentloop.Run and streaming tokens back as they're generated.
type WSServer struct {
	sessions SessionSource
	auth     *JWTAuthenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSServer builds a WSServer. auth may be nil to run unauthenticated.
func NewWSServer(sessions SessionSource, auth *JWTAuthenticator, logger *slog.Logger) *WSServer {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSServer{
		sessions: sessions,
		auth:     auth,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (s *WSServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var identity Identity
	if s.auth != nil {
		var err error
		identity, err = s.auth.Validate(bearerToken(r))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	conn2 := &wsConn{
		server:    s,
		conn:      conn,
		send:      make(chan serverFrame, 32),
		ctx:       ctx,
		cancel:    cancel,
		identity:  identity,
		pendingPermissions: make(map[string]chan string),
	}
	conn2.run()
}

// wsConn is one live connection, handling at most one in-flight chat turn
// at a time (spec's chat/token/done sequencing is per-connection).
type wsConn struct {
	server *WSServer
	conn   *websocket.Conn
	send   chan serverFrame
	ctx    context.Context
	cancel context.CancelFunc

	identity Identity

	permMu             sync.Mutex
	pendingPermissions map[string]chan string
}

func (c *wsConn) run() {
	defer c.close()
	go c.writeLoop()
	c.readLoop()
}

func (c *wsConn) close() {
	c.cancel()
	close(c.send)
	_ = c.conn.Close()
}

func (c *wsConn) readLoop() {
	c.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendErr("malformed frame")
			continue
		}

		switch frame.Type {
		case "ping":
			c.enqueue(serverFrame{Type: "pong"})
		case "chat":
			go c.handleChat(frame)
		case "permission_decision":
			c.deliverPermissionDecision(frame.RequestID, frame.Decision)
		default:
			c.sendErr("unknown frame type")
		}
	}
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame, ok := <-c.send:
			if !ok {
				return
			}
			data, err := json.Marshal(frame)
			if err != nil {
				continue
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) enqueue(frame serverFrame) {
	select {
	case c.send <- frame:
	case <-c.ctx.Done():
	}
}

func (c *wsConn) sendErr(msg string) {
	c.enqueue(serverFrame{Type: "error", Error: msg})
}

// handleChat runs one chat turn: resolve the session, run agentloop.Run
// with callbacks that stream tokens and broker permission prompts over
// the wire, then emit "done".
func (c *wsConn) handleChat(frame clientFrame) {
	if frame.Message == "" {
		c.sendErr("message is required")
		return
	}

	userID := frame.UserID
	if userID == "" {
		userID = c.identity.UserID
	}
	channelID := c.identity.ChannelID
	if channelID == "" {
		channelID = "websocket"
	}

	sess, err := c.server.sessions.Resolve(c.ctx, frame.SessionID, channelID, userID)
	if err != nil {
		c.sendErr("failed to resolve session: " + err.Error())
		return
	}
	c.enqueue(serverFrame{Type: "session", SessionID: sess.ID})

	model, err := c.server.sessions.Model(frame.Model)
	if err != nil {
		c.sendErr("failed to resolve model: " + err.Error())
		return
	}
	k := c.server.sessions.Kernel(sess)

	response, err := agentloop.Run(c.ctx, k, model, c.server.sessions.Tools(), sess, frame.Message, agentloop.DefaultConfig(), agentloop.Callbacks{
		OnToken: func(token string) {
			c.enqueue(serverFrame{Type: "token", Token: token})
		},
		OnPermission: func(tool string, required []string) agentloop.PermissionDecision {
			return c.promptPermission(tool, required)
		},
	})
	if err != nil {
		c.sendErr(err.Error())
		return
	}

	if err := c.server.sessions.Save(c.ctx, sess); err != nil {
		c.server.logger.Error("failed to persist session after chat turn", "session_id", sess.ID, "error", err)
	}

	c.enqueue(serverFrame{Type: "done", Response: response, SessionID: sess.ID})
}

// promptPermission sends permission_required and blocks for the matching
// permission_decision frame, translating the client's string decision into
// an agentloop.PermissionDecision. Deny/timeout both deny.
func (c *wsConn) promptPermission(tool string, required []string) agentloop.PermissionDecision {
	requestID := uuid.NewString()
	reply := make(chan string, 1)

	c.permMu.Lock()
	c.pendingPermissions[requestID] = reply
	c.permMu.Unlock()
	defer func() {
		c.permMu.Lock()
		delete(c.pendingPermissions, requestID)
		c.permMu.Unlock()
	}()

	c.enqueue(serverFrame{Type: "permission_required", Tool: tool, Permissions: required, RequestID: requestID})

	select {
	case decision := <-reply:
		switch decision {
		case "once":
			return agentloop.DecisionAllowOnce
		case "session":
			return agentloop.DecisionAllowSession
		default:
			return agentloop.DecisionDeny
		}
	case <-time.After(wsPermissionReplyWait):
		return agentloop.DecisionDeny
	case <-c.ctx.Done():
		return agentloop.DecisionDeny
	}
}

func (c *wsConn) deliverPermissionDecision(requestID, decision string) {
	c.permMu.Lock()
	reply, ok := c.pendingPermissions[requestID]
	c.permMu.Unlock()
	if !ok {
		return
	}
	select {
	case reply <- decision:
	default:
	}
}
