package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/lovebeyondborders/call-service/internal/adapters/media"
	"github.com/lovebeyondborders/call-service/internal/services/call"
	"github.com/lovebeyondborders/call-service/pkg/logger"
	"go.uber.org/zap"
)

const (
	wsWriteTimeout   = 10 * time.Second
	wsPongTimeout    = 60 * time.Second
	wsPingInterval   = 30 * time.Second
	statePushMinimum = 250 * time.Millisecond
)

// clientAction is one control message from a connected client.
type clientAction struct {
	Action    string `json:"action"`
	PartnerID string `json:"partnerId,omitempty"`
	Video     bool   `json:"video,omitempty"`
}

// serverEvent is one push to the client: either a state snapshot or an
// operation error.
type serverEvent struct {
	Type  string          `json:"type"`
	State *call.CallState `json:"state,omitempty"`
	Error string          `json:"error,omitempty"`
	Kind  string          `json:"kind,omitempty"`
}

// ClientGateway bridges WebSocket clients onto their call engines. One
// socket per user; control actions run against the engine and every state
// change streams back as a snapshot.
type ClientGateway struct {
	service  *call.Service
	upgrader websocket.Upgrader
}

// NewClientGateway creates the WebSocket gateway.
func NewClientGateway(service *call.Service, allowAllOrigins bool) *ClientGateway {
	return &ClientGateway{
		service: service,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return allowAllOrigins
			},
		},
	}
}

// SetupClientRoutes registers the call control socket.
func (g *ClientGateway) SetupClientRoutes(router *mux.Router) {
	router.HandleFunc("/ws/call", g.handleClient).Methods("GET")
	logger.Base().Info("call control socket registered", zap.String("path", "/ws/call"))
}

func (g *ClientGateway) handleClient(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	if claims == nil {
		sendJSONError(w, http.StatusUnauthorized, "missing token")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Base().Warn("websocket upgrade failed",
			zap.String("user_id", claims.UserID), zap.Error(err))
		return
	}

	engine, err := g.service.EngineFor(r.Context(), claims.UserID, claims.PairingID, claims.DeviceClass)
	if err != nil {
		logger.Base().Error("failed to bind call engine",
			zap.String("user_id", claims.UserID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "engine unavailable"),
			time.Now().Add(wsWriteTimeout))
		_ = conn.Close()
		return
	}

	c := &clientConn{
		gateway: g,
		conn:    conn,
		engine:  engine,
		userID:  claims.UserID,
		done:    make(chan struct{}),
		log: logger.L().With(
			"component", "client-gateway",
			"user_id", claims.UserID,
			"pairing_id", claims.PairingID,
		),
	}

	go c.writeLoop()
	c.readLoop()
}

// clientConn is one connected control socket.
type clientConn struct {
	gateway *ClientGateway
	conn    *websocket.Conn
	engine  *call.Engine
	userID  string

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	log       *zap.SugaredLogger
}

func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
		// Releasing the engine ends any active call; a dropped socket
		// must not leave the partner ringing forever.
		if err := c.gateway.service.ReleaseEngine(c.userID); err != nil {
			c.log.Warnw("engine release failed", "error", err)
		}
	})
}

func (c *clientConn) readLoop() {
	defer c.close()

	c.conn.SetReadLimit(1 << 16)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Infow("client socket closed unexpectedly", "error", err)
			}
			return
		}

		var action clientAction
		if err := json.Unmarshal(payload, &action); err != nil {
			c.log.Debugw("malformed client action dropped", "error", err)
			continue
		}
		c.dispatch(action)
	}
}

func (c *clientConn) dispatch(action clientAction) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var err error
	switch action.Action {
	case "start-call":
		err = c.engine.StartCall(ctx, action.PartnerID, action.Video)
	case "accept-call":
		err = c.engine.AcceptCall(ctx)
	case "decline-call":
		err = c.engine.DeclineCall(ctx)
	case "end-call":
		err = c.engine.EndCall(ctx)
	case "toggle-mic":
		err = c.engine.ToggleMic(ctx)
	case "toggle-video":
		err = c.engine.ToggleVideo(ctx)
	case "toggle-screen-share":
		err = c.engine.ToggleScreenShare(ctx)
	default:
		c.log.Debugw("unknown client action dropped", "action", action.Action)
		return
	}

	if err != nil {
		c.log.Warnw("client action failed", "action", action.Action, "error", err)
		ev := serverEvent{Type: "error", Error: err.Error()}
		var mediaErr *call.MediaError
		if errors.As(err, &mediaErr) {
			ev.Kind = string(mediaErr.Kind)
		} else if errors.Is(err, call.ErrCallActive) {
			ev.Kind = "call-active"
		} else if errors.Is(err, call.ErrNoIncomingCall) {
			ev.Kind = "no-incoming-call"
		} else {
			ev.Kind = string(media.ErrorUnknown)
		}
		c.send(ev)
	}
}

// writeLoop streams state snapshots whenever the engine's state changes and
// keeps the socket alive with pings.
func (c *clientConn) writeLoop() {
	defer c.close()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	stateTicker := time.NewTicker(statePushMinimum)
	defer stateTicker.Stop()

	var last call.CallState
	first := true

	for {
		select {
		case <-c.done:
			return
		case <-pingTicker.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		case <-stateTicker.C:
			state := c.engine.State()
			if !first && state == last {
				continue
			}
			first = false
			last = state
			if !c.send(serverEvent{Type: "state", State: &state}) {
				return
			}
		}
	}
}

func (c *clientConn) send(ev serverEvent) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := c.conn.WriteJSON(ev); err != nil {
		c.log.Debugw("state push failed", "error", err)
		return false
	}
	return true
}
