package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/metorial/chatops/internal/broadcast"
	"github.com/metorial/chatops/internal/models"
)

const (
	DefaultRoom = "general"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 64 * 1024
)

// Rooms is the subscription side of the room broadcaster.
type Rooms interface {
	Publisher
	Subscribe(sub broadcast.Subscriber, room string)
	Unsubscribe(sub broadcast.Subscriber, room string)
}

// Handler upgrades /ws/{room} requests and runs one Router loop per
// connection.
type Handler struct {
	identity *IdentityResolver
	router   *Router
	rooms    Rooms
	upgrader websocket.Upgrader
	logger   *zap.Logger

	closing   chan struct{}
	closeOnce sync.Once
	sessions  sync.WaitGroup
}

// NewHandler builds a handler that accepts upgrades from origins. An empty
// list or "*" accepts any origin.
func NewHandler(identity *IdentityResolver, router *Router, rooms Rooms, origins []string, logger *zap.Logger) *Handler {
	h := &Handler{
		identity: identity,
		router:   router,
		rooms:    rooms,
		logger:   logger.Named("chat"),
		closing:  make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(origins),
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	if room == "" {
		room = DefaultRoom
	}

	user, err := h.identity.Resolve(r.Context(), r.URL.Query().Get("token"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrInvalidToken) {
			status = http.StatusBadRequest
		}
		h.logger.Warn("Rejecting connection", zap.String("room", room), zap.Error(err))
		http.Error(w, err.Error(), status)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Debug("Upgrade failed", zap.Error(err))
		return
	}

	h.sessions.Add(1)
	defer h.sessions.Done()

	// A hijacked connection is not tied to the request context, so the
	// session gets its own and Close cancels it.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	go func() {
		select {
		case <-h.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	conn := newConnection(ws, h.logger)
	go conn.keepalive(ctx)

	h.serve(ctx, conn, user, room)
}

func (h *Handler) serve(ctx context.Context, conn *connection, user *models.User, room string) {
	log := h.logger.With(zap.String("conn", conn.id), zap.String("room", room), zap.Int64("user_id", user.ID))

	h.rooms.Subscribe(conn, room)
	log.Info("Client connected")

	h.rooms.Publish(ctx, room, models.Event{
		Type: models.EventUserJoin,
		Data: models.UserJoinData{User: user.Summary(), Timestamp: time.Now().UTC()},
	})

	defer func() {
		h.rooms.Unsubscribe(conn, room)
		conn.close()
		h.rooms.Publish(context.WithoutCancel(ctx), room, models.Event{
			Type: models.EventUserLeave,
			Data: models.UserLeaveData{UserID: user.ID, Timestamp: time.Now().UTC()},
		})
		log.Info("Client disconnected")
	}()

	for {
		frame, err := conn.read()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Warn("Read failed", zap.Error(err))
			}
			return
		}
		if frame == nil {
			if err := conn.Send(models.Event{
				Type: models.EventError,
				Data: models.ErrorData{Message: "Malformed frame: expected a JSON object with a non-empty content field"},
			}); err != nil {
				return
			}
			continue
		}

		if err := h.router.Handle(ctx, user, room, frame.Content); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Failed to handle message", zap.String("content", frame.Content), zap.Error(err))
			if err := conn.Send(models.Event{
				Type: models.EventError,
				Data: models.ErrorData{Command: frame.Content, Message: "Internal error processing message"},
			}); err != nil {
				return
			}
		}
	}
}

// Close stops every session and waits for their loops to exit.
func (h *Handler) Close() {
	h.closeOnce.Do(func() { close(h.closing) })
	h.sessions.Wait()
}

// connection is a Subscriber backed by a WebSocket. gorilla allows one
// concurrent writer, so every write goes through mu.
type connection struct {
	id     string
	ws     *websocket.Conn
	logger *zap.Logger

	mu        sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func newConnection(ws *websocket.Conn, logger *zap.Logger) *connection {
	ws.SetReadLimit(maxMessageSize)
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	return &connection{
		id:     uuid.NewString(),
		ws:     ws,
		logger: logger,
		done:   make(chan struct{}),
	}
}

func (c *connection) ID() string { return c.id }

func (c *connection) Send(event models.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(event)
}

// read returns the next frame. A frame that is not a JSON object, or has
// no content, yields (nil, nil) so the caller can report it and keep
// reading.
func (c *connection) read() (*models.InboundFrame, error) {
	// The router may have held this loop for a whole script run; the
	// deadline counts from the moment we are ready to read again.
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return nil, err
	}

	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}

	var frame models.InboundFrame
	if err := json.Unmarshal(data, &frame); err != nil || strings.TrimSpace(frame.Content) == "" {
		return nil, nil
	}
	return &frame, nil
}

// keepalive pings the peer until the connection closes, and closes the
// connection when ctx is cancelled.
func (c *connection) keepalive(ctx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			c.mu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.logger.Debug("Ping failed", zap.String("conn", c.id), zap.Error(err))
				c.close()
				return
			}
		}
	}
}

// shutdown sends a close frame, then closes the socket so a blocked read
// returns.
func (c *connection) shutdown() {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.mu.Unlock()
	c.close()
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		allowed[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		return allowed[origin]
	}
}
