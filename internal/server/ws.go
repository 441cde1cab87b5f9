package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/gelogrammer/speech-metrics-service/internal/engine"
	"github.com/gelogrammer/speech-metrics-service/internal/protocol"
	"github.com/gelogrammer/speech-metrics-service/internal/stream"
)

const (
	wsSendBuffer   = 64
	wsWriteTimeout = 5 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn is one WebSocket client. Outbound messages go through a buffered
// queue so a slow client never blocks an engine broadcast.
type wsConn struct {
	id     string
	socket *websocket.Conn
	send   chan []byte
	done   chan struct{}
	closed atomic.Bool
	logger *slog.Logger

	// Update forwarding, keyed by session ID
	subs map[string]func()
	mu   sync.Mutex
}

// handleWebSocket implements the /ws endpoint
func (h *HTTPServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", slog.Any("error", err))
		return
	}
	socket.SetReadLimit(protocol.MaxMessageSize)

	c := &wsConn{
		id:     r.RemoteAddr,
		socket: socket,
		send:   make(chan []byte, wsSendBuffer),
		done:   make(chan struct{}),
		logger: h.logger.With(slog.String("remote_addr", r.RemoteAddr)),
		subs:   make(map[string]func()),
	}

	h.metrics.RecordWSConnection(1)
	c.logger.Info("WebSocket client connected")

	go c.writeLoop(h)
	h.readLoop(c)

	c.close()
	h.metrics.RecordWSConnection(-1)
	c.logger.Info("WebSocket client disconnected")
}

func (h *HTTPServer) readLoop(c *wsConn) {
	for {
		_, data, err := c.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("WebSocket read failed", slog.Any("error", err))
			}
			return
		}
		h.metrics.RecordWSMessage("in")

		msg, err := protocol.Parse(data)
		if err != nil {
			c.enqueue(protocol.ErrorMessage("", err, time.Now()))
			continue
		}

		if err := h.dispatch(c, msg); err != nil {
			if !errors.Is(err, stream.ErrStaleFrame) {
				c.logger.Debug("Failed to process message",
					slog.String("type", msg.Type),
					slog.String("session_id", msg.SessionID),
					slog.Any("error", err),
				)
			}
			c.enqueue(protocol.ErrorMessage(msg.SessionID, err, time.Now()))
		}
	}
}

func (h *HTTPServer) dispatch(c *wsConn, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeStart:
		session, err := h.streamMgr.CreateSession(msg.SessionID, c.id)
		if err != nil {
			return err
		}
		if err := c.follow(h.streamMgr, session.ID); err != nil {
			return err
		}
		c.enqueue(protocol.SessionMessage(session.ID, time.Now()))
		return nil

	case protocol.TypeFrame:
		if msg.Frame == nil {
			return errors.New("frame message without frame payload")
		}
		_, err := h.streamMgr.SubmitFrame(msg.SessionID, msg.Sequence, msg.Frame.Input())
		return err

	case protocol.TypeReset:
		return h.streamMgr.ResetSession(msg.SessionID)

	case protocol.TypeEnd:
		c.unfollow(msg.SessionID)
		if !h.streamMgr.RemoveSession(msg.SessionID) {
			return fmt.Errorf("%w: %s", stream.ErrSessionNotFound, msg.SessionID)
		}
		return nil
	}
	return nil
}

// follow forwards a session's updates to this client
func (c *wsConn) follow(mgr *stream.Manager, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[sessionID]; ok {
		return nil
	}
	cancel, err := mgr.Subscribe(sessionID, func(u engine.Update) {
		c.enqueue(protocol.FromUpdate(sessionID, u, time.Now()))
	})
	if err != nil {
		return err
	}
	c.subs[sessionID] = cancel
	return nil
}

func (c *wsConn) unfollow(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cancel, ok := c.subs[sessionID]; ok {
		cancel()
		delete(c.subs, sessionID)
	}
}

// enqueue drops the message when the client cannot keep up
func (c *wsConn) enqueue(out *protocol.Outbound) {
	if c.closed.Load() {
		return
	}
	data, err := protocol.Encode(out)
	if err != nil {
		c.logger.Error("Failed to encode message", slog.Any("error", err))
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		c.logger.Warn("WebSocket send queue full, dropping message", slog.String("type", out.Type))
	}
}

func (c *wsConn) writeLoop(h *HTTPServer) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.done:
			return

		case data := <-c.send:
			c.socket.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.socket.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("WebSocket write failed", slog.Any("error", err))
				c.socket.Close()
				return
			}
			h.metrics.RecordWSMessage("out")

		case <-ping.C:
			c.socket.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := c.socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.socket.Close()
				return
			}
		}
	}
}

// close cancels every forwarder. Sessions outlive the connection and expire
// on their own unless ended explicitly.
func (c *wsConn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.mu.Lock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
	c.mu.Unlock()

	close(c.done)
	c.socket.Close()
}
