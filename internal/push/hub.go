package push

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/exp/slog"

	"github.com/alovak/khqr-gateway/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// Hub upgrades HTTP requests to WebSocket push channels and keeps the
// registry in step with connects, joins and disconnects.
type Hub struct {
	registry *Registry
	upgrader websocket.Upgrader
	logger   *slog.Logger
	metrics  *metrics.Metrics
	wg       sync.WaitGroup
}

func NewHub(registry *Registry, logger *slog.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// browser checkout pages are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.With(slog.String("component", "push")),
		metrics: m,
	}
}

type conn struct {
	id   string
	ws   *websocket.Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

func (c *conn) ID() string { return c.id }

func (c *conn) Send(e Event) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

func (c *conn) close() {
	c.once.Do(func() { close(c.done) })
}

// ServeHTTP handles one client for the lifetime of its connection. A
// fingerprint query parameter subscribes the client right away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.Any("err", err))
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ws:   ws,
		send: make(chan Event, sendBuffer),
		done: make(chan struct{}),
	}
	h.registry.Add(c)
	h.metrics.SetPushClients(h.registry.Len())
	h.logger.Info("push client connected", slog.String("channel", c.id), slog.String("remote", r.RemoteAddr))

	h.wg.Add(1)
	writerDone := make(chan struct{})
	go func() {
		defer h.wg.Done()
		defer close(writerDone)
		h.writeLoop(c)
	}()

	if fp := strings.TrimSpace(r.URL.Query().Get("fingerprint")); fp != "" {
		h.join(c, fp)
	}

	h.readLoop(c)

	joined := h.registry.Fingerprints(c.id)
	h.registry.Remove(c.id)
	h.metrics.SetPushClients(h.registry.Len())
	c.close()
	<-writerDone
	ws.Close()
	h.logger.Info("push client disconnected", slog.String("channel", c.id), slog.Any("fingerprints", joined))
}

func (h *Hub) readLoop(c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Event
		if err := c.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("push client read failed", slog.String("channel", c.id), slog.Any("err", err))
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}

		switch msg.Name {
		case EventJoinPayment:
			fp := strings.TrimSpace(msg.Data.Fingerprint)
			if fp == "" {
				c.Send(Event{Name: EventError, Data: EventData{Message: "fingerprint is required"}})
				continue
			}
			h.join(c, fp)
		default:
			c.Send(Event{Name: EventError, Data: EventData{Message: "unknown event " + msg.Name}})
		}
	}
}

func (h *Hub) join(c *conn, fingerprint string) {
	if err := h.registry.Subscribe(c.id, fingerprint); err != nil {
		h.logger.Warn("subscribe failed", slog.String("channel", c.id), slog.Any("err", err))
		return
	}
	h.logger.Info("push client joined payment", slog.String("channel", c.id), slog.String("fingerprint", fingerprint))
	c.Send(Event{Name: EventJoined, Data: EventData{Fingerprint: fingerprint}})
}

func (h *Hub) writeLoop(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case e := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(e); err != nil {
				h.logger.Debug("push write failed", slog.String("channel", c.id), slog.Any("err", err))
				c.close()
				c.ws.Close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				c.ws.Close()
				return
			}
		case <-c.done:
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects every client and waits for their writers to stop.
func (h *Hub) Close() {
	for _, ch := range h.registry.All() {
		if c, ok := ch.(*conn); ok {
			c.close()
			// unblocks the reader so ServeHTTP can unwind
			c.ws.SetReadDeadline(time.Now())
		}
	}
	h.wg.Wait()
}
