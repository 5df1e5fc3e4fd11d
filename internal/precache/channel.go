package precache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

// channelFrame is what the hub pushes to connected pages.
type channelFrame struct {
	Type         string        `json:"type"`
	Notification *Notification `json:"notification,omitempty"`
	ID           string        `json:"id,omitempty"`
	URL          string        `json:"url,omitempty"`
}

// Hub keeps one websocket per connected page. It is the notification surface
// and carries control messages with the connection as reply port.
type Hub struct {
	messenger *Messenger
	notifier  *Notifier
	logger    *zap.Logger
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	conns   map[*wsPort]struct{}
	closed  bool
	readers sync.WaitGroup
}

func NewHub(messenger *Messenger, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		messenger: messenger,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		conns: map[*wsPort]struct{}{},
	}
}

// SetNotifier wires click frames to n.
func (h *Hub) SetNotifier(n *Notifier) { h.notifier = n }

type wsPort struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (p *wsPort) PostMessage(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return p.conn.WriteJSON(v)
}

func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	port := &wsPort{conn: conn}
	if !h.add(port) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer func() {
		h.remove(port)
		_ = conn.Close()
		h.readers.Done()
	}()

	ctx := c.Request.Context()
	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				h.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}
		if err := h.dispatch(ctx, msg, port); err != nil {
			h.logger.Warn("handle channel message", zap.String("type", msg.Type), zap.Error(err))
		}
	}
}

func (h *Hub) dispatch(ctx context.Context, msg Message, port Port) error {
	if msg.Type == MsgNotificationClick && h.notifier != nil {
		return h.notifier.Click(ctx, msg.ID, msg.Action)
	}
	return h.messenger.Handle(ctx, msg, port)
}

// add registers p and counts its reader. It refuses once the hub is shut down.
func (h *Hub) add(p *wsPort) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[p] = struct{}{}
	h.readers.Add(1)
	return true
}

func (h *Hub) remove(p *wsPort) {
	h.mu.Lock()
	delete(h.conns, p)
	h.mu.Unlock()
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Broadcast sends v to every connected page and returns how many got it.
func (h *Hub) Broadcast(v any) int {
	h.mu.Lock()
	ports := make([]*wsPort, 0, len(h.conns))
	for p := range h.conns {
		ports = append(ports, p)
	}
	h.mu.Unlock()

	sent := 0
	for _, p := range ports {
		if err := p.PostMessage(v); err != nil {
			h.logger.Debug("broadcast", zap.Error(err))
			continue
		}
		sent++
	}
	return sent
}

func (h *Hub) Show(_ context.Context, n Notification) error {
	h.Broadcast(channelFrame{Type: "NOTIFICATION", Notification: &n})
	return nil
}

func (h *Hub) Close(_ context.Context, id string) error {
	h.Broadcast(channelFrame{Type: "NOTIFICATION_CLOSE", ID: id})
	return nil
}

func (h *Hub) OpenWindow(_ context.Context, url string) error {
	h.Broadcast(channelFrame{Type: "OPEN_WINDOW", URL: url})
	return nil
}

// Shutdown closes every connection and refuses new ones. Readers may still be
// finishing a message; Wait blocks until they are gone.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for p := range h.conns {
		p.mu.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
			time.Now().Add(time.Second))
		_ = p.conn.Close()
		p.mu.Unlock()
	}
}

func (h *Hub) Wait() { h.readers.Wait() }
