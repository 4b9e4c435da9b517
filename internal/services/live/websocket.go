package live

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// WebsocketViewer sends live updates as text frames.
type WebsocketViewer struct {
	id   string
	conn *websocket.Conn

	writeMu   sync.Mutex // gorilla/websocket allows one concurrent writer
	closeOnce sync.Once
}

var _ Viewer = (*WebsocketViewer)(nil)

func NewWebsocketViewer(conn *websocket.Conn) *WebsocketViewer {
	return &WebsocketViewer{id: uuid.NewString(), conn: conn}
}

func (v *WebsocketViewer) ID() string { return v.id }

func (v *WebsocketViewer) Send(msg []byte) error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	_ = v.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return v.conn.WriteMessage(websocket.TextMessage, msg)
}

func (v *WebsocketViewer) ping() error {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()
	return v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (v *WebsocketViewer) Close() error {
	var err error
	v.closeOnce.Do(func() {
		v.writeMu.Lock()
		_ = v.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		v.writeMu.Unlock()
		err = v.conn.Close()
	})
	return err
}

// Handler upgrades GET /ws and keeps the viewer registered until the client
// goes away.
type Handler struct {
	hub      *Hub
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		hub: hub,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("live: websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	v := NewWebsocketViewer(conn)
	if err := h.hub.Register(v); err != nil {
		_ = v.Close()
		return
	}
	defer h.hub.Unregister(v.ID())

	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(pingPeriod)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := v.ping(); err != nil {
					return
				}
			}
		}
	}()

	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	// Inbound frames are ignored; reading only detects disconnects.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
