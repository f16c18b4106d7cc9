package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"scrapesched/internal/eventbus"
	logx "scrapesched/pkg/logx"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin checks do not fit a token-protected ops API used from CLIs.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// StreamMessage is one websocket frame.
type StreamMessage struct {
	Type    string         `json:"type"`
	Event   string         `json:"event,omitempty"`
	Payload StatusResponse `json:"payload"`
}

// streamStatus sends a snapshot on connect, on every execution or scheduler
// event, and every StreamInterval.
func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", logx.Err(err))
		return
	}
	defer conn.Close()

	var events <-chan eventbus.Event
	if h.deps.Bus != nil {
		ch, unsub := h.deps.Bus.Subscribe(16,
			eventbus.ExecutionStarted, eventbus.ExecutionProgress, eventbus.ExecutionFinished,
			eventbus.SchedulerStarted, eventbus.SchedulerStopped, eventbus.ConfigUpdated)
		defer unsub()
		events = ch
	}

	// The reader only handles control frames and notices the client leaving.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(pongWait)) })
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					h.log.Debug("websocket read failed", logx.Err(err))
				}
				return
			}
		}
	}()

	send := func(event string) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		err := conn.WriteJSON(StreamMessage{Type: "status", Event: event, Payload: h.statusNow()})
		if err != nil {
			h.log.Debug("websocket write failed", logx.Err(err))
			return false
		}
		return true
	}
	if !send("") {
		return
	}

	tick := time.NewTicker(h.cfg.StreamInterval)
	defer tick.Stop()
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case <-h.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(time.Second))
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !send(ev.Type) {
				return
			}
		case <-tick.C:
			if !send("") {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
