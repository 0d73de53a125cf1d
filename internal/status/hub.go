package status

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/romanmihailow/tg-pipeline-engine/internal/events"
)

// Hub serves the Board over WebSocket: every connected admin client
// gets the full snapshot on connect and again on every subsequent
// Board.Set, grounded on the broadcast-hub shape common across the
// pack's websocket servers (register/unregister/broadcast channels
// feeding a client-set map guarded by one mutex) rather than the
// teacher's own websocket.go, which is a client, not a server.
type Hub struct {
	board  *Board
	logger *slog.Logger

	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates a Hub pushing board's snapshots to connected clients.
func NewHub(board *Board, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		board:  board,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// OnBoardSet is a Board onSet callback: push the fresh snapshot to
// every connected client. Pass this to NewBoard to wire a Hub in.
func (h *Hub) OnBoardSet(Entry) {
	h.Broadcast()
}

// Broadcast pushes the board's current snapshot to every connected
// client, dropping (and closing) any connection that errors.
func (h *Hub) Broadcast() {
	snapshot := h.board.List()

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		if err := c.WriteJSON(snapshot); err != nil {
			h.logger.Warn("status websocket write failed, dropping client", "err", err)
			h.remove(c)
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket connection, registers
// it, sends the current snapshot immediately, then blocks reading (and
// discarding) frames until the client disconnects — admin clients are
// push-only consumers, they never send the board anything.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("status websocket upgrade failed", "err", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	if err := conn.WriteJSON(h.board.List()); err != nil {
		h.remove(conn)
		return
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(conn)
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// PublishToBus mirrors a Set onto bus as events.KindStatusUpdate, for
// subscribers that want the raw event stream (e.g. an audit logger)
// rather than a full board poll.
func PublishToBus(bus *events.Bus, e Entry) {
	data := map[string]any{
		"pipeline_id": e.PipelineID,
		"category":    string(e.Category),
		"state":       e.State,
	}
	if e.Message != "" {
		data["message"] = e.Message
	}
	raw, _ := json.Marshal(e)
	data["entry"] = json.RawMessage(raw)

	bus.Publish(events.Event{
		Timestamp: e.UpdatedAt,
		Source:    events.SourceScheduler,
		Kind:      events.KindStatusUpdate,
		Data:      data,
	})
}
