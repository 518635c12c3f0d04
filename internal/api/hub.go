package api

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/metrics"
	"github.com/velora/pulsar/internal/status"
	"github.com/velora/pulsar/internal/task"
)

// Hub owns the task_id -> websocket mapping and the single pub/sub
// listener that fans status events out to connected streams. The map is
// guarded by a mutex; the lock is never held across socket I/O.
type Hub struct {
	store *status.Store

	mu    sync.Mutex
	conns map[string]*streamConn
}

// streamConn serializes writes to one websocket connection.
type streamConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *streamConn) writeJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// NewHub creates a Hub bound to the status store.
func NewHub(store *status.Store) *Hub {
	return &Hub{store: store, conns: make(map[string]*streamConn)}
}

// Register installs a connection as the subscriber for a task. A
// duplicate subscription for the same task displaces the prior
// connection, which is closed.
func (h *Hub) Register(taskID string, ws *websocket.Conn) *streamConn {
	c := &streamConn{ws: ws}

	h.mu.Lock()
	prev := h.conns[taskID]
	h.conns[taskID] = c
	h.mu.Unlock()

	if prev != nil {
		prev.ws.Close()
	}
	metrics.Global().StreamOpened()
	return c
}

// Unregister removes the mapping, but only if it still points at the
// given connection (a displaced connection must not evict its successor).
func (h *Hub) Unregister(taskID string, c *streamConn) {
	h.mu.Lock()
	if h.conns[taskID] == c {
		delete(h.conns, taskID)
	}
	h.mu.Unlock()
	metrics.Global().StreamClosed()
}

func (h *Hub) lookup(taskID string) *streamConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[taskID]
}

// Listen subscribes to the updates channel and relays each event to the
// stream registered for its task, if any. Terminal events close the
// stream after delivery. Errors are logged and the listener continues;
// it returns only when the context is cancelled.
func (h *Hub) Listen(ctx context.Context) {
	sub := h.store.Subscribe(ctx)
	defer sub.Close()

	logging.Component("stream").Info("subscribed to status channel", "channel", task.UpdatesChannel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			h.relay([]byte(msg.Payload))
		}
	}
}

func (h *Hub) relay(payload []byte) {
	var ev task.StatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		logging.Component("stream").Error("malformed status event", "error", err)
		return
	}
	if ev.TaskID == "" {
		return
	}

	c := h.lookup(ev.TaskID)
	if c == nil {
		// No subscriber: the worker cached the event under the task's
		// status key, so a late subscriber still replays it.
		return
	}

	if err := c.writeJSON(payload); err != nil {
		logging.Component("stream").Warn("relay to stream failed", "task_id", ev.TaskID, "error", err)
		return
	}
	if ev.Terminal() {
		c.ws.Close()
	}
}
