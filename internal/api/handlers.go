package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/velora/pulsar/internal/logging"
	"github.com/velora/pulsar/internal/status"
	"github.com/velora/pulsar/internal/task"
)

// maxUploadBytes bounds a strategy or manifest upload.
const maxUploadBytes = 4 * 1024 * 1024

// Publisher enqueues tasks onto the durable work queue.
type Publisher interface {
	Publish(ctx context.Context, t *task.Task) error
}

// Handler handles the submission, streaming, and artifact endpoints.
type Handler struct {
	Store     *status.Store
	Broker    Publisher
	Hub       *Hub
	PublicURL string // base for websocket URLs, e.g. ws://localhost:5000

	upgrader websocket.Upgrader
}

// NewHandler creates a Handler. The upgrader accepts any origin; the API
// carries no credentials and strategy submissions are untrusted input
// regardless of where they come from.
func NewHandler(store *status.Store, broker Publisher, hub *Hub, publicURL string) *Handler {
	return &Handler{
		Store:     store,
		Broker:    broker,
		Hub:       hub,
		PublicURL: strings.TrimRight(publicURL, "/"),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes registers all routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /run", h.Run)
	mux.HandleFunc("GET /chart/{task_id}/{ticker}", h.Chart)
	mux.HandleFunc("GET /ws/{task_id}", h.Stream)
	mux.HandleFunc("GET /health", h.Health)
}

// Run handles POST /run: multipart form with a required .py strategy file
// and an optional .txt requirements manifest.
func (h *Handler) Run(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		httpError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}

	code, err := readUpload(r, "file", ".py")
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}
	if code == nil {
		httpError(w, http.StatusBadRequest, "no strategy file provided")
		return
	}

	requirements, err := readUpload(r, "requirement", ".txt")
	if err != nil {
		httpError(w, http.StatusBadRequest, err.Error())
		return
	}

	taskID := strings.ReplaceAll(uuid.New().String(), "-", "")

	// Clear any stale status cached under a recycled id.
	if err := h.Store.ClearStatus(r.Context(), taskID); err != nil {
		logging.Op().Warn("clear stale status failed", "task_id", taskID, "error", err)
	}

	t := &task.Task{
		TaskID:       taskID,
		Code:         string(code),
		Requirements: string(requirements),
		SubmittedAt:  time.Now().UTC(),
	}
	if err := h.Broker.Publish(r.Context(), t); err != nil {
		logging.Op().Error("enqueue failed", "task_id", taskID, "error", err)
		httpError(w, http.StatusServiceUnavailable, "task broker unavailable")
		return
	}
	logging.Op().Info("task queued", "task_id", taskID)

	writeJSON(w, http.StatusOK, map[string]string{
		"status":        "queued",
		"task_id":       taskID,
		"websocket_url": h.PublicURL + "/ws/" + taskID,
		"message":       "Strategy queued.",
	})
}

// readUpload extracts one uploaded file, enforcing its extension. A
// missing optional part returns (nil, nil).
func readUpload(r *http.Request, field, wantExt string) ([]byte, error) {
	file, header, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if !strings.HasSuffix(strings.ToLower(header.Filename), wantExt) {
		return nil, &extensionError{field: field, want: wantExt}
	}
	return io.ReadAll(io.LimitReader(file, maxUploadBytes))
}

type extensionError struct{ field, want string }

func (e *extensionError) Error() string {
	return "only " + e.want + " files allowed for " + e.field
}

// Chart handles GET /chart/{task_id}/{ticker}: the cached detail JSON
// verbatim, or 404 when missing or expired.
func (h *Handler) Chart(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")
	ticker := r.PathValue("ticker")

	data, err := h.Store.GetDetail(r.Context(), taskID, ticker)
	if err != nil {
		httpError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if data == nil {
		httpError(w, http.StatusNotFound, "chart data expired or not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Stream handles WS /ws/{task_id}: replays the last known status on
// connect, then relays live events until disconnect or a terminal event.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("task_id")

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := h.Hub.Register(taskID, ws)
	defer h.Hub.Unregister(taskID, c)
	logging.Op().Info("stream connected", "task_id", taskID)

	cached, err := h.Store.GetStatus(r.Context(), taskID)
	if err != nil {
		logging.Op().Warn("status lookup failed", "task_id", taskID, "error", err)
	}

	var first *task.StatusEvent
	if cached != nil {
		first = cached
	} else {
		first = &task.StatusEvent{
			TaskID:  taskID,
			Status:  task.StatusProcessing,
			Message: "Connected to stream. Waiting for worker...",
		}
	}
	if data, err := json.Marshal(first); err == nil {
		if err := c.writeJSON(data); err != nil {
			ws.Close()
			return
		}
	}

	// Drain client messages as keepalive; a read error means disconnect.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			logging.Op().Info("stream disconnected", "task_id", taskID)
			ws.Close()
			return
		}
	}
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	redisOK := h.Store.Ping(ctx) == nil
	healthStatus := "ok"
	code := http.StatusOK
	if !redisOK {
		healthStatus = "degraded"
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, code, map[string]interface{}{
		"status": healthStatus,
		"components": map[string]bool{
			"redis": redisOK,
		},
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
