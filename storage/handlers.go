package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// DefaultPromptInterval throttles how often the user is asked to switch roots.
const DefaultPromptInterval = 24 * time.Hour

// StatusResponse is the body of GET /api/storage/status.
type StatusResponse struct {
	*Status
	Subscribers  int        `json:"subscribers"`
	RecentErrors []LogEntry `json:"recentErrors"`
}

// MigrateRequest is the body of POST /api/storage/migrate.
type MigrateRequest struct {
	// Target is "primary", "secondary" or "optimal".
	Target string `json:"target"`
}

// MigrateResponse reports how a migration request was handled.
type MigrateResponse struct {
	Status string   `json:"status"` // started | already_done
	Task   TaskInfo `json:"task"`
}

// RootRequest names a root, used by purge.
type RootRequest struct {
	Root string `json:"root"`
}

// Handlers holds the HTTP handlers for the storage API.
type Handlers struct {
	manager        *Manager
	promptInterval time.Duration
	upgrader       websocket.Upgrader
}

// NewHandlers creates the storage HTTP handlers.
func NewHandlers(m *Manager, promptInterval time.Duration) *Handlers {
	if promptInterval <= 0 {
		promptInterval = DefaultPromptInterval
	}
	return &Handlers{
		manager:        m,
		promptInterval: promptInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Register mounts every route on r.
func (h *Handlers) Register(r *mux.Router) {
	api := r.PathPrefix("/api/storage").Subrouter()
	api.HandleFunc("/status", h.HandleStatus).Methods(http.MethodGet)
	api.HandleFunc("/migrate", h.HandleMigrate).Methods(http.MethodPost)
	api.HandleFunc("/history", h.HandleHistory).Methods(http.MethodGet)
	api.HandleFunc("/prompt", h.HandleShouldPrompt).Methods(http.MethodGet)
	api.HandleFunc("/prompt", h.HandleMarkPrompted).Methods(http.MethodPost)
	api.HandleFunc("/purge", h.HandlePurge).Methods(http.MethodPost)
	api.HandleFunc("/files/{root}", h.HandleListFiles).Methods(http.MethodGet)
	api.HandleFunc("/events", h.HandleSSE).Methods(http.MethodGet)
	api.HandleFunc("/ws", h.HandleWebSocket).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// HandleStatus handles GET /api/storage/status
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	l.Debug("HTTP status")

	st, err := h.manager.Status(r.Context())
	if err != nil {
		l.Error("status failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:       st,
		Subscribers:  h.manager.Events().Len(),
		RecentErrors: RecentErrors(),
	})
}

// HandleMigrate handles POST /api/storage/migrate
func (h *Handlers) HandleMigrate(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	var req MigrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		l.Warn("migrate: bad body", "err", err)
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	l.Info("HTTP migrate", "target", req.Target)

	var (
		task *Task
		err  error
	)
	if req.Target == "optimal" {
		task, err = h.manager.MigrateToOptimal(r.Context(), nil)
	} else {
		target, perr := ParseRoot(req.Target)
		if perr != nil || target == RootDefault {
			http.Error(w, fmt.Sprintf("invalid target %q", req.Target), http.StatusBadRequest)
			return
		}
		task, err = h.manager.MigrateTo(r.Context(), target, nil)
	}

	switch {
	case errors.Is(err, ErrMigrationInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, ErrRootUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		l.Error("migrate failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if task.State() == TaskSkipped {
		writeJSON(w, http.StatusOK, MigrateResponse{Status: "already_done", Task: task.Info()})
		return
	}
	writeJSON(w, http.StatusAccepted, MigrateResponse{Status: "started", Task: task.Info()})
}

// HandleHistory handles GET /api/storage/history?limit=N
func (h *Handlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := h.manager.History(r.Context(), limit)
	if err != nil {
		sub("handlers").Error("history failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": recs})
}

// HandleShouldPrompt handles GET /api/storage/prompt
func (h *Handlers) HandleShouldPrompt(w http.ResponseWriter, r *http.Request) {
	should, err := h.manager.ShouldPrompt(r.Context(), h.promptInterval)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"shouldPrompt": should})
}

// HandleMarkPrompted handles POST /api/storage/prompt
func (h *Handlers) HandleMarkPrompted(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.MarkPrompted(r.Context()); err != nil {
		sub("handlers").Error("mark prompted failed", "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandlePurge handles POST /api/storage/purge
func (h *Handlers) HandlePurge(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	var req RootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	root, err := ParseRoot(req.Root)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	l.Info("HTTP purge", "root", root)

	err = h.manager.Purge(r.Context(), root)
	switch {
	case errors.Is(err, ErrRootInUse), errors.Is(err, ErrMigrationInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrRootUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		l.Error("purge failed", "root", root, "err", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// HandleListFiles handles GET /api/storage/files/{root}?dir=<rel>
func (h *Handlers) HandleListFiles(w http.ResponseWriter, r *http.Request) {
	root, err := ParseRoot(mux.Vars(r)["root"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	files, err := h.manager.ListFiles(r.Context(), root, r.URL.Query().Get("dir"))
	switch {
	case errors.Is(err, ErrRootUnavailable):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		writeJSON(w, http.StatusOK, map[string]any{"items": files})
	}
}

// HandleSSE handles GET /api/storage/events (Server-Sent Events stream).
func (h *Handlers) HandleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	bus := h.manager.Events()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-ch:
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data) //nolint:errcheck
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprintf(w, ": heartbeat\n\n") //nolint:errcheck
			flusher.Flush()
		}
	}
}

// HandleWebSocket handles GET /api/storage/ws. It pushes the same events as
// the SSE stream as JSON text frames.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := sub("handlers")
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.Warn("websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	bus := h.manager.Events()
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	// Reader: only needed to notice the peer going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case event := <-ch:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second)) //nolint:errcheck
			if err := conn.WriteJSON(event); err != nil {
				l.Debug("websocket write failed", "err", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
