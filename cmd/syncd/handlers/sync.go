// Package handlers provides the REST API of the sync daemon.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kimhsiao/offlinesync/internal/connectivity"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync"
)

// reservedParams are item query parameters that are not field filters.
var reservedParams = map[string]bool{"strategy": true, "force": true}

// WSSyncBroadcaster pushes operation results to WebSocket clients.
type WSSyncBroadcaster interface {
	BroadcastSyncResult(operation string, result *sync.Result)
}

// SyncHandler exposes engine operations over HTTP.
type SyncHandler struct {
	engine sync.SyncEngine
	// static is nil unless connectivity is application-driven.
	static *connectivity.Static
	wsHub  WSSyncBroadcaster
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine sync.SyncEngine, static *connectivity.Static) *SyncHandler {
	return &SyncHandler{engine: engine, static: static}
}

// SetWebSocketHub sets the hub notified after every manual operation.
func (h *SyncHandler) SetWebSocketHub(wsHub WSSyncBroadcaster) {
	h.wsHub = wsHub
}

// Register installs the routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/models", h.Models)
	mux.HandleFunc("POST /api/sync", h.SyncAll)
	mux.HandleFunc("POST /api/sync/{type}", h.SyncType)
	mux.HandleFunc("POST /api/pull/{type}", h.Pull)
	mux.HandleFunc("GET /api/items/{type}", h.Items)
	mux.HandleFunc("PUT /api/connectivity", h.SetConnectivity)
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "offlinesync",
	})
}

// Status handles GET /api/status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.CurrentStatus())
}

// Models handles GET /api/models.
func (h *SyncHandler) Models(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"models": h.engine.RegisteredModelTypes(),
	})
}

// SyncAll handles POST /api/sync and sweeps every pending change.
func (h *SyncHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "sync_all_pending", h.engine.SyncAllPending(r.Context()))
}

// SyncType handles POST /api/sync/{type}.
func (h *SyncHandler) SyncType(w http.ResponseWriter, r *http.Request) {
	h.respond(w, "sync_model_type", h.engine.SyncByModelType(r.Context(), r.PathValue("type")))
}

// Pull handles POST /api/pull/{type}?since=RFC3339.
func (h *SyncHandler) Pull(w http.ResponseWriter, r *http.Request) {
	var since *time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			http.Error(w, "since must be RFC3339", http.StatusBadRequest)
			return
		}
		since = &t
	}
	h.respond(w, "pull", h.engine.PullFromServer(r.Context(), r.PathValue("type"), since))
}

// Items handles GET /api/items/{type}. Parameters other than strategy and
// force filter on fields; limit, offset, orderBy and descending page the
// local read.
func (h *SyncHandler) Items(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	req := sync.FetchRequest{Query: make(map[string]interface{})}

	if s := params.Get("strategy"); s != "" {
		strategy, err := models.ParseFetchStrategy(s)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		req.Strategy = strategy
	}
	if f := params.Get("force"); f != "" {
		force, err := strconv.ParseBool(f)
		if err != nil {
			http.Error(w, "force must be a boolean", http.StatusBadRequest)
			return
		}
		req.ForceRefresh = force
	}
	for key, values := range params {
		if reservedParams[key] || len(values) == 0 {
			continue
		}
		req.Query[key] = values[0]
	}

	writeResult(w, h.engine.FetchItems(r.Context(), r.PathValue("type"), req))
}

// SetConnectivity handles PUT /api/connectivity with {"connection_type": "wifi"}
// or {"connected": false}. It is only available in static mode.
func (h *SyncHandler) SetConnectivity(w http.ResponseWriter, r *http.Request) {
	if h.static == nil {
		http.Error(w, "connectivity is probed, not application-driven", http.StatusConflict)
		return
	}
	var request struct {
		Connected      *bool  `json:"connected"`
		ConnectionType string `json:"connection_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	switch {
	case request.ConnectionType != "":
		link, err := connectivity.ParseConnectionType(request.ConnectionType)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.static.Set(link)
	case request.Connected != nil:
		h.static.SetConnected(*request.Connected)
	default:
		http.Error(w, "connected or connection_type is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connection_type": h.static.Type().String(),
	})
}

func (h *SyncHandler) respond(w http.ResponseWriter, operation string, res *sync.Result) {
	if h.wsHub != nil {
		h.wsHub.BroadcastSyncResult(operation, res)
	}
	writeResult(w, res)
}

func writeResult(w http.ResponseWriter, res *sync.Result) {
	code := http.StatusOK
	switch res.Status() {
	case sync.StatusConnectionError:
		code = http.StatusServiceUnavailable
	case sync.StatusFailed:
		code = http.StatusBadGateway
		if strings.Contains(res.Error(), string(apperrors.ErrConcurrentSync)) {
			code = http.StatusConflict
		}
	}
	writeJSON(w, code, res)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}
