package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	app "github.com/wellmesh/realtime_layer/internal/app"
	"github.com/wellmesh/realtime_layer/internal/app/metrics"
	"github.com/wellmesh/realtime_layer/internal/app/services/changesync"
	"github.com/wellmesh/realtime_layer/internal/transport"
	"github.com/wellmesh/realtime_layer/pkg/logger"
)

// handler bundles HTTP endpoints for the engine services.
type handler struct {
	app     *app.Application
	audit   *auditLog
	ws      http.Handler
	started time.Time
}

// Options configures the optional pieces of the HTTP surface.
type Options struct {
	// AuditFile appends every recorded API call as JSONL when set.
	AuditFile string
	// AuditMax caps the in-memory audit ring; zero keeps the default.
	AuditMax int
}

// NewHandler returns a mux exposing the engine REST API, the websocket
// endpoint and the operational surfaces (health, status, metrics, audit).
func NewHandler(application *app.Application, opts Options, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	var sink auditSink
	if opts.AuditFile != "" {
		fs, err := newFileAuditSink(opts.AuditFile)
		if err != nil {
			log.WithError(err).Warn("audit file sink disabled")
		} else {
			sink = fs
		}
	}

	h := &handler{
		app:     application,
		audit:   newAuditLog(opts.AuditMax, sink),
		ws:      transport.NewWSHandler(application.Realtime, log),
		started: time.Now().UTC(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.healthz)
	mux.HandleFunc("/system/status", h.systemStatus)
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/audit", h.auditTail)
	mux.Handle("/ws", h.ws)
	mux.HandleFunc("/realtime/", h.realtimeResources)
	mux.HandleFunc("/offline/", h.offlineResources)
	mux.HandleFunc("/sync/", h.syncResources)
	return wrapWithAudit(mux, h.audit)
}

func (h *handler) healthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) systemStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	status := map[string]any{
		"status":     "ok",
		"uptime":     time.Since(h.started).Round(time.Second).String(),
		"realtime":   h.app.Realtime.Snapshot(),
		"components": h.app.Descriptors(),
	}

	// Host and process probes are best effort; a failing probe drops the
	// field rather than the endpoint.
	proc := map[string]any{
		"pid":        os.Getpid(),
		"goroutines": runtime.NumGoroutine(),
	}
	if p, err := process.NewProcessWithContext(r.Context(), int32(os.Getpid())); err == nil {
		if info, err := p.MemoryInfoWithContext(r.Context()); err == nil {
			proc["rss_bytes"] = info.RSS
		}
		if pct, err := p.CPUPercentWithContext(r.Context()); err == nil {
			proc["cpu_percent"] = pct
		}
	}
	status["process"] = proc

	host := map[string]any{}
	if vm, err := mem.VirtualMemoryWithContext(r.Context()); err == nil {
		host["memory_total_bytes"] = vm.Total
		host["memory_used_percent"] = vm.UsedPercent
	}
	if n, err := cpu.CountsWithContext(r.Context(), true); err == nil {
		host["cpu_count"] = n
	}
	status["host"] = host

	writeJSON(w, http.StatusOK, status)
}

func (h *handler) auditTail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

func (h *handler) realtimeResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/realtime"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) == 0 || parts[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	switch parts[0] {
	case "rooms":
		h.realtimeRooms(w, r, parts[1:])
	case "users":
		h.realtimeUsers(w, r, parts[1:])
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) realtimeRooms(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) < 3 || rest[0] == "" || rest[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	roomType, roomID := rest[0], rest[1]

	switch rest[2] {
	case "members":
		h.roomMembers(w, r, roomType, roomID, rest[3:])
	case "notifications":
		if len(rest) != 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.roomNotifications(w, r, roomType, roomID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) roomMembers(w http.ResponseWriter, r *http.Request, roomType, roomID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodPost:
			var payload struct {
				UserID string `json:"user_id"`
			}
			if err := decodeJSON(r.Body, &payload); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			joined, err := h.app.Realtime.JoinRoom(r.Context(), roomType, roomID, payload.UserID)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"joined": joined})

		case http.MethodGet:
			members, err := h.app.Realtime.RoomMembers(roomType, roomID)
			if err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"members": members, "count": len(members)})

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(rest) != 1 || rest[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if _, err := h.app.Realtime.LeaveRoom(r.Context(), roomType, roomID, rest[0]); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) roomNotifications(w http.ResponseWriter, r *http.Request, roomType, roomID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
		System  bool           `json:"system"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queued, err := h.app.Realtime.SendRoomNotification(r.Context(), roomType, roomID, payload.Type, payload.Payload, payload.System)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queued.Body)
}

func (h *handler) realtimeUsers(w http.ResponseWriter, r *http.Request, rest []string) {
	if len(rest) == 0 || rest[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := rest[0]

	if len(rest) == 1 {
		switch r.Method {
		case http.MethodGet:
			conn, ok := h.app.Realtime.Connection(userID)
			if !ok {
				writeJSON(w, http.StatusOK, map[string]any{"connected": false})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"connected": true, "connection": conn})

		case http.MethodDelete:
			if err := h.app.Realtime.Disconnect(r.Context(), userID); err != nil {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)

		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
		return
	}

	if len(rest) != 2 || rest[1] != "notifications" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	queued, err := h.app.Realtime.SendUserNotification(r.Context(), userID, payload.Type, payload.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusAccepted, queued.Body)
}

func (h *handler) offlineResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/offline"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) < 3 || parts[0] != "users" || parts[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[1]
	rest := parts[2:]

	switch rest[0] {
	case "messages":
		h.offlineMessages(w, r, userID, rest[1:])
	case "packages":
		h.offlinePackages(w, r, userID, rest[1:])
	case "refresh-check":
		if len(rest) != 1 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.refreshCheck(w, r, userID)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) offlineMessages(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	if len(rest) == 0 {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		n, err := h.app.Offline.QueueLength(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queued": n})
		return
	}

	if len(rest) != 1 || rest[0] != "drain" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	msgs, err := h.app.Offline.DrainMessages(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	bodies := make([]map[string]any, 0, len(msgs))
	for _, m := range msgs {
		bodies = append(bodies, m.Body)
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": bodies, "count": len(bodies)})
}

func (h *handler) offlinePackages(w http.ResponseWriter, r *http.Request, userID string, rest []string) {
	if len(rest) != 1 || rest[0] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	resourceID := rest[0]

	switch r.Method {
	case http.MethodGet:
		version, found, err := h.app.Offline.PackageVersion(r.Context(), userID, resourceID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, fmt.Errorf("no version recorded for %s", resourceID))
			return
		}
		writeJSON(w, http.StatusOK, version)

	case http.MethodPost:
		var payload struct {
			VersionHash string `json:"version_hash"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		version, err := h.app.Offline.RecordPackageVersion(r.Context(), userID, resourceID, payload.VersionHash)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, version)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *handler) refreshCheck(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Versions map[string]string `json:"versions"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	stale, err := h.app.Offline.RefreshCheck(r.Context(), userID, payload.Versions)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stale": stale})
}

func (h *handler) syncResources(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sync"), "/")
	parts := strings.Split(trimmed, "/")
	if len(parts) != 3 || parts[0] != "users" || parts[1] == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	userID := parts[1]

	switch parts[2] {
	case "changes":
		h.syncChanges(w, r, userID)
	case "run":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		report, err := h.app.Sync.RunSync(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case "status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		summary, err := h.app.Sync.Status(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)

	case "reset-failed":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		reset, err := h.app.Sync.ResetFailed(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reset": reset})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *handler) syncChanges(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodPost:
		var payload struct {
			Changes []changesync.Submission `json:"changes"`
		}
		if err := decodeJSON(r.Body, &payload); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		accepted, err := h.app.Sync.SaveOfflineChanges(r.Context(), userID, payload.Changes)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"accepted": accepted})

	case http.MethodGet:
		records, err := h.app.Sync.ListChanges(r.Context(), userID)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		writeJSON(w, http.StatusOK, records)

	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
