// Package handlers implements the status server's HTTP endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/ljc0311/clipforge/internal/server/middleware"
	"github.com/ljc0311/clipforge/pkg/router"
	"github.com/ljc0311/clipforge/pkg/taskmanager"
)

// VersionInfo describes the running binary.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildDate string `json:"build_date,omitempty"`
}

// TaskSource supplies task records for /v1/tasks. taskmanager.Manager
// satisfies it.
type TaskSource interface {
	Snapshot() []taskmanager.Record
}

// EngineSource supplies engine stats for /v1/engines. router.Router
// satisfies it.
type EngineSource interface {
	Snapshot() []router.Stats
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Health reports liveness. The status server has no startup dependencies,
// so it is healthy as soon as it serves requests.
func Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Version returns a handler reporting build information.
func Version(info VersionInfo) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, info)
	}
}

// Tasks returns a handler listing current and recent task records.
func Tasks(src TaskSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if src == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, "NOT_READY",
				"task manager is not running")
			return
		}
		records := src.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"count": len(records),
			"tasks": records,
		})
	}
}

// Engines returns a handler listing engine routing stats.
func Engines(src EngineSource) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if src == nil {
			middleware.WriteError(w, http.StatusServiceUnavailable, "NOT_READY",
				"engine router is not running")
			return
		}
		stats := src.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   len(stats),
			"engines": stats,
		})
	}
}
