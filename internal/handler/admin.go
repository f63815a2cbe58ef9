package handler

import (
	"net/http"
	"runtime"
	"time"

	"rentalhub-sale-api/internal/service"
	"rentalhub-sale-api/pkg/response"
)

// Backends names the storage backends in use, for the stats page.
type Backends struct {
	Store       string `json:"store"`
	Checkpoints string `json:"checkpoints"`
	Lock        string `json:"lock"`
	Audit       string `json:"audit"`
}

// AdminHandler handles admin-related HTTP requests.
type AdminHandler struct {
	orchestrator *service.TransitionOrchestrator
	backends     Backends
	startTime    time.Time
}

// NewAdminHandler creates a new admin handler.
func NewAdminHandler(orchestrator *service.TransitionOrchestrator, backends Backends) *AdminHandler {
	return &AdminHandler{
		orchestrator: orchestrator,
		backends:     backends,
		startTime:    time.Now(),
	}
}

// GetStats handles GET /api/v1/admin/stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := make(map[string]any)

	// System info
	stats["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	stats["uptime_human"] = time.Since(h.startTime).Round(time.Second).String()
	stats["server_time"] = time.Now().UTC().Format(time.RFC3339)
	stats["backends"] = h.backends

	counts, err := h.orchestrator.Stats(r.Context())
	if err == nil {
		total := 0
		for _, n := range counts {
			total += n
		}
		stats["transitions"] = map[string]any{
			"by_status": counts,
			"total":     total,
			"status":    "connected",
		}
	} else {
		stats["transitions"] = map[string]any{
			"status": "error",
			"error":  err.Error(),
		}
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	stats["memory"] = map[string]any{
		"alloc_mb":      float64(memStats.Alloc) / 1024 / 1024,
		"sys_mb":        float64(memStats.Sys) / 1024 / 1024,
		"heap_inuse_mb": float64(memStats.HeapInuse) / 1024 / 1024,
		"num_gc":        memStats.NumGC,
		"goroutines":    runtime.NumGoroutine(),
	}

	stats["runtime"] = map[string]any{
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
		"cpus":       runtime.NumCPU(),
	}

	response.OK(w, stats)
}
