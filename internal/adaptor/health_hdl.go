package adaptor

import (
	"net/http"

	"cinema-reservation/internal/worker"
	"cinema-reservation/pkg/utils"
)

type SweeperStats interface {
	Stats() *worker.ExpiryWorkerStats
}

type HealthHandler struct {
	sweeper SweeperStats
}

func NewHealthHandler(sweeper SweeperStats) *HealthHandler {
	return &HealthHandler{sweeper: sweeper}
}

// Health handles GET /health (public)
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// SweeperStats handles GET /admin/sweeper (admin only)
func (h *HealthHandler) SweeperStats(w http.ResponseWriter, r *http.Request) {
	if h.sweeper == nil {
		utils.ResponseServiceUnavailable(w, "Sweeper is not running")
		return
	}
	utils.ResponseSuccess(w, "success", h.sweeper.Stats())
}
