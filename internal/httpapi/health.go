package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/basher83/oauth-gateway/internal/pool"
)

// healthResponse is the health endpoint's JSON shape: overall status
// plus pool counts and per-account status.
type healthResponse struct {
	Status      string               `json:"status"`
	Total       int                  `json:"total"`
	Available   int                  `json:"available"`
	CoolingDown int                  `json:"cooling_down"`
	Disabled    int                  `json:"disabled"`
	Accounts    []accountHealthEntry `json:"accounts"`
}

type accountHealthEntry struct {
	ID                    string `json:"id"`
	Status                string `json:"status"`
	CooldownRemainingSecs int64  `json:"cooldown_remaining_secs,omitempty"`
}

// overallStatus derives healthy/degraded/unhealthy from pool counts:
// all available is healthy, none available is unhealthy, anything else
// is degraded.
func overallStatus(h pool.Health) string {
	switch {
	case h.Total == 0:
		return "unhealthy"
	case h.Available == h.Total:
		return "healthy"
	case h.Available == 0:
		return "unhealthy"
	default:
		return "degraded"
	}
}

// healthzHandler is always success when the listener is bound.
func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// readyzHandler reports the pool's derived health.
func readyzHandler(healthFn func() pool.Health) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		h := healthFn()

		resp := healthResponse{
			Status:      overallStatus(h),
			Total:       h.Total,
			Available:   h.Available,
			CoolingDown: h.CoolingDown,
			Disabled:    h.Disabled,
		}
		for _, acc := range h.Accounts {
			resp.Accounts = append(resp.Accounts, accountHealthEntry{
				ID:                    acc.ID,
				Status:                acc.Status,
				CooldownRemainingSecs: acc.CooldownRemainingSecs,
			})
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}
