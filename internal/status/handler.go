package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health answers UP when every check passes and DOWN with 503 otherwise.
func Health(logger *zap.Logger, checks map[string]Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := response{Status: "UP"}
		code := http.StatusOK
		for name, check := range checks {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string, len(checks))
			}
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "DOWN"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "UP"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Error("Failed to write health response", zap.Error(err))
		}
	}
}

// NewServer serves /health and /metrics on port.
func NewServer(port int, logger *zap.Logger, checks map[string]Check) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", Health(logger, checks))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
