package main

import (
	"encoding/json"
	"net/http"

	"github.com/bdvil/matrix-room-import/internal/metrics"
)

// metricsHandler serves the in-process metrics registry as JSON.
func metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(metrics.Snapshot()); err != nil {
			http.Error(w, "Internal server error", http.StatusInternalServerError)
		}
	}
}
