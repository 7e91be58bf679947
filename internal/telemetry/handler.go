package telemetry

import (
	"net/http"
	"strconv"

	"github.com/goccy/go-json"
)

// Handler serves the rollup as JSON. The window is read from ?window= in
// hours and defaults to 24.
func (a *Aggregator) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}

		window := defaultWindow
		if raw := r.URL.Query().Get("window"); raw != "" {
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil || v <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "window must be a positive number of hours"})
				return
			}
			window = v
		}

		writeJSON(w, http.StatusOK, a.Rollup(window))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
