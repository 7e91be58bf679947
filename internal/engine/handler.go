package engine

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/flynn-ai/flynn-core/internal/errors"
	"github.com/flynn-ai/flynn-core/internal/model"
	"github.com/flynn-ai/flynn-core/internal/router"
)

type routeRequest struct {
	UserID                  string             `json:"user_id"`
	Tier                    string             `json:"tier,omitempty"`
	RequiresFunctionCalling bool               `json:"requires_function_calling"`
	ToolsPresent            bool               `json:"tools_present"`
	ModelHint               string             `json:"model_hint,omitempty"`
	Requirements            model.Requirements `json:"requirements"`
}

type toolsRequest struct {
	UserID string `json:"user_id"`
	Query  string `json:"query"`
	K      int    `json:"k"`
}

type toolsResponse struct {
	Tools         []scoredTool `json:"tools"`
	FallbackToAll bool         `json:"fallback_to_all"`
	Degraded      bool         `json:"degraded"`
	Stripped      bool         `json:"stripped"`
}

type scoredTool struct {
	Name   string  `json:"name"`
	Server string  `json:"server"`
	Score  float64 `json:"score"`
}

type sliderRequest struct {
	UserID     string `json:"user_id,omitempty"` // empty sets the global value
	Value      *int   `json:"value"`             // nil clears a user override
	SetBy      string `json:"set_by"`
	TTLSeconds int    `json:"ttl_seconds,omitempty"`
}

// Handler serves the engine's JSON API:
//
//	GET  /v1/status
//	POST /v1/route
//	POST /v1/tools
//	PUT  /v1/intelligence
func (e *Engine) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, e.Status())
	})
	mux.HandleFunc("POST /v1/route", e.handleRoute)
	mux.HandleFunc("POST /v1/tools", e.handleTools)
	mux.HandleFunc("PUT /v1/intelligence", e.handleSlider)
	return mux
}

func (e *Engine) handleRoute(w http.ResponseWriter, r *http.Request) {
	var in routeRequest
	if !readJSON(w, r, &in) {
		return
	}
	req := router.Request{
		UserID:                  in.UserID,
		RequiresFunctionCalling: in.RequiresFunctionCalling,
		ToolsPresent:            in.ToolsPresent,
		ModelHint:               in.ModelHint,
		Requirements:            in.Requirements,
	}
	if in.Tier != "" {
		tier, err := model.ParseTier(in.Tier)
		if err != nil {
			writeError(w, errors.ConfigurationError("%v", err))
			return
		}
		req.TierOverride = &tier
	}

	d, err := e.RouteRequest(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (e *Engine) handleTools(w http.ResponseWriter, r *http.Request) {
	var in toolsRequest
	if !readJSON(w, r, &in) {
		return
	}
	res, err := e.RetrieveTools(r.Context(), in.Query, in.UserID, in.K)
	if err != nil {
		writeError(w, err)
		return
	}

	out := toolsResponse{
		Tools:         make([]scoredTool, 0, len(res.Tools)),
		FallbackToAll: res.FallbackToAll,
		Degraded:      res.Degraded,
		Stripped:      res.Stripped,
	}
	for _, s := range res.Tools {
		out.Tools = append(out.Tools, scoredTool{Name: s.Tool.Name, Server: s.Tool.ServerName, Score: s.Score})
	}
	writeJSON(w, http.StatusOK, out)
}

func (e *Engine) handleSlider(w http.ResponseWriter, r *http.Request) {
	var in sliderRequest
	if !readJSON(w, r, &in) {
		return
	}

	ctx := r.Context()
	var err error
	switch {
	case in.UserID == "" && in.Value == nil:
		err = errors.ConfigurationError("value is required for the global setting")
	case in.UserID == "":
		err = e.resolver.SetGlobal(ctx, *in.Value, in.SetBy)
	case in.Value == nil:
		err = e.resolver.ClearUserOverride(ctx, in.UserID, in.SetBy)
	default:
		err = e.resolver.SetUserOverride(ctx, in.UserID, *in.Value, in.SetBy, time.Duration(in.TTLSeconds)*time.Second)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"policy_version": e.resolver.Snapshot().Version})
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.HasCode(err, errors.CodeAccessDenied):
		status = http.StatusForbidden
	case errors.IsNoAvailableModel(err):
		status = http.StatusServiceUnavailable
	case errors.GetCategory(err) == errors.CategoryUser:
		status = http.StatusBadRequest
	}
	body := map[string]any{"error": err.Error(), "retryable": errors.IsRetryable(err)}
	if s := errors.GetSuggestions(err); len(s) > 0 {
		body["suggestions"] = s
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
