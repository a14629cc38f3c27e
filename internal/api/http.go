package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/team-tissis/nolang-mcp/internal/video"
)

const mcpEndpoint = "/mcp"

// HTTPDeps holds dependencies for the HTTP transport.
type HTTPDeps struct {
	MCP    *server.MCPServer
	Videos VideoService
	// Token, when set, is required as a bearer token on /mcp and /v1.
	Token string
}

// NewHTTPHandler serves the MCP streamable HTTP transport on /mcp alongside
// health, metrics and a read-only view of the job journal.
func NewHTTPHandler(deps HTTPDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if deps.Token != "" {
			r.Use(BearerAuth(deps.Token))
		}
		r.Handle(mcpEndpoint, server.NewStreamableHTTPServer(deps.MCP, server.WithEndpointPath(mcpEndpoint)))
		r.Get("/v1/jobs", handleListJobs(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListJobs(deps HTTPDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", recentJobsLimit, 100)
		status := r.URL.Query().Get("status")

		jobs, err := deps.Videos.RecentJobs(status, limit)
		if errors.Is(err, video.ErrNoJournal) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summarizeJobs(jobs))
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v <= 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
