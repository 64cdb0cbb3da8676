// Package statussrv implements the optional HTTP observability surface
// the DOMAIN STACK's go-chi row names: aggregation snapshots and
// drop/fault/status counters exposed as JSON, alongside the
// internal/metrics Prometheus exposition endpoint — a non-CLI surface
// the original exposes only through its own command-line front end.
package statussrv

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tracebeam/dbpf/internal/agg"
	"github.com/tracebeam/dbpf/internal/handle"
	"github.com/tracebeam/dbpf/internal/metrics"
)

// Server holds the dependencies the status routes read from: a
// handle's aggregation table and error buffer, plus the metrics
// registry both the `/metrics` route and the request-counting
// middleware below report into.
type Server struct {
	aggs    *agg.Table
	errors  *handle.ErrorBuffer
	metrics *metrics.Registry
}

// NewServer returns a Server reading from h's aggregation table and
// error buffer, reporting request counts into reg.
func NewServer(h *handle.Handle, reg *metrics.Registry) *Server {
	return &Server{aggs: h.Aggs, errors: h.Errors, metrics: reg}
}

// NewRouter returns a chi.Router serving srv's routes, built the same
// way as the teacher pack's own dashboard API: built-in middleware for
// request-id/real-ip/panic-recovery, an unauthenticated liveness
// route, and a versioned API group for the real endpoints.
func NewRouter(srv *Server) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(srv.instrument)

	r.Get("/healthz", srv.handleHealthz)
	r.Get("/metrics", srv.handleMetrics)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/aggregations/{varID}", srv.handleGetAggregation)
		r.Get("/errors", srv.handleGetErrors)
	})

	return r
}

// instrument records one statussrv_requests_total observation per
// served request, labeled by the matched chi route pattern and the
// status code a downstream handler wrote.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveHTTPRequest(route, sw.code)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// handleHealthz responds to GET /healthz with no authentication,
// matching the dashboard API's own liveness route.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleMetrics delegates straight to the Prometheus registry's own
// exposition handler.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	s.metrics.Handler().ServeHTTP(w, r)
}

// aggregationEntry is one key/payload pair from an aggregation walk,
// with the payload hex-encoded since its byte layout is
// kind-dependent and opaque to a JSON consumer.
type aggregationEntry struct {
	Key     string `json:"key"`
	Payload string `json:"payload_hex"`
}

// handleGetAggregation responds to GET /api/v1/aggregations/{varID}
// with every entry currently merged for that aggregation id.
func (s *Server) handleGetAggregation(w http.ResponseWriter, r *http.Request) {
	raw := chi.URLParam(r, "varID")
	varID, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "varID must be a non-negative integer")
		return
	}

	var entries []aggregationEntry
	s.aggs.Walk(uint32(varID), func(key string, payload []byte) {
		entries = append(entries, aggregationEntry{Key: key, Payload: hex.EncodeToString(payload)})
	})
	writeJSON(w, http.StatusOK, entries)
}

// errorsResponse is the error-buffer endpoint's body shape.
type errorsResponse struct {
	Faults   []string `json:"faults"`
	Drops    []string `json:"drops"`
	Statuses []string `json:"statuses"`
}

// handleGetErrors responds to GET /api/v1/errors with the attached
// handle's buffered faults/drops/statuses, each rendered through its
// own Error()/fmt.Stringer-shaped description.
func (s *Server) handleGetErrors(w http.ResponseWriter, r *http.Request) {
	resp := errorsResponse{}
	for _, f := range s.errors.Faults() {
		resp.Faults = append(resp.Faults, f.Error())
	}
	for _, d := range s.errors.Drops() {
		resp.Drops = append(resp.Drops, string(d.Kind))
	}
	for _, st := range s.errors.Statuses() {
		resp.Statuses = append(resp.Statuses, string(st.Kind))
	}
	writeJSON(w, http.StatusOK, resp)
}
