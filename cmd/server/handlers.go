package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pauljones0/carscout/internal/models"
	"github.com/pauljones0/carscout/internal/processor"
	"github.com/pauljones0/carscout/internal/query"
)

// userIDHeader is set by the upstream auth gateway for signed-in callers.
const userIDHeader = "X-User-ID"

type Server struct {
	processor processor.Processor
}

type errorResponse struct {
	Error           string   `json:"error"`
	ValidParameters []string `json:"validParameters,omitempty"`
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/health", s.HealthHandler)
	r.Get("/api/scrape", s.ScrapeHandler)
	return r
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ScrapeHandler runs one aggregated search from the query string filters.
func (s *Server) ScrapeHandler(w http.ResponseWriter, r *http.Request) {
	filters := query.FromValues(r.URL.Query())
	req := models.SearchRequest{
		Filters: filters,
		Sources: parseSources(filters[query.Sources]),
	}
	userID := strings.TrimSpace(r.Header.Get(userIDHeader))

	resp, err := s.processor.Search(r.Context(), req, userID)
	if errors.Is(err, processor.ErrNoFilters) {
		writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:           err.Error(),
			ValidParameters: query.Fields,
		})
		return
	}
	if err != nil {
		slog.Error("Search failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	if resp.Listings == nil {
		resp.Listings = []models.ListingRecord{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// parseSources keeps the caller's order; the aggregator collapses repeats.
func parseSources(raw string) []models.Source {
	var out []models.Source
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, models.Source(s))
		}
	}
	return out
}

// writeJSON encodes payload before committing the status code, so an
// unencodable payload becomes a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, code int, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to encode response", "error", err)
		code = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if _, err := w.Write(append(body, '\n')); err != nil {
		slog.Warn("Failed to write response", "error", err)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		slog.Info("Request finished",
			"method", r.Method,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}
