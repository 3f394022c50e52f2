// Package api serves evaluations and the station catalog over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"commutecircles/pkg/engine"
	"commutecircles/pkg/pipeline"
	"commutecircles/pkg/publish"
	"commutecircles/pkg/rent"
	"commutecircles/pkg/types"
)

// Evaluator runs one evaluation.
type Evaluator interface {
	Evaluate(ctx context.Context, q pipeline.Query) (*pipeline.Outcome, error)
}

// Catalog lists the stations and prefectures of the rent dataset.
type Catalog interface {
	Stations(ctx context.Context, prefectures []string) ([]types.LocationKey, error)
	Prefectures(ctx context.Context) ([]string, error)
	FormatStationName(ctx context.Context, base string) (types.LocationKey, error)
	PricesFor(ctx context.Context, key types.LocationKey) ([]float64, error)
}

// Pinger reports whether the reachability cache is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	AllowedOrigins []string
}

type Server struct {
	evaluator Evaluator
	catalog   Catalog
	pinger    Pinger
	router    chi.Router
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

type StationsResponse struct {
	Stations []types.LocationKey `json:"stations"`
	Count    int                 `json:"count"`
}

type PrefecturesResponse struct {
	Prefectures []string `json:"prefectures"`
	Count       int      `json:"count"`
}

type RentResponse struct {
	Station types.LocationKey `json:"station"`
	Stats   *rent.Stats       `json:"stats,omitempty"`
}

func NewServer(cfg Config, evaluator Evaluator, catalog Catalog, pinger Pinger) *Server {
	s := &Server{
		evaluator: evaluator,
		catalog:   catalog,
		pinger:    pinger,
	}

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", s.health)
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/evaluate", s.evaluate)
		r.Get("/stations", s.stations)
		r.Get("/stations/{name}/rent", s.stationRent)
		r.Get("/prefectures", s.prefectures)
	})

	s.router = r
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string, err error) {
	resp := ErrorResponse{Error: msg}
	if err != nil {
		resp.Details = map[string]interface{}{"internal": err.Error()}
	}
	writeJSON(w, status, resp)
}

// health handles GET /health
func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.pinger.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "error",
			"database":  "disconnected",
			"timestamp": time.Now().UTC(),
			"error":     err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"database":  "connected",
		"timestamp": time.Now().UTC(),
	})
}

// evaluate handles POST /api/v1/evaluate
// With ?format=geojson only the FeatureCollection is returned.
func (s *Server) evaluate(w http.ResponseWriter, r *http.Request) {
	var q pipeline.Query
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&q); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	outcome, err := s.evaluator.Evaluate(r.Context(), q)
	if err != nil {
		status, msg := evaluationStatus(err)
		if status >= 500 {
			slog.Error("Evaluation failed", "anchor1", q.Anchor1, "anchor2", q.Anchor2, "error", err)
		}
		writeError(w, status, msg, err)
		return
	}

	if r.URL.Query().Get("format") == "geojson" {
		data, err := outcome.GeoJSON.Marshal()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to render GeoJSON", err)
			return
		}
		w.Header().Set("Content-Type", publish.ContentType)
		w.WriteHeader(http.StatusOK)
		w.Write(data)
		return
	}

	writeJSON(w, http.StatusOK, outcome)
}

func evaluationStatus(err error) (int, string) {
	switch {
	case errors.Is(err, pipeline.ErrInvalidQuery):
		return http.StatusBadRequest, "Invalid query"
	case errors.Is(err, rent.ErrStationNotFound):
		return http.StatusNotFound, "Unknown station"
	case errors.Is(err, engine.ErrMissingCoordinate):
		return http.StatusUnprocessableEntity, "Anchor could not be geocoded"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "Evaluation interrupted"
	default:
		return http.StatusInternalServerError, "Evaluation failed"
	}
}

// stations handles GET /api/v1/stations
// Accepts repeated or comma-separated ?prefecture= filters.
func (s *Server) stations(w http.ResponseWriter, r *http.Request) {
	var prefectures []string
	for _, v := range r.URL.Query()["prefecture"] {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				prefectures = append(prefectures, p)
			}
		}
	}

	keys, err := s.catalog.Stations(r.Context(), prefectures)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve stations", err)
		return
	}
	if keys == nil {
		keys = []types.LocationKey{}
	}
	writeJSON(w, http.StatusOK, StationsResponse{Stations: keys, Count: len(keys)})
}

// stationRent handles GET /api/v1/stations/{name}/rent
func (s *Server) stationRent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name, err := url.PathUnescape(chi.URLParam(r, "name"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid station name", err)
		return
	}

	key := types.LocationKey(name)
	if !strings.Contains(name, " Station, ") {
		key, err = s.catalog.FormatStationName(ctx, name)
		if errors.Is(err, rent.ErrStationNotFound) {
			writeError(w, http.StatusNotFound, "Unknown station", nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Failed to resolve station", err)
			return
		}
	}

	prices, err := s.catalog.PricesFor(ctx, key)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve prices", err)
		return
	}

	resp := RentResponse{Station: key}
	if st, ok := rent.Summarize(prices); ok {
		resp.Stats = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// prefectures handles GET /api/v1/prefectures
func (s *Server) prefectures(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.catalog.Prefectures(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to retrieve prefectures", err)
		return
	}
	if prefs == nil {
		prefs = []string{}
	}
	writeJSON(w, http.StatusOK, PrefecturesResponse{Prefectures: prefs, Count: len(prefs)})
}
