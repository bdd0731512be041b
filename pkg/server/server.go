// Package server exposes the display state to map clients over HTTP.
package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	geojson "github.com/paulmach/go.geojson"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hervehildenbrand/threatmap/pkg/display"
	"github.com/hervehildenbrand/threatmap/pkg/geo"
	"github.com/hervehildenbrand/threatmap/pkg/logging"
	"github.com/hervehildenbrand/threatmap/pkg/models"
)

const maxRecent = 100

// MapState is the display state the API reads from.
type MapState interface {
	Recent(n int) []models.Attack
	Animating() []models.Attack
	Snapshot() []models.MaliciousIP
	Retire(id string) bool
}

// Controller is the running pipeline behind the API.
type Controller interface {
	Severities() models.SeveritySet
	SetSeverities(allowed models.SeveritySet)
	Healthy() bool
	Stats() map[string]interface{}
}

// Server holds the handlers' dependencies.
type Server struct {
	state    MapState
	ctrl     Controller
	gatherer prometheus.Gatherer
	log      logging.Logger
}

// New builds the router. A nil gatherer leaves /metrics unregistered.
func New(state MapState, ctrl Controller, gatherer prometheus.Gatherer, logger logging.Logger) http.Handler {
	s := &Server{
		state:    state,
		ctrl:     ctrl,
		gatherer: gatherer,
		log:      logging.OrDiscard(logger).WithField("component", "server"),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.health)
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/attacks", func(r chi.Router) {
		r.Get("/", s.recentAttacks)
		r.Delete("/{id}", s.retireAttack)
	})
	r.Get("/paths", s.paths)
	r.Get("/ips", s.ips)
	r.Get("/severities", s.severities)
	r.Put("/severities", s.setSeverities)
	r.Get("/stats", s.stats)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.WithFields(logging.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start).String(),
		}).Debug("Request served")
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	if s.ctrl != nil && !s.ctrl.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// recentAttacks serves the detail list, newest first. ?limit= overrides the
// default of ten.
func (s *Server) recentAttacks(w http.ResponseWriter, r *http.Request) {
	limit := display.RecentCount
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxRecent {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.state.Recent(limit))
}

func (s *Server) retireAttack(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.state.Retire(id) {
		writeError(w, http.StatusNotFound, "attack is not animating")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// paths serves the animating set as GeoJSON lines. Attacks whose path is
// rejected are left out.
func (s *Server) paths(w http.ResponseWriter, r *http.Request) {
	fc := geojson.NewFeatureCollection()
	for _, a := range s.state.Animating() {
		if f, ok := geo.AttackFeature(a); ok {
			fc.AddFeature(f)
		}
	}
	writeGeoJSON(w, fc)
}

func (s *Server) ips(w http.ResponseWriter, r *http.Request) {
	fc := geojson.NewFeatureCollection()
	for _, ip := range s.state.Snapshot() {
		fc.AddFeature(geo.IPFeature(ip))
	}
	writeGeoJSON(w, fc)
}

func (s *Server) severities(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusNotImplemented, "no pipeline attached")
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Severities().Slice())
}

// setSeverities replaces the allow-list. The body is a JSON array of
// severity names.
func (s *Server) setSeverities(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeError(w, http.StatusNotImplemented, "no pipeline attached")
		return
	}

	var names []string
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&names); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of severities")
		return
	}

	severities := make([]models.Severity, 0, len(names))
	for _, name := range names {
		sev, ok := models.ParseSeverity(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown severity: "+strings.TrimSpace(name))
			return
		}
		severities = append(severities, sev)
	}

	allowed := models.NewSeveritySet(severities...)
	s.ctrl.SetSeverities(allowed)
	s.log.WithField("severities", allowed.Slice()).Info("Severity filter changed")
	writeJSON(w, http.StatusOK, allowed.Slice())
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	if s.ctrl == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	writeJSON(w, http.StatusOK, s.ctrl.Stats())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeGeoJSON(w http.ResponseWriter, fc *geojson.FeatureCollection) {
	data, err := fc.MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode geojson")
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
