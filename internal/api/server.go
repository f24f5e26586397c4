// Package api is the HTTP surface of the control plane: simulation launch,
// status and reset, file staging, the simulator's data callback and the
// operational endpoints.
package api

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/jardesigner/jardesigner/internal/events"
	"github.com/jardesigner/jardesigner/internal/logging"
	"github.com/jardesigner/jardesigner/internal/metrics"
	"github.com/jardesigner/jardesigner/internal/staging"
	"github.com/jardesigner/jardesigner/internal/storage/postgres"
	"github.com/jardesigner/jardesigner/internal/supervisor"
	"github.com/jardesigner/jardesigner/internal/version"
)

const (
	maxUploadMemory = 32 << 20
	shutdownTimeout = 10 * time.Second
)

// Simulations is the run lifecycle the handlers drive.
type Simulations interface {
	Launch(ctx context.Context, config map[string]interface{}, clientID string) (supervisor.Run, error)
	Terminate(pid int) bool
	Status(pid int) supervisor.Status
}

// Relayer delivers simulator data to a channel's subscribers.
type Relayer interface {
	Relay(channelID string, payload json.RawMessage, source string) int
}

// EventStore reads persisted lifecycle events. The postgres client
// satisfies it.
type EventStore interface {
	Query(runID string, limit int) ([]postgres.EventRow, error)
}

// Options wires the server to its collaborators. Simulations, Staging and
// Relayer are required.
type Options struct {
	Simulations Simulations
	Staging     *staging.Area
	Relayer     Relayer
	// Realtime serves /ws.
	Realtime  http.Handler
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Readiness *Readiness
	// Events, when set, answers /events?run_id= from the database.
	Events    EventStore
	StaticDir string
}

// Server routes HTTP requests to the supervisor, staging area and hub.
type Server struct {
	sims      Simulations
	staging   *staging.Area
	relayer   Relayer
	realtime  http.Handler
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	readiness *Readiness
	events    EventStore
	staticDir string
	log       zerolog.Logger
	router    chi.Router
}

// New builds the server and its router.
func New(opts Options) *Server {
	s := &Server{
		sims:      opts.Simulations,
		staging:   opts.Staging,
		relayer:   opts.Relayer,
		realtime:  opts.Realtime,
		metrics:   opts.Metrics,
		gatherer:  opts.Gatherer,
		readiness: opts.Readiness,
		events:    opts.Events,
		staticDir: opts.StaticDir,
		log:       logging.Component("api"),
	}
	if s.readiness == nil {
		s.readiness = NewReadiness(opts.Staging.CheckWritable)
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/events", s.handleEvents)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	if s.realtime != nil {
		r.Handle("/ws", s.realtime)
	}

	r.Post("/upload_file", s.handleUpload)
	r.Post("/launch_simulation", s.handleLaunch)
	r.Post("/internal/push_data", s.handlePushData)
	r.Get("/simulation_status/{pid:[0-9]+}", s.handleStatus)
	r.Get("/session_file/{clientID}/{filename}", s.handleSessionFile)
	r.Post("/reset_simulation", s.handleReset)

	r.Get("/", s.handleIndex)
	r.NotFound(s.handleStatic)

	return r
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. With a non-nil tlsConfig it serves HTTPS.
func (s *Server) ListenAndServe(ctx context.Context, addr string, tlsConfig *tls.Config) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.log.Debug().
				Str("request_id", middleware.GetReqID(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("duration", time.Since(start)).
				Msg("request")
		}()
		next.ServeHTTP(ww, r)
	})
}

// cors allows any origin; the browser UI may be served by a dev server.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type HealthResponse struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	Version   string `json:"version"`
	Hostname  string `json:"hostname"`
	Timestamp string `json:"ts"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	host, _ := os.Hostname()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Message:   "JARDesigner server is running!",
		Version:   version.Version,
		Hostname:  host,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleEvents returns recent lifecycle events. run_id narrows them to one
// run's channel and limit keeps the newest n. With a store configured, run
// queries go to the database, which outlives the in-memory buffer.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.URL.Query().Get("run_id")
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	if runID == "" {
		writeJSON(w, http.StatusOK, events.RecentEvents(limit))
		return
	}

	if s.events != nil {
		rows, err := s.events.Query(runID, limit)
		if err != nil {
			s.log.Error().Err(err).Str("run_id", runID).Msg("event query failed")
			writeError(w, http.StatusInternalServerError, "Event store unavailable")
			return
		}
		if rows == nil {
			rows = []postgres.EventRow{}
		}
		writeJSON(w, http.StatusOK, rows)
		return
	}

	matched := []events.Event{}
	for _, e := range events.Snapshot() {
		if id, _ := e.Fields["channel_id"].(string); id == runID {
			matched = append(matched, e)
		}
	}
	if limit > 0 && limit < len(matched) {
		matched = matched[len(matched)-limit:]
	}
	writeJSON(w, http.StatusOK, matched)
}
