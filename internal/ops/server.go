// Package ops is the operational HTTP surface: health probe, Prometheus
// metrics, and read-only JSON views over the live streams. It is a local-only
// observer; nothing here can place an order or mutate trading state.
package ops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/inarbit/inarbit/internal/config"
	"github.com/inarbit/inarbit/internal/kv"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Server is the read-only operational HTTP server.
type Server struct {
	router   *mux.Router
	server   *http.Server
	store    kv.Store
	registry *prometheus.Registry
	cfg      config.OpsConfig
	started  time.Time
}

func NewServer(cfg config.OpsConfig, store kv.Store) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		store:    store,
		registry: NewRegistry(store),
		cfg:      cfg,
		started:  time.Now(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.timeoutMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(jsonContentType)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/opportunities/{strategy}", s.handleOpportunities).Methods(http.MethodGet)
	api.HandleFunc("/decisions", s.handleDecisions).Methods(http.MethodGet)
	api.HandleFunc("/constraints", s.handleConstraints).Methods(http.MethodGet)
	api.HandleFunc("/regime", s.handleRegime).Methods(http.MethodGet)
}

// Run serves until the context is canceled, then drains with a short grace
// period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("ops server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if _, _, err := s.store.Get(r.Context(), "healthz:probe"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

// handleStatus dumps every service's published metric hash. Services that
// have not published (or whose hash expired) come back as empty objects,
// which is itself the signal: a healthy loop republishes every cycle.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]map[string]string, len(trackedServices))
	for _, service := range trackedServices {
		fields, err := s.store.HGetAll(r.Context(), kv.ServiceMetricsKey(service))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if fields == nil {
			fields = map[string]string{}
		}
		out[service] = fields
	}
	writeJSON(w, http.StatusOK, out)
}

// streamEntry pairs a stream member's JSON payload with its score.
type streamEntry struct {
	Score float64         `json:"score"`
	Item  json.RawMessage `json:"item"`
}

func (s *Server) handleOpportunities(w http.ResponseWriter, r *http.Request) {
	strategy := mux.Vars(r)["strategy"]
	key, ok := trackedStreams[strategy]
	if !ok || strategy == "decisions" {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown strategy %q", strategy))
		return
	}
	// Opportunity streams are scored by profit rate: best first.
	s.serveStream(w, r, key, true)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	// Decisions are scored by risk: safest first.
	s.serveStream(w, r, kv.LatestDecisionsKey, false)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request, key string, descending bool) {
	limit := queryLimit(r, 20)
	var (
		members []kv.Z
		err     error
	)
	if descending {
		members, err = s.store.ZRevRangeWithScores(r.Context(), key, 0, int64(limit)-1)
	} else {
		members, err = s.store.ZRangeWithScores(r.Context(), key, 0, int64(limit)-1)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	entries := make([]streamEntry, 0, len(members))
	for _, m := range members {
		if !json.Valid([]byte(m.Member)) {
			continue
		}
		entries = append(entries, streamEntry{Score: m.Score, Item: json.RawMessage(m.Member)})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	out := map[string]json.RawMessage{}
	for name, key := range map[string]string{
		"human":     kv.HumanConstraintsKey,
		"auto":      kv.AutoConstraintsKey,
		"effective": kv.EffectiveConstraintsKey,
	} {
		raw, found, err := s.store.Get(r.Context(), key)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		if found && json.Valid([]byte(raw)) {
			out[name] = json.RawMessage(raw)
		} else {
			out[name] = json.RawMessage("null")
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegime(w http.ResponseWriter, r *http.Request) {
	fields, err := s.store.HGetAll(r.Context(), kv.ServiceMetricsKey("market_regime"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if len(fields) == 0 {
		writeJSON(w, http.StatusOK, map[string]string{"regime": "UNKNOWN"})
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.status).
			Dur("duration", time.Since(start)).
			Msg("ops request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 200 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to encode ops response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
