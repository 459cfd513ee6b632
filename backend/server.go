package backend

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/LuminPulse-AI/clinicsync"
)

const (
	maxBodyBytes = 1 << 20
	writeTimeout = 10 * time.Second
)

// Config configures the HTTP server.
type Config struct {
	// Token, when set, is required as a bearer token on /api, /ws and /sse.
	Token string
	// IntakeSecret enables POST /hooks/booking.
	IntakeSecret string
	// HeartbeatInterval spaces SSE keepalive comments. Default 15s.
	HeartbeatInterval time.Duration
	Logger            *slog.Logger
	Registry          *prometheus.Registry
}

func (c *Config) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = prometheus.NewRegistry()
	}
}

// Server serves the case REST API and push endpoints. Every successful
// mutation is published to the hub.
type Server struct {
	store  *SQLiteStore
	hub    *Hub
	cfg    Config
	log    *slog.Logger
	intake *Intake
	mux    *http.ServeMux

	requests  *prometheus.CounterVec
	published *prometheus.CounterVec
	dropped   prometheus.Counter
	pushConns *prometheus.GaugeVec
}

// NewServer wires routes and metrics.
func NewServer(store *SQLiteStore, hub *Hub, config *Config) (*Server, error) {
	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()

	s := &Server{
		store: store,
		hub:   hub,
		cfg:   cfg,
		log:   cfg.Logger,
		mux:   http.NewServeMux(),
	}
	if err := s.registerMetrics(); err != nil {
		return nil, err
	}
	hub.OnDrop = func(clinicsync.ChangeEvent) { s.dropped.Inc() }

	if cfg.IntakeSecret != "" {
		in, err := NewIntake(cfg.IntakeSecret, s.create)
		if err != nil {
			return nil, err
		}
		s.intake = in
	}
	s.routes()
	return s, nil
}

func (s *Server) registerMetrics() error {
	s.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinicsync",
		Subsystem: "backend",
		Name:      "http_requests_total",
		Help:      "REST requests by route, method and status code",
	}, []string{"route", "method", "code"})
	s.published = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clinicsync",
		Subsystem: "backend",
		Name:      "changes_published_total",
		Help:      "Change events published to push subscribers",
	}, []string{"change"})
	s.dropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "clinicsync",
		Subsystem: "backend",
		Name:      "changes_dropped_total",
		Help:      "Change events not delivered to a full subscriber",
	})
	s.pushConns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "clinicsync",
		Subsystem: "backend",
		Name:      "push_connections",
		Help:      "Open push connections by transport",
	}, []string{"transport"})

	for _, c := range []prometheus.Collector{s.requests, s.published, s.dropped, s.pushConns} {
		if err := s.cfg.Registry.Register(c); err != nil {
			return fmt.Errorf("register backend metrics: %w", err)
		}
	}
	return nil
}

func (s *Server) routes() {
	s.mux.Handle("GET /api/cases", s.api("list", s.handleList))
	s.mux.Handle("POST /api/cases", s.api("create", s.handleCreate))
	s.mux.Handle("GET /api/cases/{id}", s.api("get", s.handleGet))
	s.mux.Handle("PATCH /api/cases/{id}", s.api("update", s.handleUpdate))
	s.mux.Handle("PATCH /api/cases/{id}/status", s.api("status", s.handleStatus))
	s.mux.Handle("DELETE /api/cases/{id}", s.api("delete", s.handleDelete))

	s.mux.Handle("GET /ws", s.authorize(http.HandlerFunc(s.handleWS)))
	s.mux.Handle("GET /sse", s.authorize(http.HandlerFunc(s.handleSSE)))

	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.HandlerFor(s.cfg.Registry, promhttp.HandlerOpts{}))
	if s.intake != nil {
		s.mux.Handle("POST /hooks/booking", s.intake.HTTPHandler())
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Shutdown ends every push stream. Call it before http.Server.Shutdown so
// long-lived connections do not hold the drain open.
func (s *Server) Shutdown() {
	s.hub.Shutdown()
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) api(route string, h http.HandlerFunc) http.Handler {
	counter := s.requests.MustCurryWith(prometheus.Labels{"route": route})
	return s.authorize(promhttp.InstrumentHandlerCounter(counter, h))
}

func (s *Server) authorize(next http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return next
	}
	want := []byte(s.cfg.Token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			writeResult(w, http.StatusUnauthorized, failure(clinicsync.CodeUnauthorized, "missing or invalid token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ============================================================================
// Envelope helpers
// ============================================================================

func success(data any) clinicsync.Result {
	res := clinicsync.Result{Success: true}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return failure(clinicsync.CodeInternal, "encode response: "+err.Error())
		}
		res.Data = raw
	}
	return res
}

func failure(code, message string) clinicsync.Result {
	return clinicsync.Result{Error: &clinicsync.APIError{Code: code, Message: message}}
}

func writeResult(w http.ResponseWriter, status int, res clinicsync.Result) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(res)
}

// classify maps a store error to an HTTP status and error code.
func classify(err error) (int, string) {
	var apiErr *clinicsync.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case clinicsync.CodeInvalidInput:
			return http.StatusBadRequest, apiErr.Code
		case clinicsync.CodeNotFound:
			return http.StatusNotFound, apiErr.Code
		case clinicsync.CodeUnauthorized:
			return http.StatusUnauthorized, apiErr.Code
		}
	}
	if errors.Is(err, clinicsync.ErrNotFound) {
		return http.StatusNotFound, clinicsync.CodeNotFound
	}
	return http.StatusInternalServerError, clinicsync.CodeInternal
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("Request failed", slog.String("op", op), slog.String("error", err.Error()))
	}
	writeResult(w, status, failure(code, err.Error()))
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		return &clinicsync.APIError{Code: clinicsync.CodeInvalidInput, Message: "invalid JSON body: " + err.Error()}
	}
	return nil
}

// ============================================================================
// Mutations
// ============================================================================

func (s *Server) publish(t clinicsync.ChangeType, rec clinicsync.CaseRecord) {
	s.hub.Publish(clinicsync.ChangeEvent{Type: t, Record: rec})
	s.published.WithLabelValues(string(t)).Inc()
}

func (s *Server) create(ctx context.Context, in clinicsync.CaseInput) (*clinicsync.CaseRecord, error) {
	rec, err := s.store.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.log.Info("Case created", slog.String("case_id", rec.ID), slog.String("service", rec.Service))
	s.publish(clinicsync.ChangeInsert, *rec)
	return rec, nil
}

func (s *Server) update(ctx context.Context, id string, patch clinicsync.CasePatch) (*clinicsync.CaseRecord, error) {
	rec, err := s.store.Update(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.log.Info("Case updated", slog.String("case_id", id), slog.String("status", string(rec.Status)))
	s.publish(clinicsync.ChangeUpdate, *rec)
	return rec, nil
}

// ============================================================================
// REST handlers
// ============================================================================

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.store.List(r.Context())
	if err != nil {
		s.fail(w, "list", err)
		return
	}
	writeResult(w, http.StatusOK, success(list))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, "get", err)
		return
	}
	writeResult(w, http.StatusOK, success(rec))
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var in clinicsync.CaseInput
	if err := decodeBody(w, r, &in); err != nil {
		s.fail(w, "create", err)
		return
	}
	rec, err := s.create(r.Context(), in)
	if err != nil {
		s.fail(w, "create", err)
		return
	}
	writeResult(w, http.StatusCreated, success(rec))
}

func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var patch clinicsync.CasePatch
	if err := decodeBody(w, r, &patch); err != nil {
		s.fail(w, "update", err)
		return
	}
	rec, err := s.update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		s.fail(w, "update", err)
		return
	}
	writeResult(w, http.StatusOK, success(rec))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status clinicsync.CaseStatus `json:"status"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		s.fail(w, "status", err)
		return
	}
	rec, err := s.update(r.Context(), r.PathValue("id"), clinicsync.CasePatch{Status: &body.Status})
	if err != nil {
		s.fail(w, "status", err)
		return
	}
	writeResult(w, http.StatusOK, success(rec))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		s.fail(w, "delete", err)
		return
	}
	s.log.Info("Case deleted", slog.String("case_id", id))
	s.publish(clinicsync.ChangeDelete, clinicsync.CaseRecord{ID: id})
	writeResult(w, http.StatusOK, success(nil))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeResult(w, http.StatusServiceUnavailable, failure(clinicsync.CodeInternal, "database unavailable"))
		return
	}
	writeResult(w, http.StatusOK, success(map[string]any{
		"status":      "ok",
		"subscribers": s.hub.Len(),
	}))
}

// ============================================================================
// Push handlers
// ============================================================================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "unexpected exit")

	// Reads are discarded; pings and the close handshake still run.
	ctx := conn.CloseRead(r.Context())

	events, err := s.hub.Subscribe(ctx)
	if err != nil {
		conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	gauge := s.pushConns.WithLabelValues("ws")
	gauge.Inc()
	defer gauge.Dec()

	if err := s.writeFrame(ctx, conn, clinicsync.Envelope{Type: clinicsync.FrameSubscribed}); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			env, err := clinicsync.NewChangeEnvelope(ev)
			if err != nil {
				continue
			}
			if err := s.writeFrame(ctx, conn, env); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeFrame(ctx context.Context, conn *websocket.Conn, env clinicsync.Envelope) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, env)
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeResult(w, http.StatusInternalServerError, failure(clinicsync.CodeInternal, "streaming unsupported"))
		return
	}

	ctx := r.Context()
	events, err := s.hub.Subscribe(ctx)
	if err != nil {
		writeResult(w, http.StatusServiceUnavailable, failure(clinicsync.CodeInternal, "server shutting down"))
		return
	}
	gauge := s.pushConns.WithLabelValues("sse")
	gauge.Inc()
	defer gauge.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if writeSSE(w, clinicsync.Envelope{Type: clinicsync.FrameSubscribed}) != nil {
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			env, err := clinicsync.NewChangeEnvelope(ev)
			if err != nil {
				continue
			}
			if writeSSE(w, env) != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, env clinicsync.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
