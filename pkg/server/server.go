package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/batch"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/bus"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/engine"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/telemetry"
	"github.com/cahmitti123/ai-audit-backend-sub001/pkg/webhook"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 1 << 20

var validate = validator.New()

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*engine.AuditRun, error)
	GetRunByTrackingID(ctx context.Context, trackingID string) (*engine.AuditRun, error)
	ListStepResults(ctx context.Context, runID string) ([]engine.StepResult, error)
}

// Batches starts and reads batches.
type Batches interface {
	Start(ctx context.Context, req batch.StartRequest) (*batch.Job, error)
	Get(ctx context.Context, batchID string) (*batch.Job, error)
}

// DeliveryLister lists webhook deliveries.
type DeliveryLister interface {
	ListDeliveries(ctx context.Context, filter webhook.DeliveryFilter) ([]webhook.Delivery, error)
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Config configures the admin HTTP server.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Dependencies are the services behind the admin API.
type Dependencies struct {
	Runs       RunReader
	Batches    Batches
	Deliveries DeliveryLister
	Publisher  bus.Publisher
	Metrics    *telemetry.Metrics
	Checks     map[string]HealthCheck
	Logger     zerolog.Logger
}

// Server is the admin HTTP API.
type Server struct {
	cfg    Config
	deps   Dependencies
	router chi.Router
	logger zerolog.Logger
}

// New creates the server and its routes.
func New(cfg Config, deps Dependencies) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: telemetry.Component(deps.Logger, "admin-api"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())

	r.Route("/v1", func(api chi.Router) {
		api.Post("/audits", s.handleTriggerAudit)
		api.Get("/audits/{id}", s.handleGetAudit)
		api.Post("/batches", s.handleStartBatch)
		api.Get("/batches/{id}", s.handleGetBatch)
		api.Get("/webhooks/deliveries", s.handleListDeliveries)
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Address,
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("address", s.cfg.Address).Msg("Admin API listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{}
	healthy := true
	for name, check := range s.deps.Checks {
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
			continue
		}
		status[name] = "ok"
	}

	code := http.StatusOK
	if !healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]interface{}{"healthy": healthy, "checks": status})
}

// TriggerRequest is the body of POST /v1/audits.
type TriggerRequest struct {
	FicheID    string         `json:"fiche_id" validate:"required"`
	ConfigID   string         `json:"config_id" validate:"required"`
	TrackingID string         `json:"tracking_id,omitempty"`
	Trigger    engine.Trigger `json:"trigger"`
}

// TriggerResponse acknowledges a queued audit.
type TriggerResponse struct {
	TrackingID string `json:"tracking_id"`
	Status     string `json:"status"`
}

func (s *Server) handleTriggerAudit(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if !s.decode(w, r, &req) {
		return
	}

	if req.TrackingID == "" {
		req.TrackingID = "trk-" + uuid.New().String()
	}
	if req.Trigger.Source == "" {
		req.Trigger.Source = "api"
	}

	payload := engine.RunRequested{
		FicheID:    req.FicheID,
		ConfigID:   req.ConfigID,
		TrackingID: req.TrackingID,
		Trigger:    req.Trigger,
	}
	if err := bus.Emit(r.Context(), s.deps.Publisher, engine.EventRunRequested, engine.RunRequestedKey(req.TrackingID), payload); err != nil {
		s.writeError(w, err)
		return
	}

	s.logger.Info().
		Str("fiche_id", req.FicheID).
		Str("config_id", req.ConfigID).
		Str("tracking_id", req.TrackingID).
		Msg("Audit requested")

	writeJSON(w, http.StatusAccepted, TriggerResponse{TrackingID: req.TrackingID, Status: "queued"})
}

// AuditResponse is a run with its step results.
type AuditResponse struct {
	Run   *engine.AuditRun    `json:"run"`
	Steps []engine.StepResult `json:"steps"`
}

func (s *Server) handleGetAudit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	run, err := s.deps.Runs.GetRun(r.Context(), id)
	if errors.Is(err, engine.ErrRunNotFound) {
		run, err = s.deps.Runs.GetRunByTrackingID(r.Context(), id)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}

	steps, err := s.deps.Runs.ListStepResults(r.Context(), run.ID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if steps == nil {
		steps = []engine.StepResult{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Run: run, Steps: steps})
}

func (s *Server) handleStartBatch(w http.ResponseWriter, r *http.Request) {
	var req batch.StartRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Trigger.Source == "" {
		req.Trigger.Source = "api"
	}

	job, err := s.deps.Batches.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Batches.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := webhook.DeliveryFilter{
		Event:  q.Get("event"),
		Status: webhook.DeliveryStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		filter.Limit = limit
	}

	deliveries, err := s.deps.Deliveries.ListDeliveries(r.Context(), filter)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if deliveries == nil {
		deliveries = []webhook.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deliveries": deliveries})
}

// decode reads a JSON body and validates it. It writes the error response and
// returns false on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error()})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: engine.ErrCodeValidation})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// writeError maps classified errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var ee *engine.EngineError
	switch {
	case errors.Is(err, engine.ErrRunNotFound), errors.Is(err, batch.ErrBatchNotFound):
		status = http.StatusNotFound
		body.Code = engine.ErrCodeNotFound
	case errors.As(err, &ee):
		body.Code = ee.Code
		switch {
		case ee.Code == engine.ErrCodeValidation:
			status = http.StatusBadRequest
		case ee.Code == engine.ErrCodeNotFound:
			status = http.StatusNotFound
		case ee.Code == engine.ErrCodeAlreadyExists, ee.Class == engine.ErrorClassConflict:
			status = http.StatusConflict
		case ee.Class == engine.ErrorClassThrottled:
			status = http.StatusTooManyRequests
		case ee.Class == engine.ErrorClassTransient:
			status = http.StatusServiceUnavailable
		}
	}

	if status >= 500 {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
