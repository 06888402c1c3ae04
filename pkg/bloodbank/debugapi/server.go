// Package debugapi serves the bloodbank HTTP surface: health, event
// publishing, and read-only correlation queries for operators.
package debugapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/randalmurphal/bloodbank/pkg/bloodbank"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/correlation"
	"github.com/randalmurphal/bloodbank/pkg/bloodbank/envelope"
)

// Publisher is the part of *bloodbank.Publisher the server needs.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload any, opts ...bloodbank.PublishOption) (uuid.UUID, error)
	TrackingEnabled() bool
	CorrelationChain(ctx context.Context, id uuid.UUID, dir correlation.Direction) ([]uuid.UUID, error)
	DebugCorrelation(ctx context.Context, id uuid.UUID) (*correlation.Dump, error)
}

var _ Publisher = (*bloodbank.Publisher)(nil)

// maxPublishBody caps the request body accepted by POST /events.
const maxPublishBody = 1 << 20

// Config for the server.
type Config struct {
	// Addr is the listen address, e.g. "0.0.0.0:8682".
	Addr string

	// Service is reported by /healthz.
	Service string

	Logger *slog.Logger
}

// Server is the HTTP server.
type Server struct {
	pub        Publisher
	service    string
	logger     *slog.Logger
	router     *chi.Mux
	httpServer *http.Server
}

// New creates a server over pub.
func New(pub Publisher, cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Service == "" {
		cfg.Service = "bloodbank"
	}

	s := &Server{
		pub:     pub,
		service: cfg.Service,
		logger:  cfg.Logger,
	}
	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Post("/events/{eventType}", s.handlePublish)

	r.Get("/debug/correlation/{eventID}", s.handleDump)
	r.Get("/debug/correlation/{eventID}/chain", s.handleChain)

	s.router = r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("debug api listening", slog.String("addr", s.httpServer.Addr))
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.String("request_id", middleware.GetReqID(r.Context())),
			slog.Duration("duration", time.Since(start)),
		)
	})
}

// --- Response helpers ---

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("encoding response", slog.String("error", err.Error()))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}

// respondPublisherError maps a publisher error onto a status code.
func (s *Server) respondPublisherError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bloodbank.ErrTrackingDisabled),
		errors.Is(err, bloodbank.ErrNotStarted),
		errors.Is(err, bloodbank.ErrClosed):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	case bloodbank.Categorize(err) == bloodbank.CategoryUsage:
		s.respondError(w, http.StatusBadRequest, err.Error())
	case bloodbank.IsRetryable(err):
		s.respondError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.respondError(w, http.StatusBadGateway, err.Error())
	}
}

func (s *Server) eventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "eventID"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid event id")
		return uuid.Nil, false
	}
	return id, true
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]any{
		"ok":                   true,
		"service":              s.service,
		"correlation_tracking": s.pub.TrackingEnabled(),
	})
}

type publishRequest struct {
	EventID        *uuid.UUID             `json:"event_id,omitempty"`
	CorrelationIDs []uuid.UUID            `json:"correlation_ids,omitempty"`
	Payload        json.RawMessage        `json:"payload"`
	Metadata       map[string]any         `json:"metadata,omitempty"`
	AgentContext   *envelope.AgentContext `json:"agent_context,omitempty"`
}

type publishResponse struct {
	EventID   uuid.UUID `json:"event_id"`
	EventType string    `json:"event_type"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	eventType := chi.URLParam(r, "eventType")

	var req publishRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxPublishBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "request body exceeds 1 MiB")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	opts := []bloodbank.PublishOption{
		bloodbank.WithParents(req.CorrelationIDs...),
		bloodbank.WithSource(envelope.Source{Host: clientHost(r), Type: envelope.TriggerHook, App: "http-api"}),
	}
	if req.EventID != nil {
		opts = append(opts, bloodbank.WithEventID(*req.EventID))
	}
	if len(req.Metadata) > 0 {
		opts = append(opts, bloodbank.WithCorrelationMetadata(req.Metadata))
	}
	if req.AgentContext != nil {
		opts = append(opts, bloodbank.WithAgentContext(req.AgentContext))
	}

	var payload any = req.Payload
	if len(req.Payload) == 0 {
		payload = nil
	}

	id, err := s.pub.Publish(r.Context(), eventType, payload, opts...)
	if err != nil {
		s.respondPublisherError(w, err)
		return
	}
	s.respondJSON(w, http.StatusAccepted, publishResponse{EventID: id, EventType: eventType})
}

func (s *Server) handleDump(w http.ResponseWriter, r *http.Request) {
	if !s.pub.TrackingEnabled() {
		s.respondPublisherError(w, bloodbank.ErrTrackingDisabled)
		return
	}
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}

	dump, err := s.pub.DebugCorrelation(r.Context(), id)
	if err != nil {
		s.respondPublisherError(w, err)
		return
	}
	if dump == nil {
		s.respondError(w, http.StatusNotFound, "no correlation data for "+id.String())
		return
	}
	s.respondJSON(w, http.StatusOK, dump)
}

type chainResponse struct {
	EventID   uuid.UUID   `json:"event_id"`
	Direction string      `json:"direction"`
	Chain     []uuid.UUID `json:"chain"`
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if !s.pub.TrackingEnabled() {
		s.respondPublisherError(w, bloodbank.ErrTrackingDisabled)
		return
	}
	id, ok := s.eventID(w, r)
	if !ok {
		return
	}
	dir, err := correlation.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	chain, err := s.pub.CorrelationChain(r.Context(), id, dir)
	if err != nil {
		s.respondPublisherError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, chainResponse{EventID: id, Direction: string(dir), Chain: chain})
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if host == "" {
		return "unknown"
	}
	return host
}
