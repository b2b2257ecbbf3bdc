package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/metrics"
	"github.com/JakeFAU/flounder/internal/telemetry"
	"github.com/JakeFAU/flounder/internal/whatsapp"
)

// maxWebhookBody caps how much of a webhook delivery is read.
const maxWebhookBody = 5 << 20

// defaultArchiveTimeout bounds a single archive write.
const defaultArchiveTimeout = 30 * time.Second

// Webhook delivery results reported to metrics.
const (
	deliveryDispatched = "dispatched"
	deliveryEmpty      = "empty"
	deliveryInvalid    = "invalid"
	deliveryUnreadable = "unreadable"
)

// Pipeline is the processing surface the handlers need.
type Pipeline interface {
	ProcessOne(ctx context.Context, evt link.Event) (link.Classification, error)
	Dispatch(ctx context.Context, batch []link.Event)
	Buckets() link.Buckets
}

// Archiver stores raw webhook bodies.
type Archiver interface {
	Save(ctx context.Context, body []byte) (string, error)
}

// Options configures a Server. Zero values are valid.
type Options struct {
	// VerifyToken is the secret Meta echoes during webhook verification.
	// Empty means verification always fails.
	VerifyToken    string
	RequestTimeout time.Duration
	// Archiver, when set, receives every webhook body. Writes run after the
	// delivery is acknowledged; Wait blocks until they finish.
	Archiver       Archiver
	ArchiveTimeout time.Duration
	// Ready reports downstream readiness for /readyz.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the pipeline.
type Server struct {
	router   chi.Router
	pipeline Pipeline
	opts     Options
	logger   *zap.Logger

	archives sync.WaitGroup
}

// NewServer constructs a Server with middleware and routes.
func NewServer(pipeline Pipeline, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 120 * time.Second
	}
	if opts.ArchiveTimeout <= 0 {
		opts.ArchiveTimeout = defaultArchiveTimeout
	}
	s := &Server{
		pipeline: pipeline,
		opts:     opts,
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/", s.page)
	r.Get("/share", s.page)
	r.Get("/manifest.json", s.manifest)
	r.Get("/icon", s.icon)

	r.Get("/health", s.health)
	r.Get("/healthz", s.health)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/classify", s.classify)
		r.Get("/buckets", s.buckets)
	})

	r.Get("/webhook", s.verifyWebhook)
	r.Post("/webhook", s.receiveWebhook)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until pending archive writes finish or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.archives.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for webhook archives: %w", ctx.Err())
	}
}

// archive stores body in the background, detached from the request.
func (s *Server) archive(ctx context.Context, body []byte, logger *zap.Logger) {
	ctx = context.WithoutCancel(ctx)
	s.archives.Add(1)
	go func() {
		defer s.archives.Done()
		ctx, cancel := context.WithTimeout(ctx, s.opts.ArchiveTimeout)
		defer cancel()
		if _, err := s.opts.Archiver.Save(ctx, body); err != nil {
			logger.Warn("webhook archive failed", zap.Error(err))
		}
	}()
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type classifyRequest struct {
	URL      string `json:"url"`
	Note     string `json:"note"`
	SharedBy string `json:"shared_by"`
}

// classify always answers 200; failures are reported in the body.
func (s *Server) classify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusOK, "invalid JSON")
		return
	}
	url := strings.TrimSpace(req.URL)
	if url == "" {
		writeError(w, http.StatusOK, "No URL provided")
		return
	}
	sender := strings.TrimSpace(req.SharedBy)
	if sender == "" {
		sender = link.AnonymousSender
	}

	evt := link.Event{
		URL:        url,
		SenderName: sender,
		RawText:    strings.TrimSpace(req.Note),
	}
	cls, err := s.pipeline.ProcessOne(r.Context(), evt)
	if err != nil {
		writeError(w, http.StatusOK, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cls)
}

func (s *Server) buckets(w http.ResponseWriter, _ *http.Request) {
	buckets := s.pipeline.Buckets()
	if buckets == nil {
		buckets = link.Buckets{}
	}
	writeJSON(w, http.StatusOK, map[string]link.Buckets{"buckets": buckets})
}

func (s *Server) verifyWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, ok := whatsapp.Verify(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), s.opts.VerifyToken)
	metrics.ObserveWebhookVerification(ok)
	if !ok {
		s.logger.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
		w.WriteHeader(http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, challenge); err != nil {
		s.logger.Error("write challenge failed", zap.Error(err))
	}
}

// receiveWebhook acknowledges every delivery. Processing happens after the
// response, so a slow or failing link never causes the provider to retry.
func (s *Server) receiveWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	logger := s.logger.With(zap.String("request_id", RequestID(r.Context())))

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		metrics.ObserveWebhookDelivery(deliveryUnreadable)
		logger.Error("read webhook body failed", zap.Error(err))
		return
	}

	if s.opts.Archiver != nil {
		s.archive(r.Context(), body, logger)
	}

	events, err := whatsapp.Normalize(body)
	if err != nil {
		metrics.ObserveWebhookDelivery(deliveryInvalid)
		logger.Warn("webhook payload rejected", zap.Error(err))
		return
	}
	if len(events) == 0 {
		metrics.ObserveWebhookDelivery(deliveryEmpty)
		return
	}

	metrics.ObserveWebhookDelivery(deliveryDispatched)
	logger.Info("webhook links received", zap.Int("links", len(events)))
	s.pipeline.Dispatch(r.Context(), events)
}

func (s *Server) page(w http.ResponseWriter, _ *http.Request) {
	writeAsset(w, s.logger, "web/index.html", "text/html; charset=utf-8")
}

func (s *Server) manifest(w http.ResponseWriter, _ *http.Request) {
	writeAsset(w, s.logger, "web/manifest.json", "application/manifest+json")
}

func (s *Server) icon(w http.ResponseWriter, _ *http.Request) {
	writeAsset(w, s.logger, "web/icon.svg", "image/svg+xml")
}

func writeAsset(w http.ResponseWriter, logger *zap.Logger, name, contentType string) {
	data, err := assets.ReadFile(name)
	if err != nil {
		logger.Error("asset missing", zap.String("asset", name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "asset unavailable")
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil && !errors.Is(err, http.ErrHandlerTimeout) {
		logger.Debug("write asset failed", zap.String("asset", name), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
