// Package server builds the application's dependencies from configuration
// and runs the HTTP service.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/api"
	"github.com/JakeFAU/flounder/internal/archive"
	openaiclassifier "github.com/JakeFAU/flounder/internal/classifier/openai"
	"github.com/JakeFAU/flounder/internal/clock/system"
	"github.com/JakeFAU/flounder/internal/config"
	collyextractor "github.com/JakeFAU/flounder/internal/extractor/colly"
	"github.com/JakeFAU/flounder/internal/id/uuid"
	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/pipeline"
	"github.com/JakeFAU/flounder/internal/policy/ratelimit"
	pubsubpublisher "github.com/JakeFAU/flounder/internal/publisher/pubsub"
	"github.com/JakeFAU/flounder/internal/sink"
	memorysink "github.com/JakeFAU/flounder/internal/sink/memory"
	pgsink "github.com/JakeFAU/flounder/internal/sink/postgres"
	sheetsink "github.com/JakeFAU/flounder/internal/sink/sheets"
	gcsstorage "github.com/JakeFAU/flounder/internal/storage/gcs"
	localstorage "github.com/JakeFAU/flounder/internal/storage/local"
	memorystorage "github.com/JakeFAU/flounder/internal/storage/memory"
	"github.com/JakeFAU/flounder/internal/telemetry"
)

var errDraining = errors.New("server is shutting down")

// App contains the application's dependencies.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	orchestrator *pipeline.Orchestrator

	pgSink         *pgsink.Sink
	publisher      *pubsubpublisher.Publisher
	gcsStore       *gcsstorage.BlobStore
	tracerShutdown func(context.Context) error

	draining atomic.Bool
}

// Build creates the application's dependencies. Every collaborator is
// constructed once here and shared by all requests.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	built := false
	defer func() {
		if !built {
			app.closeInfrastructure(context.Background())
		}
	}()

	if err := setupTracing(ctx, app); err != nil {
		return nil, err
	}

	buckets := cfg.BucketList()
	clock := system.New()
	idGen := uuid.New()

	extractor := collyextractor.New(collyextractor.Config{
		UserAgent:    cfg.Extractor.UserAgent,
		Timeout:      time.Duration(cfg.Extractor.TimeoutSeconds) * time.Second,
		MaxBodyChars: cfg.Extractor.MaxBodyChars,
		Limiter: ratelimit.New(ratelimit.Config{
			HostRPS:   cfg.Extractor.HostRPS,
			HostBurst: cfg.Extractor.HostBurst,
		}),
	}, logger.Named("extractor"))

	classifier := openaiclassifier.New(openaiclassifier.Config{
		APIKey:    cfg.Classifier.APIKey,
		BaseURL:   cfg.Classifier.BaseURL,
		Model:     cfg.Classifier.Model,
		MaxTokens: cfg.Classifier.MaxTokens,
		Timeout:   time.Duration(cfg.Classifier.TimeoutSeconds) * time.Second,
	}, buckets, logger.Named("classifier"))
	if cfg.Classifier.APIKey == "" {
		logger.Warn("no classifier API key configured, every link will use the fallback classification")
	}

	linkSink, err := setupSink(ctx, app)
	if err != nil {
		return nil, err
	}
	linkSink, err = setupNotifications(ctx, app, linkSink)
	if err != nil {
		return nil, err
	}

	app.orchestrator = pipeline.New(
		extractor,
		classifier,
		linkSink,
		clock,
		idGen,
		buckets,
		pipeline.Config{MaxInFlight: cfg.Pipeline.MaxInFlight},
		logger.Named("pipeline"),
	)

	opts := api.Options{
		VerifyToken:    cfg.WhatsApp.VerifyToken,
		RequestTimeout: cfg.RequestTimeout(),
		Ready:          app.ready,
	}
	if cfg.Archive.Enabled {
		store, err := setupStorage(ctx, app)
		if err != nil {
			return nil, err
		}
		opts.Archiver = archive.New(store, cfg.Archive.Prefix, clock, idGen, logger.Named("archive"))
		logger.Info("webhook archive enabled", zap.String("prefix", cfg.Archive.Prefix))
	}
	if cfg.WhatsApp.VerifyToken == "" {
		logger.Warn("no WhatsApp verify token configured, webhook verification will always fail")
	}

	app.apiServer = api.NewServer(app.orchestrator, opts, logger.Named("api"))
	built = true
	logger.Info("application built",
		zap.Int("port", cfg.Server.Port),
		zap.Strings("buckets", buckets),
		zap.String("sink", cfg.Sink.Backend),
	)
	return app, nil
}

// Handler returns the HTTP handler serving every route.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Pipeline returns the shared orchestrator.
func (a *App) Pipeline() *pipeline.Orchestrator {
	return a.orchestrator
}

// Run serves HTTP until ctx is canceled or SIGINT/SIGTERM arrives, then
// drains in-flight batches and releases resources.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	a.draining.Store(true)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.Close(shutdownCtx); err != nil {
		return err
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Close waits for webhook archives and background batches, then releases infrastructure clients.
func (a *App) Close(ctx context.Context) error {
	a.draining.Store(true)
	var waitErr error
	if a.apiServer != nil {
		if err := a.apiServer.Wait(ctx); err != nil {
			a.logger.Warn("webhook archives still pending at shutdown", zap.Error(err))
			waitErr = err
		}
	}
	if a.orchestrator != nil {
		if err := a.orchestrator.Wait(ctx); err != nil {
			a.logger.Warn("background batches still running at shutdown", zap.Error(err))
			waitErr = errors.Join(waitErr, err)
		}
	}
	a.closeInfrastructure(ctx)
	a.logger.Info("shutdown complete")
	return waitErr
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.pgSink != nil {
		a.pgSink.Close()
		a.pgSink = nil
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsStore = nil
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
}

func (a *App) ready(context.Context) error {
	if a.draining.Load() {
		return errDraining
	}
	return nil
}

func setupTracing(ctx context.Context, app *App) error {
	if !app.cfg.Tracing.Enabled {
		telemetry.InstallPropagator()
		return nil
	}
	tp, err := telemetry.InitTracerProvider(ctx, app.cfg.Tracing.ServiceName,
		sdktrace.WithBatcher(telemetry.NewLogExporter(app.logger.Named("trace"))),
	)
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.logger.Info("tracing enabled", zap.String("service", app.cfg.Tracing.ServiceName))
	return nil
}

func setupSink(ctx context.Context, app *App) (link.Sink, error) {
	cfg := app.cfg.Sink
	switch cfg.Backend {
	case config.SinkSheets:
		s, err := sheetsink.New(ctx, sheetsink.Config{
			SpreadsheetID:   cfg.Sheets.SpreadsheetID,
			CredentialsFile: cfg.Sheets.CredentialsFile,
		}, app.logger.Named("sheets"))
		if err != nil {
			return nil, fmt.Errorf("sheets sink init failed: %w", err)
		}
		app.logger.Info("using Google Sheets sink", zap.String("spreadsheet_id", cfg.Sheets.SpreadsheetID))
		return s, nil
	case config.SinkPostgres:
		s, err := pgsink.New(ctx, pgsink.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres sink init failed: %w", err)
		}
		app.pgSink = s
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("postgres schema init failed: %w", err)
		}
		app.logger.Info("using Postgres sink", zap.String("table", cfg.Postgres.Table))
		return s, nil
	default:
		app.logger.Warn("using in-memory sink, saved links will not survive a restart")
		return memorysink.New(), nil
	}
}

func setupNotifications(ctx context.Context, app *App, next link.Sink) (link.Sink, error) {
	if !app.cfg.NotificationsEnabled() {
		app.logger.Info("no Pub/Sub topic configured, link.saved notifications disabled")
		return next, nil
	}
	client, err := pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.publisher = pubsubpublisher.New(client)
	app.logger.Info("Pub/Sub notifications enabled",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return sink.NewNotifying(next, app.publisher, app.cfg.PubSub.TopicName, app.logger.Named("notify")), nil
}

func setupStorage(ctx context.Context, app *App) (link.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsStore = store
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.Bucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		app.logger.Info("using local storage backend", zap.String("path", cfg.Local.BaseDir))
		return store, nil
	default:
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	}
}
