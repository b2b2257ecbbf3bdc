// Package pipeline fans link events out through extract, classify and persist.
//
// Each event runs in its own goroutine with an isolated failure domain: an
// error or panic in one event is recorded against that event only and never
// cancels its siblings. Process is a barrier that returns once every event has
// reached a terminal outcome. Dispatch runs the same barrier in the background
// for callers that must answer before the work is done.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/metrics"
	"github.com/JakeFAU/flounder/internal/telemetry"
)

// ErrNilBatch is returned by Process when handed a nil batch.
var ErrNilBatch = errors.New("nil batch")

// Stage names a step in the per-event pipeline.
type Stage string

// Pipeline stages, in execution order.
const (
	StageValidate Stage = "validate"
	StageExtract  Stage = "extract"
	StageClassify Stage = "classify"
	StagePersist  Stage = "persist"
)

// StageError reports which stage failed for which URL.
type StageError struct {
	Stage Stage
	URL   string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Stage, e.URL, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Config controls Orchestrator behavior.
type Config struct {
	// MaxInFlight caps concurrently running events per batch. Zero means no cap.
	MaxInFlight int
}

// Orchestrator runs link events through the collaborators it was built with.
// It holds no per-event state and is safe for concurrent use.
type Orchestrator struct {
	extractor  link.Extractor
	classifier link.Classifier
	sink       link.Sink
	clock      link.Clock
	idGen      link.IDGenerator
	buckets    link.Buckets
	cfg        Config
	logger     *zap.Logger

	background sync.WaitGroup
}

// New constructs an Orchestrator.
func New(
	extractor link.Extractor,
	classifier link.Classifier,
	sink link.Sink,
	clock link.Clock,
	idGen link.IDGenerator,
	buckets link.Buckets,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		extractor:  extractor,
		classifier: classifier,
		sink:       sink,
		clock:      clock,
		idGen:      idGen,
		buckets:    buckets.Clone(),
		cfg:        cfg,
		logger:     logger,
	}
}

// Buckets returns the configured category list.
func (o *Orchestrator) Buckets() link.Buckets {
	return o.buckets.Clone()
}

// Process runs every event in batch concurrently and waits for all of them.
// Per-event failures are logged and recorded in the report; the only error
// Process returns is ErrNilBatch.
func (o *Orchestrator) Process(ctx context.Context, batch []link.Event) (link.Report, error) {
	if batch == nil {
		return link.Report{}, ErrNilBatch
	}
	report := link.Report{
		BatchID:  o.newBatchID(),
		Outcomes: make([]link.Outcome, len(batch)),
	}
	logger := o.logger.With(zap.String("batch_id", report.BatchID))
	logger.Debug("batch started", zap.Int("events", len(batch)))

	ctx, span := telemetry.StartSpan(ctx, "pipeline.batch",
		attribute.String("batch_id", report.BatchID),
		attribute.Int("events", len(batch)),
	)
	defer span.End()

	var g errgroup.Group
	if o.cfg.MaxInFlight > 0 {
		g.SetLimit(o.cfg.MaxInFlight)
	}
	for i, evt := range batch {
		g.Go(func() error {
			cls, err := o.run(ctx, evt, logger)
			report.Outcomes[i] = link.Outcome{Event: evt, Classification: cls, Err: err}
			return nil
		})
	}
	// Units never return errors; failures live in the outcomes.
	_ = g.Wait()

	for _, out := range report.Outcomes {
		if out.OK() {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	metrics.ObserveBatch(len(batch))
	span.SetAttributes(attribute.Int("failed", report.Failed))
	logger.Info("batch finished",
		zap.Int("events", len(batch)),
		zap.Int("succeeded", report.Succeeded),
		zap.Int("failed", report.Failed),
	)
	return report, nil
}

// ProcessOne runs a single event and returns its classification, or the
// stage error that stopped it.
func (o *Orchestrator) ProcessOne(ctx context.Context, evt link.Event) (link.Classification, error) {
	cls, err := o.run(ctx, evt, o.logger)
	if err != nil {
		return link.Classification{}, err
	}
	return cls, nil
}

// Dispatch processes batch on a background goroutine and returns at once.
// The work outlives ctx's cancellation but keeps its values; the result is
// visible only through logs and metrics.
func (o *Orchestrator) Dispatch(ctx context.Context, batch []link.Event) {
	ctx = context.WithoutCancel(ctx)
	o.background.Add(1)
	metrics.IncBackgroundBatches()
	go func() {
		defer o.background.Done()
		defer metrics.DecBackgroundBatches()
		if _, err := o.Process(ctx, batch); err != nil {
			o.logger.Error("background batch rejected", zap.Error(err))
		}
	}()
}

// Wait blocks until every dispatched batch has finished or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for background batches: %w", ctx.Err())
	}
}

// run executes one event and logs its outcome.
func (o *Orchestrator) run(ctx context.Context, evt link.Event, logger *zap.Logger) (link.Classification, error) {
	ctx, span := telemetry.StartSpan(ctx, "pipeline.event", attribute.String("url", evt.URL))
	start := time.Now()
	cls, err := o.handle(ctx, evt)
	elapsed := time.Since(start)
	telemetry.EndSpan(span, err)

	if err != nil {
		fields := []zap.Field{
			zap.String("url", evt.URL),
			zap.String("sender", evt.SenderName),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		}
		var stageErr *StageError
		if errors.As(err, &stageErr) {
			fields = append(fields, zap.String("stage", string(stageErr.Stage)))
		}
		logger.Error("link processing failed", fields...)
		metrics.ObserveLink(metrics.StatusFailed, "", elapsed)
		return cls, err
	}

	logger.Info("link saved",
		zap.String("url", evt.URL),
		zap.String("bucket", cls.Bucket),
		zap.String("sender", evt.SenderName),
		zap.String("group", evt.GroupContext),
		zap.Duration("duration", elapsed),
	)
	metrics.ObserveLink(metrics.StatusSucceeded, cls.Bucket, elapsed)
	return cls, nil
}

// handle is the per-event pipeline. A panic in any collaborator is converted
// into a StageError for the stage that was running.
func (o *Orchestrator) handle(ctx context.Context, evt link.Event) (cls link.Classification, err error) {
	stage := StageValidate
	defer func() {
		if rec := recover(); rec != nil {
			cls = link.Classification{}
			err = &StageError{Stage: stage, URL: evt.URL, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()

	if strings.TrimSpace(evt.URL) == "" {
		return cls, &StageError{Stage: stage, URL: evt.URL, Err: link.ErrEmptyURL}
	}

	stage = StageExtract
	content := o.extractor.Extract(ctx, evt.URL)
	if evt.RawText != "" {
		content.Note = evt.RawText
	}

	stage = StageClassify
	cls = o.classifier.Classify(ctx, content)
	cls.Bucket = o.buckets.Coerce(cls.Bucket)

	stage = StagePersist
	row := link.Row{
		Timestamp:    o.clock.Now().UTC(),
		Bucket:       cls.Bucket,
		URL:          evt.URL,
		Title:        content.Title,
		Summary:      cls.Summary,
		Action:       cls.Action,
		SenderName:   evt.SenderName,
		GroupContext: evt.GroupContext,
	}
	if err := o.sink.Append(ctx, row); err != nil {
		return link.Classification{}, &StageError{Stage: stage, URL: evt.URL, Err: err}
	}
	return cls, nil
}

func (o *Orchestrator) newBatchID() string {
	if o.idGen == nil {
		return ""
	}
	id, err := o.idGen.NewID()
	if err != nil {
		o.logger.Warn("batch id generation failed", zap.Error(err))
		return ""
	}
	return id
}
