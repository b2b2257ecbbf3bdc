package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
)

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.FixedZone("CET", 3600))

type fakeClock struct{}

func (fakeClock) Now() time.Time { return fixedNow }

type fakeIDs struct{ n atomic.Int64 }

func (f *fakeIDs) NewID() (string, error) {
	return fmt.Sprintf("batch-%d", f.n.Add(1)), nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	calls []string
	delay time.Duration
	panic string
}

func (f *fakeExtractor) Extract(ctx context.Context, url string) link.Content {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if url == f.panic {
		panic("extractor exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
		}
	}
	return link.Content{URL: url, Title: "Title of " + url, Body: "body"}
}

type fakeClassifier struct {
	mu     sync.Mutex
	seen   []link.Content
	bucket string
}

func (f *fakeClassifier) Classify(_ context.Context, content link.Content) link.Classification {
	f.mu.Lock()
	f.seen = append(f.seen, content)
	f.mu.Unlock()
	bucket := f.bucket
	if bucket == "" {
		bucket = "Tech"
	}
	return link.Classification{Bucket: bucket, Summary: "summary of " + content.URL, Action: "Read"}
}

func (f *fakeClassifier) contents() []link.Content {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]link.Content(nil), f.seen...)
}

type fakeSink struct {
	mu     sync.Mutex
	rows   []link.Row
	failOn map[string]error
}

func (f *fakeSink) Append(_ context.Context, row link.Row) error {
	if err, ok := f.failOn[row.URL]; ok {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
	return nil
}

func (f *fakeSink) snapshot() []link.Row {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]link.Row(nil), f.rows...)
}

var testBuckets = link.Buckets{"Tech", "Finance", "Other"}

func newTestOrchestrator(ex link.Extractor, cl link.Classifier, sink link.Sink, cfg Config) *Orchestrator {
	return New(ex, cl, sink, fakeClock{}, &fakeIDs{}, testBuckets, cfg, zap.NewNop())
}

func events(urls ...string) []link.Event {
	out := make([]link.Event, 0, len(urls))
	for _, u := range urls {
		out = append(out, link.Event{URL: u, SenderName: "Ana", GroupContext: "+1 555"})
	}
	return out
}

func TestProcessNilBatch(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{}, &fakeSink{}, Config{})
	_, err := orch.Process(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilBatch)
}

func TestProcessEmptyBatch(t *testing.T) {
	t.Parallel()

	orch := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{}, &fakeSink{}, Config{})
	report, err := orch.Process(context.Background(), []link.Event{})
	require.NoError(t, err)
	require.Empty(t, report.Outcomes)
	require.Equal(t, "batch-1", report.BatchID)
}

func TestProcessPersistsEveryEvent(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	orch := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{}, sink, Config{})

	report, err := orch.Process(context.Background(), events("https://a", "https://b"))
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Zero(t, report.Failed)

	rows := sink.snapshot()
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, "Tech", row.Bucket)
		require.Equal(t, "Ana", row.SenderName)
		require.Equal(t, "+1 555", row.GroupContext)
		require.Equal(t, "Title of "+row.URL, row.Title)
		require.Equal(t, time.UTC, row.Timestamp.Location())
		require.True(t, row.Timestamp.Equal(fixedNow))
	}
}

func TestProcessIsolatesFailures(t *testing.T) {
	t.Parallel()

	boom := errors.New("sheet unavailable")
	sink := &fakeSink{failOn: map[string]error{"https://b": boom}}
	orch := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{}, sink, Config{})

	report, err := orch.Process(context.Background(), events("https://a", "https://b", "https://c"))
	require.NoError(t, err)
	require.Equal(t, 2, report.Succeeded)
	require.Equal(t, 1, report.Failed)

	require.True(t, report.Outcomes[0].OK())
	require.False(t, report.Outcomes[1].OK())
	require.True(t, report.Outcomes[2].OK())

	var stageErr *StageError
	require.ErrorAs(t, report.Outcomes[1].Err, &stageErr)
	require.Equal(t, StagePersist, stageErr.Stage)
	require.Equal(t, "https://b", stageErr.URL)
	require.ErrorIs(t, report.Outcomes[1].Err, boom)

	urls := make([]string, 0, 2)
	for _, row := range sink.snapshot() {
		urls = append(urls, row.URL)
	}
	require.ElementsMatch(t, []string{"https://a", "https://c"}, urls)
}

func TestProcessRunsEventsConcurrently(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{delay: 200 * time.Millisecond}
	orch := newTestOrchestrator(ex, &fakeClassifier{}, &fakeSink{}, Config{})

	start := time.Now()
	report, err := orch.Process(context.Background(), events("https://a", "https://b", "https://c", "https://d"))
	require.NoError(t, err)
	require.Equal(t, 4, report.Succeeded)
	require.Less(t, time.Since(start), 600*time.Millisecond)
}

func TestProcessHonorsMaxInFlight(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	ex := extractorFunc(func(_ context.Context, url string) link.Content {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return link.Content{URL: url}
	})
	orch := newTestOrchestrator(ex, &fakeClassifier{}, &fakeSink{}, Config{MaxInFlight: 2})

	report, err := orch.Process(context.Background(), events("1", "2", "3", "4", "5", "6"))
	require.NoError(t, err)
	require.Equal(t, 6, report.Succeeded)
	require.LessOrEqual(t, peak.Load(), int32(2))
}

func TestProcessCoercesUnknownBucket(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	orch := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{bucket: "Gardening"}, sink, Config{})

	report, err := orch.Process(context.Background(), events("https://a"))
	require.NoError(t, err)
	require.Equal(t, "Other", report.Outcomes[0].Classification.Bucket)
	require.Equal(t, "Other", sink.snapshot()[0].Bucket)
}

func TestProcessAttachesMessageTextAsNote(t *testing.T) {
	t.Parallel()

	cl := &fakeClassifier{}
	orch := newTestOrchestrator(&fakeExtractor{}, cl, &fakeSink{}, Config{})

	batch := []link.Event{{URL: "https://a", SenderName: "Ana", RawText: "read this https://a"}}
	_, err := orch.Process(context.Background(), batch)
	require.NoError(t, err)

	seen := cl.contents()
	require.Len(t, seen, 1)
	require.Equal(t, "read this https://a", seen[0].Note)
}

func TestProcessRecoversPanics(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	orch := newTestOrchestrator(&fakeExtractor{panic: "https://bad"}, &fakeClassifier{}, sink, Config{})

	report, err := orch.Process(context.Background(), events("https://ok", "https://bad"))
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, report.Failed)

	var stageErr *StageError
	require.ErrorAs(t, report.Outcomes[1].Err, &stageErr)
	require.Equal(t, StageExtract, stageErr.Stage)
	require.Len(t, sink.snapshot(), 1)
}

func TestProcessRejectsBlankURL(t *testing.T) {
	t.Parallel()

	ex := &fakeExtractor{}
	orch := newTestOrchestrator(ex, &fakeClassifier{}, &fakeSink{}, Config{})

	report, err := orch.Process(context.Background(), []link.Event{{URL: "  "}})
	require.NoError(t, err)
	require.ErrorIs(t, report.Outcomes[0].Err, link.ErrEmptyURL)
	require.Empty(t, ex.calls)
}

func TestProcessOne(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	orch := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{}, sink, Config{})

	cls, err := orch.ProcessOne(context.Background(), link.Event{URL: "https://a", SenderName: link.AnonymousSender})
	require.NoError(t, err)
	require.Equal(t, link.Classification{Bucket: "Tech", Summary: "summary of https://a", Action: "Read"}, cls)
	require.Equal(t, link.AnonymousSender, sink.snapshot()[0].SenderName)

	failing := newTestOrchestrator(&fakeExtractor{}, &fakeClassifier{}, &fakeSink{failOn: map[string]error{"https://a": errors.New("nope")}}, Config{})
	cls, err = failing.ProcessOne(context.Background(), link.Event{URL: "https://a"})
	require.Error(t, err)
	require.Equal(t, link.Classification{}, cls)
}

func TestDispatchOutlivesCallerContext(t *testing.T) {
	t.Parallel()

	sink := &fakeSink{}
	ex := &fakeExtractor{delay: 50 * time.Millisecond}
	orch := newTestOrchestrator(ex, &fakeClassifier{}, sink, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	orch.Dispatch(ctx, events("https://a", "https://b"))
	cancel()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, orch.Wait(waitCtx))
	require.Len(t, sink.snapshot(), 2)
}

func TestWaitHonorsContext(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	ex := extractorFunc(func(_ context.Context, url string) link.Content {
		<-release
		return link.Content{URL: url}
	})
	orch := newTestOrchestrator(ex, &fakeClassifier{}, &fakeSink{}, Config{})
	orch.Dispatch(context.Background(), events("https://a"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, orch.Wait(ctx), context.DeadlineExceeded)

	close(release)
	require.NoError(t, orch.Wait(context.Background()))
}

func TestStageErrorMessage(t *testing.T) {
	t.Parallel()

	err := &StageError{Stage: StagePersist, URL: "https://a", Err: errors.New("quota")}
	require.Equal(t, "persist https://a: quota", err.Error())
}

type extractorFunc func(ctx context.Context, url string) link.Content

func (f extractorFunc) Extract(ctx context.Context, url string) link.Content {
	return f(ctx, url)
}
