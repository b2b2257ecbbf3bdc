// Package collyextractor implements link.Extractor using gocolly and goquery.
package collyextractor

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultUserAgent    = "Mozilla/5.0 (compatible; FlounderBot/1.0)"
	DefaultTimeout      = 15 * time.Second
	DefaultMaxBodyChars = 12000
)

// noiseSelector lists elements whose text never describes the page.
const noiseSelector = "script, style, nav, footer, header, noscript"

// HostLimiter paces fetches to the same host.
type HostLimiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyChars int
	// Limiter is optional.
	Limiter HostLimiter
}

// Extractor implements link.Extractor using the Colly collector.
type Extractor struct {
	cfg           Config
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds an Extractor.
func New(cfg Config, logger *zap.Logger) *Extractor {
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyChars <= 0 {
		cfg.MaxBodyChars = DefaultMaxBodyChars
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// The same link may be shared many times; every share is fetched again.
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	c.UserAgent = cfg.UserAgent
	c.SetRequestTimeout(cfg.Timeout)

	return &Extractor{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger,
	}
}

// Extract fetches url and returns its title, description and visible text.
// Failures are reported in the body rather than as an error.
func (e *Extractor) Extract(ctx context.Context, url string) link.Content {
	var (
		content  = link.Content{URL: url}
		fetchErr error
	)
	if e.cfg.Limiter != nil {
		if err := e.cfg.Limiter.Wait(ctx, url); err != nil {
			metrics.ObserveExtractorFailure()
			e.logger.Warn("extract throttled", zap.String("url", url), zap.Error(err))
			return Placeholder(url, err)
		}
	}

	collector := e.baseCollector.Clone()
	e.configureCollectorHooks(collector, &content, &fetchErr)

	if err := e.runCollector(ctx, collector, url, &fetchErr); err != nil {
		metrics.ObserveExtractorFailure()
		e.logger.Warn("extract failed", zap.String("url", url), zap.Error(err))
		return Placeholder(url, err)
	}
	return content
}

// Placeholder is the content returned for a URL that could not be fetched.
func Placeholder(url string, err error) link.Content {
	return link.Content{
		URL:  url,
		Body: fmt.Sprintf("[Could not fetch: %v]", err),
	}
}

func (e *Extractor) configureCollectorHooks(hooks collectorHooks, content *link.Content, fetchErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		parsed, err := Parse(r.Body, e.cfg.MaxBodyChars)
		if err != nil {
			*fetchErr = err
			return
		}
		parsed.URL = content.URL
		*content = parsed
	})

	hooks.OnError(func(_ *colly.Response, err error) {
		*fetchErr = err
	})
}

func (e *Extractor) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if *fetchErr != nil {
			return *fetchErr
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		return nil
	}
}

// Parse extracts page metadata and collapsed body text from an HTML document.
// The body is capped at maxChars characters; zero or less means no cap.
func Parse(body []byte, maxChars int) (link.Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return link.Content{}, fmt.Errorf("parse html: %w", err)
	}

	content := link.Content{
		Title:       strings.TrimSpace(doc.Find("title").First().Text()),
		Description: metaContent(doc, `meta[name="description"]`),
	}
	if content.Description == "" {
		content.Description = metaContent(doc, `meta[property="og:description"]`)
	}

	doc.Find(noiseSelector).Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}
	content.Body = truncate(collapseLines(root.Text()), maxChars)
	return content, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	value, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(value)
}

// collapseLines trims every line, squeezes inner runs of whitespace and drops
// blank lines.
func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func truncate(text string, maxChars int) string {
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return text
	}
	runes := []rune(text)
	return string(runes[:maxChars])
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
