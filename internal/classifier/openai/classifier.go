// Package openaiclassifier implements link.Classifier against any
// OpenAI-compatible chat completion endpoint.
package openaiclassifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/JakeFAU/flounder/internal/link"
	"github.com/JakeFAU/flounder/internal/metrics"
)

// Defaults applied when Config leaves a field zero.
const (
	DefaultBaseURL   = "https://api.anthropic.com/v1/"
	DefaultModel     = "claude-sonnet-4-20250514"
	DefaultMaxTokens = 256
	DefaultTimeout   = 30 * time.Second

	// FallbackAction is suggested whenever the model could not be used.
	FallbackAction = "Review manually"

	promptBodyChars = 6000
)

// Fallback reasons reported to metrics.
const (
	reasonRequest = "request"
	reasonEmpty   = "empty"
	reasonParse   = "parse"
)

var errNoChoices = errors.New("no response choices")

// Config controls the classifier client.
type Config struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Classifier asks a chat model to bucket, summarize and suggest an action.
type Classifier struct {
	client  chatCompleter
	cfg     Config
	buckets link.Buckets
	logger  *zap.Logger
}

// New builds a Classifier for the given bucket list.
func New(cfg Config, buckets link.Buckets, logger *zap.Logger) *Classifier {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return &Classifier{
		client:  openai.NewClientWithConfig(clientCfg),
		cfg:     cfg,
		buckets: buckets.Clone(),
		logger:  logger,
	}
}

// Classify returns the model's verdict, or a fallback classification when the
// model cannot be reached or answers with something unusable.
func (c *Classifier) Classify(ctx context.Context, content link.Content) link.Classification {
	raw, err := c.complete(ctx, BuildPrompt(content, c.buckets))
	if err != nil {
		reason := reasonRequest
		if errors.Is(err, errNoChoices) {
			reason = reasonEmpty
		}
		return c.fallback(content, reason, err)
	}

	cls, err := ParseResponse(raw)
	if err != nil {
		return c.fallback(content, reasonParse, err)
	}
	cls.Bucket = c.buckets.Coerce(cls.Bucket)
	return cls
}

func (c *Classifier) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		MaxTokens: c.cfg.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errNoChoices
	}
	return resp.Choices[0].Message.Content, nil
}

func (c *Classifier) fallback(content link.Content, reason string, err error) link.Classification {
	metrics.ObserveClassifierFallback(reason)
	c.logger.Error("classification failed",
		zap.String("url", content.URL),
		zap.String("reason", reason),
		zap.Error(err),
	)
	return Fallback(content, c.buckets)
}

// Fallback is the classification used when the model is unavailable.
func Fallback(content link.Content, buckets link.Buckets) link.Classification {
	summary := content.Title
	if summary == "" {
		summary = content.URL
	}
	return link.Classification{
		Bucket:  buckets.Fallback(),
		Summary: summary,
		Action:  FallbackAction,
	}
}

// BuildPrompt renders the classification instructions for content.
func BuildPrompt(content link.Content, buckets link.Buckets) string {
	note := content.Note
	if note == "" {
		note = "(none)"
	}
	body := content.Body
	if runes := []rune(body); len(runes) > promptBodyChars {
		body = string(runes[:promptBodyChars])
	}

	var b strings.Builder
	b.WriteString("You are a link classifier. Given the content of a web page, you must:\n")
	fmt.Fprintf(&b, "1. Assign it to exactly ONE of these buckets: [%s]\n", strings.Join(buckets, ", "))
	b.WriteString("2. Write a one-line summary of the page.\n")
	b.WriteString(`3. Suggest a concrete action the user should take (e.g. "Read later", "Buy before sale ends", "Share with team", "Schedule meeting", "Save recipe").` + "\n\n")
	b.WriteString("Respond ONLY with valid JSON. No markdown, no explanation:\n")
	b.WriteString(`{"bucket": "<bucket>", "summary": "<summary>", "action": "<action>"}` + "\n\n")
	b.WriteString("--- PAGE CONTENT ---\n")
	fmt.Fprintf(&b, "Title: %s\n", content.Title)
	fmt.Fprintf(&b, "Description: %s\n", content.Description)
	fmt.Fprintf(&b, "URL: %s\n", content.URL)
	fmt.Fprintf(&b, "User note: %s\n", note)
	b.WriteString("Body (truncated):\n")
	b.WriteString(body)
	b.WriteString("\n")
	return b.String()
}

// ParseResponse decodes the model's JSON answer, tolerating a surrounding
// markdown code fence.
func ParseResponse(raw string) (link.Classification, error) {
	text := stripCodeFence(strings.TrimSpace(raw))
	var cls link.Classification
	if err := json.Unmarshal([]byte(text), &cls); err != nil {
		return link.Classification{}, fmt.Errorf("decode classification: %w", err)
	}
	return cls, nil
}

func stripCodeFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	// Drop an info string such as "json".
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[i+1:]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	return strings.TrimSpace(text)
}
