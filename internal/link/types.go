// Package link defines the types shared by the ingestion pipeline and its collaborators.
package link

import (
	"errors"
	"time"
)

// Sender names used when the real name cannot be resolved.
const (
	UnknownSender   = "Unknown"
	AnonymousSender = "anonymous"
)

// ErrEmptyURL is returned when a caller submits a link without a URL.
var ErrEmptyURL = errors.New("no URL provided")

// Event is one URL found in one inbound message. Events are values: they carry
// no identity beyond their fields and are never mutated after creation.
type Event struct {
	URL        string `json:"url"`
	SenderName string `json:"sender_name"`
	SenderID   string `json:"sender_id,omitempty"`
	// GroupContext is a best-effort label for the originating conversation.
	// Empty means absent.
	GroupContext string `json:"group_context,omitempty"`
	RawText      string `json:"raw_text,omitempty"`
	// ReceivedAt is the provider timestamp, passed through unparsed.
	ReceivedAt string `json:"received_at,omitempty"`
}

// Content is the page data an Extractor returns for a URL.
type Content struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Body        string `json:"body"`
	Note        string `json:"note,omitempty"`
}

// Classification is the Classifier's verdict for a piece of content.
type Classification struct {
	Bucket  string `json:"bucket"`
	Summary string `json:"summary"`
	Action  string `json:"action"`
}

// Header is the column order used by tabular sinks.
var Header = []string{
	"Timestamp",
	"Bucket",
	"URL",
	"Title",
	"Summary",
	"Action",
	"Shared By",
	"Group",
}

// Row is a classified link ready for persistence.
type Row struct {
	Timestamp    time.Time `json:"timestamp"`
	Bucket       string    `json:"bucket"`
	URL          string    `json:"url"`
	Title        string    `json:"title"`
	Summary      string    `json:"summary"`
	Action       string    `json:"action"`
	SenderName   string    `json:"sender_name"`
	GroupContext string    `json:"group_context"`
}

// Values renders the row in Header order.
func (r Row) Values() []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Bucket,
		r.URL,
		r.Title,
		r.Summary,
		r.Action,
		r.SenderName,
		r.GroupContext,
	}
}

// Outcome is the terminal result of one event's pipeline run.
type Outcome struct {
	Event          Event          `json:"event"`
	Classification Classification `json:"classification"`
	Err            error          `json:"-"`
}

// OK reports whether the event was persisted.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Report summarizes a processed batch. Outcomes are in batch order.
type Report struct {
	BatchID   string    `json:"batch_id"`
	Outcomes  []Outcome `json:"outcomes"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
}
