package whatsapp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/JakeFAU/flounder/internal/link"
)

const messageTypeText = "text"

// ErrInvalidPayload is returned when the webhook body is not JSON at all.
var ErrInvalidPayload = errors.New("invalid webhook payload")

var urlPattern = regexp.MustCompile(`https?://[^\s<>"']+`)

// ExtractURLs returns every http(s) URL in text, in order of appearance.
func ExtractURLs(text string) []string {
	return urlPattern.FindAllString(text, -1)
}

// Normalize decodes a raw webhook body and returns its link events. Only a
// body that is not valid JSON produces an error; a valid document of any
// other shape yields zero or more events.
func Normalize(body []byte) ([]link.Event, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return NormalizeValue(payload), nil
}

// NormalizeValue walks an already-decoded payload. Events come out in
// entry, change, message, URL order.
func NormalizeValue(payload any) []link.Event {
	events := make([]link.Event, 0)
	for _, entry := range asList(asObject(payload)["entry"]) {
		for _, change := range asList(asObject(entry)["changes"]) {
			events = appendValueEvents(events, asObject(asObject(change)["value"]))
		}
	}
	return events
}

// appendValueEvents handles one change value. Contact names resolve only
// within the value that introduced them.
func appendValueEvents(events []link.Event, value map[string]any) []link.Event {
	names := contactNames(asList(value["contacts"]))
	group := asString(asObject(value["metadata"])["display_phone_number"])

	for _, item := range asList(value["messages"]) {
		msg := asObject(item)
		if asString(msg["type"]) != messageTypeText {
			continue
		}
		body := asString(asObject(msg["text"])["body"])
		urls := ExtractURLs(body)
		if len(urls) == 0 {
			continue
		}

		senderID := asString(msg["from"])
		senderName, ok := names[senderID]
		if !ok {
			senderName = link.UnknownSender
		}
		receivedAt := asString(msg["timestamp"])

		for _, u := range urls {
			events = append(events, link.Event{
				URL:          u,
				SenderName:   senderName,
				SenderID:     senderID,
				GroupContext: group,
				RawText:      body,
				ReceivedAt:   receivedAt,
			})
		}
	}
	return events
}

func contactNames(contacts []any) map[string]string {
	names := make(map[string]string, len(contacts))
	for _, item := range contacts {
		contact := asObject(item)
		waID := asString(contact["wa_id"])
		if waID == "" {
			continue
		}
		name := asString(asObject(contact["profile"])["name"])
		if name == "" {
			name = link.UnknownSender
		}
		names[waID] = name
	}
	return names
}

func asObject(v any) map[string]any {
	obj, _ := v.(map[string]any)
	return obj
}

func asList(v any) []any {
	list, _ := v.([]any)
	return list
}

// asString keeps scalars textual so provider values pass through unmodified.
func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return ""
	}
}
