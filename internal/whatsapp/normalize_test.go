package whatsapp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/flounder/internal/link"
)

const groupPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA-1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID"},
        "contacts": [
          {"profile": {"name": "Ana"}, "wa_id": "111"},
          {"profile": {"name": "Ben"}, "wa_id": "222"}
        ],
        "messages": [
          {"from": "111", "id": "m1", "timestamp": "1700000000", "type": "text",
           "text": {"body": "two links https://a.example/x and http://b.example/y?z=1"}},
          {"from": "222", "id": "m2", "timestamp": "1700000005", "type": "image",
           "image": {"caption": "https://ignored.example"}, "text": {"body": "https://also-ignored.example"}},
          {"from": "333", "id": "m3", "timestamp": "1700000009", "type": "text",
           "text": {"body": "from a stranger https://c.example"}},
          {"from": "222", "id": "m4", "timestamp": "1700000010", "type": "text",
           "text": {"body": "no links here"}}
        ]
      }
    }]
  }]
}`

func TestNormalizeGroupPayload(t *testing.T) {
	t.Parallel()

	events, err := Normalize([]byte(groupPayload))
	require.NoError(t, err)

	first := "two links https://a.example/x and http://b.example/y?z=1"
	require.Equal(t, []link.Event{
		{
			URL:          "https://a.example/x",
			SenderName:   "Ana",
			SenderID:     "111",
			GroupContext: "15550001111",
			RawText:      first,
			ReceivedAt:   "1700000000",
		},
		{
			URL:          "http://b.example/y?z=1",
			SenderName:   "Ana",
			SenderID:     "111",
			GroupContext: "15550001111",
			RawText:      first,
			ReceivedAt:   "1700000000",
		},
		{
			URL:          "https://c.example",
			SenderName:   link.UnknownSender,
			SenderID:     "333",
			GroupContext: "15550001111",
			RawText:      "from a stranger https://c.example",
			ReceivedAt:   "1700000009",
		},
	}, events)
}

func TestNormalizeSingleMessageExample(t *testing.T) {
	t.Parallel()

	body := `{"entry":[{"changes":[{"value":{"messages":[
		{"from":"999","type":"text","timestamp":"42","text":{"body":"check this out https://example.com neat"}}
	]}}]}]}`

	events, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "https://example.com", events[0].URL)
	require.Equal(t, "Unknown", events[0].SenderName)
	require.Equal(t, "check this out https://example.com neat", events[0].RawText)
	require.Empty(t, events[0].GroupContext, "no metadata means no group context")
}

func TestNormalizeContactsAreScopedPerValue(t *testing.T) {
	t.Parallel()

	body := `{"entry":[{"changes":[
		{"value":{"contacts":[{"wa_id":"111","profile":{"name":"Ana"}}],"messages":[]}},
		{"value":{"messages":[{"from":"111","type":"text","text":{"body":"https://x.example"}}]}}
	]}]}`

	events, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, link.UnknownSender, events[0].SenderName)
}

func TestNormalizeOrderAcrossEntries(t *testing.T) {
	t.Parallel()

	body := `{"entry":[
		{"changes":[{"value":{"messages":[{"type":"text","text":{"body":"https://1.example https://2.example"}}]}}]},
		{"changes":[
			{"value":{"messages":[{"type":"text","text":{"body":"https://3.example"}}]}},
			{"value":{"messages":[{"type":"text","text":{"body":"https://4.example"}},{"type":"text","text":{"body":"https://5.example"}}]}}
		]}
	]}`

	events, err := Normalize([]byte(body))
	require.NoError(t, err)
	var urls []string
	for _, evt := range events {
		urls = append(urls, evt.URL)
	}
	require.Equal(t, []string{
		"https://1.example",
		"https://2.example",
		"https://3.example",
		"https://4.example",
		"https://5.example",
	}, urls)
}

func TestNormalizeMalformedShapesDegrade(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want int
	}{
		{name: "empty object", body: `{}`, want: 0},
		{name: "top level array", body: `[1,2,3]`, want: 0},
		{name: "top level string", body: `"hello"`, want: 0},
		{name: "null", body: `null`, want: 0},
		{name: "entry not a list", body: `{"entry":{"changes":[]}}`, want: 0},
		{name: "changes missing", body: `{"entry":[{}]}`, want: 0},
		{name: "value missing", body: `{"entry":[{"changes":[{}]}]}`, want: 0},
		{name: "value not an object", body: `{"entry":[{"changes":[{"value":"nope"}]}]}`, want: 0},
		{name: "messages not a list", body: `{"entry":[{"changes":[{"value":{"messages":"x"}}]}]}`, want: 0},
		{name: "text not an object", body: `{"entry":[{"changes":[{"value":{"messages":[{"type":"text","text":"https://a.example"}]}}]}]}`, want: 0},
		{name: "body not a string", body: `{"entry":[{"changes":[{"value":{"messages":[{"type":"text","text":{"body":7}}]}}]}]}`, want: 0},
		{name: "type missing", body: `{"entry":[{"changes":[{"value":{"messages":[{"text":{"body":"https://a.example"}}]}}]}]}`, want: 0},
		{name: "contacts malformed", body: `{"entry":[{"changes":[{"value":{"contacts":[7,{"profile":"x"},{"wa_id":5}],"messages":[{"type":"text","text":{"body":"https://a.example"}}]}}]}]}`, want: 1},
		{name: "metadata malformed", body: `{"entry":[{"changes":[{"value":{"metadata":[],"messages":[{"type":"text","text":{"body":"https://a.example"}}]}}]}]}`, want: 1},
		{
			name: "bad sibling entry does not block good one",
			body: `{"entry":["junk",{"changes":"junk"},{"changes":[null,{"value":{"messages":[null,{"type":"text","text":{"body":"https://ok.example"}}]}}]}]}`,
			want: 1,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			events, err := Normalize([]byte(tt.body))
			require.NoError(t, err)
			require.NotNil(t, events)
			require.Len(t, events, tt.want)
		})
	}
}

func TestNormalizeInvalidJSON(t *testing.T) {
	t.Parallel()

	events, err := Normalize([]byte(`{"entry": [`))
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidPayload))
	require.Empty(t, events)
}

func TestNormalizeKeepsNumericTimestampVerbatim(t *testing.T) {
	t.Parallel()

	body := `{"entry":[{"changes":[{"value":{"messages":[{"type":"text","timestamp":1700000000123,"text":{"body":"https://a.example"}}]}}]}]}`
	events, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "1700000000123", events[0].ReceivedAt)
}

func TestNormalizeContactWithoutNameFallsBack(t *testing.T) {
	t.Parallel()

	body := `{"entry":[{"changes":[{"value":{"contacts":[{"wa_id":"111"}],"messages":[{"from":"111","type":"text","text":{"body":"https://a.example"}}]}}]}]}`
	events, err := Normalize([]byte(body))
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, link.UnknownSender, events[0].SenderName)
}

func TestNormalizeIsPure(t *testing.T) {
	t.Parallel()

	first, err := Normalize([]byte(groupPayload))
	require.NoError(t, err)
	second, err := Normalize([]byte(groupPayload))
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestNormalizeValueAcceptsDecodedFloats(t *testing.T) {
	t.Parallel()

	payload := map[string]any{
		"entry": []any{map[string]any{
			"changes": []any{map[string]any{
				"value": map[string]any{
					"messages": []any{map[string]any{
						"type":      "text",
						"timestamp": float64(1700000000),
						"text":      map[string]any{"body": "see https://a.example"},
					}},
				},
			}},
		}},
	}
	events := NormalizeValue(payload)
	require.Len(t, events, 1)
	require.Equal(t, "1700000000", events[0].ReceivedAt)
}

func TestExtractURLs(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "none", text: "nothing to see", want: nil},
		{name: "stops at whitespace", text: "a https://x.example/p b", want: []string{"https://x.example/p"}},
		{name: "stops at quotes", text: `"https://x.example/q" and 'http://y.example'`, want: []string{"https://x.example/q", "http://y.example"}},
		{name: "stops at angle brackets", text: "<https://x.example>", want: []string{"https://x.example"}},
		{name: "ignores other schemes", text: "ftp://x.example mailto:a@b", want: nil},
		{name: "keeps trailing punctuation", text: "see https://x.example.", want: []string{"https://x.example."}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tt.want, ExtractURLs(tt.text))
		})
	}
}

func FuzzNormalize(f *testing.F) {
	f.Add([]byte(groupPayload))
	f.Add([]byte(`{"entry":[{"changes":[{"value":{"messages":[{"type":"text","text":{"body":"https://a"}}]}}]}]}`))
	f.Add([]byte(`[]`))
	f.Fuzz(func(t *testing.T, body []byte) {
		events, err := Normalize(body)
		if err != nil {
			return
		}
		for _, evt := range events {
			if evt.URL == "" {
				t.Fatalf("event with empty URL from %q", body)
			}
		}
	})
}
