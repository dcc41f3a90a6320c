package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alias8818/CouncilRouter-sub001/internal/council"
)

type sseEvent struct {
	name string
	data string
}

// parseSSE splits a finished stream body into its events. Payloads stay
// JSON-encoded, the way they travel on the wire.
func parseSSE(t *testing.T, body []byte) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	for _, line := range strings.Split(string(body), "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if cur.name != "" {
				events = append(events, cur)
				cur = sseEvent{}
			}
		}
	}
	return events
}

func eventNames(events []sseEvent) []string {
	names := make([]string, len(events))
	for i, e := range events {
		names[i] = e.name
	}
	return names
}

func findEvent(events []sseEvent, name string) (sseEvent, bool) {
	for _, e := range events {
		if e.name == name {
			return e, true
		}
	}
	return sseEvent{}, false
}

func seedCompleted(t *testing.T, f *serverFixture, id, content string) {
	t.Helper()
	ctx := context.Background()
	record := &council.StoredRequest{
		ID:        id,
		Status:    council.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.reg.SaveRequest(ctx, record))
	require.NoError(t, f.reg.MarkCompleted(ctx, record, &council.ConsensusDecision{
		Content:               content,
		Confidence:            council.ConfidenceHigh,
		AgreementLevel:        1,
		SynthesisStrategy:     "consensus-extraction",
		ContributingMemberIDs: []string{"analyst"},
		Timestamp:             time.Now().UTC(),
	}))
}

func TestServer_StreamReplaysCompletedRequest(t *testing.T) {
	f := newTestServer(t, nil)
	seedCompleted(t, f, "replay-1", "the settled answer")

	resp, body := f.do(t, http.MethodGet, "/api/v1/requests/replay-1/stream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := parseSSE(t, body)
	require.Len(t, events, 2, "events: %v", eventNames(events))
	assert.Equal(t, "message", events[0].name)

	var content string
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &content))
	assert.Equal(t, "the settled answer", content)
	assert.Equal(t, "done", events[1].name)
}

func TestServer_StreamReplaysFailedRequest(t *testing.T) {
	f := newTestServer(t, nil)
	ctx := context.Background()

	record := &council.StoredRequest{
		ID:        "replay-2",
		Status:    council.StatusProcessing,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.reg.SaveRequest(ctx, record))
	require.NoError(t, f.reg.MarkFailed(ctx, record, CodeProcessingError, "no council members responded"))

	resp, body := f.do(t, http.MethodGet, "/api/v1/requests/replay-2/stream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := parseSSE(t, body)
	require.Len(t, events, 1, "events: %v", eventNames(events))
	assert.Equal(t, "error", events[0].name)

	var reason string
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &reason))
	assert.Equal(t, "no council members responded", reason)
}

func TestServer_StreamUnknownRequest(t *testing.T) {
	f := newTestServer(t, nil)

	resp, body := f.do(t, http.MethodGet, "/api/v1/requests/ghost/stream", "", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, CodeRequestNotFound, errorCode(t, body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestServer_StreamRequiresAuth(t *testing.T) {
	f := newTestServer(t, nil)
	seedCompleted(t, f, "replay-3", "answer")

	resp, body := f.do(t, http.MethodGet, "/api/v1/requests/replay-3/stream", "",
		map[string]string{"Authorization": ""})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, CodeAuthenticationRequired, errorCode(t, body))
}

func TestServer_SubmitStreamDeliversLifecycle(t *testing.T) {
	f := newTestServer(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/requests/stream",
		`{"query":"stream the council"}`, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := parseSSE(t, body)
	require.NotEmpty(t, events)

	require.Equal(t, "init", events[0].name, "events: %v", eventNames(events))
	var init map[string]string
	require.NoError(t, json.Unmarshal([]byte(events[0].data), &init))
	id := init["requestId"]
	require.NotEmpty(t, id)

	last := events[len(events)-1]
	assert.Equal(t, "done", last.name, "events: %v", eventNames(events))
	_, hasMessage := findEvent(events, "message")
	assert.True(t, hasMessage, "events: %v", eventNames(events))

	// The streamed request is also pollable afterwards.
	final := f.awaitStatus(t, id, council.StatusCompleted)
	assert.NotNil(t, final["consensusDecision"])
}

func TestServer_SubmitStreamValidatesBeforeStreaming(t *testing.T) {
	f := newTestServer(t, nil)

	resp, body := f.do(t, http.MethodPost, "/api/v1/requests/stream", `{"query":""}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeEmptyQuery, errorCode(t, body))
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestServer_StreamInFlightRequestReachesDone(t *testing.T) {
	f := newTestServer(t, nil)

	_, body := f.do(t, http.MethodPost, "/api/v1/requests", `{"query":"watch this"}`, nil)
	id, _ := decodeJSON(t, body)["requestId"].(string)
	require.NotEmpty(t, id)

	// Whether the subscription lands before or after settlement, the
	// stream must end with the terminal event and carry the answer.
	resp, streamBody := f.do(t, http.MethodGet, "/api/v1/requests/"+id+"/stream", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	events := parseSSE(t, streamBody)
	require.NotEmpty(t, events)
	assert.Equal(t, "done", events[len(events)-1].name, "events: %v", eventNames(events))
	_, hasMessage := findEvent(events, "message")
	assert.True(t, hasMessage, "events: %v", eventNames(events))
}
