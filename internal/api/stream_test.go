package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/phishing-support/pipeline/internal/bus"
)

func sseEvents(t *testing.T, body string) []string {
	t.Helper()
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestStreamReplaysAndSelfTerminates(t *testing.T) {
	srv, _, _, b := newTestServer(t)
	ctx := context.Background()
	topic := bus.Topic(42)

	require.NoError(t, b.Publish(ctx, topic, map[string]any{"type": "analysis.step", "step": "start", "progress": 0}))
	require.NoError(t, b.Publish(ctx, topic, map[string]any{"type": "response.output_text.delta", "delta": "Phishing "}))
	require.NoError(t, b.Publish(ctx, topic, map[string]any{"type": "analysis.step", "step": "completed", "progress": 100}))
	// Published after the terminal marker; must never reach the client.
	require.NoError(t, b.Publish(ctx, topic, map[string]any{"type": "response.output_text.delta", "delta": "late"}))

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream/42", nil))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after the completed step")
	}

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 4)
	assert.JSONEq(t, `{"type":"connected"}`, events[0])

	var last struct {
		Type string `json:"type"`
		Step string `json:"step"`
	}
	require.NoError(t, json.Unmarshal([]byte(events[3]), &last))
	assert.Equal(t, "analysis.step", last.Type)
	assert.Equal(t, "completed", last.Step)
}

func TestStreamTerminatesOnRunFailure(t *testing.T) {
	srv, _, _, b := newTestServer(t)
	topic := bus.Topic(43)
	require.NoError(t, b.Publish(context.Background(), topic, map[string]any{"type": "run.failed", "runId": "9"}))

	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream/43", nil))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not terminate after run.failed")
	}

	events := sseEvents(t, rec.Body.String())
	require.Len(t, events, 2)
	assert.Contains(t, events[1], `"run.failed"`)
}

func TestStreamClientDisconnect(t *testing.T) {
	srv, _, _, b := newTestServer(t)
	require.NoError(t, b.Publish(context.Background(), bus.Topic(44), map[string]any{"type": "analysis.step", "step": "start", "progress": 0}))

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/stream/44", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rec, req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after client disconnect")
	}

	// The bus stays usable: the disconnect closed only the subscription.
	require.NoError(t, b.Publish(context.Background(), bus.Topic(44), map[string]any{"type": "analysis.step", "step": "whois_lookup", "progress": 5}))
}

func TestStreamInvalidID(t *testing.T) {
	srv, _, _, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/stream/nope", nil))

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTerminalEvent(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		terminal bool
	}{
		{"completed step", `{"type":"analysis.step","step":"completed","progress":100}`, true},
		{"failed step", `{"type":"analysis.step","step":"failed","progress":100}`, true},
		{"intermediate step", `{"type":"analysis.step","step":"archive_website","progress":25}`, false},
		{"run failed", `{"type":"run.failed"}`, true},
		{"run completed", `{"type":"run.completed"}`, false},
		{"text delta", `{"type":"response.output_text.delta","delta":"x"}`, false},
		{"not json", `nonsense`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.terminal, terminalEvent(json.RawMessage(tt.payload)))
		})
	}
}
