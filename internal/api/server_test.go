package api

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/latticeci/lattice/internal/events"
	"github.com/latticeci/lattice/internal/storage"
)

type fakeReportStore struct {
	reports map[string][]byte
	latest  string
}

func (s *fakeReportStore) Report(_ context.Context, runID string) ([]byte, error) {
	if raw, ok := s.reports[runID]; ok {
		return raw, nil
	}
	return nil, storage.ErrRunNotFound
}

func (s *fakeReportStore) LatestRunID(context.Context) (string, error) {
	if s.latest == "" {
		return "", storage.ErrRunNotFound
	}
	return s.latest, nil
}

func testServer(t *testing.T, store ReportStore, hub *events.Hub) *httptest.Server {
	t.Helper()
	if hub == nil {
		hub = events.NewHub(16)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := New("127.0.0.1:0", store, hub, logger)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return ts
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	ts := testServer(t, &fakeReportStore{}, nil)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}

func TestLatestReport(t *testing.T) {
	t.Parallel()

	store := &fakeReportStore{
		reports: map[string][]byte{"run-2": []byte(`{"run_id":"run-2","status":"succeeded"}`)},
		latest:  "run-2",
	}
	ts := testServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"run_id":"run-2","status":"succeeded"}`, string(raw))
}

func TestLatestReportEmptyHistory(t *testing.T) {
	t.Parallel()

	ts := testServer(t, &fakeReportStore{}, nil)

	resp, err := http.Get(ts.URL + "/report")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestReportByID(t *testing.T) {
	t.Parallel()

	store := &fakeReportStore{
		reports: map[string][]byte{"run-1": []byte(`{"run_id":"run-1"}`)},
	}
	ts := testServer(t, store, nil)

	resp, err := http.Get(ts.URL + "/report/run-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	missing, err := http.Get(ts.URL + "/report/run-9")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestEventsReplayWithLastEventID(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	hub.Publish(events.TypePipelineStarted, map[string]string{"run_id": "run-1"})
	hub.Publish(events.TypeJobStarted, map[string]string{"job_id": "lint"})
	hub.Publish(events.TypeJobFinished, map[string]string{"job_id": "lint"})

	ts := testServer(t, &fakeReportStore{}, hub)

	req, err := http.NewRequest("GET", ts.URL+"/events", nil)
	require.NoError(t, err)
	req.Header.Set("Last-Event-ID", "1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Events 2 and 3 replay; event 1 is filtered by Last-Event-ID.
	reader := bufio.NewReader(resp.Body)
	var lines []string
	for i := 0; i < 6; i++ {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, strings.TrimRight(line, "\n"))
	}

	joined := strings.Join(lines, "\n")
	assert.NotContains(t, joined, "id: 1")
	assert.Contains(t, joined, "id: 2")
	assert.Contains(t, joined, "event: "+events.TypeJobStarted)
	assert.Contains(t, joined, `"job_id":"lint"`)
}

func TestEventsStreamsLivePublishes(t *testing.T) {
	t.Parallel()

	hub := events.NewHub(16)
	ts := testServer(t, &fakeReportStore{}, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, "GET", ts.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	go func() {
		time.Sleep(100 * time.Millisecond)
		hub.Publish(events.TypeJobFinished, map[string]string{"job_id": "test"})
	}()

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(2 * time.Second)
	var saw bool
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.Contains(line, events.TypeJobFinished) {
			saw = true
			break
		}
	}
	assert.True(t, saw, "expected a live event on the stream")
}
