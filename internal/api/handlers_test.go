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

	"github.com/mattjoyce/forkd/internal/daemon"
	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/metrics"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

type fixedSnapshot struct {
	snap *supervisor.Snapshot
}

func (f fixedSnapshot) Snapshot() *supervisor.Snapshot { return f.snap }

type fixedState daemon.State

func (f fixedState) State() daemon.State { return daemon.State(f) }

func newTestServer(t *testing.T, snap *supervisor.Snapshot, hub *events.Hub) *Server {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	m := metrics.New()
	m.Admission("t1", metrics.ResultAdmitted)
	return New(Config{Listen: "127.0.0.1:0"}, fixedSnapshot{snap}, fixedState(daemon.StateLooping), hub, m.Handler(), logger)
}

func sampleSnapshot() *supervisor.Snapshot {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &supervisor.Snapshot{
		At:       started.Add(time.Minute),
		Live:     3,
		SoftLoad: 0.75,
		Groups: []supervisor.GroupInfo{
			{Name: "t1", Soft: 2, Live: 1, Load: 0.5},
			{Name: "t2", Soft: 4, Live: 1, Load: 0.25},
			{Name: "test", Hard: 1, Live: 1},
		},
		Children: []supervisor.ChildInfo{
			{Pid: 101, RunID: "a", Task: "sleep", Group: "t1", StartedAt: started},
			{Pid: 102, RunID: "b", Task: "sleep", Group: "t2", StartedAt: started},
			{Pid: 103, RunID: "c", Task: "command", Group: "test", StartedAt: started},
		},
	}
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, sampleSnapshot(), nil)
	rec := get(t, s.Handler(), "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp HealthzResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "looping", resp.State)
	assert.Equal(t, 3, resp.Live)
	assert.InDelta(t, 0.75, resp.SoftLoad, 1e-9)
}

func TestNotReady(t *testing.T) {
	s := newTestServer(t, nil, nil)
	for _, path := range []string{"/healthz", "/groups", "/children"} {
		rec := get(t, s.Handler(), path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}
}

func TestGroups(t *testing.T) {
	s := newTestServer(t, sampleSnapshot(), nil)
	rec := get(t, s.Handler(), "/groups")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp GroupsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Groups, 3)
	assert.Equal(t, "t1", resp.Groups[0].Name)
	assert.Equal(t, 1, resp.Groups[2].Hard)
	assert.InDelta(t, 0.75, resp.SoftLoad, 1e-9)
}

func TestChildren(t *testing.T) {
	s := newTestServer(t, sampleSnapshot(), nil)

	rec := get(t, s.Handler(), "/children")
	require.Equal(t, http.StatusOK, rec.Code)
	var all ChildrenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	assert.Equal(t, 3, all.Count)

	rec = get(t, s.Handler(), "/children?group=t2")
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered ChildrenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&filtered))
	require.Equal(t, 1, filtered.Count)
	assert.Equal(t, 102, filtered.Children[0].Pid)

	rec = get(t, s.Handler(), "/children?group=none")
	var empty ChildrenResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&empty))
	assert.Zero(t, empty.Count)
	assert.NotNil(t, empty.Children)
}

func TestEventsSince(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.ChildSpawned, map[string]any{"pid": 1})
	hub.Publish(events.ChildDenied, map[string]any{"group": "t1"})
	hub.Publish(events.ChildReaped, map[string]any{"pid": 1})
	s := newTestServer(t, sampleSnapshot(), hub)

	rec := get(t, s.Handler(), "/events?since=1")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp EventsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Events, 2)
	assert.Equal(t, events.ChildDenied, resp.Events[0].Type)
	assert.Equal(t, int64(3), resp.LastID)

	rec = get(t, s.Handler(), "/events?since=9")
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Empty(t, resp.Events)
	assert.Equal(t, int64(9), resp.LastID)

	rec = get(t, s.Handler(), "/events?since=-2")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventStream(t *testing.T) {
	hub := events.NewHub(16)
	hub.Publish(events.ChildSpawned, map[string]any{"pid": 7})
	s := newTestServer(t, sampleSnapshot(), hub)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/events/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() []string {
		var lines []string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" {
				return lines
			}
			lines = append(lines, line)
		}
	}

	assert.Equal(t, []string{"id: 1", "event: child.spawned", `data: {"pid":7}`}, readEvent())

	hub.Publish(events.ChildReaped, map[string]any{"pid": 7})
	assert.Equal(t, []string{"id: 2", "event: child.reaped", `data: {"pid":7}`}, readEvent())
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, sampleSnapshot(), nil)
	rec := get(t, s.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `forkd_admissions_total{group="t1",result="admitted"} 1`)
}

func TestParseLastEventID(t *testing.T) {
	assert.Equal(t, int64(0), parseLastEventID(""))
	assert.Equal(t, int64(0), parseLastEventID("abc"))
	assert.Equal(t, int64(0), parseLastEventID("-1"))
	assert.Equal(t, int64(12), parseLastEventID("12"))
}
