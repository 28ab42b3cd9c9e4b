package tui

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkd/internal/api"
	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	got, ok := next.(Model)
	require.True(t, ok, "Update returns a Model")
	return got, cmd
}

func testSnapshot() snapshotMsg {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return snapshotMsg{
		Health: api.HealthzResponse{Status: "ok", State: "looping", Live: 2, SoftLoad: 0.75, SnapshotAt: at},
		Groups: api.GroupsResponse{SoftLoad: 0.75, Groups: []supervisor.GroupInfo{
			{Name: "t1", Soft: 2, Live: 1, Load: 0.5},
			{Name: "test", Hard: 1, Live: 1},
		}},
		Children: api.ChildrenResponse{Count: 2, Children: []supervisor.ChildInfo{
			{Pid: 101, RunID: "0123456789abcdef", Task: "sleep", Group: "t1", StartedAt: at.Add(-90 * time.Second)},
			{Pid: 102, RunID: "short", Task: "command", Group: "test"},
		}},
	}
}

func TestUpdateQuit(t *testing.T) {
	for _, key := range []tea.KeyMsg{
		{Type: tea.KeyRunes, Runes: []rune("q")},
		{Type: tea.KeyCtrlC},
	} {
		_, cmd := update(t, NewMonitor("http://localhost:0"), key)
		require.NotNil(t, cmd)
		assert.IsType(t, tea.QuitMsg{}, cmd())
	}
}

func TestUpdateSnapshotFillsTables(t *testing.T) {
	m := NewMonitor("http://localhost:0")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})
	m, cmd := update(t, m, testSnapshot())
	assert.Nil(t, cmd)

	groups := m.groupTable.Rows()
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"t1", "1", "-", "2", "50%"}, []string(groups[0]))
	assert.Equal(t, []string{"test", "1", "1", "-", "0%"}, []string(groups[1]))

	children := m.childTable.Rows()
	require.Len(t, children, 2)
	assert.Equal(t, []string{"101", "sleep", "t1", "01234567", "1m30s"}, []string(children[0]))
	assert.Equal(t, []string{"102", "command", "test", "short", "-"}, []string(children[1]))

	view := m.View()
	assert.Contains(t, view, "LOOPING")
	assert.Contains(t, view, "75%")
}

func TestUpdateEventAppendsAndRefreshes(t *testing.T) {
	m := NewMonitor("http://localhost:0")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 40})

	ev := events.Event{ID: 7, Type: events.ChildSpawned, At: time.Now(), Data: []byte(`{"pid":101,"group":"t1"}`)}
	m, cmd := update(t, m, eventMsg(ev))
	require.NotNil(t, cmd, "waits for the next event and refetches the snapshot")
	assert.Equal(t, int64(7), m.lastID)
	require.Len(t, m.eventLog, 1)
	assert.Contains(t, m.viewport.View(), "child.spawned")
	assert.Contains(t, m.viewport.View(), "group=t1 pid=101")

	state := events.Event{ID: 8, Type: events.DaemonState, At: time.Now(), Data: []byte(`{"state":"stopping"}`)}
	m, _ = update(t, m, eventMsg(state))
	assert.Equal(t, "stopping", m.health.State)
	assert.Equal(t, events.DaemonState, m.eventLog[0].Type, "newest first")
}

func TestUpdateEventLogIsBounded(t *testing.T) {
	m := NewMonitor("http://localhost:0")
	for i := 1; i <= maxEvents+5; i++ {
		m, _ = update(t, m, eventMsg(events.Event{ID: int64(i), Type: events.ChildReaped, Data: []byte(`{}`)}))
	}
	assert.Len(t, m.eventLog, maxEvents)
	assert.Equal(t, int64(maxEvents+5), m.eventLog[0].ID)
}

func TestUpdateTabSwitchesFocus(t *testing.T) {
	m := NewMonitor("http://localhost:0")
	require.True(t, m.groupTable.Focused())

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.False(t, m.groupTable.Focused())
	assert.True(t, m.childTable.Focused())

	m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyTab})
	assert.True(t, m.groupTable.Focused())
}

func TestUpdateErrorsAndReconnect(t *testing.T) {
	m := NewMonitor("http://localhost:0")
	m, _ = update(t, m, errMsg(fmt.Errorf("GET /healthz: supervisor not ready")))
	assert.Equal(t, "GET /healthz: supervisor not ready", m.lastError)

	m, cmd := update(t, m, streamClosedMsg{})
	require.NotNil(t, cmd)
	assert.Contains(t, m.lastError, "reconnecting")

	m, _ = update(t, m, testSnapshot())
	assert.Empty(t, m.lastError, "a good poll clears the error")
}

func TestReadStream(t *testing.T) {
	stream := strings.Join([]string{
		"id: 1",
		"event: child.spawned",
		`data: {"pid":101}`,
		"",
		": keep-alive",
		"",
		"id: 2",
		"event: child.reaped",
		`data: {"pid":101}`,
		"",
	}, "\n")

	ch := make(chan events.Event, 4)
	readStream(strings.NewReader(stream), ch)
	close(ch)

	var got []events.Event
	for ev := range ch {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].ID)
	assert.Equal(t, events.ChildSpawned, got[0].Type)
	assert.JSONEq(t, `{"pid":101}`, string(got[0].Data))
	assert.Equal(t, events.ChildReaped, got[1].Type)
}

type staticSource struct{ snap *supervisor.Snapshot }

func (s staticSource) Snapshot() *supervisor.Snapshot { return s.snap }

func TestFetchSnapshotFromAPI(t *testing.T) {
	snap := &supervisor.Snapshot{
		At:       time.Now().UTC(),
		Live:     1,
		SoftLoad: 0.5,
		Groups:   []supervisor.GroupInfo{{Name: "t1", Soft: 2, Live: 1, Load: 0.5}},
		Children: []supervisor.ChildInfo{{Pid: 101, Task: "sleep", Group: "t1"}},
	}
	srv := httptest.NewServer(api.New(api.Config{}, staticSource{snap}, nil, nil, nil, nil).Handler())
	defer srv.Close()

	msg := fetchSnapshot(srv.URL)
	got, ok := msg.(snapshotMsg)
	require.True(t, ok, "got %T: %v", msg, msg)
	assert.Equal(t, "ok", got.Health.Status)
	assert.Equal(t, 1, got.Health.Live)
	require.Len(t, got.Groups.Groups, 1)
	assert.Equal(t, "t1", got.Groups.Groups[0].Name)
	require.Len(t, got.Children.Children, 1)
	assert.Equal(t, 101, got.Children.Children[0].Pid)
}

func TestFetchSnapshotNotReady(t *testing.T) {
	srv := httptest.NewServer(api.New(api.Config{}, staticSource{}, nil, nil, nil, nil).Handler())
	defer srv.Close()

	msg := fetchSnapshot(srv.URL)
	err, ok := msg.(errMsg)
	require.True(t, ok, "got %T", msg)
	assert.Contains(t, err.Error(), "supervisor not ready")
}

func TestSubscribeToEventsFeedsChannel(t *testing.T) {
	hub := events.NewHub(10)
	hub.Publish(events.ChildSpawned, map[string]any{"pid": 101})
	hub.Publish(events.ChildReaped, map[string]any{"pid": 101})

	lastEventIDs := make(chan string, 1)
	handler := api.New(api.Config{}, staticSource{}, nil, hub, nil, nil).Handler()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case lastEventIDs <- r.Header.Get("Last-Event-ID"):
		default:
		}
		handler.ServeHTTP(w, r)
	}))
	defer srv.Close()

	ch := make(chan events.Event, 4)
	done := make(chan tea.Msg, 1)
	go func() { done <- subscribeToEvents(srv.URL, 1, ch)() }()

	select {
	case ev := <-ch:
		assert.Equal(t, int64(2), ev.ID, "resumes after Last-Event-ID")
		assert.Equal(t, events.ChildReaped, ev.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}
	assert.Equal(t, "1", <-lastEventIDs)

	srv.CloseClientConnections()
	select {
	case msg := <-done:
		assert.IsType(t, streamClosedMsg{}, msg)
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")
	}
}
