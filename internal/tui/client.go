package tui

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/mattjoyce/forkd/internal/api"
	"github.com/mattjoyce/forkd/internal/events"
)

const requestTimeout = 2 * time.Second

// --- Message types ---

type eventMsg events.Event

// snapshotMsg carries one poll of the status API.
type snapshotMsg struct {
	Health   api.HealthzResponse
	Groups   api.GroupsResponse
	Children api.ChildrenResponse
}

type tickMsg time.Time

type errMsg error

type streamClosedMsg struct{}
type reconnectMsg struct{}

// --- Commands ---

// subscribeToEvents reads /events/stream, resuming after lastID, and feeds
// every event into ch. It returns streamClosedMsg when the connection drops.
func subscribeToEvents(apiURL string, lastID int64, ch chan<- events.Event) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequest(http.MethodGet, apiURL+"/events/stream", nil)
		if err != nil {
			return errMsg(err)
		}
		if lastID > 0 {
			req.Header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
		}

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamClosedMsg{}
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return streamClosedMsg{}
		}

		readStream(resp.Body, ch)
		return streamClosedMsg{}
	}
}

// readStream decodes server-sent events from r until EOF.
func readStream(r io.Reader, ch chan<- events.Event) {
	scanner := bufio.NewScanner(r)
	var current events.Event
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(current.Data) > 0 {
				current.At = time.Now()
				ch <- current
			}
			current = events.Event{}
		case strings.HasPrefix(line, "id: "):
			if id, err := strconv.ParseInt(line[4:], 10, 64); err == nil {
				current.ID = id
			}
		case strings.HasPrefix(line, "event: "):
			current.Type = line[7:]
		case strings.HasPrefix(line, "data: "):
			current.Data = json.RawMessage(line[6:])
		}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func fetchSnapshotCmd(apiURL string) tea.Cmd {
	return func() tea.Msg { return fetchSnapshot(apiURL) }
}

// fetchSnapshot polls /healthz, /groups and /children.
func fetchSnapshot(apiURL string) tea.Msg {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var snap snapshotMsg
	if err := getJSON(ctx, apiURL+"/healthz", &snap.Health); err != nil {
		return errMsg(err)
	}
	if err := getJSON(ctx, apiURL+"/groups", &snap.Groups); err != nil {
		return errMsg(err)
	}
	if err := getJSON(ctx, apiURL+"/children", &snap.Children); err != nil {
		return errMsg(err)
	}
	return snap
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("GET %s: %s", url, apiErr.Error)
		}
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
