package api

import (
	"net/http"
	"strconv"
	"time"
)

// handleHealthz handles GET /healthz.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "supervisor not ready")
		return
	}

	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Live:          snap.Live,
		SoftLoad:      snap.SoftLoad,
		SnapshotAt:    snap.At,
	}
	if s.state != nil {
		resp.State = s.state.State().String()
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGroups handles GET /groups.
func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "supervisor not ready")
		return
	}
	respondJSON(w, http.StatusOK, GroupsResponse{SoftLoad: snap.SoftLoad, Groups: snap.Groups})
}

// handleChildren handles GET /children, optionally filtered by ?group=.
func (s *Server) handleChildren(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Snapshot()
	if snap == nil {
		s.writeError(w, http.StatusServiceUnavailable, "supervisor not ready")
		return
	}

	children := snap.Children
	if name := r.URL.Query().Get("group"); name != "" {
		children = children[:0:0]
		for _, c := range snap.Children {
			if c.Group == name {
				children = append(children, c)
			}
		}
	}
	respondJSON(w, http.StatusOK, ChildrenResponse{Count: len(children), Children: children})
}

// handleEvents handles GET /events?since=N with the buffered events newer
// than N.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = n
	}

	evs := s.events.SnapshotSince(since)
	resp := EventsResponse{Events: evs, LastID: since}
	if len(evs) > 0 {
		resp.LastID = evs[len(evs)-1].ID
	}
	respondJSON(w, http.StatusOK, resp)
}
