package supervisor

import (
	"time"

	"github.com/mattjoyce/forkd/internal/child"
)

// ChildInfo describes one live child.
type ChildInfo struct {
	Pid       int       `json:"pid"`
	RunID     string    `json:"run_id"`
	Task      string    `json:"task"`
	Group     string    `json:"group"`
	StartedAt time.Time `json:"started_at"`
}

// Snapshot is an immutable view of the supervisor, safe to share between
// goroutines.
type Snapshot struct {
	At       time.Time   `json:"at"`
	Live     int         `json:"live"`
	SoftLoad float64     `json:"soft_load"`
	Groups   []GroupInfo `json:"groups"`
	Children []ChildInfo `json:"children"`
}

// GroupInfo is the accounting of one group.
type GroupInfo struct {
	Name string  `json:"name"`
	Hard int     `json:"hard"`
	Soft int     `json:"soft"`
	Live int     `json:"live"`
	Load float64 `json:"load"`
}

// Snapshot returns the state published after the last Submit or Reconcile.
// It may be called from any goroutine.
func (s *Supervisor) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

func (s *Supervisor) publish() {
	statuses := s.groups.Snapshot()
	snap := &Snapshot{
		At:       time.Now().UTC(),
		Live:     len(s.children),
		SoftLoad: s.groups.SoftLoad(),
		Groups:   make([]GroupInfo, 0, len(statuses)),
		Children: make([]ChildInfo, 0, len(s.children)),
	}
	for _, st := range statuses {
		snap.Groups = append(snap.Groups, GroupInfo{
			Name: st.Name,
			Hard: st.Capacity.Hard,
			Soft: st.Capacity.Soft,
			Live: st.Live,
			Load: st.Load,
		})
	}
	s.Walk(func(pid int, h *child.Handle) bool {
		snap.Children = append(snap.Children, ChildInfo{
			Pid:       pid,
			RunID:     h.RunID(),
			Task:      h.Task(),
			Group:     h.Group(),
			StartedAt: h.StartedAt(),
		})
		return true
	})
	s.snapshot.Store(snap)
	s.metrics.Observe(statuses, snap.SoftLoad)
}
