package journal

import (
	"context"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/mattjoyce/forkd/internal/child"
)

type doneStarter struct {
	pid    int
	status child.Status
}

func (s *doneStarter) Start(context.Context, child.Spec) (child.Process, error) {
	return &doneProcess{pid: s.pid, status: s.status}, nil
}

type doneProcess struct {
	pid    int
	status child.Status
}

func (p *doneProcess) Pid() int                              { return p.pid }
func (p *doneProcess) Wait(bool) (child.Status, bool, error) { return p.status, true, nil }
func (p *doneProcess) Release() error                        { return nil }

func openJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func reaped(t *testing.T, pid int, group string, status child.Status, bindings ...child.Binding) *child.Handle {
	t.Helper()
	h := child.New(child.Spec{Task: "sleep", Group: group}, &doneStarter{pid: pid, status: status})
	if err := h.Bind(bindings...); err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if _, err := h.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := h.Poll(true); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	return h
}

func TestRecordAndRecent(t *testing.T) {
	t.Parallel()
	j := openJournal(t)
	ctx := context.Background()

	first := reaped(t, 101, "t1", child.Exited(5))
	second := reaped(t, 102, "t2", child.Signaled(syscall.SIGKILL))
	if err := j.Record(ctx, first); err != nil {
		t.Fatalf("Record first: %v", err)
	}
	if err := j.Record(ctx, second); err != nil {
		t.Fatalf("Record second: %v", err)
	}

	entries, err := j.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}

	newest := entries[0]
	if newest.Pid != 102 || newest.Group != "t2" || newest.Kind != "signaled" || newest.TermSignal != int(syscall.SIGKILL) {
		t.Errorf("unexpected newest entry: %+v", newest)
	}
	oldest := entries[1]
	if oldest.RunID != first.RunID() || oldest.ExitCode != 5 || oldest.Kind != "exited" {
		t.Errorf("unexpected oldest entry: %+v", oldest)
	}
	if oldest.StartedAt.IsZero() || oldest.EndedAt.Before(oldest.StartedAt) || oldest.Duration() < 0 {
		t.Errorf("bad timestamps: %+v", oldest)
	}
	if oldest.ID == "" || oldest.ID == newest.ID {
		t.Errorf("entries need distinct ids: %q %q", oldest.ID, newest.ID)
	}

	limited, err := j.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent(1): %v", err)
	}
	if len(limited) != 1 || limited[0].Pid != 102 {
		t.Errorf("limit not applied: %+v", limited)
	}
}

func TestRecordRejectsLiveChild(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	h := child.New(child.Spec{Task: "sleep"}, &doneStarter{pid: 7, status: child.Exited(0)})
	if _, err := h.Spawn(context.Background()); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := j.Record(context.Background(), h); err == nil {
		t.Fatal("expected error for a child that has not terminated")
	}
}

func TestBindingRecordsOnCleanup(t *testing.T) {
	t.Parallel()
	j := openJournal(t)

	h := reaped(t, 55, "io", child.Exited(0), j.Binding())
	entries, err := j.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("nothing recorded before cleanup, got %d", len(entries))
	}

	if err := h.Fire(child.EventCleanup); err != nil {
		t.Fatalf("Fire cleanup: %v", err)
	}
	entries, err = j.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(entries) != 1 || entries[0].Pid != 55 || entries[0].Group != "io" {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}
