// Package group implements the admission-control accounting for supervised
// children.
//
// Every child belongs to a named group. A group may carry a hard maximum (an
// absolute ceiling on live children) and a soft maximum. A group with soft=N
// contributes 1/N per live child to the aggregate soft load; a spawn into a
// soft-capped group is only admitted while the soft load stays at or below 1.0
// once the new child is counted. Groups without a soft maximum never add to the
// load and are never throttled by it.
//
// The Registry is not safe for concurrent use. It is owned by the supervisor's
// control loop.
package group

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultGroup is used when a submission names no group.
const DefaultGroup = "default"

// softLoadTolerance absorbs float rounding when exact fractions sum to 1.0.
const softLoadTolerance = 1e-9

var (
	// ErrInvalidCapacity is returned for capacity specs that cannot be normalized.
	ErrInvalidCapacity = errors.New("invalid capacity")

	// ErrReapUnderflow is the panic value raised when a group count would go
	// negative. It means the live set and the accounting fell out of sync.
	ErrReapUnderflow = errors.New("cannot reap from a group with no live children")
)

// Capacity holds the limits of a group. Zero means unbounded.
type Capacity struct {
	Hard int `json:"hard" yaml:"hard"`
	Soft int `json:"soft" yaml:"soft"`
}

// Unbounded reports whether neither axis is limited.
func (c Capacity) Unbounded() bool {
	return c.Hard == 0 && c.Soft == 0
}

// Status is a point-in-time view of one group.
type Status struct {
	Name     string   `json:"name"`
	Capacity Capacity `json:"capacity"`
	Live     int      `json:"live"`
	// Load is this group's share of the aggregate soft load.
	Load float64 `json:"load"`
}

// Registry tracks group capacities, live counts and the aggregate soft load.
type Registry struct {
	capacity map[string]Capacity
	counts   map[string]int
	softLoad float64
}

// NewRegistry returns an empty registry. Every group is unbounded until configured.
func NewRegistry() *Registry {
	return &Registry{
		capacity: make(map[string]Capacity),
		counts:   make(map[string]int),
	}
}

// Configure normalizes spec and stores it as the capacity of name.
func (r *Registry) Configure(name string, spec any) error {
	if name == "" {
		return fmt.Errorf("%w: group name is empty", ErrInvalidCapacity)
	}
	c, err := Normalize(spec)
	if err != nil {
		return fmt.Errorf("group %q: %w", name, err)
	}
	r.capacity[name] = c
	r.updateSoftLoad()
	return nil
}

// Capacity returns the capacity of name, filling unconfigured groups with
// unbounded limits.
func (r *Registry) Capacity(name string) Capacity {
	c, ok := r.capacity[name]
	if !ok {
		c = Capacity{}
		r.capacity[name] = c
	}
	return c
}

// CanAdmit decides whether one more child may be spawned into name. It never
// mutates the registry's counts or load.
func (r *Registry) CanAdmit(name string) bool {
	_, ok := r.Decide(name)
	return ok
}

// Decide is CanAdmit with the reason for a denial: "hard_max" or "soft_load".
func (r *Registry) Decide(name string) (string, bool) {
	c := r.Capacity(name)
	if c.Hard > 0 && r.counts[name] >= c.Hard {
		return "hard_max", false
	}
	if c.Soft > 0 {
		incr := 1 / float64(c.Soft)
		if incr+r.softLoad > 1+softLoadTolerance {
			return "soft_load", false
		}
	}
	return "", true
}

// RecordAdmit counts a newly spawned child in name.
func (r *Registry) RecordAdmit(name string) {
	r.counts[name]++
	r.updateSoftLoad()
}

// RecordReap removes a terminated child from name. It panics with
// ErrReapUnderflow if the group has no live children.
func (r *Registry) RecordReap(name string) {
	if r.counts[name] <= 0 {
		panic(fmt.Errorf("group %q: %w", name, ErrReapUnderflow))
	}
	r.counts[name]--
	r.updateSoftLoad()
}

// Count returns the number of live children in name.
func (r *Registry) Count(name string) int {
	return r.counts[name]
}

// Total returns the number of live children across all groups.
func (r *Registry) Total() int {
	n := 0
	for _, c := range r.counts {
		n += c
	}
	return n
}

// SoftLoad returns the aggregate soft load.
func (r *Registry) SoftLoad() float64 {
	return r.softLoad
}

// Snapshot returns every known group sorted by name.
func (r *Registry) Snapshot() []Status {
	names := make(map[string]struct{}, len(r.capacity)+len(r.counts))
	for name := range r.capacity {
		names[name] = struct{}{}
	}
	for name := range r.counts {
		names[name] = struct{}{}
	}

	out := make([]Status, 0, len(names))
	for name := range names {
		c := r.capacity[name]
		st := Status{Name: name, Capacity: c, Live: r.counts[name]}
		if c.Soft > 0 {
			st.Load = float64(st.Live) / float64(c.Soft)
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) updateSoftLoad() {
	load := 0.0
	for name, n := range r.counts {
		soft := r.capacity[name].Soft
		if soft <= 0 {
			continue
		}
		load += float64(n) / float64(soft)
	}
	r.softLoad = load
}
