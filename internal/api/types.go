package api

import (
	"time"

	"github.com/mattjoyce/forkd/internal/events"
	"github.com/mattjoyce/forkd/internal/supervisor"
)

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string    `json:"status"`
	State         string    `json:"state"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Live          int       `json:"live"`
	SoftLoad      float64   `json:"soft_load"`
	SnapshotAt    time.Time `json:"snapshot_at"`
}

// GroupsResponse is returned by GET /groups.
type GroupsResponse struct {
	SoftLoad float64                `json:"soft_load"`
	Groups   []supervisor.GroupInfo `json:"groups"`
}

// ChildrenResponse is returned by GET /children.
type ChildrenResponse struct {
	Count    int                    `json:"count"`
	Children []supervisor.ChildInfo `json:"children"`
}

// EventsResponse is returned by GET /events.
type EventsResponse struct {
	Events []events.Event `json:"events"`
	LastID int64          `json:"last_id"`
}
