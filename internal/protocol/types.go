package protocol

import (
	"encoding/json"
	"time"
)

// Version is the only spawn request version understood by children.
const Version = 1

// Request is the spawn envelope written to a child's stdin. It is the child's
// private snapshot of everything the parent decided before the spawn.
type Request struct {
	Protocol  int             `json:"protocol"`
	RunID     string          `json:"run_id"`
	Task      string          `json:"task"`
	Group     string          `json:"group"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	SpawnedAt time.Time       `json:"spawned_at"`
}
