package hub

import (
	"time"

	"qios/internal/orchestrator"
	"qios/internal/registry"
)

// Status is a point-in-time view for the HTTP status endpoint. It reads only
// concurrency-safe state and may be called from any goroutine.
type Status struct {
	Connections int                        `json:"connections"`
	Nodes       []registry.Connection      `json:"nodes"`
	NodeCount   int                        `json:"nodeCount"`
	AdminCount  int                        `json:"adminCount"`
	Sessions    []orchestrator.SessionInfo `json:"sessions"`
	Stats       map[string]float64         `json:"stats"`
	UpdatedAt   time.Time                  `json:"updated_at,omitempty"`
}

func (hub *Hub) Status() Status {
	nodes := hub.registry.Nodes()
	return Status{
		Connections: hub.ConnectionCount(),
		Nodes:       nodes,
		NodeCount:   len(nodes),
		AdminCount:  hub.registry.CountAdmins(),
		Sessions:    hub.engine.Sessions(),
		Stats:       hub.state.Snapshot(),
		UpdatedAt:   hub.state.UpdatedAt(),
	}
}
