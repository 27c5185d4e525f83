package orchestrator

import (
	"time"

	"go.opentelemetry.io/otel/trace"

	"qios/internal/schedule"
)

type State string

const (
	StateCreated   State = "created"
	StatePhaseA    State = "phase_a"
	StatePhaseB    State = "phase_b"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

// Session is one run of the program protocol between two nodes.
type Session struct {
	ID          string
	Initiator   string
	Partner     string
	CreatedAt   time.Time
	ProgramSize int

	state  State
	phaseA *schedule.Task
	phaseB *schedule.Task
	span   trace.Span
}

// SessionInfo is a read-only view of a session.
type SessionInfo struct {
	ID        string    `json:"id"`
	Initiator string    `json:"initiator"`
	Partner   string    `json:"partner"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

func (session *Session) info() SessionInfo {
	return SessionInfo{
		ID:        session.ID,
		Initiator: session.Initiator,
		Partner:   session.Partner,
		State:     session.state,
		CreatedAt: session.CreatedAt,
	}
}

func (session *Session) involves(id string) bool {
	return session.Initiator == id || session.Partner == id
}

func (session *Session) terminal() bool {
	return session.state == StateCompleted || session.state == StateCancelled
}
