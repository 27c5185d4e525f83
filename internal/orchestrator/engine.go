package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"qios/internal/logging"
	"qios/internal/metrics"
	"qios/internal/protocol"
	"qios/internal/schedule"
)

const sessionSpanName = "orchestration.session"

// ErrInsufficientNodes is returned when fewer than two distinct nodes are
// registered. The initiator receives an error log message.
var ErrInsufficientNodes = errors.New("at least 2 nodes must be connected to run this protocol")

const (
	insufficientNodesMessage = "Error: At least 2 nodes must be connected to run this protocol."
)

// Sender delivers a message to one connection. It reports false when the
// connection is gone; callers treat that as a silent drop.
type Sender interface {
	Send(id string, message protocol.Message) bool
}

// NodeDirectory is the registry view the engine needs.
type NodeDirectory interface {
	CountNodes() int
	ListNodeIDs() []string
	AddParticle(id, particle string) bool
}

// Script holds the fixed protocol constants.
type Script struct {
	InitiatorParticle string
	PartnerParticle   string
	Command           string
	PhaseADelay       time.Duration
	PhaseBDelay       time.Duration
}

func DefaultScript() Script {
	return Script{
		InitiatorParticle: "alice_q1",
		PartnerParticle:   "bob_q1",
		Command:           "apply_hadamard",
		PhaseADelay:       time.Second,
		PhaseBDelay:       2 * time.Second,
	}
}

type Options struct {
	Nodes     NodeDirectory
	Sender    Sender
	Scheduler *schedule.Scheduler
	Clock     clock.Clock
	Script    Script
	Metrics   *metrics.Registry
	Logger    *logging.Logger
	// CancelOnDisconnect cancels the pending phases of every session a
	// departing participant belongs to. Off by default: phases still fire and
	// sends to the departed id are dropped.
	CancelOnDisconnect bool
	NewID              func() string
}

type Engine struct {
	nodes              NodeDirectory
	sender             Sender
	scheduler          *schedule.Scheduler
	clock              clock.Clock
	script             Script
	metrics            *metrics.Registry
	logger             *logging.Logger
	tracer             trace.Tracer
	cancelOnDisconnect bool
	newID              func() string

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewEngine(options Options) *Engine {
	script := options.Script
	if script == (Script{}) {
		script = DefaultScript()
	}
	source := options.Clock
	if source == nil {
		source = clock.New()
	}
	scheduler := options.Scheduler
	if scheduler == nil {
		scheduler = schedule.New(source, nil)
	}
	newID := options.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	return &Engine{
		nodes:              options.Nodes,
		sender:             options.Sender,
		scheduler:          scheduler,
		clock:              source,
		script:             script,
		metrics:            options.Metrics,
		logger:             options.Logger,
		tracer:             otelapi.Tracer("qios/orchestrator"),
		cancelOnDisconnect: options.CancelOnDisconnect,
		newID:              newID,
		sessions:           make(map[string]*Session),
	}
}

// Trigger starts a session for initiator. On ErrInsufficientNodes the
// initiator has been told and nothing was scheduled.
func (engine *Engine) Trigger(ctx context.Context, initiator string, program json.RawMessage) (*Session, error) {
	partner, ok := engine.selectPartner(initiator)
	if !ok {
		engine.sender.Send(initiator, protocol.Error(insufficientNodesMessage))
		engine.metrics.IncSessionRejected()
		engine.logger.Warn("run_program rejected", map[string]string{
			"initiator": initiator,
			"nodes":     strconv.Itoa(engine.nodes.CountNodes()),
		})
		return nil, ErrInsufficientNodes
	}

	session := &Session{
		ID:          engine.newID(),
		Initiator:   initiator,
		Partner:     partner,
		CreatedAt:   engine.clock.Now().UTC(),
		ProgramSize: len(program),
		state:       StateCreated,
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, session.span = engine.tracer.Start(ctx, sessionSpanName,
		trace.WithAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("session.initiator", initiator),
			attribute.String("session.partner", partner),
			attribute.Int("program.bytes", session.ProgramSize),
		),
	)

	engine.mu.Lock()
	engine.sessions[session.ID] = session
	engine.mu.Unlock()
	engine.metrics.IncSessionStarted()
	engine.logger.Info("orchestration session started", map[string]string{
		"session_id":    session.ID,
		"initiator":     initiator,
		"partner":       partner,
		"program_bytes": strconv.Itoa(session.ProgramSize),
	})

	engine.nodes.AddParticle(initiator, engine.script.InitiatorParticle)
	engine.nodes.AddParticle(partner, engine.script.PartnerParticle)
	engine.sender.Send(initiator, protocol.Warn(createMessage(engine.script.InitiatorParticle)))
	engine.sender.Send(partner, protocol.Warn(createMessage(engine.script.PartnerParticle)))

	engine.mu.Lock()
	session.phaseA = engine.scheduler.Schedule("phase_a", engine.script.PhaseADelay, func() {
		engine.runPhaseA(session)
	})
	session.phaseB = engine.scheduler.Schedule("phase_b", engine.script.PhaseBDelay, func() {
		engine.runPhaseB(session)
	})
	engine.mu.Unlock()
	return session, nil
}

// ParticipantGone reacts to a disconnect. With CancelOnDisconnect it cancels
// every live session involving id and returns how many were cancelled.
func (engine *Engine) ParticipantGone(id string) int {
	if !engine.cancelOnDisconnect {
		return 0
	}
	engine.mu.Lock()
	var affected []*Session
	for _, session := range engine.sessions {
		if session.involves(id) && !session.terminal() {
			affected = append(affected, session)
		}
	}
	engine.mu.Unlock()

	for _, session := range affected {
		engine.cancel(session, "participant disconnected")
	}
	return len(affected)
}

// Sessions lists live sessions oldest first.
func (engine *Engine) Sessions() []SessionInfo {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	infos := make([]SessionInfo, 0, len(engine.sessions))
	for _, session := range engine.sessions {
		infos = append(infos, session.info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].ID < infos[j].ID
		}
		return infos[i].CreatedAt.Before(infos[j].CreatedAt)
	})
	return infos
}

// Session returns the state of a live session.
func (engine *Engine) Session(id string) (SessionInfo, bool) {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	session, ok := engine.sessions[id]
	if !ok {
		return SessionInfo{}, false
	}
	return session.info(), true
}

func (engine *Engine) selectPartner(initiator string) (string, bool) {
	if engine.nodes.CountNodes() < 2 {
		return "", false
	}
	for _, id := range engine.nodes.ListNodeIDs() {
		if id != initiator {
			return id, true
		}
	}
	return "", false
}

func (engine *Engine) runPhaseA(session *Session) {
	if !engine.advance(session, StateCreated, StatePhaseA) {
		return
	}
	session.span.AddEvent("phase_a")
	delivered := engine.sender.Send(session.Initiator, protocol.ExecuteCommand{
		Command: engine.script.Command,
		Target:  engine.script.InitiatorParticle,
	})
	engine.logger.Debug("phase a fired", map[string]string{
		"session_id": session.ID,
		"delivered":  strconv.FormatBool(delivered),
	})
}

func (engine *Engine) runPhaseB(session *Session) {
	if engine.stateOf(session) == StateCreated {
		// Phase A's timer has not been drained yet; keep A strictly first.
		engine.runPhaseA(session)
	}
	if !engine.advance(session, StatePhaseA, StatePhaseB) {
		return
	}
	session.span.AddEvent("phase_b")
	engine.sender.Send(session.Initiator, protocol.Warn(
		"Orchestrator: Initiating CNOT between your "+engine.script.InitiatorParticle+" and "+engine.script.PartnerParticle+"...",
	))
	engine.sender.Send(session.Partner, protocol.Warn("Orchestrator: Receiving CNOT from another node..."))

	engine.mu.Lock()
	session.state = StateCompleted
	delete(engine.sessions, session.ID)
	engine.mu.Unlock()

	session.span.SetStatus(codes.Ok, "")
	session.span.End()
	engine.metrics.IncSessionCompleted()
	engine.logger.Info("orchestration session completed", map[string]string{
		"session_id": session.ID,
	})
}

func (engine *Engine) cancel(session *Session, reason string) {
	engine.mu.Lock()
	if session.terminal() {
		engine.mu.Unlock()
		return
	}
	session.state = StateCancelled
	delete(engine.sessions, session.ID)
	phaseA, phaseB := session.phaseA, session.phaseB
	engine.mu.Unlock()

	phaseA.Cancel()
	phaseB.Cancel()
	session.span.SetStatus(codes.Error, reason)
	session.span.End()
	engine.metrics.IncSessionCancelled()
	engine.logger.Info("orchestration session cancelled", map[string]string{
		"session_id": session.ID,
		"reason":     reason,
	})
}

func (engine *Engine) stateOf(session *Session) State {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	return session.state
}

// advance moves session from one state to the next. A phase whose session
// already moved on or was cancelled is skipped.
func (engine *Engine) advance(session *Session, from, to State) bool {
	engine.mu.Lock()
	defer engine.mu.Unlock()
	if session.state != from {
		engine.logger.Debug("session phase skipped", map[string]string{
			"session_id": session.ID,
			"state":      string(session.state),
			"want":       string(from),
		})
		return false
	}
	session.state = to
	return true
}

func createMessage(particle string) string {
	return "Orchestrator: Creating particle " + particle + " on your node."
}
