package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	otelapi "go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"qios/internal/metrics"
	"qios/internal/protocol"
	"qios/internal/registry"
	"qios/internal/schedule"
)

type delivery struct {
	to      string
	message protocol.Message
}

type recordingSender struct {
	connected map[string]bool
	sent      []delivery
}

func (sender *recordingSender) Send(id string, message protocol.Message) bool {
	if !sender.connected[id] {
		return false
	}
	sender.sent = append(sender.sent, delivery{to: id, message: message})
	return true
}

func (sender *recordingSender) to(id string) []protocol.Message {
	var messages []protocol.Message
	for _, entry := range sender.sent {
		if entry.to == id {
			messages = append(messages, entry.message)
		}
	}
	return messages
}

type harness struct {
	engine    *Engine
	nodes     *registry.Registry
	sender    *recordingSender
	clock     *clock.Mock
	scheduler *schedule.Scheduler
	queue     chan func()
	metrics   *metrics.Registry
}

func newHarness(t *testing.T, cancelOnDisconnect bool, nodeIDs ...string) *harness {
	t.Helper()
	mock := clock.NewMock()
	queue := make(chan func(), 32)
	scheduler := schedule.New(mock, func(fn func()) { queue <- fn })
	nodes := registry.New()
	sender := &recordingSender{connected: make(map[string]bool)}
	for _, id := range nodeIDs {
		nodes.Register(id, registry.RoleNode)
		sender.connected[id] = true
	}
	counter := 0
	registryMetrics := &metrics.Registry{}
	engine := NewEngine(Options{
		Nodes:              nodes,
		Sender:             sender,
		Scheduler:          scheduler,
		Clock:              mock,
		Metrics:            registryMetrics,
		CancelOnDisconnect: cancelOnDisconnect,
		NewID: func() string {
			counter++
			return fmt.Sprintf("session-%d", counter)
		},
	})
	t.Cleanup(scheduler.Stop)
	return &harness{
		engine:    engine,
		nodes:     nodes,
		sender:    sender,
		clock:     mock,
		scheduler: scheduler,
		queue:     queue,
		metrics:   registryMetrics,
	}
}

// advance moves the mock clock and runs exactly want dispatched tasks.
func (h *harness) advance(t *testing.T, d time.Duration, want int) {
	t.Helper()
	h.clock.Add(d)
	for i := 0; i < want; i++ {
		select {
		case fn := <-h.queue:
			fn()
		case <-time.After(time.Second):
			t.Fatalf("expected %d dispatched tasks, ran %d", want, i)
		}
	}
}

func (h *harness) disconnect(id string) {
	h.sender.connected[id] = false
	h.nodes.Unregister(id)
	h.engine.ParticipantGone(id)
}

func TestTriggerWithOneNodeSendsSingleError(t *testing.T) {
	h := newHarness(t, false, "a")

	session, err := h.engine.Trigger(context.Background(), "a", nil)
	if !errors.Is(err, ErrInsufficientNodes) {
		t.Fatalf("expected ErrInsufficientNodes, got %v", err)
	}
	if session != nil {
		t.Fatal("expected no session")
	}
	want := []delivery{{to: "a", message: protocol.Error("Error: At least 2 nodes must be connected to run this protocol.")}}
	if !reflect.DeepEqual(h.sender.sent, want) {
		t.Fatalf("unexpected deliveries %#v", h.sender.sent)
	}
	if h.scheduler.Pending() != 0 {
		t.Fatalf("expected nothing scheduled, got %d", h.scheduler.Pending())
	}
	if len(h.engine.Sessions()) != 0 {
		t.Fatal("expected no live sessions")
	}
}

func TestPartnerIsFirstOtherNodeInRegistrationOrder(t *testing.T) {
	h := newHarness(t, false, "A", "B", "C")

	session, err := h.engine.Trigger(context.Background(), "B", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if session.Partner != "A" {
		t.Fatalf("expected partner A, got %s", session.Partner)
	}

	session, err = h.engine.Trigger(context.Background(), "A", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if session.Partner != "B" {
		t.Fatalf("expected partner B, got %s", session.Partner)
	}
}

func TestFullProtocolSequence(t *testing.T) {
	h := newHarness(t, false, "alice", "bob")

	session, err := h.engine.Trigger(context.Background(), "alice", []byte(`{"code":"H q1"}`))
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if session.ProgramSize != len(`{"code":"H q1"}`) {
		t.Fatalf("unexpected program size %d", session.ProgramSize)
	}

	immediate := []delivery{
		{to: "alice", message: protocol.Warn("Orchestrator: Creating particle alice_q1 on your node.")},
		{to: "bob", message: protocol.Warn("Orchestrator: Creating particle bob_q1 on your node.")},
	}
	if !reflect.DeepEqual(h.sender.sent, immediate) {
		t.Fatalf("unexpected immediate deliveries %#v", h.sender.sent)
	}
	if h.scheduler.Pending() != 2 {
		t.Fatalf("expected two scheduled phases, got %d", h.scheduler.Pending())
	}
	if info, _ := h.engine.Session(session.ID); info.State != StateCreated {
		t.Fatalf("expected created state, got %s", info.State)
	}

	h.advance(t, time.Second, 1)
	if info, _ := h.engine.Session(session.ID); info.State != StatePhaseA {
		t.Fatalf("expected phase_a state, got %s", info.State)
	}
	last := h.sender.sent[len(h.sender.sent)-1]
	if last.to != "alice" || last.message != (protocol.ExecuteCommand{Command: "apply_hadamard", Target: "alice_q1"}) {
		t.Fatalf("unexpected phase A delivery %#v", last)
	}
	if len(h.sender.to("bob")) != 1 {
		t.Fatal("phase A must only address the initiator")
	}

	h.advance(t, time.Second, 1)
	final := h.sender.sent[len(h.sender.sent)-2:]
	wantFinal := []delivery{
		{to: "alice", message: protocol.Warn("Orchestrator: Initiating CNOT between your alice_q1 and bob_q1...")},
		{to: "bob", message: protocol.Warn("Orchestrator: Receiving CNOT from another node...")},
	}
	if !reflect.DeepEqual(final, wantFinal) {
		t.Fatalf("unexpected phase B deliveries %#v", final)
	}
	if _, ok := h.engine.Session(session.ID); ok {
		t.Fatal("completed session should no longer be live")
	}

	nodes := h.nodes.Nodes()
	if !reflect.DeepEqual(nodes[0].Particles, []string{"alice_q1"}) || !reflect.DeepEqual(nodes[1].Particles, []string{"bob_q1"}) {
		t.Fatalf("unexpected particles %+v", nodes)
	}
}

func TestPhaseBRunsPhaseAFirstWhenBothDue(t *testing.T) {
	h := newHarness(t, false, "alice", "bob")
	if _, err := h.engine.Trigger(context.Background(), "alice", nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	h.clock.Add(2 * time.Second)
	var tasks []func()
	for len(tasks) < 2 {
		select {
		case fn := <-h.queue:
			tasks = append(tasks, fn)
		case <-time.After(time.Second):
			t.Fatalf("expected two dispatched tasks, got %d", len(tasks))
		}
	}
	// Run in reverse to simulate phase B's timer being drained first.
	tasks[1]()
	tasks[0]()

	var events []string
	for _, entry := range h.sender.to("alice") {
		events = append(events, entry.Event())
	}
	want := []string{protocol.EventLogMessage, protocol.EventExecuteCommand, protocol.EventLogMessage}
	if !reflect.DeepEqual(events, want) {
		t.Fatalf("expected phase A before phase B, got %v", events)
	}
}

func TestPartnerDisconnectDropsOnlyItsMessages(t *testing.T) {
	h := newHarness(t, false, "alice", "bob")
	if _, err := h.engine.Trigger(context.Background(), "alice", nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.disconnect("bob")

	h.advance(t, time.Second, 1)
	h.advance(t, time.Second, 1)

	if got := len(h.sender.to("bob")); got != 1 {
		t.Fatalf("expected only the immediate message for bob, got %d", got)
	}
	alice := h.sender.to("alice")
	if len(alice) != 3 {
		t.Fatalf("expected three messages for alice, got %d", len(alice))
	}
}

func TestCancelOnDisconnectStopsPendingPhases(t *testing.T) {
	h := newHarness(t, true, "alice", "bob")
	session, err := h.engine.Trigger(context.Background(), "alice", nil)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}

	h.disconnect("bob")
	if h.scheduler.Pending() != 0 {
		t.Fatalf("expected phases cancelled, got %d pending", h.scheduler.Pending())
	}
	if _, ok := h.engine.Session(session.ID); ok {
		t.Fatal("cancelled session should not be live")
	}

	h.advance(t, 2*time.Second, 0)
	if got := len(h.sender.to("alice")); got != 1 {
		t.Fatalf("expected only the immediate message for alice, got %d", got)
	}
}

func TestOverlappingSessionsShareAPartner(t *testing.T) {
	h := newHarness(t, false, "a", "b", "c")
	if _, err := h.engine.Trigger(context.Background(), "b", nil); err != nil {
		t.Fatalf("trigger b: %v", err)
	}
	h.clock.Add(500 * time.Millisecond)
	if _, err := h.engine.Trigger(context.Background(), "c", nil); err != nil {
		t.Fatalf("trigger c: %v", err)
	}
	if got := len(h.engine.Sessions()); got != 2 {
		t.Fatalf("expected two live sessions, got %d", got)
	}

	h.advance(t, 500*time.Millisecond, 1)
	h.advance(t, 500*time.Millisecond, 1)
	h.advance(t, 500*time.Millisecond, 1)
	h.advance(t, 500*time.Millisecond, 1)

	if got := len(h.sender.to("a")); got != 4 {
		t.Fatalf("expected partner a to receive both sessions' messages, got %d", got)
	}
	if len(h.engine.Sessions()) != 0 {
		t.Fatal("expected both sessions completed")
	}
}

func TestSessionSpanRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	previous := otelapi.GetTracerProvider()
	otelapi.SetTracerProvider(provider)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
		otelapi.SetTracerProvider(previous)
	})

	h := newHarness(t, false, "alice", "bob")
	if _, err := h.engine.Trigger(context.Background(), "alice", nil); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	h.advance(t, time.Second, 1)
	h.advance(t, time.Second, 1)

	ended := recorder.Ended()
	if len(ended) != 1 || ended[0].Name() != sessionSpanName {
		t.Fatalf("expected one ended session span, got %d", len(ended))
	}
	var names []string
	for _, spanEvent := range ended[0].Events() {
		names = append(names, spanEvent.Name)
	}
	if !reflect.DeepEqual(names, []string{"phase_a", "phase_b"}) {
		t.Fatalf("unexpected span events %v", names)
	}
}
