package stats

import (
	"testing"
	"time"

	"qios/internal/metrics"
	"qios/internal/protocol"
	"qios/internal/registry"
)

type recordingSender struct {
	groups   []string
	messages []protocol.Message
	members  int
}

func (sender *recordingSender) SendGroup(group string, message protocol.Message) int {
	sender.groups = append(sender.groups, group)
	sender.messages = append(sender.messages, message)
	return sender.members
}

func TestTickBroadcastsToAdminsWithLiveNodeCount(t *testing.T) {
	state, err := NewState(nil, seeded())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	nodes := registry.New()
	nodes.Register("n1", registry.RoleNode)
	nodes.Register("n2", registry.RoleNode)
	nodes.Register("a1", registry.RoleAdmin)
	sender := &recordingSender{members: 1}
	broadcaster := &Broadcaster{State: state, Nodes: nodes, Sender: sender, Metrics: &metrics.Registry{}}

	update := broadcaster.Tick(time.Now())
	if update.NodeCount != 2 {
		t.Fatalf("expected node count 2, got %d", update.NodeCount)
	}
	if len(sender.groups) != 1 || sender.groups[0] != registry.GroupAdmins {
		t.Fatalf("expected one admins broadcast, got %v", sender.groups)
	}

	nodes.Register("n1", registry.RoleAdmin)
	update = broadcaster.Tick(time.Now())
	if update.NodeCount != 1 {
		t.Fatalf("expected node count 1 after re-registration, got %d", update.NodeCount)
	}
	sent, ok := sender.messages[1].(protocol.SystemUpdate)
	if !ok || sent.NodeCount != 1 {
		t.Fatalf("unexpected broadcast payload %#v", sender.messages[1])
	}
}

func TestTickWithoutAdminsStillMutatesState(t *testing.T) {
	state, err := NewState(nil, seeded())
	if err != nil {
		t.Fatalf("new state: %v", err)
	}
	broadcaster := &Broadcaster{State: state, Nodes: registry.New(), Sender: &recordingSender{}}
	before := state.Snapshot()

	now := time.Now()
	broadcaster.Tick(now)

	after := state.Snapshot()
	if after["traceability"] == before["traceability"] && after["contradiction"] == before["contradiction"] {
		t.Fatal("expected the tick to move at least one metric")
	}
	if !state.UpdatedAt().Equal(now) {
		t.Fatalf("expected updated time %v, got %v", now, state.UpdatedAt())
	}
}
