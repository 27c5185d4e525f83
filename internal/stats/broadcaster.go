package stats

import (
	"strconv"
	"time"

	"qios/internal/logging"
	"qios/internal/metrics"
	"qios/internal/protocol"
	"qios/internal/registry"
)

// GroupSender delivers a message to every member of a broadcast group and
// reports how many connections received it.
type GroupSender interface {
	SendGroup(group string, message protocol.Message) int
}

// NodeCounter reports the live number of registered nodes.
type NodeCounter interface {
	CountNodes() int
}

type Broadcaster struct {
	State   *State
	Nodes   NodeCounter
	Sender  GroupSender
	Metrics *metrics.Registry
	Logger  *logging.Logger
}

// Tick perturbs the state and pushes a snapshot to the admins group. It runs
// even when no admin is connected.
func (broadcaster *Broadcaster) Tick(now time.Time) protocol.SystemUpdate {
	broadcaster.State.Perturb(now)
	update := protocol.SystemUpdate{
		Stats:     broadcaster.State.Snapshot(),
		NodeCount: broadcaster.Nodes.CountNodes(),
	}
	broadcaster.Metrics.IncBroadcastTick()

	delivered := 0
	if broadcaster.Sender != nil {
		delivered = broadcaster.Sender.SendGroup(registry.GroupAdmins, update)
	}
	broadcaster.Logger.Debug("system update broadcast", map[string]string{
		"node_count": strconv.Itoa(update.NodeCount),
		"admins":     strconv.Itoa(delivered),
	})
	return update
}
