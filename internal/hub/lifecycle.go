package hub

import (
	"context"
	"strconv"
	"time"

	"qios/internal/protocol"
	"qios/internal/registry"
)

const (
	nodeRegisteredMessage  = "Registered with Back Office. Ready for commands."
	adminRegisteredMessage = "Connected to Back Office as Admin."
)

// Conn is the hub-side handle of one transport connection. Output is closed
// when the connection is disconnected or the hub stops.
type Conn struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time
	Output      <-chan Delivery

	ctx    context.Context
	cancel func()
}

// Connect admits a new unassigned connection. ctx is used as the parent for
// spans created on behalf of this connection.
func (hub *Hub) Connect(ctx context.Context, remoteAddr string) (*Conn, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var conn *Conn
	err := hub.Do(ctx, func() {
		id := hub.newID()
		output, cancel := hub.delivery.Subscribe(hub.deliveryFilter(id))
		conn = &Conn{
			ID:          id,
			RemoteAddr:  remoteAddr,
			ConnectedAt: hub.clock.Now().UTC(),
			Output:      output,
			ctx:         context.WithoutCancel(ctx),
			cancel:      cancel,
		}
		hub.conns[id] = conn
		hub.connCount.Store(int64(len(hub.conns)))
		hub.metrics.IncConnectionOpened()
		hub.logger.Info("connection opened", map[string]string{
			"conn_id":     id,
			"remote_addr": remoteAddr,
		})
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Dispatch queues an inbound frame from id. Frames from one caller are
// handled in the order they were dispatched.
func (hub *Hub) Dispatch(id string, frame protocol.Frame) bool {
	return hub.post(func() {
		hub.handleFrame(id, frame)
	})
}

// Disconnect tears down id. It is safe to call more than once.
func (hub *Hub) Disconnect(id string) bool {
	return hub.post(func() {
		hub.handleDisconnect(id)
	})
}

// ConnectionCount is safe to call from any goroutine.
func (hub *Hub) ConnectionCount() int {
	return int(hub.connCount.Load())
}

func (hub *Hub) handleFrame(id string, frame protocol.Frame) {
	conn, ok := hub.conns[id]
	if !ok {
		return
	}
	switch frame.Event {
	case protocol.EventRegisterNode:
		hub.register(conn, registry.RoleNode)
		hub.Send(id, protocol.Info(nodeRegisteredMessage))
	case protocol.EventRegisterAdmin:
		hub.register(conn, registry.RoleAdmin)
		hub.Send(id, protocol.InitialState{Message: adminRegisteredMessage})
	case protocol.EventRunProgram:
		if role := hub.registry.Role(id); role != registry.RoleNode {
			hub.logger.Debug("run_program ignored", map[string]string{
				"conn_id": id,
				"role":    string(role),
			})
			return
		}
		hub.logger.Info("program received", map[string]string{
			"conn_id": id,
			"bytes":   strconv.Itoa(len(frame.Data)),
		})
		// The only error is the precondition failure, already reported to the initiator.
		_, _ = hub.engine.Trigger(conn.ctx, id, frame.Data)
	default:
		hub.logger.Warn("unknown event ignored", map[string]string{
			"conn_id": id,
			"event":   frame.Event,
		})
	}
}

func (hub *Hub) register(conn *Conn, role registry.Role) {
	previous := hub.registry.Role(conn.ID)
	hub.registry.Register(conn.ID, role)
	hub.metrics.IncRegistration(string(role))
	hub.logger.Info("connection registered", map[string]string{
		"conn_id":  conn.ID,
		"role":     string(role),
		"previous": string(previous),
	})
}

func (hub *Hub) handleDisconnect(id string) {
	conn, ok := hub.conns[id]
	if !ok {
		return
	}
	role := hub.registry.Role(id)
	hub.registry.Unregister(id)
	delete(hub.conns, id)
	hub.connCount.Store(int64(len(hub.conns)))
	conn.cancel()
	cancelled := hub.engine.ParticipantGone(id)
	hub.metrics.IncConnectionClosed()
	hub.logger.Info("connection closed", map[string]string{
		"conn_id":            id,
		"role":               string(role),
		"sessions_cancelled": strconv.Itoa(cancelled),
	})
}
