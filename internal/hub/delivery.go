package hub

import (
	"strconv"

	"qios/internal/protocol"
)

// Delivery is one outbound message on the delivery bus. Exactly one of To or
// Group is set.
type Delivery struct {
	To      string
	Group   string
	Message protocol.Message
}

func (delivery Delivery) Type() string {
	if delivery.Message == nil {
		return ""
	}
	return delivery.Message.Event()
}

// Send delivers message to one connection. Messages for ids that are no
// longer connected are dropped and counted.
func (hub *Hub) Send(id string, message protocol.Message) bool {
	if _, ok := hub.conns[id]; !ok {
		hub.metrics.IncDeliveryDropped()
		hub.logger.Debug("dropped message for absent connection", map[string]string{
			"conn_id": id,
			"event":   message.Event(),
		})
		return false
	}
	delivered := hub.delivery.Publish(Delivery{To: id, Message: message})
	if delivered > 0 {
		hub.metrics.IncMessageSent(message.Event())
	}
	return delivered > 0
}

// SendGroup delivers message to every connection currently in group.
func (hub *Hub) SendGroup(group string, message protocol.Message) int {
	delivered := hub.delivery.Publish(Delivery{Group: group, Message: message})
	for i := 0; i < delivered; i++ {
		hub.metrics.IncMessageSent(message.Event())
	}
	if delivered > 0 {
		hub.logger.Debug("group message delivered", map[string]string{
			"group":      group,
			"event":      message.Event(),
			"recipients": strconv.Itoa(delivered),
		})
	}
	return delivered
}

func (hub *Hub) deliveryFilter(id string) func(Delivery) bool {
	return func(delivery Delivery) bool {
		if delivery.To != "" {
			return delivery.To == id
		}
		return hub.registry.InGroup(id, delivery.Group)
	}
}
