package queue

// OutboundMessage is the payload type for the delivery queue — a message
// destined for a single user on a single channel (spec §6 OutboundSender).
type OutboundMessage struct {
	ChannelID string
	UserID    string
	Text      string
	Meta      map[string]any
}

// DeliveryQueue is the outbound message retry queue (spec §4.6).
type DeliveryQueue = Queue[OutboundMessage]

// NewDeliveryQueue constructs a DeliveryQueue with send as its sink.
func NewDeliveryQueue(cfg Config, send Sink[OutboundMessage]) *DeliveryQueue {
	return New(cfg, send)
}
