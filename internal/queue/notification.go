package queue

// NotificationRequest is the payload type for the notification queue
// (spec §6 NotificationChannel).
type NotificationRequest struct {
	ChannelID string
	UserID    string
	Text      string
	JobID     string
}

// NotificationQueue is identical in design to DeliveryQueue but additionally
// bounds record retention to Config.MaxRecords (spec §4.6).
type NotificationQueue = Queue[NotificationRequest]

// NewNotificationQueue constructs a NotificationQueue with send as its
// sink. Callers should pass a Config with MaxRecords set (see
// DefaultNotificationConfig).
func NewNotificationQueue(cfg Config, send Sink[NotificationRequest]) *NotificationQueue {
	return New(cfg, send)
}
