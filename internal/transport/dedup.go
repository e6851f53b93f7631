package transport

import (
	"sync"
	"time"
)

const (
	// defaultMessageIDTTL is the window within which a repeated message_id
	// is dropped as a duplicate delivery (spec §6).
	defaultMessageIDTTL = 30 * time.Second

	// defaultContentTTL is the window within which an identical
	// (channel_id, user_id, text) triple is dropped, covering channels
	// that don't hand back a stable message_id (spec §6).
	defaultContentTTL = 2 * time.Second

	sweepInterval = 5 * time.Second
)

// deduplicator implements spec §6's inbound de-duplication rule, applied
// before messages reach the agent loop: by message_id within
// defaultMessageIDTTL, and by (channel_id, user_id, text) within
// defaultContentTTL.
type deduplicator struct {
	idTTL      time.Duration
	contentTTL time.Duration

	mu        sync.Mutex
	byID      map[string]time.Time
	byContent map[string]time.Time

	stopCh chan struct{}
	once   sync.Once
}

func newDeduplicator(idTTL, contentTTL time.Duration) *deduplicator {
	d := &deduplicator{
		idTTL:      idTTL,
		contentTTL: contentTTL,
		byID:       make(map[string]time.Time),
		byContent:  make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}
	go d.sweep()
	return d
}

// isDuplicate reports whether msg has been seen before within the
// relevant window, recording it as seen if not.
func (d *deduplicator) isDuplicate(msg InboundMessage) bool {
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	if msg.MessageID != "" {
		key := string(msg.ChannelType) + ":" + msg.ChannelID + ":" + msg.MessageID
		if seenAt, ok := d.byID[key]; ok && now.Sub(seenAt) < d.idTTL {
			return true
		}
		d.byID[key] = now
	}

	contentKey := string(msg.ChannelType) + ":" + msg.ChannelID + ":" + msg.UserID + ":" + msg.Text
	if seenAt, ok := d.byContent[contentKey]; ok && now.Sub(seenAt) < d.contentTTL {
		return true
	}
	d.byContent[contentKey] = now

	return false
}

func (d *deduplicator) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case now := <-ticker.C:
			d.mu.Lock()
			for k, t := range d.byID {
				if now.Sub(t) >= d.idTTL {
					delete(d.byID, k)
				}
			}
			for k, t := range d.byContent {
				if now.Sub(t) >= d.contentTTL {
					delete(d.byContent, k)
				}
			}
			d.mu.Unlock()
		}
	}
}

func (d *deduplicator) stop() {
	d.once.Do(func() { close(d.stopCh) })
}
