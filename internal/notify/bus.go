package notify

import (
	"sync"
	"time"
)

// Event kinds pushed to update subscribers.
const (
	KindPortControlStatus = "port_control_status"
	KindCloudProgress     = "cloud_progress"
	KindCloudStatus       = "cloud_status"
	KindSettingsUpdated   = "settings_updated"
	KindContactRemoved    = "contact_removed"
	KindSessionState      = "session_state"
)

type Event struct {
	Kind string    `json:"kind"`
	Time time.Time `json:"time"`
	Data any       `json:"data,omitempty"`
}

type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func NewBus() *Bus {
	return &Bus{subs: map[int]chan Event{}}
}

// Subscribe returns a buffered event channel and a cancel func. The
// channel is closed on cancel. A subscriber that stops draining loses
// events rather than blocking publishers.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	ch := make(chan Event, 64)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

func (b *Bus) Publish(kind string, data any) {
	ev := Event{Kind: kind, Time: time.Now().UTC(), Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
