package sync

import (
	"fmt"
	gosync "sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// Status is a point-in-time snapshot of the engine.
type Status struct {
	IsConnected    bool `json:"is_connected"`
	IsSyncing      bool `json:"is_syncing"`
	PendingChanges int  `json:"pending_changes"`
	// LastSyncTime is zero until the first sync completes.
	LastSyncTime time.Time `json:"last_sync_time"`
}

// DefaultSubscriptionBuffer is the channel capacity of a Subscription.
const DefaultSubscriptionBuffer = 16

// Subscription receives status snapshots published after it was created.
// When the buffer is full the oldest snapshot is dropped.
type Subscription struct {
	ch    chan Status
	topic string
	b     *broadcaster
}

// C returns the snapshot channel. It is closed by Close or engine disposal.
func (s *Subscription) C() <-chan Status {
	return s.ch
}

// Close stops delivery and closes the channel. It is safe to call twice.
func (s *Subscription) Close() {
	s.b.remove(s)
}

func (s *Subscription) deliver(st Status) {
	for {
		select {
		case s.ch <- st:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// broadcaster fans status snapshots out over an event bus. Each subscription
// gets its own topic so it can be unsubscribed independently.
type broadcaster struct {
	bus evbus.Bus

	mu     gosync.Mutex
	next   int
	subs   map[string]*Subscription
	closed bool
}

func newBroadcaster() *broadcaster {
	return &broadcaster{
		bus:  evbus.New(),
		subs: make(map[string]*Subscription),
	}
}

func (b *broadcaster) subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriptionBuffer
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{ch: make(chan Status, buffer), b: b}
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.next++
	sub.topic = fmt.Sprintf("status:%d", b.next)
	if err := b.bus.Subscribe(sub.topic, sub.deliver); err != nil {
		close(sub.ch)
		return sub
	}
	b.subs[sub.topic] = sub
	return sub
}

// publish delivers st to every live subscription. Deliveries never block.
func (b *broadcaster) publish(st Status) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic := range b.subs {
		b.bus.Publish(topic, st)
	}
}

func (b *broadcaster) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.topic]; !ok {
		return
	}
	delete(b.subs, sub.topic)
	_ = b.bus.Unsubscribe(sub.topic, sub.deliver)
	close(sub.ch)
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, sub := range b.subs {
		delete(b.subs, topic)
		_ = b.bus.Unsubscribe(topic, sub.deliver)
		close(sub.ch)
	}
	b.closed = true
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
