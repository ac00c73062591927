package engine

import (
	"sync"

	"github.com/gagliardetto/solana-go"
)

// EventType labels an order lifecycle event.
type EventType string

const (
	EventSubmitted EventType = "submitted"
	EventExecuted  EventType = "executed"
	EventCancelled EventType = "cancelled"
	EventClaimed   EventType = "claimed"
	EventExpired   EventType = "expired"
)

// Event is the public lifecycle notification pushed to stream subscribers.
// It carries only public identifiers, never payload bytes.
type Event struct {
	Type      EventType        `json:"type"`
	Owner     solana.PublicKey `json:"owner"`
	OrderID   uint64           `json:"orderId"`
	Status    Status           `json:"status"`
	Timestamp int64            `json:"ts"`
}

const subscriberBuffer = 64

// Feed fans lifecycle events out to subscribers. A subscriber that falls
// behind its buffer drops events rather than blocking a settlement.
type Feed struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]chan Event
}

func newFeed() *Feed {
	return &Feed{subs: make(map[uint64]chan Event)}
}

func (f *Feed) subscribe() (<-chan Event, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := f.nextID
	f.nextID++
	ch := make(chan Event, subscriberBuffer)
	f.subs[id] = ch

	cancel := func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if sub, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (f *Feed) publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, ch := range f.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
