// Package events fans tree changes out to the owner's SSE streams.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/pantry/internal/metrics"
)

const (
	EventCreate  = "create"
	EventModify  = "modify"
	EventMove    = "move"
	EventTrash   = "trash"
	EventRestore = "restore"
	EventDelete  = "delete"
)

// bufferSize is how many events a stream may fall behind before new ones
// are dropped for it.
const bufferSize = 64

// Event is a change to one entry of an owner's tree. OwnerID routes the
// event and is never serialized.
type Event struct {
	Type      string  `json:"type"`
	OwnerID   string  `json:"-"`
	EntryID   string  `json:"entry_id"`
	ParentID  *string `json:"parent_id,omitempty"`
	Name      string  `json:"name,omitempty"`
	Size      int64   `json:"size,omitempty"`
	Timestamp int64   `json:"timestamp"`
}

// Broadcaster keeps one set of streams per owner.
type Broadcaster struct {
	mu     sync.RWMutex
	owners map[string]map[chan Event]struct{}
	owner  map[chan Event]string
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		owners: make(map[string]map[chan Event]struct{}),
		owner:  make(map[chan Event]string),
	}
}

// Subscribe opens a stream of ownerID's events. The caller must
// Unsubscribe when done.
func (b *Broadcaster) Subscribe(ownerID string) chan Event {
	ch := make(chan Event, bufferSize)

	b.mu.Lock()
	set := b.owners[ownerID]
	if set == nil {
		set = make(map[chan Event]struct{})
		b.owners[ownerID] = set
	}
	set[ch] = struct{}{}
	b.owner[ch] = ownerID
	n := len(b.owner)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe closes ch. Calling it twice is harmless.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	ownerID, ok := b.owner[ch]
	if ok {
		delete(b.owner, ch)
		set := b.owners[ownerID]
		delete(set, ch)
		if len(set) == 0 {
			delete(b.owners, ownerID)
		}
		close(ch)
	}
	n := len(b.owner)
	b.mu.Unlock()

	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish delivers event to every stream of its owner without blocking.
// A stream whose buffer is full misses the event.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}

	var sent, dropped int
	b.mu.RLock()
	for ch := range b.owners[event.OwnerID] {
		select {
		case ch <- event:
			sent++
		default:
			dropped++
		}
	}
	b.mu.RUnlock()

	metrics.RecordSSEDelivery(event.Type, sent, dropped)
}

// Count returns the number of open streams.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.owner)
}

// MarshalEvent encodes e as the SSE data payload.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
