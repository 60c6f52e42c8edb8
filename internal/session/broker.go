package session

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType names a session event
type EventType string

const (
	EventPhase         EventType = "phase"
	EventClarification EventType = "clarification"
	EventIdeation      EventType = "ideation"
	EventQueue         EventType = "queue"
	EventSettings      EventType = "settings"
	EventLoop          EventType = "loop"
	EventNotice        EventType = "notice"
	EventError         EventType = "error"
	EventClosed        EventType = "closed"
)

const (
	defaultHistorySize = 256
	subscriberBuffer   = 64
)

// Event is one entry of a session's ordered stream. Seq starts at 1.
type Event struct {
	Seq  uint64          `json:"seq"`
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	At   time.Time       `json:"at"`
}

// Broker fans session events out to subscribers and keeps a bounded history
// so a client reconnecting with a cursor receives what it missed.
type Broker struct {
	mu      sync.Mutex
	seq     uint64
	history []Event
	limit   int
	subs    map[chan Event]struct{}
	closed  bool
}

// NewBroker creates a broker keeping the last limit events
func NewBroker(limit int) *Broker {
	if limit <= 0 {
		limit = defaultHistorySize
	}
	return &Broker{limit: limit, subs: make(map[chan Event]struct{})}
}

// Publish appends an event and delivers it. A subscriber whose buffer is full
// is dropped; it reconnects with its last cursor.
func (b *Broker) Publish(eventType EventType, data any) Event {
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"error": err.Error()})
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	event := Event{Seq: b.seq, Type: eventType, Data: raw, At: time.Now()}
	if b.closed {
		return event
	}

	b.history = append(b.history, event)
	if len(b.history) > b.limit {
		b.history = b.history[len(b.history)-b.limit:]
	}

	for ch := range b.subs {
		select {
		case ch <- event:
		default:
			delete(b.subs, ch)
			close(ch)
		}
	}
	return event
}

// Subscribe returns the events after cursor still held in history, a live
// channel, and a cancel func. gap reports that events older than the history
// were lost and the client should fetch a snapshot.
func (b *Broker) Subscribe(cursor uint64) (backlog []Event, live <-chan Event, cancel func(), gap bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, e := range b.history {
		if e.Seq > cursor {
			backlog = append(backlog, e)
		}
	}
	if len(b.history) > 0 && cursor+1 < b.history[0].Seq {
		gap = true
	}

	ch := make(chan Event, subscriberBuffer)
	if b.closed {
		close(ch)
		return backlog, ch, func() {}, gap
	}
	b.subs[ch] = struct{}{}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
		})
	}
	return backlog, ch, cancel, gap
}

// Cursor returns the sequence number of the latest event
func (b *Broker) Cursor() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close ends every subscription
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
