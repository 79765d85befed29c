package notify

import (
	"context"
	"errors"
	"sync"
	"time"
)

// EventType names an outbound notification.
type EventType string

const (
	// EventLockOverridden tells the displaced holder that another user took the edit lock.
	EventLockOverridden EventType = "lock-overridden"
	// EventRevisionRecorded tells a document owner that someone else recorded a revision.
	EventRevisionRecorded EventType = "revision-recorded"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat EventType = "heartbeat"
)

// ErrInvalidEvent indicates an event without a recipient or type.
var ErrInvalidEvent = errors.New("notify: event requires a user and a type")

// Event is a typed fire-and-forget message addressed to one user.
type Event struct {
	Type       EventType
	UserID     string
	DocumentID string
	ActorID    string
	Sequence   int64
	Timestamp  time.Time
}

// Notifier delivers events out of band.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatcher fans events out to the in-process subscribers of each user.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Event
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for the user until ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, userID string) (<-chan Event, func()) {
	if userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	entry := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Event, d.bufferSize),
	}
	d.register(userID, entry)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(userID, entry.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return entry.stream, cleanup
}

// Notify publishes the event. Slow subscribers drop events instead of blocking the sender.
func (d *Dispatcher) Notify(_ context.Context, event Event) error {
	if event.UserID == "" || event.Type == "" {
		return ErrInvalidEvent
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.UserID]
	copies := make([]*subscriber, 0, len(subscribers))
	for _, entry := range subscribers {
		copies = append(copies, entry)
	}
	d.mu.RUnlock()
	for _, entry := range copies {
		select {
		case entry.stream <- event:
		default:
		}
	}
	return nil
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(userID string, entry *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*subscriber)
	}
	d.subscribers[userID][entry.id] = entry
}

func (d *Dispatcher) unregister(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
