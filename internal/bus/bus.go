// Package bus is the in-process event stream behind task lifecycle
// updates. Publish assigns strictly monotonic event IDs; subscribers pull
// from a declared cursor and ack to advance it, so delivery is
// at-least-once with FIFO order per correlation ID.
package bus

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ignite/mailtriage/internal/domain"
)

// CursorStore persists subscriber positions across reconnects.
type CursorStore interface {
	Get(ctx context.Context, subscriber, topic string) (uint64, error)
	Set(ctx context.Context, subscriber, topic string, cursor uint64) error
}

// Bus retains the event log in memory and fans deliveries out to
// subscriptions. The persistence layer keeps the durable audit copy; the
// bus only owns delivery state.
type Bus struct {
	cursors CursorStore

	mu     sync.Mutex
	seq    uint64
	events []domain.Event
	subs   map[string]*Subscription
	nextID int
}

func New(cursors CursorStore) *Bus {
	return &Bus{
		cursors: cursors,
		subs:    make(map[string]*Subscription),
	}
}

// NextID pre-allocates an event ID so the caller can commit the event to
// durable storage before handing it to Publish.
func (b *Bus) NextID() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	return b.seq
}

// Publish stamps the event with the next monotonic ID (unless one was
// pre-allocated via NextID) and wakes subscribers.
func (b *Bus) Publish(_ context.Context, ev domain.Event) (domain.Event, error) {
	b.mu.Lock()
	if ev.EventID == 0 {
		b.seq++
		ev.EventID = b.seq
	} else if ev.EventID > b.seq {
		b.seq = ev.EventID
	}
	b.events = append(b.events, ev)
	subs := make([]*Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.wake()
	}
	return ev, nil
}

// Subscribe registers a subscriber for a topic starting after cursor. A
// zero cursor resumes from the persisted position; a nonzero cursor
// overrides it (rewind or skip). Empty topic means every topic.
func (b *Bus) Subscribe(ctx context.Context, subscriber, topic string, cursor uint64) (*Subscription, error) {
	if cursor == 0 && b.cursors != nil {
		persisted, err := b.cursors.Get(ctx, subscriber, topic)
		if err != nil {
			return nil, fmt.Errorf("bus: loading cursor for %s/%s: %w", subscriber, topic, err)
		}
		cursor = persisted
	}

	s := &Subscription{
		bus:        b,
		subscriber: subscriber,
		topic:      topic,
		cursor:     cursor,
		delivered:  cursor,
		ch:         make(chan domain.Event, 16),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	b.nextID++
	s.key = fmt.Sprintf("%s/%s#%d", subscriber, topic, b.nextID)
	b.subs[s.key] = s
	b.mu.Unlock()

	go s.pump()
	s.wake()
	log.Printf("[Bus] subscriber=%s topic=%q cursor=%d", subscriber, topic, cursor)
	return s, nil
}

// next returns the first retained event after id that matches topic.
func (b *Bus) next(id uint64, topic string) (domain.Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.EventID <= id {
			continue
		}
		if topic != "" && string(ev.Type) != topic {
			continue
		}
		return ev, true
	}
	return domain.Event{}, false
}

func (b *Bus) drop(key string) {
	b.mu.Lock()
	delete(b.subs, key)
	b.mu.Unlock()
}

// Subscription is one subscriber's live stream.
type Subscription struct {
	bus        *Bus
	key        string
	subscriber string
	topic      string

	mu        sync.Mutex
	cursor    uint64 // acked position
	delivered uint64 // last event pushed to the channel

	ch     chan domain.Event
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Events is the delivery channel. Closed when the subscription closes.
func (s *Subscription) Events() <-chan domain.Event { return s.ch }

// Ack advances the cursor to eventID and persists it. Acking out of order
// is tolerated; the cursor never moves backwards.
func (s *Subscription) Ack(ctx context.Context, eventID uint64) error {
	s.mu.Lock()
	if eventID > s.cursor {
		s.cursor = eventID
	}
	cursor := s.cursor
	s.mu.Unlock()

	if s.bus.cursors == nil {
		return nil
	}
	return s.bus.cursors.Set(ctx, s.subscriber, s.topic, cursor)
}

// Close stops delivery. Unacked events redeliver on the next Subscribe.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.bus.drop(s.key)
	})
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		delivered := s.delivered
		s.mu.Unlock()

		ev, ok := s.bus.next(delivered, s.topic)
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.ch <- ev:
			s.mu.Lock()
			s.delivered = ev.EventID
			s.mu.Unlock()
		case <-s.done:
			return
		}
	}
}
