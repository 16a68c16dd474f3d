// Package eventbus is the core's internal publish/subscribe broker. It
// decouples the registries (which know when something happened) from the
// Observer WebSocket layer (which knows who is listening) — generalized
// from the teacher's websocket.Hub, which coupled the two together.
package eventbus

import (
	"context"
	"sync"

	"github.com/botfleet/orchestrator/internal/metrics"
)

// Event is a single published message. Topic namespaces the subject the way
// the teacher's Hub topics did:
//
//	bots            — a bot was created/updated/deleted
//	run:<uuid>      — a run transitioned state, or a RunEvent/RunLog arrived
//	runs            — the firehose of every run event, for dashboards
//	agent:<agentID> — an agent's status or heartbeat changed
//	agents          — the firehose of every agent event
type Event struct {
	Topic string
	Kind  string // e.g. "bot.created", "run.updated", "agent.heartbeat"
	Data  any
}

// subscription is one registered listener's channel and the topics it cares
// about.
type subscription struct {
	ch     chan Event
	topics map[string]struct{}
	// registered is closed by Run once the subscription is indexed.
	registered chan struct{}
}

// Bus is the single-writer pub/sub broker. All mutations to the subscriber
// registry are serialized through the Run goroutine via channels, exactly as
// in the teacher's Hub — Publish only ever takes a read lock to copy the
// target set before sending outside of it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[*subscription]struct{}
	topics map[string]map[*subscription]struct{}

	register   chan *subscription
	unregister chan *subscription
	stopped    chan struct{}
}

// New creates an idle Bus. Call Run in a goroutine before publishing.
func New() *Bus {
	return &Bus{
		subs:       make(map[*subscription]struct{}),
		topics:     make(map[string]map[*subscription]struct{}),
		register:   make(chan *subscription, 16),
		unregister: make(chan *subscription, 16),
		stopped:    make(chan struct{}),
	}
}

// Run starts the bus's event loop. Call exactly once, in its own goroutine.
// It exits when ctx is cancelled.
func (b *Bus) Run(ctx context.Context) {
	defer close(b.stopped)

	for {
		select {
		case sub := <-b.register:
			b.mu.Lock()
			b.subs[sub] = struct{}{}
			for topic := range sub.topics {
				if b.topics[topic] == nil {
					b.topics[topic] = make(map[*subscription]struct{})
				}
				b.topics[topic][sub] = struct{}{}
			}
			b.mu.Unlock()
			close(sub.registered)

		case sub := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[sub]; ok {
				delete(b.subs, sub)
				for topic := range sub.topics {
					delete(b.topics[topic], sub)
					if len(b.topics[topic]) == 0 {
						delete(b.topics, topic)
					}
				}
				close(sub.ch)
			}
			b.mu.Unlock()

		case <-ctx.Done():
			b.mu.Lock()
			for sub := range b.subs {
				close(sub.ch)
			}
			b.subs = make(map[*subscription]struct{})
			b.topics = make(map[string]map[*subscription]struct{})
			b.mu.Unlock()
			return
		}
	}
}

// Subscription is the handle returned to callers of Subscribe. Events is the
// channel to range over; Close detaches it from the bus.
type Subscription struct {
	Events <-chan Event
	sub    *subscription
	bus    *Bus
}

// Close unsubscribes; the bus then closes the underlying Events channel.
func (s *Subscription) Close() {
	s.bus.unregister <- s.sub
}

// Subscribe registers a new listener for the given topics with the given
// buffer size. A buffer of 64 matches the teacher's client send-buffer
// sizing for WebSocket fan-out.
func (b *Bus) Subscribe(buffer int, topics ...string) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	set := make(map[string]struct{}, len(topics))
	for _, t := range topics {
		set[t] = struct{}{}
	}
	sub := &subscription{ch: make(chan Event, buffer), topics: set, registered: make(chan struct{})}
	b.register <- sub
	select {
	case <-sub.registered:
	case <-b.stopped:
	}
	return &Subscription{Events: sub.ch, sub: sub, bus: b}
}

// Publish delivers ev to every subscriber of ev.Topic. It never blocks the
// caller: a subscriber whose buffer is full has its oldest undelivered event
// evicted to make room, rather than dropping the incoming one — Observer
// clients care about the freshest state, not a stale backlog, so ev always
// wins over whatever has been sitting unread the longest (spec.md §4.8).
func (b *Bus) Publish(ev Event) {
	metrics.EventBusPublished.WithLabelValues(ev.Topic).Inc()

	b.mu.RLock()
	targets := b.topics[ev.Topic]
	subs := make([]*subscription, 0, len(targets))
	for s := range targets {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			select {
			case <-s.ch:
				metrics.EventBusDropped.WithLabelValues(ev.Topic).Inc()
			default:
			}
			select {
			case s.ch <- ev:
			default:
				// Another send won the race on this subscriber's buffer
				// between the drain above and here; ev is dropped instead.
				metrics.EventBusDropped.WithLabelValues(ev.Topic).Inc()
			}
		}
	}
}

// SubscriberCount returns the number of currently registered subscriptions,
// for health and metrics endpoints.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
