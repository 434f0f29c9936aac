package cdp

import (
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// AllSessions subscribes to events from every session and from the browser
// itself.
const AllSessions = "*"

// Subscription is a live feed of events for one session (or all sessions)
// filtered by method. The feed ends when Close is called, when the session
// ends, or when the engine closes; the Events channel is then closed.
type Subscription struct {
	id        uint64
	sessionID string
	methods   []string
	stream    *stream[Event]
	engine    *Engine
	closeOnce sync.Once
}

// Events returns the event channel. It is closed at end-of-sequence.
func (s *Subscription) Events() <-chan Event {
	return s.stream.ch
}

// Next blocks for the next event. It returns io.EOF after an explicit Close,
// or the reason the feed ended (ErrTargetGone, ErrConnectionClosed).
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	select {
	case ev, ok := <-s.stream.ch:
		if !ok {
			if err := s.stream.reason(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}
		return ev, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// SessionID returns the session the subscription was registered for.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Dropped returns the number of events discarded because the consumer fell
// behind.
func (s *Subscription) Dropped() uint64 {
	return s.stream.dropped.Load()
}

// Err returns why the feed ended, or nil while it is open or after Close.
func (s *Subscription) Err() error {
	return s.stream.reason()
}

// Close unsubscribes. It returns once the engine has stopped delivering to
// the subscription. Calling Close more than once is safe.
func (s *Subscription) Close() error {
	s.closeOnce.Do(func() {
		s.engine.unsubscribe(s.id)
	})
	return nil
}

// allMethods is the registry key for subscribers without a method filter.
const allMethods = ""

// dispatcher routes events to subscribers. Owned by the driving loop.
type dispatcher struct {
	nextID uint64
	subs   map[uint64]*Subscription
	// session key -> method key -> subscribers. The wildcard session uses
	// AllSessions as its key.
	registry map[string]map[string][]*Subscription
	log      *zap.Logger
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{
		subs:     make(map[uint64]*Subscription),
		registry: make(map[string]map[string][]*Subscription),
		log:      log,
	}
}

func (d *dispatcher) add(sub *Subscription) {
	d.nextID++
	sub.id = d.nextID
	d.subs[sub.id] = sub

	byMethod := d.registry[sub.sessionID]
	if byMethod == nil {
		byMethod = make(map[string][]*Subscription)
		d.registry[sub.sessionID] = byMethod
	}
	if len(sub.methods) == 0 {
		byMethod[allMethods] = append(byMethod[allMethods], sub)
		return
	}
	for _, m := range sub.methods {
		byMethod[m] = append(byMethod[m], sub)
	}
}

// remove unregisters a subscription and ends its feed with reason.
func (d *dispatcher) remove(id uint64, reason error) bool {
	sub, ok := d.subs[id]
	if !ok {
		return false
	}
	delete(d.subs, id)

	byMethod := d.registry[sub.sessionID]
	keys := sub.methods
	if len(keys) == 0 {
		keys = []string{allMethods}
	}
	for _, m := range keys {
		list := byMethod[m]
		for i, s := range list {
			if s == sub {
				byMethod[m] = append(list[:i:i], list[i+1:]...)
				break
			}
		}
		if len(byMethod[m]) == 0 {
			delete(byMethod, m)
		}
	}
	if len(byMethod) == 0 {
		delete(d.registry, sub.sessionID)
	}

	sub.stream.close(reason)
	return true
}

// dispatch delivers ev to the subscribers of its session and to wildcard
// subscribers. It never blocks.
func (d *dispatcher) dispatch(ev Event) int {
	delivered := 0
	deliver := func(list []*Subscription) {
		for _, sub := range list {
			if sub.stream.push(ev) {
				metricEventsDropped.Inc()
				d.log.Debug("subscriber queue full, dropped oldest event",
					zap.Uint64("subscription", sub.id),
					zap.String("session", sub.sessionID),
					zap.Uint64("dropped", sub.Dropped()))
			}
			delivered++
		}
	}

	for _, key := range [2]string{ev.SessionID, AllSessions} {
		byMethod := d.registry[key]
		if byMethod == nil {
			continue
		}
		deliver(byMethod[ev.Method])
		deliver(byMethod[allMethods])
	}

	metricEventsDispatched.Add(float64(delivered))
	return delivered
}

// closeSession ends every subscription registered for sessionID.
func (d *dispatcher) closeSession(sessionID string, reason error) int {
	byMethod := d.registry[sessionID]
	if byMethod == nil {
		return 0
	}
	seen := make(map[uint64]bool)
	for _, list := range byMethod {
		for _, sub := range list {
			seen[sub.id] = true
		}
	}
	for id := range seen {
		d.remove(id, reason)
	}
	return len(seen)
}

// closeAll ends every subscription.
func (d *dispatcher) closeAll(reason error) {
	for id := range d.subs {
		d.remove(id, reason)
	}
}
