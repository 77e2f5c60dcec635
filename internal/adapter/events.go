// Package adapter implements the External Adapter: the pure translation
// layer between the Bridge Coordinator and an out-of-scope API/UI process.
// It owns no state of its own and never calls the Robot Driver or PLC
// Driver directly — every command input is forwarded through the Bridge,
// and every observable is something the Bridge published.
package adapter

import (
	"sync"

	"go.uber.org/zap"
)

// EventKind is one of the fixed, typed observable names named in the
// component contract.
type EventKind string

const (
	EventPoseUpdated        EventKind = "pose_updated"
	EventStatusChanged      EventKind = "status_changed"
	EventBridgeStateChanged EventKind = "bridge_state_changed"
	EventRobotConnected     EventKind = "robot_connected"
	EventRobotDisconnected  EventKind = "robot_disconnected"
	EventPLCConnected       EventKind = "plc_connected"
	EventPLCDisconnected    EventKind = "plc_disconnected"
	EventEmergencyStop      EventKind = "emergency_stop"
)

// Event is one observable push. Payload carries kind-specific fields (e.g.
// {"x":..,"y":..} for pose_updated, {"code":..} for status_changed); keeping
// it a map rather than a kind-specific struct lets Telemetry and Alert
// subscribers treat every Event uniformly.
type Event struct {
	Kind    EventKind
	Payload map[string]any
}

// subscriber is one registered channel plus the kinds it cares about. An
// empty Kinds set means "all kinds".
type subscriber struct {
	ch    chan Event
	kinds map[EventKind]bool
}

const subscriberBuffer = 64

// Bus is the central event fan-out, grounded on the teacher's
// channel-serialized Hub: a single Run goroutine owns the subscriber map,
// registration and removal flow through channels rather than a directly
// mutexed map, and delivery to a subscriber is always non-blocking so one
// slow dashboard can never back-pressure the Bridge tick.
type Bus struct {
	publish    chan Event
	register   chan *subscriber
	unregister chan *subscriber

	logger *zap.Logger

	mu   sync.RWMutex
	subs map[*subscriber]struct{}
}

func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		publish:    make(chan Event, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		logger:     logger,
		subs:       make(map[*subscriber]struct{}),
	}
}

// Run owns the subscriber map for its lifetime. Call it in its own
// goroutine; it returns when stop is closed, closing every subscriber channel.
func (b *Bus) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			b.mu.Lock()
			for s := range b.subs {
				close(s.ch)
			}
			b.subs = make(map[*subscriber]struct{})
			b.mu.Unlock()
			return
		case s := <-b.register:
			b.mu.Lock()
			b.subs[s] = struct{}{}
			b.mu.Unlock()
		case s := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.subs[s]; ok {
				delete(b.subs, s)
				close(s.ch)
			}
			b.mu.Unlock()
		case ev := <-b.publish:
			b.mu.RLock()
			for s := range b.subs {
				if len(s.kinds) > 0 && !s.kinds[ev.Kind] {
					continue
				}
				select {
				case s.ch <- ev:
				default:
					b.logger.Warn("event subscriber buffer full, dropping event", zap.String("kind", string(ev.Kind)))
				}
			}
			b.mu.RUnlock()
		}
	}
}

// Publish pushes one event onto the bus. Non-blocking up to the bus's own
// buffer; callers (the Bridge tick) never wait on subscriber delivery.
func (b *Bus) Publish(ev Event) {
	select {
	case b.publish <- ev:
	default:
		b.logger.Warn("event bus publish buffer full, dropping event", zap.String("kind", string(ev.Kind)))
	}
}

// Subscribe returns a bounded channel carrying events of the given kinds
// (all kinds if none given) and an unsubscribe closer.
func (b *Bus) Subscribe(kinds ...EventKind) (<-chan Event, func()) {
	set := make(map[EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	s := &subscriber{ch: make(chan Event, subscriberBuffer), kinds: set}
	b.register <- s
	return s.ch, func() { b.unregister <- s }
}
