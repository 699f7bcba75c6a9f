// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package plugin

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType identifies a lifecycle event the host emits.
type EventType string

// Lifecycle events emitted by the host's components.
const (
	EventInstalled             EventType = "pluginInstalled"
	EventUninstalled           EventType = "pluginUninstalled"
	EventEnabled               EventType = "pluginEnabled"
	EventDisabled              EventType = "pluginDisabled"
	EventError                 EventType = "pluginError"
	EventUpdateQueued          EventType = "updateQueued"
	EventUpdateStarted         EventType = "updateStarted"
	EventUpdateCompleted       EventType = "updateCompleted"
	EventUpdateFailed          EventType = "updateFailed"
	EventUpdateRolledBack      EventType = "updateRolledBack"
	EventDependencyUpdated     EventType = "dependencyUpdated"
	EventResourceLimitExceeded EventType = "resourceLimitExceeded"
)

// Event is a lifecycle notification. Detail carries phase-specific
// payload fields (version, dimension, phase, message).
type Event struct {
	ID        ulid.ULID
	Type      EventType
	PluginID  string
	Timestamp time.Time
	Detail    map[string]string
}

// NewEvent builds an event with a fresh id and the current time.
func NewEvent(t EventType, pluginID string, detail map[string]string) Event {
	return Event{
		ID:        ulid.Make(),
		Type:      t,
		PluginID:  pluginID,
		Timestamp: time.Now(),
		Detail:    detail,
	}
}

// subscriber holds one subscription. An empty types set receives
// every event.
type subscriber struct {
	ch    chan Event
	types map[EventType]struct{}
}

// subscriberBuffer is the per-subscriber channel capacity.
const subscriberBuffer = 100

// Broadcaster distributes lifecycle events to subscribers.
// The zero value is not usable; construct with NewBroadcaster.
type Broadcaster struct {
	mu   sync.RWMutex
	subs []*subscriber
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{}
}

// Subscribe creates a channel receiving events of the given types, or
// all events when no types are given.
func (b *Broadcaster) Subscribe(types ...EventType) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscriber{ch: make(chan Event, subscriberBuffer)}
	if len(types) > 0 {
		sub.types = make(map[EventType]struct{}, len(types))
		for _, t := range types {
			sub.types[t] = struct{}{}
		}
	}
	b.subs = append(b.subs, sub)
	return sub.ch
}

// Unsubscribe removes and closes a subscription channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, sub := range b.subs {
		if sub.ch == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Emit delivers an event to all matching subscribers. Delivery never
// blocks; a subscriber whose buffer is full misses the event and a
// warning is logged.
func (b *Broadcaster) Emit(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.types != nil {
			if _, want := sub.types[event.Type]; !want {
				continue
			}
		}
		select {
		case sub.ch <- event:
		default:
			slog.Warn("lifecycle event dropped: subscriber buffer full",
				"event_id", event.ID.String(),
				"event_type", event.Type,
				"plugin", event.PluginID,
			)
		}
	}
}
