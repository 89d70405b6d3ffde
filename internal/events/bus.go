package events

import (
	"sync"
)

// Topic enumerates channels shared across appdatabackupd subsystems.
type Topic string

const (
	TopicDbDumpStarted         Topic = "db_dump_started"
	TopicDbDumpStopped         Topic = "db_dump_stopped"
	TopicDbRestoreStarted      Topic = "db_restore_started"
	TopicDbRestoreStopped      Topic = "db_restore_stopped"
	TopicParticipantRegistered Topic = "participant_registered"
)

// Event represents a message broadcast on the event bus.
type Event struct {
	Topic   Topic
	Payload any
}

// DbBackupStatus is reported by the database dump/restore subsystem. URL
// identifies the store (an app id for the cookie database) and Err is zero on
// success.
type DbBackupStatus struct {
	URL string
	Err int
}

// ParticipantRegistered announces that a participant owns its bus name.
type ParticipantRegistered struct {
	Service string
}

// Bus is a simple pub/sub dispatcher for intra-process events.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]chan Event
	closed bool
}

// NewBus constructs an empty event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Topic][]chan Event)}
}

// Subscribe registers a buffered channel for a topic.
func (b *Bus) Subscribe(topic Topic, buffer int) <-chan Event {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs[topic] = append(b.subs[topic], ch)
	return ch
}

// Publish broadcasts an event to all subscribers.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs[evt.Topic] {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is saturated; listeners should size buffers appropriately.
		}
	}
}

// Close shuts down the bus and all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = nil
}
