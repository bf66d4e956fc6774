// Package events carries fabric events (pipeline audit lines, slot state
// transitions) to in-process subscribers, with an optional Redis mirror for
// external observers.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// Event is the envelope every fabric event travels in.
type Event struct {
	Type    string                 `json:"type"`
	Source  string                 `json:"source"`
	Subject string                 `json:"subject,omitempty"`
	Time    time.Time              `json:"time"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

// JSON serializes the event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Bus is an in-process pub/sub fan-out. Subscribers get buffered channels;
// a full subscriber drops events rather than blocking publishers.
type Bus struct {
	mu         sync.RWMutex
	subs       []chan *Event
	bufferSize int
}

// NewBus returns a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return &Bus{bufferSize: 100}
}

// Subscribe returns a channel receiving every published event.
func (b *Bus) Subscribe() chan *Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan *Event, b.bufferSize)
	b.subs = append(b.subs, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Bus) Unsubscribe(ch chan *Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == ch {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish fans the event out without blocking. Slow subscribers miss
// events; the audit log on disk remains the complete record.
func (b *Bus) Publish(evt *Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
