// Package events carries lifecycle notifications out of the engine managers.
package events

import "time"

// Event represents a lifecycle event emitted by a manager.
// Minimal and stable: name + subject id and optional fields via key/values.
type Event struct {
	Name    string         `json:"name"`
	Subject string         `json:"subject,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
	Time    time.Time      `json:"time"`
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// New stamps an event with the current time.
func New(name, subject string, fields map[string]any) Event {
	return Event{Name: name, Subject: subject, Fields: fields, Time: time.Now()}
}

// Nop drops events. It is the default publisher everywhere.
type Nop struct{}

func (Nop) Publish(Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
