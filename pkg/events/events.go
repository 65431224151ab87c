// Package events defines the event envelope and the event-log contract the
// core consumes.
//
// The domain model owns the event catalog and business rules; this package
// only fixes the envelope shape, the Log interface, and provides the
// in-process implementation the master runs. Committed events are dispatched
// to subscribers strictly in commit order; that order is what the
// replication layer re-broadcasts to every terminal.
package events

import (
	"encoding/json"
	"time"
)

// Meta carries the tracing and attribution fields of an event.
type Meta struct {
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
	StaffID       string `json:"staffId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
}

// Event is the envelope for every committed state change.
type Event struct {
	ID          string          `json:"id"`
	Seq         uint64          `json:"seq"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	AggregateID string          `json:"aggregateId,omitempty"`
	Meta        *Meta           `json:"meta,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Handler receives committed events in commit order.
type Handler func(Event)

// Log is the event-log contract consumed by the core.
//
// Accept runs the full acceptance path (id and sequence assignment,
// persistence, dispatch) and returns the assigned event id. Emit is the
// convenience form for locally produced events. Subscribe registers a
// handler for all future committed events and returns an unsubscribe
// function; there is no replay of past events.
type Log interface {
	Subscribe(h Handler) (unsubscribe func())
	Accept(e Event) (string, error)
	Emit(eventType string, payload any) (string, error)
}
