package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/keys"
	"github.com/r0nw4lk3r31/tillcore/pkg/store"
)

// MemLog is the in-process event log run by the master.
//
// Commit order is defined by the order in which Accept assigns sequence
// numbers. Sequence assignment, persistence, and dispatch happen under one
// mutex, so every subscriber observes every event in identical relative
// order. Handlers must not block for long; slow consumers (network sends)
// are expected to buffer internally.
//
// When constructed with a store, each accepted event is also persisted under
// its evt: key in the cold tier before dispatch. A persistence failure is
// logged but does not reject the event: live operation degrades before it
// halts service.
type MemLog struct {
	store *store.TieredStore // optional

	subMu     sync.Mutex
	nextSubID int
	subs      map[int]Handler

	mu  sync.Mutex
	seq uint64
}

// NewMemLog creates an event log. store may be nil for tests and clients.
func NewMemLog(s *store.TieredStore) *MemLog {
	return &MemLog{store: s, subs: make(map[int]Handler)}
}

// Subscribe registers a handler for all future events.
func (l *MemLog) Subscribe(h Handler) func() {
	l.subMu.Lock()
	defer l.subMu.Unlock()

	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = h

	return func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		delete(l.subs, id)
	}
}

// Accept commits an event: assigns id and sequence, persists it, and
// dispatches it to all subscribers in commit order.
func (l *MemLog) Accept(e Event) (string, error) {
	if e.Type == "" {
		return "", fmt.Errorf("event has no type")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	// The commit mutex covers sequence assignment through dispatch; this is
	// what makes "every subscriber sees commit order" hold under concurrent
	// producers.
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	e.Seq = l.seq

	if l.store != nil {
		raw, err := json.Marshal(e)
		if err != nil {
			return "", fmt.Errorf("encode event %s: %w", e.ID, err)
		}
		if err := l.store.Save(context.Background(), keys.Event(e.ID), raw, store.TierCold); err != nil {
			logger.Error("event persistence failed, continuing live",
				"event_id", e.ID, "type", e.Type, "error", err)
		}
	}

	for _, h := range l.snapshotSubscribers() {
		h(e)
	}
	return e.ID, nil
}

// Emit commits a locally produced event with a JSON-encoded payload.
func (l *MemLog) Emit(eventType string, payload any) (string, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("encode %s payload: %w", eventType, err)
		}
		raw = encoded
	}
	return l.Accept(Event{Type: eventType, Payload: raw})
}

func (l *MemLog) snapshotSubscribers() []Handler {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	handlers := make([]Handler, 0, len(l.subs))
	for _, h := range l.subs {
		handlers = append(handlers, h)
	}
	return handlers
}

// Len returns the number of committed events. Events themselves are not
// retained in memory; replays go through the persisted evt: records.
func (l *MemLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.seq)
}
