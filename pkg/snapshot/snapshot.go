// Package snapshot derives point-in-time operational snapshots from the live
// projections and writes them where a human can always find them.
//
// The guarantee this package exists for: at any moment, someone can open a
// plain-text file and read exactly what each open table owes and who is
// logged in, even if the structured store is unreachable. Snapshots are
// always rebuilt in full from projection state; they are never authoritative
// (the event log is) and never updated incrementally.
package snapshot

import (
	"time"

	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
)

// Summary aggregates the figures a manager checks first.
type Summary struct {
	TotalOpenTables  int     `json:"totalOpenTables"`
	ActiveStaffCount int     `json:"activeStaffCount"`
	PendingRevenue   float64 `json:"pendingRevenue"`
}

// Snapshot is one full operational snapshot.
//
// GracefulShutdown is only set on exit snapshots: true when the shutdown
// sequence completed, false when an emergency snapshot was the best the
// process could do.
type Snapshot struct {
	Timestamp        time.Time                `json:"timestamp"`
	BusinessDay      string                   `json:"businessDay"`
	OpenTables       []projection.OpenTable   `json:"openTables"`
	ActiveStaff      []projection.ActiveStaff `json:"activeStaff"`
	Summary          Summary                  `json:"summary"`
	GracefulShutdown *bool                    `json:"gracefulShutdown,omitempty"`
}

// BusinessDayFormat is the date layout used for business days and file names.
const BusinessDayFormat = "2006-01-02"

// Builder derives snapshots from a projection engine.
type Builder struct {
	engine projection.Engine
	now    func() time.Time
}

// NewBuilder creates a Builder. now defaults to time.Now and exists for
// tests.
func NewBuilder(engine projection.Engine) *Builder {
	return &Builder{engine: engine, now: time.Now}
}

// WithClock overrides the time source.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// Build derives a full snapshot from current projection state.
func (b *Builder) Build() Snapshot {
	now := b.now()
	snap := Snapshot{
		Timestamp:   now,
		BusinessDay: now.Format(BusinessDayFormat),
		OpenTables:  []projection.OpenTable{},
		ActiveStaff: []projection.ActiveStaff{},
	}

	if state, ok := b.engine.GetState(projection.TablesID); ok {
		if tables, ok := state.([]projection.OpenTable); ok {
			snap.OpenTables = tables
		}
	}
	if state, ok := b.engine.GetState(projection.StaffID); ok {
		if staff, ok := state.([]projection.ActiveStaff); ok {
			snap.ActiveStaff = staff
		}
	}

	snap.Summary.TotalOpenTables = len(snap.OpenTables)
	snap.Summary.ActiveStaffCount = len(snap.ActiveStaff)
	for _, table := range snap.OpenTables {
		snap.Summary.PendingRevenue += table.Total()
	}
	return snap
}

// MarkExit tags the snapshot as an exit snapshot.
func (s *Snapshot) MarkExit(graceful bool) {
	s.GracefulShutdown = &graceful
}
