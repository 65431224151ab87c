package projection

import (
	"sort"
	"sync"

	"github.com/r0nw4lk3r31/tillcore/pkg/events"
)

// StaffID is the registry id of the active-staff projection.
const StaffID = "staff"

// Staff tracks staff members with an open session.
type Staff struct {
	mu     sync.RWMutex
	active map[string]*ActiveStaff
}

// NewStaff creates an empty active-staff projection.
func NewStaff() *Staff {
	return &Staff{active: make(map[string]*ActiveStaff)}
}

func (s *Staff) ID() string { return StaffID }

func (s *Staff) Apply(e events.Event) {
	switch e.Type {
	case EventStaffClockedIn:
		var p StaffClockPayload
		if !decodePayload(e, &p) || p.StaffID == "" {
			return
		}
		s.mu.Lock()
		s.active[p.StaffID] = &ActiveStaff{
			StaffID:     p.StaffID,
			Name:        p.Name,
			SessionID:   p.SessionID,
			ClockedInAt: e.Timestamp,
		}
		s.mu.Unlock()

	case EventStaffClockedOut:
		var p StaffClockPayload
		if !decodePayload(e, &p) {
			return
		}
		s.mu.Lock()
		delete(s.active, p.StaffID)
		s.mu.Unlock()
	}
}

// State returns the active staff sorted by staff id.
func (s *Staff) State() any {
	return s.Active()
}

// Active returns a copy of all clocked-in staff sorted by staff id.
func (s *Staff) Active() []ActiveStaff {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ActiveStaff, 0, len(s.active))
	for _, staff := range s.active {
		out = append(out, *staff)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StaffID < out[j].StaffID })
	return out
}

func (s *Staff) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = make(map[string]*ActiveStaff)
}
