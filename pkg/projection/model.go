// Package projection holds the derived read models the core consumes.
//
// The authoritative state is the event log; projections are rebuilt from it
// and are never written back. The domain model owns the full event catalog;
// this package interprets only the handful of event types the core needs for
// live queries and operational snapshots.
package projection

import "time"

// Event types interpreted by the core's projections.
const (
	EventTableOpened     = "table.opened"
	EventTableClosed     = "table.closed"
	EventOrderCreated    = "order.created"
	EventStaffClockedIn  = "staff.clocked_in"
	EventStaffClockedOut = "staff.clocked_out"
)

// OrderItem is one line on an open order.
type OrderItem struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unitPrice"`
	TaxRate   float64 `json:"taxRate"`
}

// Gross returns the line total including tax.
func (i OrderItem) Gross() float64 {
	return float64(i.Quantity) * i.UnitPrice * (1 + i.TaxRate)
}

// OpenTable is a table with an in-progress order.
type OpenTable struct {
	TableID  string      `json:"tableId"`
	Name     string      `json:"name,omitempty"`
	StaffID  string      `json:"staffId,omitempty"`
	OpenedAt time.Time   `json:"openedAt"`
	Items    []OrderItem `json:"items"`
}

// Total returns the gross amount currently owed on the table.
func (t OpenTable) Total() float64 {
	var sum float64
	for _, item := range t.Items {
		sum += item.Gross()
	}
	return sum
}

// ActiveStaff is a staff member with an open session.
type ActiveStaff struct {
	StaffID     string    `json:"staffId"`
	Name        string    `json:"name,omitempty"`
	SessionID   string    `json:"sessionId,omitempty"`
	ClockedInAt time.Time `json:"clockedInAt"`
}

// TableOpenedPayload is the payload of EventTableOpened.
type TableOpenedPayload struct {
	TableID string `json:"tableId"`
	Name    string `json:"name,omitempty"`
	StaffID string `json:"staffId,omitempty"`
}

// TableClosedPayload is the payload of EventTableClosed.
type TableClosedPayload struct {
	TableID string `json:"tableId"`
}

// OrderCreatedPayload is the payload of EventOrderCreated.
type OrderCreatedPayload struct {
	TableID  string      `json:"tableId"`
	Items    []OrderItem `json:"items"`
	Reserved int         `json:"reserved"`
}

// StaffClockPayload is the payload of the staff clock events.
type StaffClockPayload struct {
	StaffID   string `json:"staffId"`
	Name      string `json:"name,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
}
