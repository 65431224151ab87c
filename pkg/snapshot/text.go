package snapshot

import (
	"fmt"
	"strings"
)

// RenderText renders the snapshot as the plain-text file a human reads when
// everything else is down. Layout is deliberately boring: fixed sections,
// one line per table item, amounts in euros.
func RenderText(s Snapshot) string {
	var b strings.Builder

	fmt.Fprintf(&b, "OPERATIONAL SNAPSHOT — %s\n", s.BusinessDay)
	fmt.Fprintf(&b, "generated: %s\n", s.Timestamp.Format("2006-01-02 15:04:05"))
	if s.GracefulShutdown != nil {
		if *s.GracefulShutdown {
			b.WriteString("shutdown: graceful\n")
		} else {
			b.WriteString("shutdown: NOT GRACEFUL — verify data integrity\n")
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "OPEN TABLES (%d)\n", s.Summary.TotalOpenTables)
	if len(s.OpenTables) == 0 {
		b.WriteString("  none\n")
	}
	for _, table := range s.OpenTables {
		name := table.Name
		if name == "" {
			name = table.TableID
		}
		fmt.Fprintf(&b, "  %s — opened %s, staff %s — owes %.2f EUR\n",
			name, table.OpenedAt.Format("15:04"), orDash(table.StaffID), table.Total())
		for _, item := range table.Items {
			fmt.Fprintf(&b, "    %dx %s @ %.2f (tax %.0f%%) = %.2f\n",
				item.Quantity, item.Name, item.UnitPrice, item.TaxRate*100, item.Gross())
		}
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "ACTIVE STAFF (%d)\n", s.Summary.ActiveStaffCount)
	if len(s.ActiveStaff) == 0 {
		b.WriteString("  none\n")
	}
	for _, staff := range s.ActiveStaff {
		name := staff.Name
		if name == "" {
			name = staff.StaffID
		}
		fmt.Fprintf(&b, "  %s — clocked in %s\n", name, staff.ClockedInAt.Format("15:04"))
	}
	b.WriteString("\n")

	fmt.Fprintf(&b, "PENDING REVENUE: %.2f EUR\n", s.Summary.PendingRevenue)
	return b.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
