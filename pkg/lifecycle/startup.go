package lifecycle

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/r0nw4lk3r31/tillcore/internal/logger"
	"github.com/r0nw4lk3r31/tillcore/pkg/projection"
	"github.com/r0nw4lk3r31/tillcore/pkg/snapshot"
)

// NotGracefulWarning appears among a report's critical changes when the
// previous process did not shut down cleanly.
const NotGracefulWarning = "previous shutdown was not graceful — verify data integrity"

// StartupReport is the diff between the last exit snapshot and the state
// rebuilt at startup. It tells an operator what survived the restart.
type StartupReport struct {
	PreviousFound bool `json:"previousFound"`

	PreviousBusinessDay string        `json:"previousBusinessDay,omitempty"`
	CurrentBusinessDay  string        `json:"currentBusinessDay"`
	SameBusinessDay     bool          `json:"sameBusinessDay"`
	Gap                 time.Duration `json:"gap"`

	// Table continuity across the restart.
	RecoveredTables []string `json:"recoveredTables"`
	LostTables      []string `json:"lostTables"`
	NewTables       []string `json:"newTables"`

	// Staff-session continuity across the restart.
	ContinuingStaff []string `json:"continuingStaff"`
	MissingStaff    []string `json:"missingStaff"`

	CriticalChanges []string `json:"criticalChanges"`
	Recommendations []string `json:"recommendations"`
}

// Startup loads the previous exit snapshot, diffs it against a freshly built
// current snapshot, and logs the outcome. A missing exit snapshot is a normal
// first start, not an error.
func (c *Coordinator) Startup() (StartupReport, error) {
	current := c.builder.Build()

	previous, err := c.writer.ReadExit()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Info("no previous exit snapshot, assuming first start", "dir", c.writer.Dir())
			return StartupReport{
				PreviousFound:      false,
				CurrentBusinessDay: current.BusinessDay,
			}, nil
		}
		return StartupReport{}, fmt.Errorf("load previous exit snapshot: %w", err)
	}

	report := Compare(previous, current)
	logStartupReport(report)
	return report, nil
}

// Compare diffs a prior exit snapshot against the current one.
func Compare(previous *snapshot.Snapshot, current snapshot.Snapshot) StartupReport {
	report := StartupReport{
		PreviousFound:       true,
		PreviousBusinessDay: previous.BusinessDay,
		CurrentBusinessDay:  current.BusinessDay,
		SameBusinessDay:     previous.BusinessDay == current.BusinessDay,
		Gap:                 current.Timestamp.Sub(previous.Timestamp),
		RecoveredTables:     []string{},
		LostTables:          []string{},
		NewTables:           []string{},
		ContinuingStaff:     []string{},
		MissingStaff:        []string{},
		CriticalChanges:     []string{},
		Recommendations:     []string{},
	}

	if previous.GracefulShutdown == nil || !*previous.GracefulShutdown {
		report.CriticalChanges = append(report.CriticalChanges, NotGracefulWarning)
		report.Recommendations = append(report.Recommendations,
			"review the event log for the previous business day before reopening")
	}

	prevTables := tableSet(previous.OpenTables)
	currTables := tableSet(current.OpenTables)
	for _, id := range sortedIDs(prevTables) {
		if _, ok := currTables[id]; ok {
			report.RecoveredTables = append(report.RecoveredTables, id)
		} else {
			report.LostTables = append(report.LostTables, id)
		}
	}
	for _, id := range sortedIDs(currTables) {
		if _, ok := prevTables[id]; !ok {
			report.NewTables = append(report.NewTables, id)
		}
	}
	for _, id := range report.LostTables {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("table %s was open at shutdown but is gone — settle or re-open it manually", id))
	}

	prevStaff := staffSet(previous.ActiveStaff)
	currStaff := staffSet(current.ActiveStaff)
	for _, id := range sortedIDs(prevStaff) {
		if _, ok := currStaff[id]; ok {
			report.ContinuingStaff = append(report.ContinuingStaff, id)
		} else {
			report.MissingStaff = append(report.MissingStaff, id)
		}
	}
	for _, id := range report.MissingStaff {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("staff %s was clocked in at shutdown and no longer is — check their session", id))
	}

	if !report.SameBusinessDay {
		report.Recommendations = append(report.Recommendations,
			fmt.Sprintf("business day changed across the restart (%s → %s), lost tables likely belong to the previous day",
				previous.BusinessDay, current.BusinessDay))
	}

	return report
}

func tableSet(tables []projection.OpenTable) map[string]struct{} {
	set := make(map[string]struct{}, len(tables))
	for _, t := range tables {
		set[t.TableID] = struct{}{}
	}
	return set
}

func staffSet(staff []projection.ActiveStaff) map[string]struct{} {
	set := make(map[string]struct{}, len(staff))
	for _, s := range staff {
		set[s.StaffID] = struct{}{}
	}
	return set
}

func sortedIDs(set map[string]struct{}) []string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func logStartupReport(report StartupReport) {
	logger.Info("startup reconciliation",
		"same_business_day", report.SameBusinessDay,
		"gap", report.Gap,
		"recovered_tables", len(report.RecoveredTables),
		"lost_tables", len(report.LostTables),
		"missing_staff", len(report.MissingStaff))
	for _, change := range report.CriticalChanges {
		logger.Warn("critical change", "detail", change)
	}
	for _, rec := range report.Recommendations {
		logger.Info("recommendation", "detail", rec)
	}
}
