package sources

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

// RosterRow is one line of an offline roster sheet.
type RosterRow struct {
	ID          int64  `csv:"id"`
	Handle      string `csv:"handle"`
	DisplayName string `csv:"display_name"`
}

// ParseRosterCSV reads an id,handle,display_name sheet.
func ParseRosterCSV(r io.Reader) (reconcile.Roster, error) {
	var rows []RosterRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("read roster csv: %w", err)
	}
	roster := make(reconcile.Roster, 0, len(rows))
	for _, row := range rows {
		roster = append(roster, reconcile.StudentRecord{
			ID:          row.ID,
			Handle:      strings.TrimSpace(row.Handle),
			DisplayName: strings.TrimSpace(row.DisplayName),
		})
	}
	return roster, nil
}

// SubmissionRow is one line of an offline submissions sheet. SubmittedAt is
// RFC 3339 or blank; Late accepts true/false, Y/N or 1/0.
type SubmissionRow struct {
	Handle      string `csv:"handle"`
	SubmittedAt string `csv:"submitted_at"`
	Late        string `csv:"late"`
}

// ParseSubmissionsCSV reads a handle,submitted_at,late sheet and resolves
// handles against roster. Handles not on the roster are returned separately.
func ParseSubmissionsCSV(r io.Reader, roster reconcile.Roster) ([]reconcile.SubmissionRecord, []string, error) {
	var rows []SubmissionRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, nil, fmt.Errorf("read submissions csv: %w", err)
	}
	var (
		subs    = make([]reconcile.SubmissionRecord, 0, len(rows))
		unknown []string
	)
	for i, row := range rows {
		st, err := roster.Lookup(row.Handle)
		if err != nil {
			unknown = append(unknown, row.Handle)
			continue
		}
		rec := reconcile.SubmissionRecord{StudentID: st.ID, IsLate: truthy(row.Late)}
		if s := strings.TrimSpace(row.SubmittedAt); s != "" {
			at, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return nil, nil, fmt.Errorf("submissions csv row %d: %w", i+2, err)
			}
			at = at.UTC()
			rec.SubmittedAt = &at
		}
		subs = append(subs, rec)
	}
	return subs, unknown, nil
}

func truthy(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "t", "true", "y", "yes":
		return true
	}
	return false
}
