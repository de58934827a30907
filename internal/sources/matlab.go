package sources

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

// GraderRow is one line of a MATLAB Grader "best solution" report.
type GraderRow struct {
	Email         string  `csv:"Student Email"`
	SubmittedTime string  `csv:"Submitted Time"`
	Late          string  `csv:"Late Submission?"`
	Problem       string  `csv:"Problem Title"`
	TestsPassed   float64 `csv:"Tests Passed"`
	TotalTests    float64 `csv:"Total Tests"`
}

// GraderReport is a parsed MATLAB Grader report.
type GraderReport struct {
	Problems []string // sorted
	Entries  []reconcile.RawScoreEntry
}

// MatlabScaleMax is the ordinal scale of grader components: each is the
// fraction of tests passed.
const MatlabScaleMax = 1

// graderTimeLayout matches "2024-02-01 16:59:12 EST"; the zone suffix is
// ignored and the caller's location applies.
const graderTimeLayout = "2006-01-02 15:04:05"

// ParseMatlabGrader reads a grader report. Every student gets one component
// per problem in the report, valued testsPassed / max(totalTests) for that
// problem and 0 where the student has no row. A component carries the
// submission time and late flag of the row it was scored from, so lateness
// is judged per problem.
func ParseMatlabGrader(r io.Reader, loc *time.Location) (*GraderReport, error) {
	var rows []GraderRow
	if err := gocsv.Unmarshal(r, &rows); err != nil {
		return nil, fmt.Errorf("read grader csv: %w", err)
	}
	if loc == nil {
		loc = time.UTC
	}

	maxTests := map[string]float64{}
	for _, row := range rows {
		if row.TotalTests > maxTests[row.Problem] {
			maxTests[row.Problem] = row.TotalTests
		}
	}
	rep := &GraderReport{}
	for p := range maxTests {
		rep.Problems = append(rep.Problems, p)
	}
	sort.Strings(rep.Problems)

	best := map[string]map[string]reconcile.Component{} // email -> problem
	var emails []string
	for i, row := range rows {
		email := strings.TrimSpace(row.Email)
		if email == "" {
			continue
		}
		at, err := parseGraderTime(row.SubmittedTime, loc)
		if err != nil {
			return nil, fmt.Errorf("grader csv row %d: %w", i+2, err)
		}
		if _, seen := best[email]; !seen {
			best[email] = map[string]reconcile.Component{}
			emails = append(emails, email)
		}
		frac := 0.0
		if mt := maxTests[row.Problem]; mt > 0 {
			frac = row.TestsPassed / mt
		}
		if prev, ok := best[email][row.Problem]; ok && prev.Value >= frac {
			continue
		}
		best[email][row.Problem] = reconcile.Component{
			Label: row.Problem,
			Value: frac,
			Submission: &reconcile.ComponentTiming{
				SubmittedAt: at.UTC(),
				IsLate:      strings.EqualFold(strings.TrimSpace(row.Late), "Y"),
			},
		}
	}

	for _, email := range emails {
		e := reconcile.RawScoreEntry{Identity: reconcile.ParseIdentity(email)}
		for _, p := range rep.Problems {
			c, ok := best[email][p]
			if !ok {
				c = reconcile.Component{Label: p}
			}
			e.Components = append(e.Components, c)
		}
		rep.Entries = append(rep.Entries, e)
	}
	return rep, nil
}

func parseGraderTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(graderTimeLayout) {
		return time.Time{}, fmt.Errorf("bad submitted time %q", s)
	}
	t, err := time.ParseInLocation(graderTimeLayout, s[:len(graderTimeLayout)], loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad submitted time %q: %w", s, err)
	}
	return t, nil
}
