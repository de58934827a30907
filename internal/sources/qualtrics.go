// Package sources parses external grading exports into reconcile inputs.
// Each parser runs once per file and tags identities at parse time.
package sources

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

var (
	ErrNoIdentityColumn = errors.New("sources: no identity column")
	ErrNoScoreColumns   = errors.New("sources: no score columns")
	ErrShortHeader      = errors.New("sources: header rows missing")
)

// Column labels recognised in a self-grading survey export.
const (
	netIDPrompt       = "Enter your netid"
	recipientEmailCol = "RecipientEmail"
	questionMarker    = "Question"
	scoreMarker       = "Score"
	extraCreditMarker = "Extra Credit"
	holisticMarker    = "HW Score"
)

// qualtricsHeaderRows is the number of header rows in a response export:
// column ids, question labels, import ids.
const qualtricsHeaderRows = 3

// SelfGradingColumns describes how a survey export was interpreted.
type SelfGradingColumns struct {
	Identity    string   // column id holding the identity
	IdentityBy  reconcile.IdentityKind
	Questions   []string // question score labels, in column order
	ExtraCredit []string
	Holistic    string // total-score column label, when no question columns exist
}

// ParseSelfGrading reads a Qualtrics self-grading response export.
//
// The identity comes from the column whose label contains "Enter your netid",
// else from RecipientEmail (private surveys). Columns whose label contains
// both "Question" and "Score" are components; those also containing
// "Extra Credit" are extra credit. Without any question column the first
// label containing "HW Score" is a holistic total. Rows with a blank identity
// are skipped. Blank or non-numeric cells become NaN so the engine rejects
// the row.
func ParseSelfGrading(r io.Reader) ([]reconcile.RawScoreEntry, SelfGradingColumns, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, SelfGradingColumns{}, fmt.Errorf("read survey csv: %w", err)
	}
	if len(rows) < qualtricsHeaderRows {
		return nil, SelfGradingColumns{}, fmt.Errorf("%w: got %d rows", ErrShortHeader, len(rows))
	}
	ids, labels := rows[0], rows[1]

	var cols SelfGradingColumns
	idCol := -1
	for i, l := range labels {
		if strings.Contains(l, netIDPrompt) {
			idCol, cols.IdentityBy = i, reconcile.NetIDKeyed
			break
		}
	}
	if idCol < 0 {
		for i, id := range ids {
			if id == recipientEmailCol {
				idCol, cols.IdentityBy = i, reconcile.EmailKeyed
				break
			}
		}
	}
	if idCol < 0 {
		return nil, cols, ErrNoIdentityColumn
	}
	cols.Identity = ids[idCol]

	type scoreCol struct {
		idx int
		c   reconcile.Component
	}
	var scoreCols []scoreCol
	for i, l := range labels {
		if strings.Contains(l, questionMarker) && strings.Contains(l, scoreMarker) {
			ec := strings.Contains(l, extraCreditMarker)
			scoreCols = append(scoreCols, scoreCol{i, reconcile.Component{Label: l, IsExtraCredit: ec}})
			if ec {
				cols.ExtraCredit = append(cols.ExtraCredit, l)
			} else {
				cols.Questions = append(cols.Questions, l)
			}
		}
	}
	if len(scoreCols) == 0 {
		for i, l := range labels {
			if strings.Contains(l, holisticMarker) {
				scoreCols = append(scoreCols, scoreCol{i, reconcile.Component{Label: l, IsTotal: true}})
				cols.Holistic = l
				break
			}
		}
	}
	if len(scoreCols) == 0 {
		return nil, cols, ErrNoScoreColumns
	}

	entries := make([]reconcile.RawScoreEntry, 0, len(rows)-qualtricsHeaderRows)
	for _, row := range rows[qualtricsHeaderRows:] {
		raw := cell(row, idCol)
		if raw == "" {
			continue
		}
		e := reconcile.RawScoreEntry{
			Identity:   reconcile.Identity{Kind: cols.IdentityBy, Value: raw},
			Components: make([]reconcile.Component, 0, len(scoreCols)),
		}
		for _, sc := range scoreCols {
			c := sc.c
			c.Value = number(cell(row, sc.idx))
			e.Components = append(e.Components, c)
		}
		entries = append(entries, e)
	}
	return entries, cols, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// number parses a score cell; anything unparsable is NaN.
func number(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return math.NaN()
	}
	return v
}
