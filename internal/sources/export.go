package sources

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gocarina/gocsv"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

// ScoreRow is one line of the exported score sheet.
type ScoreRow struct {
	Handle      string  `csv:"handle"`
	StudentID   int64   `csv:"student_id"`
	DisplayName string  `csv:"display_name"`
	Base        float64 `csv:"base"`
	ExtraCredit float64 `csv:"extra_credit"`
	Penalty     float64 `csv:"penalty"`
	State       string  `csv:"late_state"`
	Final       float64 `csv:"final"`
}

// ScoreRows flattens a result's outcomes in handle order.
func ScoreRows(res *reconcile.Result, roster reconcile.Roster) []*ScoreRow {
	names := make(map[int64]string, len(roster))
	for _, s := range roster {
		names[s.ID] = s.DisplayName
	}
	rows := make([]*ScoreRow, 0, len(res.Outcomes))
	for _, o := range res.Outcomes {
		rows = append(rows, &ScoreRow{
			Handle:      o.Handle,
			StudentID:   o.StudentID,
			DisplayName: names[o.StudentID],
			Base:        o.Base,
			ExtraCredit: o.ExtraCredit,
			Penalty:     o.Penalty,
			State:       string(o.State),
			Final:       o.Final,
		})
	}
	return rows
}

// WriteScoresCSV writes the per-student audit sheet.
func WriteScoresCSV(w io.Writer, res *reconcile.Result, roster reconcile.Roster) error {
	rows := ScoreRows(res, roster)
	if err := gocsv.Marshal(&rows, w); err != nil {
		return fmt.Errorf("write scores csv: %w", err)
	}
	return nil
}

// WriteResultJSON writes the full result, indented.
func WriteResultJSON(w io.Writer, res *reconcile.Result) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
