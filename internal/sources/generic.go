package sources

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"

	"github.com/mind-engage/gradesync/pkg/reconcile"
)

var identityHeaders = map[string]bool{"netid": true, "handle": true, "email": true, "identity": true}

// ParseScoresCSV reads a generic raw-score sheet: one header row, one
// identity column (netid, handle, email or identity; else the first column)
// and one component per remaining column, in header order. Labels containing
// "Extra Credit" are extra credit; "Total" or labels containing "HW Score" are
// holistic totals.
func ParseScoresCSV(r io.Reader) ([]reconcile.RawScoreEntry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read scores csv: %w", err)
	}
	// The maps below lose column order, so the header is read on its own.
	header, err := gocsv.DefaultCSVReader(bytes.NewReader(data)).Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: empty file", ErrShortHeader)
	}
	if err != nil {
		return nil, fmt.Errorf("read scores csv: %w", err)
	}
	rows, err := gocsv.CSVToMaps(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("read scores csv: %w", err)
	}

	seen := map[string]bool{}
	idCol := header[0]
	for _, h := range header {
		if seen[h] {
			return nil, fmt.Errorf("read scores csv: duplicate column %q", h)
		}
		seen[h] = true
	}
	for _, h := range header {
		if identityHeaders[strings.ToLower(strings.TrimSpace(h))] {
			idCol = h
			break
		}
	}

	var comps []string
	for _, h := range header {
		if h != idCol {
			comps = append(comps, h)
		}
	}
	if len(comps) == 0 {
		return nil, ErrNoScoreColumns
	}

	entries := make([]reconcile.RawScoreEntry, 0, len(rows))
	for _, row := range rows {
		raw := strings.TrimSpace(row[idCol])
		if raw == "" {
			continue
		}
		e := reconcile.RawScoreEntry{Identity: reconcile.ParseIdentity(raw)}
		for _, h := range comps {
			e.Components = append(e.Components, classify(strings.TrimSpace(h), number(strings.TrimSpace(row[h]))))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func classify(label string, v float64) reconcile.Component {
	c := reconcile.Component{Label: label, Value: v}
	switch {
	case strings.Contains(label, extraCreditMarker):
		c.IsExtraCredit = true
	case strings.EqualFold(label, "total"), strings.Contains(label, holisticMarker):
		c.IsTotal = true
	}
	return c
}

type jsonEntry struct {
	Identity   string `json:"identity"`
	Components []struct {
		Label       string   `json:"label"`
		Value       *float64 `json:"value"`
		ExtraCredit bool     `json:"extra_credit"`
		Total       bool     `json:"total"`
	} `json:"components"`
}

// ParseScoresJSON reads [{"identity": "...", "components": [{"label", "value",
// "extra_credit", "total"}]}]. A null value is treated as non-numeric.
func ParseScoresJSON(r io.Reader) ([]reconcile.RawScoreEntry, error) {
	var in []jsonEntry
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("read scores json: %w", err)
	}
	out := make([]reconcile.RawScoreEntry, 0, len(in))
	for _, je := range in {
		if strings.TrimSpace(je.Identity) == "" {
			continue
		}
		e := reconcile.RawScoreEntry{Identity: reconcile.ParseIdentity(je.Identity)}
		for _, jc := range je.Components {
			v := number("")
			if jc.Value != nil {
				v = *jc.Value
			}
			e.Components = append(e.Components, reconcile.Component{
				Label: jc.Label, Value: v, IsExtraCredit: jc.ExtraCredit, IsTotal: jc.Total,
			})
		}
		out = append(out, e)
	}
	return out, nil
}

// Format names a raw-score file format.
type Format string

const (
	FormatCSV         Format = "csv"
	FormatJSON        Format = "json"
	FormatSelfGrading Format = "qualtrics"
)

// ParseScores dispatches on format.
func ParseScores(r io.Reader, f Format) ([]reconcile.RawScoreEntry, error) {
	switch f {
	case FormatCSV, "":
		return ParseScoresCSV(r)
	case FormatJSON:
		return ParseScoresJSON(r)
	case FormatSelfGrading:
		entries, _, err := ParseSelfGrading(r)
		return entries, err
	default:
		return nil, fmt.Errorf("unknown score format %q", f)
	}
}
