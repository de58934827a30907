// Package reconcile merges externally sourced raw scores with an LMS roster
// and submission timing into one authoritative score per student.
//
// Everything here is a pure function of its inputs: no I/O, no shared state.
// Callers fetch rosters, timing and raw scores themselves and hand the
// resulting Result to whatever performs the upload.
package reconcile

import "time"

// StudentRecord is one enrolled student as reported by the LMS.
type StudentRecord struct {
	ID          int64  `json:"id"`
	Handle      string `json:"handle"` // netid, lower-case
	DisplayName string `json:"display_name,omitempty"`
}

// Roster is the enrolled-student list for one course offering.
type Roster []StudentRecord

// SubmissionRecord carries one student's submission timing for an assignment.
// SubmittedAt is nil when the student never submitted.
type SubmissionRecord struct {
	StudentID   int64      `json:"student_id"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	IsLate      bool       `json:"late"`
}

// AssignmentContext is constant for a reconciliation run.
type AssignmentContext struct {
	DueAt          time.Time `json:"due_at"`
	PointsPossible float64   `json:"points_possible"`
}

type IdentityKind int

const (
	NetIDKeyed IdentityKind = iota
	EmailKeyed
)

func (k IdentityKind) String() string {
	if k == EmailKeyed {
		return "email"
	}
	return "netid"
}

// Identity is the student key of a raw score row, tagged at parse time with
// the column it came from.
type Identity struct {
	Kind  IdentityKind `json:"kind"`
	Value string       `json:"value"`
}

// Component is one labelled value of a raw score row. IsTotal marks a
// holistic score already expressed in final points.
//
// Submission is set when the source times each component on its own (one
// autograded problem per component). Such components are penalized one by
// one on the ordinal scale before aggregation, and the row's
// SubmissionRecord is not consulted.
type Component struct {
	Label         string           `json:"label"`
	Value         float64          `json:"value"`
	IsExtraCredit bool             `json:"extra_credit,omitempty"`
	IsTotal       bool             `json:"total,omitempty"`
	Submission    *ComponentTiming `json:"submission,omitempty"`
}

// ComponentTiming is the submission time and LMS late flag of one component.
type ComponentTiming struct {
	SubmittedAt time.Time `json:"submitted_at"`
	IsLate      bool      `json:"late"`
}

// RawScoreEntry is one student's row from an external grading export.
type RawScoreEntry struct {
	Identity   Identity    `json:"identity"`
	Components []Component `json:"components"`
}

// Rejection reports a raw row that was skipped.
type Rejection struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
}

// Outcome is the per-student audit trail behind a final score.
type Outcome struct {
	Handle      string    `json:"handle"`
	StudentID   int64     `json:"student_id"`
	Base        float64   `json:"base"`
	ExtraCredit float64   `json:"extra_credit"`
	Aggregated  float64   `json:"aggregated"`
	Penalty     float64   `json:"penalty"`
	State       LateState `json:"state"`
	Final       float64   `json:"final"`
}

// Result is the output of a reconciliation run. Scores is keyed by handle.
type Result struct {
	Scores                  map[string]float64 `json:"scores"`
	UnmatchedRawIdentities  []string           `json:"unmatched_raw_identities"`
	StudentsMissingRawScore []string           `json:"students_missing_raw_score"`
	MissingSubmissionData   []string           `json:"missing_submission_data"`
	Rejected                []Rejection        `json:"rejected"`
	Outcomes                []Outcome          `json:"outcomes"`
}

// UploadGrades translates handle-keyed scores back to roster ids, which is
// what the LMS bulk update accepts. Handles missing from roster are dropped.
func (r *Result) UploadGrades(roster Roster) map[int64]float64 {
	byHandle := make(map[string]int64, len(roster))
	for _, s := range roster {
		byHandle[NormalizeHandle(s.Handle)] = s.ID
	}
	out := make(map[int64]float64, len(r.Scores))
	for h, score := range r.Scores {
		if id, ok := byHandle[h]; ok {
			out[id] = score
		}
	}
	return out
}

// NeedsReview reports whether a human should look at the run before upload.
func (r *Result) NeedsReview() bool {
	return len(r.UnmatchedRawIdentities) > 0 || len(r.Rejected) > 0 || len(r.MissingSubmissionData) > 0
}
