package reconcile

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// PenaltyPolicy selects how lateness is discounted. Both variants stay
// available: historical grades depend on which one a course used.
type PenaltyPolicy string

const (
	// PolicyFixed subtracts pointsPossible*fraction once and zeroes anything
	// at or beyond maxDaysLate.
	PolicyFixed PenaltyPolicy = "fixed"
	// PolicyLinear grows the penalty from 0 at the due instant to the full
	// fraction at maxDaysLate, then holds it there.
	PolicyLinear PenaltyPolicy = "linear"
)

// ParsePolicy accepts "fixed" or "linear" (case-insensitive, empty = fixed).
func ParsePolicy(s string) (PenaltyPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(PolicyFixed):
		return PolicyFixed, nil
	case string(PolicyLinear):
		return PolicyLinear, nil
	default:
		return "", fmt.Errorf("unknown penalty policy %q", s)
	}
}

// LateState is the lateness classification of one student's submission.
type LateState string

const (
	StateNotChecked            LateState = "not_checked"
	StateMissingSubmissionData LateState = "missing_submission_data"
	StateNoSubmission          LateState = "no_submission"
	StateOnTime                LateState = "on_time"
	StateLateExcused           LateState = "late_excused"
	StateLateWithinWindow      LateState = "late_within_window"
	StateLateBeyondWindow      LateState = "late_beyond_window"
)

const day = 24 * time.Hour

// Classify places a submission relative to the due date. A submission past
// the grace period that the LMS does not flag as late was excused by the
// instructor; beyond the window the flag is not consulted.
func Classify(sub SubmissionRecord, dueAt time.Time, opts Options) LateState {
	if sub.SubmittedAt == nil {
		return StateNoSubmission
	}
	at := *sub.SubmittedAt
	if !at.After(dueAt.Add(opts.GracePeriod)) {
		return StateOnTime
	}
	if latenessDays(at, dueAt) >= opts.MaxDaysLate {
		return StateLateBeyondWindow
	}
	if !sub.IsLate {
		return StateLateExcused
	}
	return StateLateWithinWindow
}

func latenessDays(at, dueAt time.Time) float64 {
	return float64(at.Sub(dueAt)) / float64(day)
}

// penaltyFunc returns the score after the penalty and the amount deducted.
type penaltyFunc func(score float64, state LateState, sub SubmissionRecord, actx AssignmentContext, opts Options) (float64, float64)

var policies = map[PenaltyPolicy]penaltyFunc{
	PolicyFixed:  fixedPenalty,
	PolicyLinear: linearPenalty,
}

func fixedPenalty(score float64, state LateState, _ SubmissionRecord, actx AssignmentContext, opts Options) (float64, float64) {
	switch state {
	case StateLateWithinWindow:
		p := actx.PointsPossible * opts.LatePenalty
		return score - p, p
	case StateLateBeyondWindow:
		return 0, score
	}
	return score, 0
}

func linearPenalty(score float64, state LateState, sub SubmissionRecord, actx AssignmentContext, opts Options) (float64, float64) {
	switch state {
	case StateLateWithinWindow:
		frac := latenessDays(*sub.SubmittedAt, actx.DueAt) / opts.MaxDaysLate
		p := actx.PointsPossible * opts.LatePenalty * math.Min(frac, 1)
		return score - p, p
	case StateLateBeyondWindow:
		if !sub.IsLate {
			return score, 0
		}
		p := actx.PointsPossible * opts.LatePenalty
		return score - p, p
	}
	return score, 0
}

// ApplyPenalty adjusts an aggregated score for lateness and floors the
// result at zero. It never caps the score from above.
func ApplyPenalty(score float64, sub SubmissionRecord, actx AssignmentContext, opts Options) (final, penalty float64, state LateState) {
	state = Classify(sub, actx.DueAt, opts)
	if state == StateNoSubmission {
		return 0, math.Max(score, 0), state
	}
	fn, ok := policies[opts.Policy]
	if !ok {
		fn = fixedPenalty
	}
	final, penalty = fn(score, state, sub, actx, opts)
	return math.Max(final, 0), penalty, state
}

// severity orders the states a timed component can take, so a row reports
// its worst one.
var severity = map[LateState]int{
	StateOnTime:           1,
	StateLateExcused:      2,
	StateLateWithinWindow: 3,
	StateLateBeyondWindow: 4,
}

// penalizeComponents applies the late policy to each base component that
// carries its own timing, on the ordinal scale, flooring each at zero. It
// returns nil when no component is timed. Per-component timing comes from an
// autograder whose late flag is authoritative, so an unflagged component is
// never penalized, even beyond the window.
func penalizeComponents(components []Component, dueAt time.Time, opts Options) ([]Component, LateState) {
	var (
		out   []Component
		state LateState
	)
	scale := AssignmentContext{DueAt: dueAt, PointsPossible: float64(opts.OrdinalScaleMax)}
	for i, c := range components {
		if c.Submission == nil || c.IsExtraCredit || c.IsTotal {
			continue
		}
		if out == nil {
			out = append([]Component(nil), components...)
		}
		at := c.Submission.SubmittedAt
		sub := SubmissionRecord{SubmittedAt: &at, IsLate: c.Submission.IsLate}
		var st LateState
		if !sub.IsLate && Classify(sub, dueAt, opts) == StateLateBeyondWindow {
			st = StateLateExcused
		} else {
			out[i].Value, _, st = ApplyPenalty(c.Value, sub, scale, opts)
		}
		if severity[st] > severity[state] {
			state = st
		}
	}
	return out, state
}
