package reconcile

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// Reconcile computes final per-student scores. It fails only on a
// configuration error; bad or unmatched rows are reported in the Result.
func Reconcile(roster Roster, actx *AssignmentContext, subs []SubmissionRecord, entries []RawScoreEntry, opts ...Option) (*Result, error) {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if actx == nil {
		return nil, configErr("assignment", "missing context")
	}
	if actx.PointsPossible < 0 {
		return nil, configErr("assignment", "negative points possible")
	}
	ix, err := newIndex(roster)
	if err != nil {
		return nil, err
	}

	subByID := make(map[int64]SubmissionRecord, len(subs))
	for _, s := range subs {
		subByID[s.StudentID] = s
	}

	res := &Result{
		Scores:                  map[string]float64{},
		UnmatchedRawIdentities:  []string{},
		StudentsMissingRawScore: []string{},
		MissingSubmissionData:   []string{},
		Rejected:                []Rejection{},
		Outcomes:                []Outcome{},
	}
	outcomeAt := map[string]int{}
	rawFor := map[string]string{}

	for _, e := range entries {
		st, ok := ix.resolve(e.Identity)
		if !ok {
			res.UnmatchedRawIdentities = append(res.UnmatchedRawIdentities, e.Identity.Value)
			continue
		}
		agg, err := AggregateComponents(e.Components, actx.PointsPossible, o)
		if err != nil {
			res.Rejected = append(res.Rejected, Rejection{Identity: e.Identity.Value, Reason: err.Error()})
			continue
		}

		out := Outcome{
			Handle:      st.Handle,
			StudentID:   st.ID,
			Base:        agg.Base,
			ExtraCredit: agg.ExtraCredit,
			Aggregated:  agg.Total(),
			State:       StateNotChecked,
			Final:       agg.Total(),
		}
		if o.CheckLate {
			if timed, state := penalizeComponents(e.Components, actx.DueAt, o); timed != nil {
				// Same shape as the row that just aggregated, so this cannot fail.
				pen, _ := AggregateComponents(timed, actx.PointsPossible, o)
				out.Final = math.Max(pen.Total(), 0)
				out.Penalty = agg.Total() - out.Final
				out.State = state
			} else if sub, ok := subByID[st.ID]; ok {
				out.Final, out.Penalty, out.State = ApplyPenalty(agg.Total(), sub, *actx, o)
			} else {
				out.State = StateMissingSubmissionData
			}
		}

		if i, dup := outcomeAt[st.Handle]; dup {
			res.Rejected = append(res.Rejected, Rejection{Identity: rawFor[st.Handle], Reason: "superseded by a later entry for " + st.Handle})
			res.Outcomes[i] = out
		} else {
			outcomeAt[st.Handle] = len(res.Outcomes)
			res.Outcomes = append(res.Outcomes, out)
		}
		rawFor[st.Handle] = e.Identity.Value
	}

	// The surviving outcome decides the reports, so a superseded row cannot
	// leave a stale entry behind.
	for _, out := range res.Outcomes {
		res.Scores[out.Handle] = out.Final
		if out.State == StateMissingSubmissionData {
			res.MissingSubmissionData = append(res.MissingSubmissionData, out.Handle)
		}
	}
	sort.Strings(res.MissingSubmissionData)
	sort.SliceStable(res.Outcomes, func(i, j int) bool { return res.Outcomes[i].Handle < res.Outcomes[j].Handle })

	for _, h := range ix.handles {
		if _, ok := res.Scores[h]; !ok {
			res.StudentsMissingRawScore = append(res.StudentsMissingRawScore, h)
		}
	}
	return res, nil
}

// IsConfigError reports whether err is a fatal precondition failure.
func IsConfigError(err error) bool { return errors.Is(err, ErrConfiguration) }

// Issues lists everything a human should review before upload, one error per
// item, each wrapping the matching sentinel.
func (r *Result) Issues() []error {
	var out []error
	for _, id := range r.UnmatchedRawIdentities {
		out = append(out, fmt.Errorf("%w: %q", ErrUnresolvedIdentity, id))
	}
	for _, rj := range r.Rejected {
		out = append(out, fmt.Errorf("%w: %s: %s", ErrMalformedScoreRow, rj.Identity, rj.Reason))
	}
	for _, h := range r.MissingSubmissionData {
		out = append(out, fmt.Errorf("%w: %s scored without a late check", ErrMissingSubmissionData, h))
	}
	return out
}
