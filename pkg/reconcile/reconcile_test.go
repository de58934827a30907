package reconcile_test

import (
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/mind-engage/gradesync/pkg/reconcile"
	. "github.com/smartystreets/goconvey/convey"
)

var due = time.Date(2024, 1, 10, 17, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := due.Add(d)
	return &t
}

func base(label string, v float64) reconcile.Component {
	return reconcile.Component{Label: label, Value: v}
}

func entry(id string, comps ...reconcile.Component) reconcile.RawScoreEntry {
	return reconcile.RawScoreEntry{Identity: reconcile.ParseIdentity(id), Components: comps}
}

func threeStudents() reconcile.Roster {
	return reconcile.Roster{
		{ID: 1, Handle: "abc123", DisplayName: "Cee, Abe"},
		{ID: 2, Handle: "jdoe", DisplayName: "Doe, Jane"},
		{ID: 3, Handle: "xyz9", DisplayName: "Zed, Xavier"},
	}
}

func TestReconcile_Scenario(t *testing.T) {
	Convey("Given one student who submitted ten minutes late", t, func() {
		roster := reconcile.Roster{{ID: 1, Handle: "abc123"}}
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}
		subs := []reconcile.SubmissionRecord{{StudentID: 1, SubmittedAt: at(10 * time.Minute), IsLate: true}}
		entries := []reconcile.RawScoreEntry{entry("abc123", base("Q1", 3), base("Q2", 2))}

		Convey("When reconciling with the fixed policy", func() {
			res, err := reconcile.Reconcile(roster, actx, subs, entries, reconcile.WithPolicy(reconcile.PolicyFixed))

			Convey("Then the aggregate is 8.33 and the penalty 2.5", func() {
				So(err, ShouldBeNil)
				So(res.Outcomes, ShouldHaveLength, 1)
				So(res.Outcomes[0].Aggregated, ShouldAlmostEqual, 10*(5.0/3)/2, 1e-9)
				So(res.Outcomes[0].Penalty, ShouldAlmostEqual, 2.5, 1e-9)
				So(res.Outcomes[0].State, ShouldEqual, reconcile.StateLateWithinWindow)
				So(res.Scores["abc123"], ShouldAlmostEqual, 35.0/6, 1e-9)
				So(res.UnmatchedRawIdentities, ShouldBeEmpty)
				So(res.StudentsMissingRawScore, ShouldBeEmpty)
			})
		})
	})
}

func TestReconcile_LateRules(t *testing.T) {
	Convey("Given a roster and a 10 point assignment", t, func() {
		roster := threeStudents()
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}
		full := []reconcile.Component{base("Q1", 3), base("Q2", 3), base("Q3", 3)}

		run := func(sub reconcile.SubmissionRecord, opts ...reconcile.Option) reconcile.Outcome {
			res, err := reconcile.Reconcile(roster, actx, []reconcile.SubmissionRecord{sub},
				[]reconcile.RawScoreEntry{{Identity: reconcile.ParseIdentity("abc123"), Components: full}}, opts...)
			So(err, ShouldBeNil)
			So(res.Outcomes, ShouldHaveLength, 1)
			return res.Outcomes[0]
		}

		Convey("A student with no submission scores zero", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1})
			So(out.State, ShouldEqual, reconcile.StateNoSubmission)
			So(out.Final, ShouldEqual, 0)
		})

		Convey("An on-time submission keeps its aggregate", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(-time.Hour)})
			So(out.State, ShouldEqual, reconcile.StateOnTime)
			So(out.Final, ShouldEqual, 10.0)
		})

		Convey("A flagged submission inside the grace period is on time", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(5 * time.Minute), IsLate: true})
			So(out.State, ShouldEqual, reconcile.StateOnTime)
			So(out.Penalty, ShouldEqual, 0)
		})

		Convey("Fixed policy one second past grace loses a quarter of the points", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(5*time.Minute + time.Second), IsLate: true})
			So(out.State, ShouldEqual, reconcile.StateLateWithinWindow)
			So(out.Final, ShouldAlmostEqual, 7.5, 1e-9)
		})

		Convey("Fixed policy beyond maxDaysLate scores zero even when excused", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(3*24*time.Hour + time.Second), IsLate: false})
			So(out.State, ShouldEqual, reconcile.StateLateBeyondWindow)
			So(out.Final, ShouldEqual, 0)
		})

		Convey("A late submission the LMS does not flag is excused", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(2 * time.Hour), IsLate: false})
			So(out.State, ShouldEqual, reconcile.StateLateExcused)
			So(out.Final, ShouldEqual, 10.0)
		})

		Convey("Linear policy at half the window takes half the fraction", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(36 * time.Hour), IsLate: true},
				reconcile.WithPolicy(reconcile.PolicyLinear))
			So(out.Penalty, ShouldAlmostEqual, 10*0.25*0.5, 1e-9)
			So(out.Final, ShouldAlmostEqual, 8.75, 1e-9)
		})

		Convey("Linear policy beyond the window clamps to the full fraction", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1, SubmittedAt: at(10 * 24 * time.Hour), IsLate: true},
				reconcile.WithPolicy(reconcile.PolicyLinear))
			So(out.State, ShouldEqual, reconcile.StateLateBeyondWindow)
			So(out.Final, ShouldAlmostEqual, 7.5, 1e-9)
		})

		Convey("Penalties never push a score below zero", func() {
			res, err := reconcile.Reconcile(roster, actx,
				[]reconcile.SubmissionRecord{{StudentID: 1, SubmittedAt: at(time.Hour), IsLate: true}},
				[]reconcile.RawScoreEntry{entry("abc123", base("Q1", 0))},
				reconcile.WithLatePenalty(0.9))
			So(err, ShouldBeNil)
			So(res.Scores["abc123"], ShouldEqual, 0)
		})

		Convey("Without checkLate the aggregate stands", func() {
			out := run(reconcile.SubmissionRecord{StudentID: 1}, reconcile.WithCheckLate(false))
			So(out.State, ShouldEqual, reconcile.StateNotChecked)
			So(out.Final, ShouldEqual, 10.0)
		})
	})
}

func TestReconcile_Reports(t *testing.T) {
	Convey("Given raw rows that only partly match the roster", t, func() {
		roster := threeStudents()
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}
		subs := []reconcile.SubmissionRecord{{StudentID: 2, SubmittedAt: at(-time.Minute)}}
		entries := []reconcile.RawScoreEntry{
			entry("Jdoe@cornell.edu", base("Q1", 3)),
			entry("ghost1", base("Q1", 3)),
			entry("abc123", base("Q1", 2)),
			entry("XYZ9", reconcile.Component{Label: "HW Score", Value: 4, IsExtraCredit: true}),
		}

		res, err := reconcile.Reconcile(roster, actx, subs, entries)
		So(err, ShouldBeNil)

		Convey("Email identities resolve to the handle", func() {
			So(res.Scores, ShouldContainKey, "jdoe")
			So(res.Scores["jdoe"], ShouldEqual, 10.0)
		})

		Convey("Unknown identities are reported, not scored", func() {
			So(res.UnmatchedRawIdentities, ShouldResemble, []string{"ghost1"})
			So(res.Scores, ShouldNotContainKey, "ghost1")
		})

		Convey("A matched student without a submission record is left unpenalized", func() {
			So(res.MissingSubmissionData, ShouldResemble, []string{"abc123"})
			So(res.Scores["abc123"], ShouldAlmostEqual, 20.0/3, 1e-9)
		})

		Convey("A row with only extra credit and no total is rejected", func() {
			So(res.Rejected, ShouldHaveLength, 1)
			So(res.Rejected[0].Identity, ShouldEqual, "XYZ9")
			So(res.StudentsMissingRawScore, ShouldResemble, []string{"xyz9"})
		})

		Convey("Issues wrap the matching sentinels", func() {
			issues := res.Issues()
			So(issues, ShouldHaveLength, 3)
			So(errors.Is(issues[0], reconcile.ErrUnresolvedIdentity), ShouldBeTrue)
			So(errors.Is(issues[1], reconcile.ErrMalformedScoreRow), ShouldBeTrue)
			So(errors.Is(issues[2], reconcile.ErrMissingSubmissionData), ShouldBeTrue)
			So(res.NeedsReview(), ShouldBeTrue)
		})

		Convey("Upload grades are keyed by roster id", func() {
			grades := res.UploadGrades(roster)
			So(grades, ShouldHaveLength, 2)
			So(grades[2], ShouldEqual, 10.0)
		})
	})

	Convey("Given two rows for the same student", t, func() {
		roster := threeStudents()
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}
		entries := []reconcile.RawScoreEntry{
			entry("jdoe", base("Q1", 1)),
			entry("JDOE@cornell.edu", base("Q1", 3)),
		}
		res, err := reconcile.Reconcile(roster, actx, nil, entries, reconcile.WithCheckLate(false))

		Convey("The later row wins and the earlier one is reported", func() {
			So(err, ShouldBeNil)
			So(res.Scores["jdoe"], ShouldEqual, 10.0)
			So(res.Outcomes, ShouldHaveLength, 1)
			So(res.Rejected, ShouldHaveLength, 1)
			So(res.Rejected[0].Identity, ShouldEqual, "jdoe")
		})
	})
}

func TestReconcile_Components(t *testing.T) {
	Convey("Given a roster and a 10 point assignment", t, func() {
		roster := threeStudents()
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}

		Convey("A row with only a holistic total scores that total as-is", func() {
			entries := []reconcile.RawScoreEntry{entry("jdoe",
				reconcile.Component{Label: "Total HW Score", Value: 8.5, IsTotal: true},
				reconcile.Component{Label: "Extra Credit", Value: 3, IsExtraCredit: true},
			)}
			res, err := reconcile.Reconcile(roster, actx, nil, entries, reconcile.WithCheckLate(false))
			So(err, ShouldBeNil)
			So(res.Scores["jdoe"], ShouldEqual, 8.5)
			So(res.Outcomes[0].ExtraCredit, ShouldEqual, 0)
			So(res.Rejected, ShouldBeEmpty)
		})

		Convey("A non-finite component rejects the row as malformed", func() {
			entries := []reconcile.RawScoreEntry{entry("abc123", base("Q1", 3), base("Q2", math.NaN()))}
			res, err := reconcile.Reconcile(roster, actx, nil, entries, reconcile.WithCheckLate(false))
			So(err, ShouldBeNil)
			So(res.Scores, ShouldNotContainKey, "abc123")
			So(res.Rejected, ShouldHaveLength, 1)
			So(res.Rejected[0].Identity, ShouldEqual, "abc123")
			So(res.Rejected[0].Reason, ShouldContainSubstring, reconcile.ErrMalformedScoreRow.Error())
			So(res.StudentsMissingRawScore, ShouldContain, "abc123")
		})

		Convey("An address typed into a netid field still resolves", func() {
			id := reconcile.Identity{Kind: reconcile.NetIDKeyed, Value: "JDoe@cornell.edu"}
			So(id.Handle(), ShouldEqual, "jdoe")
			res, err := reconcile.Reconcile(roster, actx, nil,
				[]reconcile.RawScoreEntry{{Identity: id, Components: []reconcile.Component{base("Q1", 3)}}},
				reconcile.WithCheckLate(false))
			So(err, ShouldBeNil)
			So(res.Scores["jdoe"], ShouldEqual, 10.0)
			So(res.UnmatchedRawIdentities, ShouldBeEmpty)
		})

		Convey("Components with their own timing are penalized one by one", func() {
			timed := func(v float64, d time.Duration, late bool) reconcile.Component {
				return reconcile.Component{Label: "P", Value: v,
					Submission: &reconcile.ComponentTiming{SubmittedAt: due.Add(d), IsLate: late}}
			}
			entries := []reconcile.RawScoreEntry{entry("abc123",
				timed(1, -time.Hour, false),
				timed(1, -time.Hour, false),
				timed(1, -time.Hour, false),
				timed(1, 20*time.Hour, true),
			)}
			res, err := reconcile.Reconcile(roster, actx, nil, entries, reconcile.WithOrdinalScaleMax(1))
			So(err, ShouldBeNil)
			So(res.Scores["abc123"], ShouldAlmostEqual, 9.375, 1e-9)
			So(res.Outcomes[0].Aggregated, ShouldAlmostEqual, 10, 1e-9)
			So(res.Outcomes[0].Penalty, ShouldAlmostEqual, 0.625, 1e-9)
			So(res.Outcomes[0].State, ShouldEqual, reconcile.StateLateWithinWindow)
			So(res.MissingSubmissionData, ShouldBeEmpty)
		})
	})
}

func TestReconcile_Preconditions(t *testing.T) {
	Convey("Given invalid inputs", t, func() {
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}

		Convey("An empty roster is fatal", func() {
			_, err := reconcile.Reconcile(nil, actx, nil, nil)
			So(reconcile.IsConfigError(err), ShouldBeTrue)
		})

		Convey("A missing assignment context is fatal", func() {
			_, err := reconcile.Reconcile(threeStudents(), nil, nil, nil)
			So(errors.Is(err, reconcile.ErrConfiguration), ShouldBeTrue)
		})

		Convey("A late penalty outside (0,1) is fatal", func() {
			for _, f := range []float64{0, 1, -0.5, 1.5} {
				_, err := reconcile.Reconcile(threeStudents(), actx, nil, nil, reconcile.WithLatePenalty(f))
				var cerr *reconcile.ConfigError
				So(errors.As(err, &cerr), ShouldBeTrue)
				So(cerr.Field, ShouldEqual, "late_penalty")
			}
		})

		Convey("An unknown policy is fatal", func() {
			_, err := reconcile.Reconcile(threeStudents(), actx, nil, nil, reconcile.WithPolicy("exponential"))
			So(reconcile.IsConfigError(err), ShouldBeTrue)
		})

		Convey("Duplicate handles are fatal", func() {
			roster := reconcile.Roster{{ID: 1, Handle: "jdoe"}, {ID: 2, Handle: "JDoe"}}
			_, err := reconcile.Reconcile(roster, actx, nil, nil)
			So(reconcile.IsConfigError(err), ShouldBeTrue)
		})
	})
}

func TestReconcile_Deterministic(t *testing.T) {
	Convey("Given a fixed input triple", t, func() {
		roster := threeStudents()
		actx := &reconcile.AssignmentContext{DueAt: due, PointsPossible: 10}
		subs := []reconcile.SubmissionRecord{
			{StudentID: 1, SubmittedAt: at(time.Hour), IsLate: true},
			{StudentID: 2, SubmittedAt: at(-time.Hour)},
			{StudentID: 3},
		}
		entries := []reconcile.RawScoreEntry{
			entry("xyz9", base("Q1", 1), base("Q2", 2)),
			entry("abc123", base("Q1", 3), reconcile.Component{Label: "Extra Credit", Value: 3, IsExtraCredit: true}),
			entry("nobody", base("Q1", 3)),
			entry("jdoe@example.edu", base("Q1", 2)),
		}

		Convey("Two runs serialize to identical bytes", func() {
			a, err := reconcile.Reconcile(roster, actx, subs, entries)
			So(err, ShouldBeNil)
			b, err := reconcile.Reconcile(roster, actx, subs, entries)
			So(err, ShouldBeNil)
			ja, _ := json.Marshal(a)
			jb, _ := json.Marshal(b)
			So(string(ja), ShouldEqual, string(jb))
		})

		Convey("Concurrent runs agree", func() {
			want, _ := reconcile.Reconcile(roster, actx, subs, entries)
			wantJSON, _ := json.Marshal(want)

			var wg sync.WaitGroup
			got := make([]string, 8)
			for i := range got {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					r, _ := reconcile.Reconcile(roster, actx, subs, entries)
					j, _ := json.Marshal(r)
					got[i] = string(j)
				}(i)
			}
			wg.Wait()
			for _, g := range got {
				So(g, ShouldEqual, string(wantJSON))
			}
		})
	})
}
